// Package flow provides the template gate guarding questionnaire cycles.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/postopcare/followup/internal/models"
)

// InvitationValidityWindow is how long a sent invitation template remains
// live. A reply arriving after the window is treated as an unsolicited
// message, not a questionnaire response.
const InvitationValidityWindow = 24 * time.Hour

// TemplateGate controls when a new questionnaire cycle may be initiated and
// how long a sent invitation stays awaiting a reply. MarkTemplateSent is
// the only way a conversation enters awaiting_consent.
type TemplateGate struct {
	resolver   *Resolver
	controller *Controller
	ledger     *Ledger
	messenger  Messenger
	clock      Clock
}

// NewTemplateGate creates a TemplateGate with its collaborators.
func NewTemplateGate(resolver *Resolver, controller *Controller, ledger *Ledger, messenger Messenger, clock Clock) *TemplateGate {
	return &TemplateGate{
		resolver:   resolver,
		controller: controller,
		ledger:     ledger,
		messenger:  messenger,
		clock:      clock,
	}
}

// IsAwaitingQuestionnaire reports whether the conversation behind the given
// address has a live invitation: state awaiting_consent and the template
// sent less than the validity window ago. Returns false when no
// conversation exists.
func (g *TemplateGate) IsAwaitingQuestionnaire(rawAddress string) (bool, error) {
	canonical, err := g.resolver.Canonicalize(rawAddress)
	if err != nil {
		return false, err
	}
	conv, err := g.resolver.lookup(canonical)
	if err != nil {
		return false, err
	}
	if conv == nil {
		return false, nil
	}
	if conv.State != models.StateAwaitingConsent || !conv.Context.TemplateSent {
		return false, nil
	}
	age := g.clock.Now().Sub(conv.Context.TemplateSentAt)
	live := age < InvitationValidityWindow
	slog.Debug("TemplateGate IsAwaitingQuestionnaire", "conversationID", conv.ID, "age", age, "live", live)
	return live, nil
}

// GetConversationFollowUp returns the follow-up id bound to the
// conversation behind the given address, or empty when none is bound.
func (g *TemplateGate) GetConversationFollowUp(rawAddress string) (string, error) {
	canonical, err := g.resolver.Canonicalize(rawAddress)
	if err != nil {
		return "", err
	}
	conv, err := g.resolver.lookup(canonical)
	if err != nil {
		return "", err
	}
	if conv == nil {
		return "", nil
	}
	return conv.Context.FollowUpID, nil
}

// MarkTemplateSent sends the invitation template for a follow-up cycle and
// moves the conversation into awaiting_consent, binding the cycle id and
// stamping the send time. A patient id, when given, is associated sticky.
func (g *TemplateGate) MarkTemplateSent(ctx context.Context, rawAddress, patientID, followUpID, templateID string, params map[string]string, locale string) error {
	conv, err := g.resolver.Resolve(rawAddress, patientID)
	if err != nil {
		return err
	}

	if err := g.messenger.SendTemplate(ctx, conv.ChannelAddress, templateID, params, locale); err != nil {
		slog.Error("TemplateGate template send failed", "error", err, "conversationID", conv.ID, "templateID", templateID)
		return fmt.Errorf("failed to send invitation template: %w", err)
	}

	now := g.clock.Now()
	sent := true
	_, err = g.controller.UpdateConversationState(conv.ID, models.StateAwaitingConsent, models.ContextPatch{
		FollowUpID:     &followUpID,
		TemplateSent:   &sent,
		TemplateSentAt: &now,
		ClearAnswers:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to mark template sent: %w", err)
	}

	if _, err := g.ledger.RecordSystemMessage(conv.ID, fmt.Sprintf("[template:%s]", templateID)); err != nil {
		// The invitation went out; a ledger failure here should not undo it.
		slog.Warn("TemplateGate failed to ledger template send", "error", err, "conversationID", conv.ID)
	}

	slog.Info("TemplateGate invitation sent", "conversationID", conv.ID, "followUpID", followUpID, "templateID", templateID)
	return nil
}
