// Package flow provides the turn processor, the central loop of the engine.
package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/postopcare/followup/internal/models"
	"github.com/postopcare/followup/internal/store"
)

// DefaultContextWindowSize bounds how many recent ledger messages are
// handed to the interpreter, oldest first.
const DefaultContextWindowSize = 10

// TurnProcessor handles one inbound questionnaire answer: it records the
// message, delegates interpretation, merges the returned answer deltas, and
// decides continuation versus completion.
type TurnProcessor struct {
	store             store.Store
	resolver          *Resolver
	ledger            *Ledger
	controller        *Controller
	interpreter       Interpreter
	messenger         Messenger
	finalizer         *Finalizer
	contextWindowSize int
}

// NewTurnProcessor creates a TurnProcessor with its collaborators.
func NewTurnProcessor(st store.Store, resolver *Resolver, ledger *Ledger, controller *Controller, interpreter Interpreter, messenger Messenger, finalizer *Finalizer) *TurnProcessor {
	return &TurnProcessor{
		store:             st,
		resolver:          resolver,
		ledger:            ledger,
		controller:        controller,
		interpreter:       interpreter,
		messenger:         messenger,
		finalizer:         finalizer,
		contextWindowSize: DefaultContextWindowSize,
	}
}

// ProcessQuestionnaireAnswer processes one inbound patient reply for an
// active questionnaire cycle. Preconditions (conversation, patient, surgery,
// follow-up) are fatal when missing; image sends are best effort; the
// interpreter's reply is always sent back and ledgered.
func (p *TurnProcessor) ProcessQuestionnaireAnswer(ctx context.Context, rawAddress, rawText string) (models.TurnResult, error) {
	var result models.TurnResult

	conv, err := p.resolver.Resolve(rawAddress, "")
	if err != nil {
		return result, err
	}

	conv, err = p.ledger.RecordUserMessage(conv.ID, rawText)
	if err != nil {
		return result, err
	}

	switch conv.State {
	case models.StateAwaitingConsent:
		// The patient has started responding; begin collecting with a
		// fresh answer map.
		conv, err = p.controller.UpdateConversationState(conv.ID, models.StateCollectingAnswers, models.ContextPatch{ClearAnswers: true})
		if err != nil {
			return result, err
		}
	case models.StateCollectingAnswers:
		// Turn continues an in-progress collection.
	default:
		return result, fmt.Errorf("conversation %s is not collecting answers (state %s)", conv.ID, conv.State)
	}

	patient, surgery, followUp, err := p.loadClinicalContext(conv)
	if err != nil {
		return result, err
	}

	window, err := p.buildContextWindow(conv.ID)
	if err != nil {
		return result, err
	}

	interpretation, err := p.interpreter.InterpretReply(ctx, models.InterpretationInput{
		ReplyText:      rawText,
		Patient:        *patient,
		Surgery:        *surgery,
		ContextWindow:  window,
		PartialAnswers: conv.Context.Answers.Clone(),
		// Day number comes from the follow-up record, not wall-clock math,
		// so a reply after local midnight stays on the cycle's day.
		DayNumber: followUp.DayNumber,
	})
	if err != nil {
		slog.Error("TurnProcessor interpretation failed", "error", err, "conversationID", conv.ID)
		return result, fmt.Errorf("interpretation failed: %w", err)
	}

	p.sendImages(ctx, conv, interpretation.ImageDirectives)

	targetState := models.StateCollectingAnswers
	if interpretation.IsComplete {
		targetState = models.StateCompleted
	}
	conv, err = p.controller.UpdateConversationState(conv.ID, targetState, models.ContextPatch{
		Answers: interpretation.UpdatedAnswers,
	})
	if err != nil {
		return result, err
	}

	if interpretation.Reply != "" {
		if err := p.messenger.SendText(ctx, conv.ChannelAddress, interpretation.Reply); err != nil {
			slog.Error("TurnProcessor reply send failed", "error", err, "conversationID", conv.ID)
			return result, fmt.Errorf("failed to send reply: %w", err)
		}
		if _, err := p.ledger.RecordSystemMessage(conv.ID, interpretation.Reply); err != nil {
			return result, err
		}
	}

	if interpretation.IsComplete {
		if err := p.finalizer.Finalize(ctx, conv, followUp, surgery, interpretation); err != nil {
			return result, err
		}
	}

	result = models.TurnResult{
		Completed:        interpretation.IsComplete,
		NextQuestion:     interpretation.Reply,
		NeedsDoctorAlert: interpretation.NeedsDoctorAlert,
	}
	slog.Info("TurnProcessor turn processed", "conversationID", conv.ID, "completed", result.Completed, "doctorAlert", result.NeedsDoctorAlert)
	return result, nil
}

// loadClinicalContext resolves the patient, latest surgery and bound
// follow-up for a conversation. All three are unrecoverable preconditions.
func (p *TurnProcessor) loadClinicalContext(conv *models.Conversation) (*models.Patient, *models.Surgery, *models.FollowUp, error) {
	if conv.PatientID == "" {
		return nil, nil, nil, fmt.Errorf("conversation %s: %w", conv.ID, models.ErrPatientNotFound)
	}
	patient, err := p.store.GetPatient(conv.PatientID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load patient: %w", err)
	}
	if patient == nil {
		return nil, nil, nil, fmt.Errorf("patient %s: %w", conv.PatientID, models.ErrPatientNotFound)
	}

	surgery, err := p.store.GetLatestSurgery(patient.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load surgery: %w", err)
	}
	if surgery == nil {
		return nil, nil, nil, fmt.Errorf("patient %s: %w", patient.ID, models.ErrSurgeryNotFound)
	}

	if conv.Context.FollowUpID == "" {
		return nil, nil, nil, fmt.Errorf("conversation %s has no bound follow-up: %w", conv.ID, models.ErrFollowUpNotFound)
	}
	followUp, err := p.store.GetFollowUp(conv.Context.FollowUpID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load follow-up: %w", err)
	}
	if followUp == nil {
		return nil, nil, nil, fmt.Errorf("follow-up %s: %w", conv.Context.FollowUpID, models.ErrFollowUpNotFound)
	}
	return patient, surgery, followUp, nil
}

// buildContextWindow returns the most recent ledger messages, oldest first,
// with system entries relabelled "assistant" for the interpreter.
func (p *TurnProcessor) buildContextWindow(conversationID string) ([]models.ChatMessage, error) {
	history, err := p.ledger.History(conversationID)
	if err != nil {
		return nil, err
	}
	if len(history) > p.contextWindowSize {
		history = history[len(history)-p.contextWindowSize:]
	}
	window := make([]models.ChatMessage, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.Role == models.RoleSystem {
			role = "assistant"
		}
		window = append(window, models.ChatMessage{Role: role, Content: m.Content})
	}
	return window, nil
}

// sendImages executes image directives best-effort. A transient media
// failure must never abort an otherwise valid clinical turn.
func (p *TurnProcessor) sendImages(ctx context.Context, conv *models.Conversation, directives []models.ImageDirective) {
	for _, d := range directives {
		if d.URL == "" {
			continue
		}
		if err := p.messenger.SendImage(ctx, conv.ChannelAddress, d.URL, d.Caption); err != nil {
			slog.Warn("TurnProcessor image send failed, continuing", "error", err, "conversationID", conv.ID, "url", d.URL)
		}
	}
}
