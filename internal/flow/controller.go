// Package flow provides the conversation state machine controller.
package flow

import (
	"fmt"
	"log/slog"

	"github.com/postopcare/followup/internal/models"
	"github.com/postopcare/followup/internal/store"
)

// maxUpdateRetries bounds the optimistic-concurrency retry loop on
// conversation writes. Concurrent webhook deliveries for the same address
// are rare but possible under duplicate delivery.
const maxUpdateRetries = 3

// Legal transitions of the conversation lifecycle. The initial state is
// idle; completed always returns to idle via the delayed reset.
var allowedTransitions = map[models.ConversationState][]models.ConversationState{
	models.StateIdle:              {models.StateAwaitingConsent},
	models.StateAwaitingConsent:   {models.StateCollectingAnswers, models.StateAwaitingConsent},
	models.StateCollectingAnswers: {models.StateCollectingAnswers, models.StateCompleted},
	models.StateCompleted:         {models.StateIdle, models.StateAwaitingConsent},
}

func transitionAllowed(from, to models.ConversationState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Controller owns all writes to a conversation's state and context. Every
// component mutates conversations through it; the context patch is merged
// into the existing context, never substituted wholesale.
type Controller struct {
	store store.Store
}

// NewController creates a Controller backed by the given store.
func NewController(st store.Store) *Controller {
	return &Controller{store: st}
}

// UpdateConversationState transitions a conversation to newState, merging
// contextPatch into its context. The write is version-checked; on a
// conflict the conversation is re-read and the merge retried, so concurrent
// deliveries cannot silently clobber each other's context.
func (c *Controller) UpdateConversationState(id string, newState models.ConversationState, patch models.ContextPatch) (*models.Conversation, error) {
	if !models.IsValidConversationState(newState) {
		return nil, fmt.Errorf("invalid conversation state %q", newState)
	}

	var lastErr error
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		conv, err := c.store.GetConversationByID(id)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversation: %w", err)
		}
		if conv == nil {
			return nil, models.ErrConversationNotFound
		}

		if conv.State != newState && !transitionAllowed(conv.State, newState) {
			slog.Error("Controller transition rejected", "conversationID", id, "from", conv.State, "to", newState)
			return nil, fmt.Errorf("illegal transition from %s to %s", conv.State, newState)
		}

		newCtx := patch.Apply(conv.Context)
		if newState == models.StateIdle {
			// Idle carries no cycle context; stale follow-up bindings,
			// answers and template flags are dropped here.
			newCtx = models.ClearedContext()
		}

		err = c.store.UpdateConversationState(id, newState, newCtx, conv.Version)
		if err == nil {
			conv.State = newState
			conv.Context = newCtx
			conv.Version++
			slog.Info("Controller transitioned conversation", "conversationID", id, "to", newState)
			return conv, nil
		}
		if err != models.ErrVersionConflict {
			return nil, fmt.Errorf("failed to update conversation state: %w", err)
		}
		lastErr = err
		slog.Warn("Controller retrying after version conflict", "conversationID", id, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("conversation update contended after %d attempts: %w", maxUpdateRetries, lastErr)
}

// ResetToIdle clears a conversation back to idle, dropping all cycle
// context. Used by the delayed reset after completion.
func (c *Controller) ResetToIdle(id string) error {
	_, err := c.UpdateConversationState(id, models.StateIdle, models.ContextPatch{})
	return err
}
