// Package flow provides the append-only message ledger.
package flow

import (
	"fmt"
	"log/slog"

	"github.com/postopcare/followup/internal/models"
	"github.com/postopcare/followup/internal/store"
)

// Ledger records every inbound and outbound message into a conversation's
// history. Entries are append-only; nothing is ever edited or removed.
type Ledger struct {
	store store.Store
	clock Clock
}

// NewLedger creates a Ledger backed by the given store.
func NewLedger(st store.Store, clock Clock) *Ledger {
	return &Ledger{store: st, clock: clock}
}

// RecordUserMessage appends a patient-authored entry and updates the
// last-user-message pointers in the same write.
func (l *Ledger) RecordUserMessage(conversationID, text string) (*models.Conversation, error) {
	return l.record(conversationID, models.RoleUser, text)
}

// RecordSystemMessage appends an engine-authored entry and updates the
// last-system-message pointers in the same write.
func (l *Ledger) RecordSystemMessage(conversationID, text string) (*models.Conversation, error) {
	return l.record(conversationID, models.RoleSystem, text)
}

func (l *Ledger) record(conversationID string, role models.MessageRole, text string) (*models.Conversation, error) {
	msg := models.Message{
		Role:      role,
		Content:   text,
		Timestamp: l.clock.Now(),
	}
	conv, err := l.store.AppendMessage(conversationID, msg)
	if err != nil {
		slog.Error("Ledger append failed", "error", err, "conversationID", conversationID, "role", role)
		return nil, fmt.Errorf("failed to record %s message: %w", role, err)
	}
	slog.Debug("Ledger appended message", "conversationID", conversationID, "role", role, "length", len(text))
	return conv, nil
}

// History returns the full ordered message history of a conversation.
func (l *Ledger) History(conversationID string) ([]models.Message, error) {
	msgs, err := l.store.GetMessages(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message history: %w", err)
	}
	return msgs, nil
}
