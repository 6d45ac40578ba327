package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/postopcare/followup/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const conversationColumns = `id, channel_address, patient_id, state, context, version,
	last_user_message, last_user_message_at, last_system_message, last_system_message_at,
	created_at, updated_at`

// scanConversation scans a Conversation from a row or rows cursor.
func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var patientID, contextJSON, lastUser, lastSys sql.NullString
	var lastUserAt, lastSysAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.ChannelAddress, &patientID, &c.State, &contextJSON, &c.Version,
		&lastUser, &lastUserAt, &lastSys, &lastSysAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.PatientID = patientID.String
	c.LastUserMessage = lastUser.String
	c.LastSysMessage = lastSys.String
	if lastUserAt.Valid {
		t := lastUserAt.Time
		c.LastUserMessageAt = &t
	}
	if lastSysAt.Valid {
		t := lastSysAt.Time
		c.LastSysMessageAt = &t
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &c.Context); err != nil {
			slog.Error("store scanConversation context unmarshal failed", "error", err, "conversationID", c.ID)
			// Continue with empty context rather than failing the read.
			c.Context = models.ConversationContext{}
		}
	}
	return &c, nil
}

// marshalContext serializes a conversation context for storage.
func marshalContext(ctx models.ConversationContext) (string, error) {
	b, err := json.Marshal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to marshal conversation context: %w", err)
	}
	return string(b), nil
}

// scanFollowUpResponse scans a FollowUpResponse row.
func scanFollowUpResponse(row rowScanner) (*models.FollowUpResponse, error) {
	var r models.FollowUpResponse
	var painRest, painBowel sql.NullInt64
	var rawAnswers, transcript sql.NullString
	err := row.Scan(
		&r.ID, &r.FollowUpID, &r.PatientID, &painRest, &painBowel,
		&r.Bleeding, &r.Fever, &r.RiskLevel, &rawAnswers, &transcript,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if painRest.Valid {
		v := int(painRest.Int64)
		r.PainAtRest = &v
	}
	if painBowel.Valid {
		v := int(painBowel.Int64)
		r.PainDuringBowel = &v
	}
	r.RawAnswersJSON = rawAnswers.String
	r.Transcript = transcript.String
	return &r, nil
}

// intPtrValue converts *int to a driver-friendly nullable value.
func intPtrValue(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
