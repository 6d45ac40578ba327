// Package store provides storage backends for the follow-up engine.
//
// It defines the Store interface over the Conversation aggregate, its
// message ledger, the clinical entities a questionnaire cycle touches, and
// the durable reset-job queue. SQLite and PostgreSQL backends are provided,
// plus an in-memory store for tests and local development.
package store

import (
	"strings"
	"time"

	"github.com/postopcare/followup/internal/models"
)

// ResetJob is a pending delayed transition of a conversation back to idle.
// At most one job exists per conversation; scheduling a new one supersedes
// any pending job for the same conversation.
type ResetJob struct {
	ConversationID string    `json:"conversation_id"`
	RunAt          time.Time `json:"run_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the persistence contract consumed by the flow components.
//
// Lookup methods return (nil, nil) when no row matches; callers translate
// that to their own not-found semantics.
type Store interface {
	// Conversations
	CreateConversation(c models.Conversation) error
	GetConversationByID(id string) (*models.Conversation, error)
	GetConversationByAddress(address string) (*models.Conversation, error)
	// FindConversationByAddressSuffix returns the most recently updated
	// conversation whose address ends with the given suffix.
	FindConversationByAddressSuffix(suffix string) (*models.Conversation, error)
	// SetConversationPatient associates a patient with a conversation only
	// if the conversation has no patient yet. Existing associations are
	// never overwritten.
	SetConversationPatient(conversationID, patientID string) error
	// UpdateConversationState writes state and context only when the stored
	// version matches expectedVersion, incrementing the version on success.
	// Returns models.ErrVersionConflict on a stale read and
	// models.ErrConversationNotFound when the id does not resolve.
	UpdateConversationState(id string, state models.ConversationState, ctx models.ConversationContext, expectedVersion int) error

	// Message ledger
	AppendMessage(conversationID string, msg models.Message) (*models.Conversation, error)
	GetMessages(conversationID string) ([]models.Message, error)

	// Clinical entities
	GetPatient(id string) (*models.Patient, error)
	GetLatestSurgery(patientID string) (*models.Surgery, error)
	GetFollowUp(id string) (*models.FollowUp, error)
	// ListPendingFollowUps returns follow-ups still awaiting their
	// invitation, oldest first.
	ListPendingFollowUps() ([]models.FollowUp, error)
	UpdateFollowUpStatus(id string, status models.FollowUpStatus) error
	GetFollowUpResponse(followUpID string) (*models.FollowUpResponse, error)
	UpsertFollowUpResponse(resp models.FollowUpResponse) error
	// RecordFirstBowelMovement stamps the surgery's first bowel movement
	// only when none has been recorded yet.
	RecordFirstBowelMovement(surgeryID string, at time.Time) error

	// Reset jobs
	ScheduleReset(conversationID string, runAt time.Time) error
	CancelReset(conversationID string) error
	DueResets(now time.Time) ([]ResetJob, error)
	DeleteReset(conversationID string) error

	Close() error
}

// Opts holds configuration options for store construction.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
