// Package models defines the core data structures for the follow-up engine.
//
// It includes the Conversation aggregate, its message history, and the
// context payload shared across the flow components.
package models

import (
	"errors"
	"time"
)

// ConversationState represents the lifecycle state of a conversation.
type ConversationState string

const (
	// StateIdle indicates no questionnaire cycle is active.
	StateIdle ConversationState = "idle"
	// StateAwaitingConsent indicates an invitation template was sent and the
	// patient has not yet started responding.
	StateAwaitingConsent ConversationState = "awaiting_consent"
	// StateCollectingAnswers indicates the questionnaire is in progress.
	StateCollectingAnswers ConversationState = "collecting_answers"
	// StateCompleted indicates the questionnaire finished; a delayed reset
	// returns the conversation to idle.
	StateCompleted ConversationState = "completed"
)

// IsValidConversationState checks if the given state is supported.
func IsValidConversationState(s ConversationState) bool {
	switch s {
	case StateIdle, StateAwaitingConsent, StateCollectingAnswers, StateCompleted:
		return true
	default:
		return false
	}
}

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	// RoleSystem marks messages sent by the engine.
	RoleSystem MessageRole = "system"
	// RoleUser marks messages sent by the patient.
	RoleUser MessageRole = "user"
)

// Error variables shared across components.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrPatientNotFound      = errors.New("patient not found")
	ErrSurgeryNotFound      = errors.New("surgery not found")
	ErrFollowUpNotFound     = errors.New("follow-up not found")
	ErrEmptyAddress         = errors.New("channel address cannot be empty")
	ErrVersionConflict      = errors.New("conversation version conflict")
)

// Message is one entry in a conversation's append-only history.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// AnswerMap maps questionnaire slot names to their collected values.
// Values accumulate monotonically while answers are being collected.
type AnswerMap map[string]string

// Clone returns a shallow copy of the answer map. A nil map clones to an
// empty, non-nil map so callers can merge into it.
func (a AnswerMap) Clone() AnswerMap {
	out := make(AnswerMap, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Merge overlays other onto a copy of a and returns the result. Existing
// slots are overwritten only when other carries the same key.
func (a AnswerMap) Merge(other AnswerMap) AnswerMap {
	out := a.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// ConversationContext is the state-dependent payload of a conversation.
type ConversationContext struct {
	FollowUpID     string    `json:"follow_up_id,omitempty"`
	Answers        AnswerMap `json:"answers,omitempty"`
	TemplateSent   bool      `json:"template_sent,omitempty"`
	TemplateSentAt time.Time `json:"template_sent_at,omitempty"`
}

// ContextPatch describes a partial update to a ConversationContext.
// Nil fields are left untouched, so unrelated context survives a transition.
type ContextPatch struct {
	FollowUpID     *string
	Answers        AnswerMap
	TemplateSent   *bool
	TemplateSentAt *time.Time
	// ClearAnswers empties the answer map before any merge, used when a new
	// collection phase begins.
	ClearAnswers bool
}

// Apply merges the patch into ctx, returning the updated context. Answers
// are merged key-wise rather than replaced.
func (p ContextPatch) Apply(ctx ConversationContext) ConversationContext {
	if p.FollowUpID != nil {
		ctx.FollowUpID = *p.FollowUpID
	}
	if p.ClearAnswers {
		ctx.Answers = AnswerMap{}
	}
	if p.Answers != nil {
		ctx.Answers = ctx.Answers.Merge(p.Answers)
	}
	if p.TemplateSent != nil {
		ctx.TemplateSent = *p.TemplateSent
	}
	if p.TemplateSentAt != nil {
		ctx.TemplateSentAt = *p.TemplateSentAt
	}
	return ctx
}

// ClearedContext returns the context a conversation carries in idle state.
func ClearedContext() ConversationContext {
	return ConversationContext{}
}

// Conversation is the aggregate for one stable patient chat identity.
type Conversation struct {
	ID             string              `json:"id"`
	ChannelAddress string              `json:"channel_address"` // digits only, canonical form
	PatientID      string              `json:"patient_id,omitempty"`
	State          ConversationState   `json:"state"`
	Context        ConversationContext `json:"context"`
	// Version increments on every state/context write and backs the
	// optimistic concurrency check in the store.
	Version           int        `json:"version"`
	LastUserMessage   string     `json:"last_user_message,omitempty"`
	LastUserMessageAt *time.Time `json:"last_user_message_at,omitempty"`
	LastSysMessage    string     `json:"last_system_message,omitempty"`
	LastSysMessageAt  *time.Time `json:"last_system_message_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// InboundMessage is an incoming chat-channel message event.
type InboundMessage struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// DoctorAlert carries the details surfaced to the care team when an
// interpreted reply flags a concerning symptom.
type DoctorAlert struct {
	ConversationID string `json:"conversation_id"`
	PatientID      string `json:"patient_id,omitempty"`
	FollowUpID     string `json:"follow_up_id,omitempty"`
	ChannelAddress string `json:"channel_address"`
	Time           int64  `json:"time"`
}

// TurnResult is the outcome of processing one inbound questionnaire answer.
type TurnResult struct {
	Completed        bool   `json:"completed"`
	NextQuestion     string `json:"next_question,omitempty"`
	NeedsDoctorAlert bool   `json:"needs_doctor_alert,omitempty"`
}
