// Package models defines the reasoning-service contract.
package models

// ChatMessage is one entry of the bounded context window handed to the
// interpreter. System messages from the ledger are relabelled "assistant"
// before they reach the interpreter.
type ChatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ImageDirective asks the transport to send an illustration alongside the
// textual reply (e.g. the pain-scale chart). Image sends are best effort.
type ImageDirective struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// InterpretationInput is everything the interpreter needs to evaluate one
// patient reply.
type InterpretationInput struct {
	ReplyText      string        `json:"reply_text"`
	Patient        Patient       `json:"patient"`
	Surgery        Surgery       `json:"surgery"`
	ContextWindow  []ChatMessage `json:"context_window"`
	PartialAnswers AnswerMap     `json:"partial_answers"`
	DayNumber      int           `json:"day_number"`
}

// InterpretationResult is the interpreter's verdict on one patient reply.
// The engine does not second-guess IsComplete.
type InterpretationResult struct {
	Reply            string           `json:"reply"`
	UpdatedAnswers   AnswerMap        `json:"updated_answers"`
	IsComplete       bool             `json:"is_complete"`
	UrgencyLevel     string           `json:"urgency_level"`
	NeedsDoctorAlert bool             `json:"needs_doctor_alert"`
	ImageDirectives  []ImageDirective `json:"image_directives,omitempty"`
}
