package flow

import (
	"context"
	"time"

	"github.com/postopcare/followup/internal/models"
)

// Messenger is the outbound chat transport consumed by the engine.
// Text and template failures propagate to the caller; image failures are
// swallowed by the turn processor.
type Messenger interface {
	SendText(ctx context.Context, to string, body string) error
	SendTemplate(ctx context.Context, to string, templateID string, params map[string]string, locale string) error
	SendImage(ctx context.Context, to string, url string, caption string) error
}

// Interpreter is the external reasoning service that turns a free-text
// patient reply into structured questionnaire deltas. The engine does not
// second-guess its completion decision.
type Interpreter interface {
	InterpretReply(ctx context.Context, input models.InterpretationInput) (*models.InterpretationResult, error)
}

// BowelMovementRecorder records the first post-operative bowel movement for
// a surgery. Invocations are best effort; failures never abort a turn.
type BowelMovementRecorder interface {
	RecordFirstBowelMovement(ctx context.Context, surgeryID string, dayNumber int, painDuringBowel *int, at time.Time) error
}
