// Package flow provides the completion finalizer.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/postopcare/followup/internal/models"
	"github.com/postopcare/followup/internal/store"
)

// DefaultIdleResetDelay is how long a completed conversation lingers before
// the durable reset returns it to idle.
const DefaultIdleResetDelay = 30 * time.Minute

// DefaultClosingMessage is the fixed message sent when a cycle completes.
const DefaultClosingMessage = "Thank you for completing today's check-in. Your care team has received your answers and will reach out if anything needs attention. Take care!"

// Finalizer persists the structured clinical response of a completed cycle,
// triggers the first-bowel-movement side effect when applicable, sends the
// closing message, and schedules the delayed return to idle.
type Finalizer struct {
	store          store.Store
	ledger         *Ledger
	messenger      Messenger
	scheduler      *ResetScheduler
	recorder       BowelMovementRecorder
	clock          Clock
	closingMessage string
	idleResetDelay time.Duration
}

// NewFinalizer creates a Finalizer with its collaborators.
func NewFinalizer(st store.Store, ledger *Ledger, messenger Messenger, scheduler *ResetScheduler, recorder BowelMovementRecorder, clock Clock) *Finalizer {
	return &Finalizer{
		store:          st,
		ledger:         ledger,
		messenger:      messenger,
		scheduler:      scheduler,
		recorder:       recorder,
		clock:          clock,
		closingMessage: DefaultClosingMessage,
		idleResetDelay: DefaultIdleResetDelay,
	}
}

// Finalize completes a questionnaire cycle. Upserting the FollowUpResponse
// keyed by follow-up id makes duplicate completion signals idempotent: the
// second completion updates the row in place instead of duplicating it.
func (f *Finalizer) Finalize(ctx context.Context, conv *models.Conversation, followUp *models.FollowUp, surgery *models.Surgery, interpretation *models.InterpretationResult) error {
	// Re-read the full history so anything appended during this turn makes
	// it into the transcript snapshot.
	history, err := f.ledger.History(conv.ID)
	if err != nil {
		return err
	}

	answers := conv.Context.Answers
	rawAnswers, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("failed to serialize answers: %w", err)
	}

	resp := models.FollowUpResponse{
		FollowUpID:      followUp.ID,
		PatientID:       followUp.PatientID,
		PainAtRest:      models.ParseIntSlot(answers[models.SlotPainAtRest]),
		PainDuringBowel: models.ParseIntSlot(answers[models.SlotPainDuringBowel]),
		Bleeding:        models.BleedingFlag(answers[models.SlotBleeding]),
		Fever:           models.ParseBoolSlot(answers[models.SlotFever]),
		RiskLevel:       models.MapUrgencyToRisk(interpretation.UrgencyLevel),
		RawAnswersJSON:  string(rawAnswers),
		Transcript:      formatTranscript(history),
	}
	if err := f.store.UpsertFollowUpResponse(resp); err != nil {
		return err
	}
	if err := f.store.UpdateFollowUpStatus(followUp.ID, models.FollowUpCompleted); err != nil {
		slog.Warn("Finalizer follow-up status update failed", "error", err, "followUpID", followUp.ID)
	}

	f.maybeRecordBowelMovement(ctx, followUp, surgery, answers)

	if err := f.messenger.SendText(ctx, conv.ChannelAddress, f.closingMessage); err != nil {
		slog.Error("Finalizer closing message send failed", "error", err, "conversationID", conv.ID)
		return fmt.Errorf("failed to send closing message: %w", err)
	}
	if _, err := f.ledger.RecordSystemMessage(conv.ID, f.closingMessage); err != nil {
		return err
	}

	if err := f.scheduler.ScheduleIdleReset(conv.ID, f.idleResetDelay); err != nil {
		// The cycle is already persisted; a scheduling failure leaves the
		// conversation in completed until the next invitation cycle.
		slog.Error("Finalizer failed to schedule idle reset", "error", err, "conversationID", conv.ID)
	}

	slog.Info("Finalizer cycle completed", "conversationID", conv.ID, "followUpID", followUp.ID, "riskLevel", resp.RiskLevel)
	return nil
}

// maybeRecordBowelMovement invokes the first-bowel-movement recorder when
// the answers report one and the surgery has none on record. Best effort:
// failures are logged and swallowed.
func (f *Finalizer) maybeRecordBowelMovement(ctx context.Context, followUp *models.FollowUp, surgery *models.Surgery, answers models.AnswerMap) {
	if !models.ParseBoolSlot(answers[models.SlotBowelMovement]) {
		return
	}
	if surgery.FirstBowelMovementAt != nil {
		return
	}
	pain := models.ParseIntSlot(answers[models.SlotPainDuringBowel])
	if err := f.recorder.RecordFirstBowelMovement(ctx, surgery.ID, followUp.DayNumber, pain, f.clock.Now()); err != nil {
		slog.Warn("Finalizer first bowel movement recording failed, continuing", "error", err, "surgeryID", surgery.ID)
	}
}

// formatTranscript reshapes the ledger history into a plain transcript.
func formatTranscript(history []models.Message) string {
	var b strings.Builder
	for _, m := range history {
		label := "Patient"
		if m.Role == models.RoleSystem {
			label = "Assistant"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), label, m.Content)
	}
	return b.String()
}
