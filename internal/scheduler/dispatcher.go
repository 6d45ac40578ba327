package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/postopcare/followup/internal/models"
)

// DefaultDispatchCron fires the invitation sweep every morning at 09:00.
const DefaultDispatchCron = "0 9 * * *"

// InviteStore is the storage surface the dispatcher reads.
type InviteStore interface {
	ListPendingFollowUps() ([]models.FollowUp, error)
	GetPatient(id string) (*models.Patient, error)
	UpdateFollowUpStatus(id string, status models.FollowUpStatus) error
}

// InviteGate launches a questionnaire cycle for one follow-up.
type InviteGate interface {
	MarkTemplateSent(ctx context.Context, rawAddress, patientID, followUpID, templateID string, params map[string]string, locale string) error
}

// InviteDispatcher sends the invitation template for every pending follow-up
// and marks it sent. Failures on one follow-up never block the rest of the
// sweep.
type InviteDispatcher struct {
	store      InviteStore
	gate       InviteGate
	templateID string
	locale     string
}

// NewInviteDispatcher creates a dispatcher bound to one invitation template.
func NewInviteDispatcher(st InviteStore, gate InviteGate, templateID, locale string) *InviteDispatcher {
	return &InviteDispatcher{
		store:      st,
		gate:       gate,
		templateID: templateID,
		locale:     locale,
	}
}

// DispatchPending sweeps all pending follow-ups once. Returns the number of
// invitations sent.
func (d *InviteDispatcher) DispatchPending(ctx context.Context) (int, error) {
	pending, err := d.store.ListPendingFollowUps()
	if err != nil {
		return 0, fmt.Errorf("failed to list pending follow-ups: %w", err)
	}

	sent := 0
	for _, f := range pending {
		if err := d.dispatchOne(ctx, f); err != nil {
			slog.Error("InviteDispatcher failed to dispatch follow-up", "error", err, "followUpID", f.ID)
			continue
		}
		sent++
	}
	slog.Info("InviteDispatcher sweep finished", "pending", len(pending), "sent", sent)
	return sent, nil
}

func (d *InviteDispatcher) dispatchOne(ctx context.Context, f models.FollowUp) error {
	patient, err := d.store.GetPatient(f.PatientID)
	if err != nil {
		return fmt.Errorf("failed to load patient: %w", err)
	}
	if patient == nil {
		return fmt.Errorf("patient %s: %w", f.PatientID, models.ErrPatientNotFound)
	}

	params := map[string]string{
		"patient_name": patient.Name,
		"day_number":   strconv.Itoa(f.DayNumber),
	}
	if err := d.gate.MarkTemplateSent(ctx, patient.Phone, patient.ID, f.ID, d.templateID, params, d.locale); err != nil {
		return fmt.Errorf("failed to send invitation: %w", err)
	}

	if err := d.store.UpdateFollowUpStatus(f.ID, models.FollowUpSent); err != nil {
		// The invitation went out; the status lag is corrected on completion.
		slog.Warn("InviteDispatcher failed to mark follow-up sent", "error", err, "followUpID", f.ID)
	}
	return nil
}

// Register wires the dispatcher into the cron scheduler with the given
// expression (DefaultDispatchCron when empty).
func (d *InviteDispatcher) Register(s *Scheduler, expr string) error {
	if expr == "" {
		expr = DefaultDispatchCron
	}
	return s.AddJob(expr, func() {
		if _, err := d.DispatchPending(context.Background()); err != nil {
			slog.Error("InviteDispatcher scheduled sweep failed", "error", err)
		}
	})
}
