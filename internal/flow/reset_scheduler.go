// Package flow provides the durable reset scheduler.
package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/postopcare/followup/internal/models"
	"github.com/postopcare/followup/internal/store"
)

// DefaultResetPollInterval is how often the scheduler checks for due jobs.
const DefaultResetPollInterval = 30 * time.Second

// ResetScheduler executes delayed completed-to-idle transitions from a
// durable job queue keyed by conversation id. Scheduling a new reset
// supersedes any pending one for the same conversation, so a fresh
// invitation cycle cannot be clobbered by a stale timer. Jobs survive
// process restarts.
type ResetScheduler struct {
	store        store.Store
	controller   *Controller
	clock        Clock
	pollInterval time.Duration

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// NewResetScheduler creates a ResetScheduler with the default poll interval.
func NewResetScheduler(st store.Store, controller *Controller, clock Clock) *ResetScheduler {
	return &ResetScheduler{
		store:        st,
		controller:   controller,
		clock:        clock,
		pollInterval: DefaultResetPollInterval,
		done:         make(chan struct{}),
	}
}

// ScheduleIdleReset enqueues (or supersedes) the delayed idle transition for
// a conversation.
func (s *ResetScheduler) ScheduleIdleReset(conversationID string, delay time.Duration) error {
	runAt := s.clock.Now().Add(delay)
	if err := s.store.ScheduleReset(conversationID, runAt); err != nil {
		return err
	}
	slog.Debug("ResetScheduler scheduled idle reset", "conversationID", conversationID, "runAt", runAt)
	return nil
}

// CancelIdleReset drops any pending reset for a conversation.
func (s *ResetScheduler) CancelIdleReset(conversationID string) error {
	return s.store.CancelReset(conversationID)
}

// Start begins the poll loop. It returns immediately; the loop stops when
// the context is cancelled or Stop is called.
func (s *ResetScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	slog.Info("ResetScheduler starting", "pollInterval", s.pollInterval)
	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunDue()
			case <-ctx.Done():
				slog.Debug("ResetScheduler stopping due to context cancellation")
				return
			case <-s.done:
				slog.Debug("ResetScheduler stopped")
				return
			}
		}
	}()
}

// Stop halts the poll loop.
func (s *ResetScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.done)
}

// RunDue executes all jobs whose run time has passed. Exposed for tests and
// for callers that want an immediate sweep.
func (s *ResetScheduler) RunDue() {
	jobs, err := s.store.DueResets(s.clock.Now())
	if err != nil {
		slog.Error("ResetScheduler failed to load due jobs", "error", err)
		return
	}
	for _, job := range jobs {
		s.execute(job)
	}
}

func (s *ResetScheduler) execute(job store.ResetJob) {
	conv, err := s.store.GetConversationByID(job.ConversationID)
	if err != nil {
		slog.Error("ResetScheduler failed to load conversation", "error", err, "conversationID", job.ConversationID)
		return
	}
	if conv == nil {
		slog.Warn("ResetScheduler job for missing conversation, dropping", "conversationID", job.ConversationID)
		_ = s.store.DeleteReset(job.ConversationID)
		return
	}
	if conv.State != models.StateCompleted {
		// A new cycle started before the reset fired; the job is stale.
		slog.Debug("ResetScheduler skipping stale job", "conversationID", job.ConversationID, "state", conv.State)
		_ = s.store.DeleteReset(job.ConversationID)
		return
	}
	if err := s.controller.ResetToIdle(job.ConversationID); err != nil {
		slog.Error("ResetScheduler reset failed, will retry next sweep", "error", err, "conversationID", job.ConversationID)
		return
	}
	if err := s.store.DeleteReset(job.ConversationID); err != nil {
		slog.Warn("ResetScheduler failed to delete executed job", "error", err, "conversationID", job.ConversationID)
	}
	slog.Info("ResetScheduler conversation reset to idle", "conversationID", job.ConversationID)
}
