// Package flow wires the orchestration components into one engine facade.
package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/postopcare/followup/internal/store"
)

// Engine is the public surface of the conversation orchestration core. All
// collaborators are injected at construction; nothing is loaded lazily in
// the hot path.
type Engine struct {
	Resolver   *Resolver
	Ledger     *Ledger
	Controller *Controller
	Gate       *TemplateGate
	Processor  *TurnProcessor
	Finalizer  *Finalizer
	Scheduler  *ResetScheduler
}

// NewEngine constructs the full engine over a store, transport and
// interpreter. A nil clock defaults to the system clock; a nil recorder
// defaults to the store-backed one.
func NewEngine(st store.Store, messenger Messenger, interpreter Interpreter, clock Clock, recorder BowelMovementRecorder) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	if recorder == nil {
		recorder = NewStoreBowelRecorder(st)
	}

	resolver := NewResolver(st, clock)
	ledger := NewLedger(st, clock)
	controller := NewController(st)
	scheduler := NewResetScheduler(st, controller, clock)
	finalizer := NewFinalizer(st, ledger, messenger, scheduler, recorder, clock)
	processor := NewTurnProcessor(st, resolver, ledger, controller, interpreter, messenger, finalizer)
	gate := NewTemplateGate(resolver, controller, ledger, messenger, clock)

	slog.Debug("Engine constructed")
	return &Engine{
		Resolver:   resolver,
		Ledger:     ledger,
		Controller: controller,
		Gate:       gate,
		Processor:  processor,
		Finalizer:  finalizer,
		Scheduler:  scheduler,
	}
}

// Start launches background processing (the reset scheduler poll loop).
func (e *Engine) Start(ctx context.Context) {
	e.Scheduler.Start(ctx)
}

// Stop halts background processing.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
}

// StoreBowelRecorder records first bowel movements directly on the surgery
// row. The day number and pain value are logged for the clinical audit
// trail; the surgery record carries the observed time.
type StoreBowelRecorder struct {
	store store.Store
}

// NewStoreBowelRecorder creates the default store-backed recorder.
func NewStoreBowelRecorder(st store.Store) *StoreBowelRecorder {
	return &StoreBowelRecorder{store: st}
}

func (r *StoreBowelRecorder) RecordFirstBowelMovement(ctx context.Context, surgeryID string, dayNumber int, painDuringBowel *int, at time.Time) error {
	pain := -1
	if painDuringBowel != nil {
		pain = *painDuringBowel
	}
	slog.Info("Recording first bowel movement", "surgeryID", surgeryID, "dayNumber", dayNumber, "painDuringBowel", pain, "at", at)
	return r.store.RecordFirstBowelMovement(surgeryID, at)
}

var _ BowelMovementRecorder = (*StoreBowelRecorder)(nil)
