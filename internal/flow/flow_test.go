package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/postopcare/followup/internal/models"
	"github.com/postopcare/followup/internal/store"
)

// fakeClock is a settable clock shared by the flow tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeMessenger records outbound sends and can be told to fail.
type fakeMessenger struct {
	texts     []sentText
	templates []sentTemplate
	images    []sentImage

	failText     bool
	failTemplate bool
	failImage    bool
}

type sentText struct {
	To   string
	Body string
}

type sentTemplate struct {
	To         string
	TemplateID string
	Params     map[string]string
	Locale     string
}

type sentImage struct {
	To      string
	URL     string
	Caption string
}

func (m *fakeMessenger) SendText(ctx context.Context, to string, body string) error {
	if m.failText {
		return errors.New("text send failed")
	}
	m.texts = append(m.texts, sentText{To: to, Body: body})
	return nil
}

func (m *fakeMessenger) SendTemplate(ctx context.Context, to string, templateID string, params map[string]string, locale string) error {
	if m.failTemplate {
		return errors.New("template send failed")
	}
	m.templates = append(m.templates, sentTemplate{To: to, TemplateID: templateID, Params: params, Locale: locale})
	return nil
}

func (m *fakeMessenger) SendImage(ctx context.Context, to string, url string, caption string) error {
	if m.failImage {
		return errors.New("image send failed")
	}
	m.images = append(m.images, sentImage{To: to, URL: url, Caption: caption})
	return nil
}

// fakeInterpreter returns queued results in order, repeating the last one.
type fakeInterpreter struct {
	results []*models.InterpretationResult
	calls   []models.InterpretationInput
	err     error
}

func (f *fakeInterpreter) InterpretReply(ctx context.Context, input models.InterpretationInput) (*models.InterpretationResult, error) {
	f.calls = append(f.calls, input)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) == 0 {
		return &models.InterpretationResult{Reply: "ok", UpdatedAnswers: models.AnswerMap{}}, nil
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r, nil
}

// conflictingStore wraps a store and injects version conflicts on the first
// N UpdateConversationState calls.
type conflictingStore struct {
	store.Store
	conflicts int
	calls     int
}

func (c *conflictingStore) UpdateConversationState(id string, state models.ConversationState, ctx models.ConversationContext, expectedVersion int) error {
	c.calls++
	if c.calls <= c.conflicts {
		return models.ErrVersionConflict
	}
	return c.Store.UpdateConversationState(id, state, ctx, expectedVersion)
}

// testEnv builds the engine over an in-memory store with fakes.
type testEnv struct {
	store     *store.InMemoryStore
	clock     *fakeClock
	messenger *fakeMessenger
	interp    *fakeInterpreter
	engine    *Engine
}

func newTestEnv(at time.Time) *testEnv {
	st := store.NewInMemoryStore()
	clock := newFakeClock(at)
	messenger := &fakeMessenger{}
	interp := &fakeInterpreter{}
	engine := NewEngine(st, messenger, interp, clock, nil)
	return &testEnv{
		store:     st,
		clock:     clock,
		messenger: messenger,
		interp:    interp,
		engine:    engine,
	}
}

// seedClinical inserts a patient, surgery and follow-up for one phone number.
func (e *testEnv) seedClinical(phone string, dayNumber int) (models.Patient, models.Surgery, models.FollowUp) {
	now := e.clock.Now()
	patient := models.Patient{ID: "pat-1", Name: "Maria Souza", Phone: phone, CreatedAt: now}
	surgery := models.Surgery{ID: "sur-1", PatientID: patient.ID, Procedure: "hemorrhoidectomy", PerformedAt: now.AddDate(0, 0, -dayNumber), CreatedAt: now}
	followUp := models.FollowUp{ID: "fu-1", SurgeryID: surgery.ID, PatientID: patient.ID, DayNumber: dayNumber, Status: models.FollowUpPending, CreatedAt: now, UpdatedAt: now}
	e.store.AddPatient(patient)
	e.store.AddSurgery(surgery)
	e.store.AddFollowUp(followUp)
	return patient, surgery, followUp
}

var testBase = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
