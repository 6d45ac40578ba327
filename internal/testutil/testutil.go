// Package testutil provides common test utilities and helpers for the
// follow-up service tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/postopcare/followup/internal/api"
	"github.com/postopcare/followup/internal/flow"
	"github.com/postopcare/followup/internal/messaging"
	"github.com/postopcare/followup/internal/models"
	"github.com/postopcare/followup/internal/store"
	"github.com/postopcare/followup/internal/twiliowhatsapp"
)

// TestEnv bundles the pieces a test server is built from so tests can reach
// into the store or the mock transport.
type TestEnv struct {
	Store     *store.InMemoryStore
	Messaging *messaging.TwilioService
	Transport *twiliowhatsapp.MockClient
	Engine    *flow.Engine
	Server    *api.Server
	Interpret *ScriptedInterpreter
}

// NewTestEnv creates a full stack over in-memory dependencies.
func NewTestEnv() *TestEnv {
	mock := twiliowhatsapp.NewMockClient()
	msgService := messaging.NewTwilioService(mock)
	st := store.NewInMemoryStore()
	interp := &ScriptedInterpreter{}
	engine := flow.NewEngine(st, msgService, interp, nil, nil)
	server := api.NewServer(msgService, engine.Gate, st, msgService.TwilioWebhookHandler)

	return &TestEnv{
		Store:     st,
		Messaging: msgService,
		Transport: mock,
		Engine:    engine,
		Server:    server,
		Interpret: interp,
	}
}

// ScriptedInterpreter returns queued interpretation results in order. When
// the queue is empty it repeats the last result.
type ScriptedInterpreter struct {
	Results []*models.InterpretationResult
	Calls   []models.InterpretationInput
}

func (s *ScriptedInterpreter) InterpretReply(ctx context.Context, input models.InterpretationInput) (*models.InterpretationResult, error) {
	s.Calls = append(s.Calls, input)
	if len(s.Results) == 0 {
		return &models.InterpretationResult{Reply: "ok", UpdatedAnswers: models.AnswerMap{}}, nil
	}
	r := s.Results[0]
	if len(s.Results) > 1 {
		s.Results = s.Results[1:]
	}
	return r, nil
}

// FixedClock is a settable clock for deterministic time-based tests.
type FixedClock struct {
	Current time.Time
}

func (c *FixedClock) Now() time.Time {
	return c.Current
}

// Advance moves the clock forward.
func (c *FixedClock) Advance(d time.Duration) {
	c.Current = c.Current.Add(d)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// SeedClinicalData adds a patient, surgery and pending follow-up to the
// store and returns them.
func SeedClinicalData(t *testing.T, st *store.InMemoryStore, phone string, dayNumber int) (models.Patient, models.Surgery, models.FollowUp) {
	t.Helper()

	now := time.Now()
	patient := models.Patient{ID: "pat-1", Name: "Maria Souza", Phone: phone, CreatedAt: now}
	surgery := models.Surgery{ID: "sur-1", PatientID: patient.ID, Procedure: "hemorrhoidectomy", PerformedAt: now.AddDate(0, 0, -dayNumber), CreatedAt: now}
	followUp := models.FollowUp{ID: "fu-1", SurgeryID: surgery.ID, PatientID: patient.ID, DayNumber: dayNumber, Status: models.FollowUpPending, CreatedAt: now, UpdatedAt: now}

	st.AddPatient(patient)
	st.AddSurgery(surgery)
	st.AddFollowUp(followUp)
	return patient, surgery, followUp
}

// MustMarshalJSON marshals an object to JSON and fails the test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
