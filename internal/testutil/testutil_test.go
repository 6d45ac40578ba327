package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/postopcare/followup/internal/models"
)

func TestNewTestEnv(t *testing.T) {
	env := NewTestEnv()
	if env.Server == nil || env.Engine == nil || env.Store == nil {
		t.Fatal("NewTestEnv returned incomplete environment")
	}
}

func TestSeedClinicalData(t *testing.T) {
	env := NewTestEnv()
	patient, surgery, followUp := SeedClinicalData(t, env.Store, "11999998888", 2)

	got, err := env.Store.GetPatient(patient.ID)
	if err != nil || got == nil {
		t.Fatalf("expected seeded patient, got %v (err %v)", got, err)
	}
	if got.Phone != "11999998888" {
		t.Errorf("expected phone 11999998888, got %s", got.Phone)
	}

	latest, err := env.Store.GetLatestSurgery(patient.ID)
	if err != nil || latest == nil || latest.ID != surgery.ID {
		t.Fatalf("expected seeded surgery %s, got %v (err %v)", surgery.ID, latest, err)
	}

	fu, err := env.Store.GetFollowUp(followUp.ID)
	if err != nil || fu == nil || fu.DayNumber != 2 {
		t.Fatalf("expected seeded follow-up with day 2, got %v (err %v)", fu, err)
	}
}

func TestScriptedInterpreterQueue(t *testing.T) {
	interp := &ScriptedInterpreter{
		Results: []*models.InterpretationResult{
			{Reply: "first", UpdatedAnswers: models.AnswerMap{}},
			{Reply: "second", UpdatedAnswers: models.AnswerMap{}, IsComplete: true},
		},
	}

	r1, err := interp.InterpretReply(context.Background(), models.InterpretationInput{ReplyText: "a"})
	if err != nil || r1.Reply != "first" {
		t.Fatalf("expected first result, got %v (err %v)", r1, err)
	}
	r2, _ := interp.InterpretReply(context.Background(), models.InterpretationInput{ReplyText: "b"})
	if r2.Reply != "second" || !r2.IsComplete {
		t.Fatalf("expected second (complete) result, got %v", r2)
	}
	// Queue exhausted to one element: last result repeats.
	r3, _ := interp.InterpretReply(context.Background(), models.InterpretationInput{ReplyText: "c"})
	if r3.Reply != "second" {
		t.Fatalf("expected repeated last result, got %v", r3)
	}
	if len(interp.Calls) != 3 {
		t.Errorf("expected 3 recorded calls, got %d", len(interp.Calls))
	}
}

func TestFixedClockAdvance(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := &FixedClock{Current: start}
	clock.Advance(90 * time.Minute)
	if got := clock.Now(); !got.Equal(start.Add(90 * time.Minute)) {
		t.Errorf("expected clock at %v, got %v", start.Add(90*time.Minute), got)
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, "POST", "/v1/followups/invite", map[string]string{"follow_up_id": "fu-1"})
	if req.Method != "POST" {
		t.Errorf("expected POST, got %s", req.Method)
	}
	if req.URL.Path != "/v1/followups/invite" {
		t.Errorf("unexpected path %s", req.URL.Path)
	}
}
