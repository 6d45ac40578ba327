package flow

import (
	"context"
	"testing"
	"time"

	"github.com/postopcare/followup/internal/models"
)

func markSent(t *testing.T, env *testEnv, phone string) {
	t.Helper()
	err := env.engine.Gate.MarkTemplateSent(context.Background(), phone, "pat-1", "fu-1", "invite_tpl", map[string]string{"patient_name": "Maria"}, "pt_BR")
	if err != nil {
		t.Fatalf("MarkTemplateSent failed: %v", err)
	}
}

func TestMarkTemplateSentOpensCycle(t *testing.T) {
	env := newTestEnv(testBase)
	markSent(t, env, "5511999998888")

	conv, err := env.engine.Resolver.Find("11999998888")
	if err != nil || conv == nil {
		t.Fatalf("expected conversation after invitation, got %v (err %v)", conv, err)
	}
	if conv.State != models.StateAwaitingConsent {
		t.Errorf("state = %s, want awaiting_consent", conv.State)
	}
	if conv.Context.FollowUpID != "fu-1" {
		t.Errorf("follow-up binding = %q, want fu-1", conv.Context.FollowUpID)
	}
	if !conv.Context.TemplateSent || !conv.Context.TemplateSentAt.Equal(testBase) {
		t.Errorf("template send not stamped: %+v", conv.Context)
	}
	if conv.PatientID != "pat-1" {
		t.Errorf("patient association = %q, want pat-1", conv.PatientID)
	}

	if len(env.messenger.templates) != 1 {
		t.Fatalf("expected 1 template send, got %d", len(env.messenger.templates))
	}
	sent := env.messenger.templates[0]
	if sent.To != "11999998888" || sent.TemplateID != "invite_tpl" || sent.Locale != "pt_BR" {
		t.Errorf("unexpected template send: %+v", sent)
	}
}

func TestMarkTemplateSentClearsStaleAnswers(t *testing.T) {
	env := newTestEnv(testBase)

	conv := createConversation(t, env, models.StateCompleted)
	conv.Context.Answers = models.AnswerMap{models.SlotFever: "yes"}
	if err := env.store.UpdateConversationState(conv.ID, conv.State, conv.Context, 0); err != nil {
		t.Fatalf("seed context failed: %v", err)
	}

	markSent(t, env, "11999998888")

	got, err := env.engine.Resolver.Find("11999998888")
	if err != nil || got == nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(got.Context.Answers) != 0 {
		t.Errorf("answers from previous cycle survived: %v", got.Context.Answers)
	}
}

func TestMarkTemplateSentSendFailurePropagates(t *testing.T) {
	env := newTestEnv(testBase)
	env.messenger.failTemplate = true

	err := env.engine.Gate.MarkTemplateSent(context.Background(), "11999998888", "", "fu-1", "invite_tpl", nil, "pt_BR")
	if err == nil {
		t.Fatal("expected error when template send fails")
	}

	// The conversation must not have entered awaiting_consent.
	conv, err := env.engine.Resolver.Find("11999998888")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if conv != nil && conv.State != models.StateIdle {
		t.Errorf("state = %s after failed send, want idle", conv.State)
	}
}

func TestMarkTemplateSentLedgersInvitation(t *testing.T) {
	env := newTestEnv(testBase)
	markSent(t, env, "11999998888")

	conv, _ := env.engine.Resolver.Find("11999998888")
	history, err := env.engine.Ledger.History(conv.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].Role != models.RoleSystem {
		t.Fatalf("expected one system ledger entry, got %v", history)
	}
	if history[0].Content != "[template:invite_tpl]" {
		t.Errorf("unexpected ledger content %q", history[0].Content)
	}
}

func TestIsAwaitingQuestionnaireWindow(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		want    bool
	}{
		{"just sent", 0, true},
		{"inside window", InvitationValidityWindow - time.Minute, true},
		{"at boundary", InvitationValidityWindow, false},
		{"stale next day", 25 * time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(testBase)
			markSent(t, env, "11999998888")
			env.clock.Advance(tt.advance)

			live, err := env.engine.Gate.IsAwaitingQuestionnaire("11999998888")
			if err != nil {
				t.Fatalf("IsAwaitingQuestionnaire failed: %v", err)
			}
			if live != tt.want {
				t.Errorf("live = %v after %v, want %v", live, tt.advance, tt.want)
			}
		})
	}
}

func TestIsAwaitingQuestionnaireUnknownAddress(t *testing.T) {
	env := newTestEnv(testBase)
	live, err := env.engine.Gate.IsAwaitingQuestionnaire("11999998888")
	if err != nil {
		t.Fatalf("IsAwaitingQuestionnaire failed: %v", err)
	}
	if live {
		t.Error("unknown address should not be awaiting a questionnaire")
	}
}

func TestIsAwaitingQuestionnaireFalseWhileCollecting(t *testing.T) {
	env := newTestEnv(testBase)
	markSent(t, env, "11999998888")

	conv, _ := env.engine.Resolver.Find("11999998888")
	if _, err := env.engine.Controller.UpdateConversationState(conv.ID, models.StateCollectingAnswers, models.ContextPatch{}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	live, err := env.engine.Gate.IsAwaitingQuestionnaire("11999998888")
	if err != nil {
		t.Fatalf("IsAwaitingQuestionnaire failed: %v", err)
	}
	if live {
		t.Error("collecting conversation should not report a live invitation")
	}
}

func TestGetConversationFollowUp(t *testing.T) {
	env := newTestEnv(testBase)

	id, err := env.engine.Gate.GetConversationFollowUp("11999998888")
	if err != nil || id != "" {
		t.Fatalf("expected empty follow-up for unknown address, got %q (err %v)", id, err)
	}

	markSent(t, env, "11999998888")
	id, err = env.engine.Gate.GetConversationFollowUp("5511999998888")
	if err != nil {
		t.Fatalf("GetConversationFollowUp failed: %v", err)
	}
	if id != "fu-1" {
		t.Errorf("follow-up id = %q, want fu-1", id)
	}
}
