package store

import (
	"errors"
	"testing"
	"time"

	"github.com/postopcare/followup/internal/models"
)

func newConversation(id, address string) models.Conversation {
	now := time.Now()
	return models.Conversation{
		ID:             id,
		ChannelAddress: address,
		State:          models.StateIdle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestUpdateConversationStateVersionCheck(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.CreateConversation(newConversation("c1", "11999998888")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	if err := s.UpdateConversationState("c1", models.StateAwaitingConsent, models.ConversationContext{}, 0); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	// A second writer holding the stale version must be rejected.
	err := s.UpdateConversationState("c1", models.StateCollectingAnswers, models.ConversationContext{}, 0)
	if !errors.Is(err, models.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}

	if err := s.UpdateConversationState("c1", models.StateCollectingAnswers, models.ConversationContext{}, 1); err != nil {
		t.Errorf("update with fresh version failed: %v", err)
	}

	c, _ := s.GetConversationByID("c1")
	if c.Version != 2 {
		t.Errorf("version = %d after two writes, want 2", c.Version)
	}
}

func TestUpdateConversationStateUnknownID(t *testing.T) {
	s := NewInMemoryStore()
	err := s.UpdateConversationState("missing", models.StateIdle, models.ConversationContext{}, 0)
	if !errors.Is(err, models.ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestAppendMessageUpdatesLastPointers(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.CreateConversation(newConversation("c1", "11999998888")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	userAt := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	conv, err := s.AppendMessage("c1", models.Message{Role: models.RoleUser, Content: "pain is 3", Timestamp: userAt})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if conv.LastUserMessage != "pain is 3" || conv.LastUserMessageAt == nil || !conv.LastUserMessageAt.Equal(userAt) {
		t.Errorf("user pointers not updated: %+v", conv)
	}
	if conv.LastSysMessage != "" {
		t.Errorf("system pointer changed by user message: %q", conv.LastSysMessage)
	}

	sysAt := userAt.Add(time.Minute)
	conv, err = s.AppendMessage("c1", models.Message{Role: models.RoleSystem, Content: "any bleeding?", Timestamp: sysAt})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if conv.LastSysMessage != "any bleeding?" || conv.LastSysMessageAt == nil || !conv.LastSysMessageAt.Equal(sysAt) {
		t.Errorf("system pointers not updated: %+v", conv)
	}
	if conv.LastUserMessage != "pain is 3" {
		t.Errorf("user pointer lost: %q", conv.LastUserMessage)
	}

	msgs, _ := s.GetMessages("c1")
	if len(msgs) != 2 {
		t.Errorf("expected 2 stored messages, got %d", len(msgs))
	}
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.AppendMessage("missing", models.Message{Role: models.RoleUser, Content: "hi"})
	if !errors.Is(err, models.ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestFindConversationByAddressSuffixMostRecentWins(t *testing.T) {
	s := NewInMemoryStore()

	older := newConversation("c-old", "55911999998888")
	older.UpdatedAt = time.Now().Add(-time.Hour)
	newer := newConversation("c-new", "99911999998888")

	if err := s.CreateConversation(older); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if err := s.CreateConversation(newer); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := s.FindConversationByAddressSuffix("999998888")
	if err != nil {
		t.Fatalf("FindConversationByAddressSuffix failed: %v", err)
	}
	if got == nil || got.ID != "c-new" {
		t.Errorf("expected most recently updated match c-new, got %v", got)
	}
}

func TestFindConversationByAddressSuffixNoMatch(t *testing.T) {
	s := NewInMemoryStore()
	got, err := s.FindConversationByAddressSuffix("000000000")
	if err != nil || got != nil {
		t.Errorf("expected (nil, nil) for no match, got %v (err %v)", got, err)
	}
}

func TestSetConversationPatientIsSticky(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.CreateConversation(newConversation("c1", "11999998888")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	if err := s.SetConversationPatient("c1", "pat-1"); err != nil {
		t.Fatalf("SetConversationPatient failed: %v", err)
	}
	if err := s.SetConversationPatient("c1", "pat-2"); err != nil {
		t.Fatalf("second SetConversationPatient failed: %v", err)
	}

	c, _ := s.GetConversationByID("c1")
	if c.PatientID != "pat-1" {
		t.Errorf("patient association overwritten: %q", c.PatientID)
	}
}

func TestUpsertFollowUpResponseKeepsIdentity(t *testing.T) {
	s := NewInMemoryStore()

	if err := s.UpsertFollowUpResponse(models.FollowUpResponse{FollowUpID: "fu-1", RiskLevel: models.RiskLow}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	first, _ := s.GetFollowUpResponse("fu-1")
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Fatalf("insert did not assign identity: %+v", first)
	}

	if err := s.UpsertFollowUpResponse(models.FollowUpResponse{FollowUpID: "fu-1", RiskLevel: models.RiskHigh}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	second, _ := s.GetFollowUpResponse("fu-1")
	if second.ID != first.ID || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("upsert changed identity: %+v vs %+v", second, first)
	}
	if second.RiskLevel != models.RiskHigh {
		t.Errorf("upsert did not refresh fields: %s", second.RiskLevel)
	}
}

func TestRecordFirstBowelMovementOnlyOnce(t *testing.T) {
	s := NewInMemoryStore()
	s.AddSurgery(models.Surgery{ID: "sur-1", PatientID: "pat-1"})

	first := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := s.RecordFirstBowelMovement("sur-1", first); err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	if err := s.RecordFirstBowelMovement("sur-1", first.Add(24*time.Hour)); err != nil {
		t.Fatalf("second record failed: %v", err)
	}

	sg := s.GetSurgery("sur-1")
	if sg.FirstBowelMovementAt == nil || !sg.FirstBowelMovementAt.Equal(first) {
		t.Errorf("first bowel movement overwritten: %v", sg.FirstBowelMovementAt)
	}

	if err := s.RecordFirstBowelMovement("missing", first); !errors.Is(err, models.ErrSurgeryNotFound) {
		t.Errorf("expected ErrSurgeryNotFound, got %v", err)
	}
}

func TestScheduleResetSupersedes(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := s.ScheduleReset("c1", base.Add(10*time.Minute)); err != nil {
		t.Fatalf("ScheduleReset failed: %v", err)
	}
	if err := s.ScheduleReset("c1", base.Add(time.Hour)); err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}

	due, err := s.DueResets(base.Add(30 * time.Minute))
	if err != nil || len(due) != 0 {
		t.Errorf("superseded job still due: %v (err %v)", due, err)
	}
	due, _ = s.DueResets(base.Add(time.Hour))
	if len(due) != 1 || due[0].ConversationID != "c1" {
		t.Errorf("rescheduled job not due: %v", due)
	}
}

func TestDueResetsBoundary(t *testing.T) {
	s := NewInMemoryStore()
	runAt := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	if err := s.ScheduleReset("c1", runAt); err != nil {
		t.Fatalf("ScheduleReset failed: %v", err)
	}

	due, _ := s.DueResets(runAt.Add(-time.Second))
	if len(due) != 0 {
		t.Errorf("job due before its run time: %v", due)
	}
	// Due exactly at the run time.
	due, _ = s.DueResets(runAt)
	if len(due) != 1 {
		t.Errorf("job not due at its run time: %v", due)
	}
}

func TestDueResetsOrderedByRunTime(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := s.ScheduleReset("c-later", base.Add(20*time.Minute)); err != nil {
		t.Fatalf("ScheduleReset failed: %v", err)
	}
	if err := s.ScheduleReset("c-sooner", base.Add(10*time.Minute)); err != nil {
		t.Fatalf("ScheduleReset failed: %v", err)
	}

	due, _ := s.DueResets(base.Add(time.Hour))
	if len(due) != 2 || due[0].ConversationID != "c-sooner" || due[1].ConversationID != "c-later" {
		t.Errorf("jobs not ordered by run time: %v", due)
	}
}

func TestCancelResetDropsJob(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.ScheduleReset("c1", time.Now()); err != nil {
		t.Fatalf("ScheduleReset failed: %v", err)
	}
	if err := s.CancelReset("c1"); err != nil {
		t.Fatalf("CancelReset failed: %v", err)
	}
	due, _ := s.DueResets(time.Now().Add(time.Hour))
	if len(due) != 0 {
		t.Errorf("cancelled job still due: %v", due)
	}
}

func TestListPendingFollowUpsOldestFirst(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	s.AddFollowUp(models.FollowUp{ID: "fu-new", Status: models.FollowUpPending, CreatedAt: base.Add(time.Hour)})
	s.AddFollowUp(models.FollowUp{ID: "fu-old", Status: models.FollowUpPending, CreatedAt: base})
	s.AddFollowUp(models.FollowUp{ID: "fu-sent", Status: models.FollowUpSent, CreatedAt: base})
	s.AddFollowUp(models.FollowUp{ID: "fu-done", Status: models.FollowUpCompleted, CreatedAt: base})

	pending, err := s.ListPendingFollowUps()
	if err != nil {
		t.Fatalf("ListPendingFollowUps failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending follow-ups, got %d", len(pending))
	}
	if pending[0].ID != "fu-old" || pending[1].ID != "fu-new" {
		t.Errorf("pending not ordered oldest first: %v", pending)
	}
}

func TestUpdateFollowUpStatus(t *testing.T) {
	s := NewInMemoryStore()
	s.AddFollowUp(models.FollowUp{ID: "fu-1", Status: models.FollowUpPending})

	if err := s.UpdateFollowUpStatus("fu-1", models.FollowUpSent); err != nil {
		t.Fatalf("UpdateFollowUpStatus failed: %v", err)
	}
	fu, _ := s.GetFollowUp("fu-1")
	if fu.Status != models.FollowUpSent {
		t.Errorf("status = %s, want sent", fu.Status)
	}

	if err := s.UpdateFollowUpStatus("missing", models.FollowUpSent); !errors.Is(err, models.ErrFollowUpNotFound) {
		t.Errorf("expected ErrFollowUpNotFound, got %v", err)
	}
}

func TestLookupsReturnNilOnMiss(t *testing.T) {
	s := NewInMemoryStore()

	if c, err := s.GetConversationByID("x"); c != nil || err != nil {
		t.Errorf("GetConversationByID miss = (%v, %v)", c, err)
	}
	if c, err := s.GetConversationByAddress("x"); c != nil || err != nil {
		t.Errorf("GetConversationByAddress miss = (%v, %v)", c, err)
	}
	if p, err := s.GetPatient("x"); p != nil || err != nil {
		t.Errorf("GetPatient miss = (%v, %v)", p, err)
	}
	if sg, err := s.GetLatestSurgery("x"); sg != nil || err != nil {
		t.Errorf("GetLatestSurgery miss = (%v, %v)", sg, err)
	}
	if f, err := s.GetFollowUp("x"); f != nil || err != nil {
		t.Errorf("GetFollowUp miss = (%v, %v)", f, err)
	}
	if r, err := s.GetFollowUpResponse("x"); r != nil || err != nil {
		t.Errorf("GetFollowUpResponse miss = (%v, %v)", r, err)
	}
}
