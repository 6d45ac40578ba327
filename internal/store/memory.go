// Package store provides storage backends for the follow-up engine.
//
// This file implements an in-memory store used in tests and local
// development. It honors the same version-check semantics as the SQL
// backends.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postopcare/followup/internal/models"
)

// InMemoryStore keeps all data in process memory.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation     // by id
	messages      map[string][]models.Message        // by conversation id
	patients      map[string]models.Patient          // by id
	surgeries     map[string]models.Surgery          // by id
	followUps     map[string]models.FollowUp         // by id
	responses     map[string]models.FollowUpResponse // by follow-up id
	resetJobs     map[string]ResetJob                // by conversation id
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		patients:      make(map[string]models.Patient),
		surgeries:     make(map[string]models.Surgery),
		followUps:     make(map[string]models.FollowUp),
		responses:     make(map[string]models.FollowUpResponse),
		resetJobs:     make(map[string]ResetJob),
	}
}

func (s *InMemoryStore) CreateConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetConversationByID(id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetConversationByAddress(address string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.ChannelAddress == address {
			conv := c
			return &conv, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) FindConversationByAddressSuffix(suffix string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []models.Conversation
	for _, c := range s.conversations {
		if strings.HasSuffix(c.ChannelAddress, suffix) {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	// Most recently updated match wins, mirroring the SQL backends.
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	conv := matches[0]
	return &conv, nil
}

func (s *InMemoryStore) SetConversationPatient(conversationID, patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return models.ErrConversationNotFound
	}
	if c.PatientID != "" {
		return nil
	}
	c.PatientID = patientID
	c.UpdatedAt = time.Now()
	s.conversations[conversationID] = c
	return nil
}

func (s *InMemoryStore) UpdateConversationState(id string, state models.ConversationState, ctx models.ConversationContext, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return models.ErrConversationNotFound
	}
	if c.Version != expectedVersion {
		return models.ErrVersionConflict
	}
	c.State = state
	c.Context = ctx
	c.Version++
	c.UpdatedAt = time.Now()
	s.conversations[id] = c
	return nil
}

func (s *InMemoryStore) AppendMessage(conversationID string, msg models.Message) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, models.ErrConversationNotFound
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	ts := msg.Timestamp
	switch msg.Role {
	case models.RoleUser:
		c.LastUserMessage = msg.Content
		c.LastUserMessageAt = &ts
	case models.RoleSystem:
		c.LastSysMessage = msg.Content
		c.LastSysMessageAt = &ts
	}
	c.UpdatedAt = time.Now()
	s.conversations[conversationID] = c
	conv := c
	return &conv, nil
}

func (s *InMemoryStore) GetMessages(conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) GetPatient(id string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.patients[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetLatestSurgery(patientID string) (*models.Surgery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Surgery
	for _, sg := range s.surgeries {
		if sg.PatientID != patientID {
			continue
		}
		if latest == nil || sg.PerformedAt.After(latest.PerformedAt) {
			cp := sg
			latest = &cp
		}
	}
	return latest, nil
}

func (s *InMemoryStore) GetFollowUp(id string) (*models.FollowUp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.followUps[id]; ok {
		return &f, nil
	}
	return nil, nil
}

func (s *InMemoryStore) ListPendingFollowUps() ([]models.FollowUp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FollowUp
	for _, f := range s.followUps {
		if f.Status == models.FollowUpPending {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) UpdateFollowUpStatus(id string, status models.FollowUpStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.followUps[id]
	if !ok {
		return models.ErrFollowUpNotFound
	}
	f.Status = status
	f.UpdatedAt = time.Now()
	s.followUps[id] = f
	return nil
}

func (s *InMemoryStore) GetFollowUpResponse(followUpID string) (*models.FollowUpResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.responses[followUpID]; ok {
		return &r, nil
	}
	return nil, nil
}

func (s *InMemoryStore) UpsertFollowUpResponse(resp models.FollowUpResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.responses[resp.FollowUpID]; ok {
		resp.ID = existing.ID
		resp.CreatedAt = existing.CreatedAt
	} else {
		if resp.ID == "" {
			resp.ID = uuid.NewString()
		}
		if resp.CreatedAt.IsZero() {
			resp.CreatedAt = time.Now()
		}
	}
	s.responses[resp.FollowUpID] = resp
	return nil
}

func (s *InMemoryStore) RecordFirstBowelMovement(surgeryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.surgeries[surgeryID]
	if !ok {
		return models.ErrSurgeryNotFound
	}
	if sg.FirstBowelMovementAt != nil {
		return nil
	}
	sg.FirstBowelMovementAt = &at
	s.surgeries[surgeryID] = sg
	return nil
}

func (s *InMemoryStore) ScheduleReset(conversationID string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetJobs[conversationID] = ResetJob{
		ConversationID: conversationID,
		RunAt:          runAt,
		CreatedAt:      time.Now(),
	}
	return nil
}

func (s *InMemoryStore) CancelReset(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resetJobs, conversationID)
	return nil
}

func (s *InMemoryStore) DueResets(now time.Time) ([]ResetJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []ResetJob
	for _, j := range s.resetJobs {
		if !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	return due, nil
}

func (s *InMemoryStore) DeleteReset(conversationID string) error {
	return s.CancelReset(conversationID)
}

func (s *InMemoryStore) Close() error {
	return nil
}

// Seed helpers for tests and local development.

// AddPatient inserts a patient record.
func (s *InMemoryStore) AddPatient(p models.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
}

// AddSurgery inserts a surgery record.
func (s *InMemoryStore) AddSurgery(sg models.Surgery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surgeries[sg.ID] = sg
}

// AddFollowUp inserts a follow-up record.
func (s *InMemoryStore) AddFollowUp(f models.FollowUp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followUps[f.ID] = f
}

// GetSurgery returns a surgery by id, or nil when absent.
func (s *InMemoryStore) GetSurgery(id string) *models.Surgery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sg, ok := s.surgeries[id]; ok {
		return &sg
	}
	return nil
}
