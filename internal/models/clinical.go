// Package models defines clinical entities referenced by the follow-up engine.
package models

import (
	"strconv"
	"strings"
	"time"
)

// RiskLevel is the coarse clinical severity classification of a completed
// questionnaire cycle.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// MapUrgencyToRisk maps the interpreter's urgency classification to a
// RiskLevel. Unrecognized values fall back to low.
func MapUrgencyToRisk(urgency string) RiskLevel {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(urgency))) {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return RiskLevel(strings.ToLower(strings.TrimSpace(urgency)))
	default:
		return RiskLow
	}
}

// Questionnaire slot names collected during a cycle.
const (
	SlotPainAtRest      = "pain_at_rest"
	SlotPainDuringBowel = "pain_during_bowel_movement"
	SlotBleeding        = "bleeding"
	SlotFever           = "fever"
	SlotBowelMovement   = "bowel_movement_occurred"
)

// BleedingSeverity values reported by the interpreter for the bleeding slot.
const (
	BleedingNone     = "none"
	BleedingMild     = "mild"
	BleedingModerate = "moderate"
	BleedingSevere   = "severe"
)

// BleedingFlag derives the boolean bleeding field from a severity value.
// Only moderate and severe count as clinically relevant bleeding.
func BleedingFlag(severity string) bool {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case BleedingModerate, BleedingSevere:
		return true
	default:
		return false
	}
}

// ParseBoolSlot interprets a free-text boolean slot value. Absent or
// unrecognized values are false.
func ParseBoolSlot(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "y", "1":
		return true
	default:
		return false
	}
}

// ParseIntSlot interprets a numeric slot value (e.g. a 0-10 pain score).
// Returns nil when the slot is absent or not a number.
func ParseIntSlot(value string) *int {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

// Patient is the clinical owner of a conversation.
type Patient struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Phone     string     `json:"phone"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Surgery is the operative event a follow-up cycle monitors.
type Surgery struct {
	ID                   string     `json:"id"`
	PatientID            string     `json:"patient_id"`
	Procedure            string     `json:"procedure"`
	PerformedAt          time.Time  `json:"performed_at"`
	FirstBowelMovementAt *time.Time `json:"first_bowel_movement_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// FollowUpStatus tracks the lifecycle of one scheduled questionnaire cycle.
type FollowUpStatus string

const (
	FollowUpPending   FollowUpStatus = "pending"
	FollowUpSent      FollowUpStatus = "sent"
	FollowUpCompleted FollowUpStatus = "completed"
)

// FollowUp is one scheduled instance of the post-operative questionnaire.
// DayNumber is resolved from this record, never recomputed from wall-clock
// time, so replies after local midnight keep the cycle's day.
type FollowUp struct {
	ID        string         `json:"id"`
	SurgeryID string         `json:"surgery_id"`
	PatientID string         `json:"patient_id"`
	DayNumber int            `json:"day_number"`
	Status    FollowUpStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// FollowUpResponse holds the structured clinical result of a completed
// cycle. Exactly one exists per follow-up id; a duplicate completion updates
// the row in place.
type FollowUpResponse struct {
	ID              string    `json:"id"`
	FollowUpID      string    `json:"follow_up_id"`
	PatientID       string    `json:"patient_id"`
	PainAtRest      *int      `json:"pain_at_rest,omitempty"`
	PainDuringBowel *int      `json:"pain_during_bowel,omitempty"`
	Bleeding        bool      `json:"bleeding"`
	Fever           bool      `json:"fever"`
	RiskLevel       RiskLevel `json:"risk_level"`
	RawAnswersJSON  string    `json:"raw_answers_json"`
	Transcript      string    `json:"transcript"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
