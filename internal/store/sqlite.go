// Package store provides storage backends for the follow-up engine.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/postopcare/followup/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateConversation(c models.Conversation) error {
	contextJSON, err := marshalContext(c.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO conversations
		(id, channel_address, patient_id, state, context, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ChannelAddress, nilIfEmpty(c.PatientID), c.State, contextJSON, c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "address", c.ChannelAddress)
		return fmt.Errorf("failed to insert conversation for %s: %w", c.ChannelAddress, err)
	}
	slog.Debug("SQLiteStore CreateConversation succeeded", "conversationID", c.ID, "address", c.ChannelAddress)
	return nil
}

func (s *SQLiteStore) GetConversationByID(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversationByID failed", "error", err, "conversationID", id)
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) GetConversationByAddress(address string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE channel_address = ?`, address)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversationByAddress failed", "error", err, "address", address)
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) FindConversationByAddressSuffix(suffix string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations
		WHERE channel_address LIKE ? ORDER BY updated_at DESC LIMIT 1`, "%"+suffix)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindConversationByAddressSuffix failed", "error", err, "suffix", suffix)
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) SetConversationPatient(conversationID, patientID string) error {
	res, err := s.db.Exec(`UPDATE conversations SET patient_id = ?, updated_at = ?
		WHERE id = ? AND (patient_id IS NULL OR patient_id = '')`,
		patientID, time.Now(), conversationID)
	if err != nil {
		slog.Error("SQLiteStore SetConversationPatient failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to set conversation patient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the conversation is missing or already bound to a patient.
		existing, err := s.GetConversationByID(conversationID)
		if err != nil {
			return err
		}
		if existing == nil {
			return models.ErrConversationNotFound
		}
	}
	return nil
}

func (s *SQLiteStore) UpdateConversationState(id string, state models.ConversationState, ctx models.ConversationContext, expectedVersion int) error {
	contextJSON, err := marshalContext(ctx)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE conversations
		SET state = ?, context = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		state, contextJSON, time.Now(), id, expectedVersion)
	if err != nil {
		slog.Error("SQLiteStore UpdateConversationState failed", "error", err, "conversationID", id, "state", state)
		return fmt.Errorf("failed to update conversation state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		existing, err := s.GetConversationByID(id)
		if err != nil {
			return err
		}
		if existing == nil {
			return models.ErrConversationNotFound
		}
		slog.Warn("SQLiteStore UpdateConversationState version conflict", "conversationID", id, "expectedVersion", expectedVersion, "actualVersion", existing.Version)
		return models.ErrVersionConflict
	}
	slog.Debug("SQLiteStore UpdateConversationState succeeded", "conversationID", id, "state", state)
	return nil
}

func (s *SQLiteStore) AppendMessage(conversationID string, msg models.Message) (*models.Conversation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO messages (conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?)`,
		conversationID, msg.Role, msg.Content, msg.Timestamp); err != nil {
		slog.Error("SQLiteStore AppendMessage insert failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	var query string
	switch msg.Role {
	case models.RoleUser:
		query = `UPDATE conversations SET last_user_message = ?, last_user_message_at = ?, updated_at = ? WHERE id = ?`
	default:
		query = `UPDATE conversations SET last_system_message = ?, last_system_message_at = ?, updated_at = ? WHERE id = ?`
	}
	res, err := tx.Exec(query, msg.Content, msg.Timestamp, time.Now(), conversationID)
	if err != nil {
		slog.Error("SQLiteStore AppendMessage pointer update failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to update message pointers: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.ErrConversationNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message append: %w", err)
	}
	slog.Debug("SQLiteStore AppendMessage succeeded", "conversationID", conversationID, "role", msg.Role)
	return s.GetConversationByID(conversationID)
}

func (s *SQLiteStore) GetMessages(conversationID string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT role, content, timestamp FROM messages WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		slog.Error("SQLiteStore GetMessages query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp); err != nil {
			slog.Error("SQLiteStore GetMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) GetPatient(id string) (*models.Patient, error) {
	var p models.Patient
	var phone sql.NullString
	var birthDate sql.NullTime
	err := s.db.QueryRow(`SELECT id, name, phone, birth_date, created_at FROM patients WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &phone, &birthDate, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPatient failed", "error", err, "patientID", id)
		return nil, err
	}
	p.Phone = phone.String
	if birthDate.Valid {
		t := birthDate.Time
		p.BirthDate = &t
	}
	return &p, nil
}

func (s *SQLiteStore) GetLatestSurgery(patientID string) (*models.Surgery, error) {
	var sg models.Surgery
	var firstBM sql.NullTime
	err := s.db.QueryRow(`SELECT id, patient_id, procedure, performed_at, first_bowel_movement_at, created_at
		FROM surgeries WHERE patient_id = ? ORDER BY performed_at DESC LIMIT 1`, patientID).
		Scan(&sg.ID, &sg.PatientID, &sg.Procedure, &sg.PerformedAt, &firstBM, &sg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetLatestSurgery failed", "error", err, "patientID", patientID)
		return nil, err
	}
	if firstBM.Valid {
		t := firstBM.Time
		sg.FirstBowelMovementAt = &t
	}
	return &sg, nil
}

func (s *SQLiteStore) GetFollowUp(id string) (*models.FollowUp, error) {
	var f models.FollowUp
	err := s.db.QueryRow(`SELECT id, surgery_id, patient_id, day_number, status, created_at, updated_at
		FROM follow_ups WHERE id = ?`, id).
		Scan(&f.ID, &f.SurgeryID, &f.PatientID, &f.DayNumber, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFollowUp failed", "error", err, "followUpID", id)
		return nil, err
	}
	return &f, nil
}

func (s *SQLiteStore) ListPendingFollowUps() ([]models.FollowUp, error) {
	rows, err := s.db.Query(`SELECT id, surgery_id, patient_id, day_number, status, created_at, updated_at
		FROM follow_ups WHERE status = ? ORDER BY created_at ASC`, models.FollowUpPending)
	if err != nil {
		slog.Error("SQLiteStore ListPendingFollowUps failed", "error", err)
		return nil, err
	}
	defer rows.Close()
	var out []models.FollowUp
	for rows.Next() {
		var f models.FollowUp
		if err := rows.Scan(&f.ID, &f.SurgeryID, &f.PatientID, &f.DayNumber, &f.Status, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateFollowUpStatus(id string, status models.FollowUpStatus) error {
	res, err := s.db.Exec(`UPDATE follow_ups SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateFollowUpStatus failed", "error", err, "followUpID", id)
		return fmt.Errorf("failed to update follow-up status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrFollowUpNotFound
	}
	return nil
}

func (s *SQLiteStore) GetFollowUpResponse(followUpID string) (*models.FollowUpResponse, error) {
	row := s.db.QueryRow(`SELECT id, follow_up_id, patient_id, pain_at_rest, pain_during_bowel,
		bleeding, fever, risk_level, raw_answers, transcript, created_at, updated_at
		FROM follow_up_responses WHERE follow_up_id = ?`, followUpID)
	r, err := scanFollowUpResponse(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFollowUpResponse failed", "error", err, "followUpID", followUpID)
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) UpsertFollowUpResponse(resp models.FollowUpResponse) error {
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO follow_up_responses
		(id, follow_up_id, patient_id, pain_at_rest, pain_during_bowel, bleeding, fever, risk_level, raw_answers, transcript, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(follow_up_id) DO UPDATE SET
			pain_at_rest = excluded.pain_at_rest,
			pain_during_bowel = excluded.pain_during_bowel,
			bleeding = excluded.bleeding,
			fever = excluded.fever,
			risk_level = excluded.risk_level,
			raw_answers = excluded.raw_answers,
			transcript = excluded.transcript,
			updated_at = excluded.updated_at`,
		resp.ID, resp.FollowUpID, resp.PatientID, intPtrValue(resp.PainAtRest), intPtrValue(resp.PainDuringBowel),
		resp.Bleeding, resp.Fever, resp.RiskLevel, resp.RawAnswersJSON, resp.Transcript, now, now)
	if err != nil {
		slog.Error("SQLiteStore UpsertFollowUpResponse failed", "error", err, "followUpID", resp.FollowUpID)
		return fmt.Errorf("failed to upsert follow-up response for %s: %w", resp.FollowUpID, err)
	}
	slog.Debug("SQLiteStore UpsertFollowUpResponse succeeded", "followUpID", resp.FollowUpID)
	return nil
}

func (s *SQLiteStore) RecordFirstBowelMovement(surgeryID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE surgeries SET first_bowel_movement_at = ?
		WHERE id = ? AND first_bowel_movement_at IS NULL`, at, surgeryID)
	if err != nil {
		slog.Error("SQLiteStore RecordFirstBowelMovement failed", "error", err, "surgeryID", surgeryID)
		return fmt.Errorf("failed to record first bowel movement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(1) FROM surgeries WHERE id = ?`, surgeryID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return models.ErrSurgeryNotFound
		}
	}
	return nil
}

func (s *SQLiteStore) ScheduleReset(conversationID string, runAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO reset_jobs (conversation_id, run_at, created_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET run_at = excluded.run_at, created_at = excluded.created_at`,
		conversationID, runAt, time.Now())
	if err != nil {
		slog.Error("SQLiteStore ScheduleReset failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to schedule reset: %w", err)
	}
	slog.Debug("SQLiteStore ScheduleReset succeeded", "conversationID", conversationID, "runAt", runAt)
	return nil
}

func (s *SQLiteStore) CancelReset(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM reset_jobs WHERE conversation_id = ?`, conversationID)
	if err != nil {
		slog.Error("SQLiteStore CancelReset failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to cancel reset: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DueResets(now time.Time) ([]ResetJob, error) {
	rows, err := s.db.Query(`SELECT conversation_id, run_at, created_at FROM reset_jobs WHERE run_at <= ? ORDER BY run_at ASC`, now)
	if err != nil {
		slog.Error("SQLiteStore DueResets query failed", "error", err)
		return nil, fmt.Errorf("failed to query due resets: %w", err)
	}
	defer rows.Close()

	var jobs []ResetJob
	for rows.Next() {
		var j ResetJob
		if err := rows.Scan(&j.ConversationID, &j.RunAt, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reset job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) DeleteReset(conversationID string) error {
	return s.CancelReset(conversationID)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
