// Package store provides storage backends for the follow-up engine.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/postopcare/followup/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateConversation(c models.Conversation) error {
	contextJSON, err := marshalContext(c.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO conversations
		(id, channel_address, patient_id, state, context, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.ChannelAddress, nilIfEmpty(c.PatientID), c.State, contextJSON, c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateConversation failed", "error", err, "address", c.ChannelAddress)
		return fmt.Errorf("failed to insert conversation for %s: %w", c.ChannelAddress, err)
	}
	return nil
}

func (s *PostgresStore) GetConversationByID(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversationByID failed", "error", err, "conversationID", id)
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) GetConversationByAddress(address string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE channel_address = $1`, address)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversationByAddress failed", "error", err, "address", address)
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) FindConversationByAddressSuffix(suffix string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations
		WHERE channel_address LIKE $1 ORDER BY updated_at DESC LIMIT 1`, "%"+suffix)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindConversationByAddressSuffix failed", "error", err, "suffix", suffix)
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) SetConversationPatient(conversationID, patientID string) error {
	res, err := s.db.Exec(`UPDATE conversations SET patient_id = $1, updated_at = $2
		WHERE id = $3 AND (patient_id IS NULL OR patient_id = '')`,
		patientID, time.Now(), conversationID)
	if err != nil {
		slog.Error("PostgresStore SetConversationPatient failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to set conversation patient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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

func (s *PostgresStore) UpdateConversationState(id string, state models.ConversationState, ctx models.ConversationContext, expectedVersion int) error {
	contextJSON, err := marshalContext(ctx)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE conversations
		SET state = $1, context = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		state, contextJSON, time.Now(), id, expectedVersion)
	if err != nil {
		slog.Error("PostgresStore UpdateConversationState failed", "error", err, "conversationID", id, "state", state)
		return fmt.Errorf("failed to update conversation state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetConversationByID(id)
		if err != nil {
			return err
		}
		if existing == nil {
			return models.ErrConversationNotFound
		}
		slog.Warn("PostgresStore UpdateConversationState version conflict", "conversationID", id, "expectedVersion", expectedVersion, "actualVersion", existing.Version)
		return models.ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) AppendMessage(conversationID string, msg models.Message) (*models.Conversation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO messages (conversation_id, role, content, timestamp) VALUES ($1, $2, $3, $4)`,
		conversationID, msg.Role, msg.Content, msg.Timestamp); err != nil {
		slog.Error("PostgresStore AppendMessage insert failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	var query string
	switch msg.Role {
	case models.RoleUser:
		query = `UPDATE conversations SET last_user_message = $1, last_user_message_at = $2, updated_at = $3 WHERE id = $4`
	default:
		query = `UPDATE conversations SET last_system_message = $1, last_system_message_at = $2, updated_at = $3 WHERE id = $4`
	}
	res, err := tx.Exec(query, msg.Content, msg.Timestamp, time.Now(), conversationID)
	if err != nil {
		slog.Error("PostgresStore AppendMessage pointer update failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to update message pointers: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.ErrConversationNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message append: %w", err)
	}
	return s.GetConversationByID(conversationID)
}

func (s *PostgresStore) GetMessages(conversationID string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT role, content, timestamp FROM messages WHERE conversation_id = $1 ORDER BY id ASC`, conversationID)
	if err != nil {
		slog.Error("PostgresStore GetMessages query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) GetPatient(id string) (*models.Patient, error) {
	var p models.Patient
	var phone sql.NullString
	var birthDate sql.NullTime
	err := s.db.QueryRow(`SELECT id, name, phone, birth_date, created_at FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &phone, &birthDate, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPatient failed", "error", err, "patientID", id)
		return nil, err
	}
	p.Phone = phone.String
	if birthDate.Valid {
		t := birthDate.Time
		p.BirthDate = &t
	}
	return &p, nil
}

func (s *PostgresStore) GetLatestSurgery(patientID string) (*models.Surgery, error) {
	var sg models.Surgery
	var firstBM sql.NullTime
	err := s.db.QueryRow(`SELECT id, patient_id, procedure, performed_at, first_bowel_movement_at, created_at
		FROM surgeries WHERE patient_id = $1 ORDER BY performed_at DESC LIMIT 1`, patientID).
		Scan(&sg.ID, &sg.PatientID, &sg.Procedure, &sg.PerformedAt, &firstBM, &sg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetLatestSurgery failed", "error", err, "patientID", patientID)
		return nil, err
	}
	if firstBM.Valid {
		t := firstBM.Time
		sg.FirstBowelMovementAt = &t
	}
	return &sg, nil
}

func (s *PostgresStore) GetFollowUp(id string) (*models.FollowUp, error) {
	var f models.FollowUp
	err := s.db.QueryRow(`SELECT id, surgery_id, patient_id, day_number, status, created_at, updated_at
		FROM follow_ups WHERE id = $1`, id).
		Scan(&f.ID, &f.SurgeryID, &f.PatientID, &f.DayNumber, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFollowUp failed", "error", err, "followUpID", id)
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) ListPendingFollowUps() ([]models.FollowUp, error) {
	rows, err := s.db.Query(`SELECT id, surgery_id, patient_id, day_number, status, created_at, updated_at
		FROM follow_ups WHERE status = $1 ORDER BY created_at ASC`, models.FollowUpPending)
	if err != nil {
		slog.Error("PostgresStore ListPendingFollowUps failed", "error", err)
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

func (s *PostgresStore) UpdateFollowUpStatus(id string, status models.FollowUpStatus) error {
	res, err := s.db.Exec(`UPDATE follow_ups SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdateFollowUpStatus failed", "error", err, "followUpID", id)
		return fmt.Errorf("failed to update follow-up status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrFollowUpNotFound
	}
	return nil
}

func (s *PostgresStore) GetFollowUpResponse(followUpID string) (*models.FollowUpResponse, error) {
	row := s.db.QueryRow(`SELECT id, follow_up_id, patient_id, pain_at_rest, pain_during_bowel,
		bleeding, fever, risk_level, raw_answers, transcript, created_at, updated_at
		FROM follow_up_responses WHERE follow_up_id = $1`, followUpID)
	r, err := scanFollowUpResponse(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFollowUpResponse failed", "error", err, "followUpID", followUpID)
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) UpsertFollowUpResponse(resp models.FollowUpResponse) error {
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO follow_up_responses
		(id, follow_up_id, patient_id, pain_at_rest, pain_during_bowel, bleeding, fever, risk_level, raw_answers, transcript, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT(follow_up_id) DO UPDATE SET
			pain_at_rest = EXCLUDED.pain_at_rest,
			pain_during_bowel = EXCLUDED.pain_during_bowel,
			bleeding = EXCLUDED.bleeding,
			fever = EXCLUDED.fever,
			risk_level = EXCLUDED.risk_level,
			raw_answers = EXCLUDED.raw_answers,
			transcript = EXCLUDED.transcript,
			updated_at = EXCLUDED.updated_at`,
		resp.ID, resp.FollowUpID, resp.PatientID, intPtrValue(resp.PainAtRest), intPtrValue(resp.PainDuringBowel),
		resp.Bleeding, resp.Fever, resp.RiskLevel, resp.RawAnswersJSON, resp.Transcript, now, now)
	if err != nil {
		slog.Error("PostgresStore UpsertFollowUpResponse failed", "error", err, "followUpID", resp.FollowUpID)
		return fmt.Errorf("failed to upsert follow-up response for %s: %w", resp.FollowUpID, err)
	}
	return nil
}

func (s *PostgresStore) RecordFirstBowelMovement(surgeryID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE surgeries SET first_bowel_movement_at = $1
		WHERE id = $2 AND first_bowel_movement_at IS NULL`, at, surgeryID)
	if err != nil {
		slog.Error("PostgresStore RecordFirstBowelMovement failed", "error", err, "surgeryID", surgeryID)
		return fmt.Errorf("failed to record first bowel movement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(1) FROM surgeries WHERE id = $1`, surgeryID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return models.ErrSurgeryNotFound
		}
	}
	return nil
}

func (s *PostgresStore) ScheduleReset(conversationID string, runAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO reset_jobs (conversation_id, run_at, created_at) VALUES ($1, $2, $3)
		ON CONFLICT(conversation_id) DO UPDATE SET run_at = EXCLUDED.run_at, created_at = EXCLUDED.created_at`,
		conversationID, runAt, time.Now())
	if err != nil {
		slog.Error("PostgresStore ScheduleReset failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to schedule reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelReset(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM reset_jobs WHERE conversation_id = $1`, conversationID)
	if err != nil {
		slog.Error("PostgresStore CancelReset failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to cancel reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) DueResets(now time.Time) ([]ResetJob, error) {
	rows, err := s.db.Query(`SELECT conversation_id, run_at, created_at FROM reset_jobs WHERE run_at <= $1 ORDER BY run_at ASC`, now)
	if err != nil {
		slog.Error("PostgresStore DueResets query failed", "error", err)
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

func (s *PostgresStore) DeleteReset(conversationID string) error {
	return s.CancelReset(conversationID)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
