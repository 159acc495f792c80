package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation. Callers treat this as a retryable condition when inserting
// session codes.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) InsertSession(ctx context.Context, session Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, code, title, facilitator_email, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, session.ID, session.Code, session.Title, session.FacilitatorEmail, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE code=$1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check session code: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) FindSessionByCode(ctx context.Context, code string) (Session, error) {
	var item Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, title, facilitator_email, expires_at, created_at
		FROM sessions
		WHERE code=$1
	`, code).Scan(&item.ID, &item.Code, &item.Title, &item.FacilitatorEmail, &item.ExpiresAt, &item.CreatedAt)
	if err != nil {
		return Session{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var item Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, title, facilitator_email, expires_at, created_at
		FROM sessions
		WHERE id=$1
	`, sessionID).Scan(&item.ID, &item.Code, &item.Title, &item.FacilitatorEmail, &item.ExpiresAt, &item.CreatedAt)
	if err != nil {
		return Session{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertParticipant(ctx context.Context, participant Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, session_id, display_name, consent_given, is_visible)
		VALUES ($1, $2, $3, $4, $5)
	`, participant.ID, participant.SessionID, participant.DisplayName, participant.ConsentGiven, participant.IsVisible)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, participantID string) (Participant, error) {
	var item Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, display_name, consent_given, is_visible, created_at
		FROM participants
		WHERE id=$1
	`, participantID).Scan(&item.ID, &item.SessionID, &item.DisplayName, &item.ConsentGiven, &item.IsVisible, &item.CreatedAt)
	if err != nil {
		return Participant{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateParticipantVisibility(ctx context.Context, participantID string, isVisible bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE participants SET is_visible=$2 WHERE id=$1
	`, participantID, isVisible)
	if err != nil {
		return false, fmt.Errorf("update participant visibility: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update participant visibility rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteParticipant removes the participant row. The ON DELETE CASCADE
// constraint on identity_items removes the participant's items in the
// same statement.
func (s *PostgresStore) DeleteParticipant(ctx context.Context, participantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE id=$1`, participantID)
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVisibleParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, display_name, consent_given, is_visible, created_at
		FROM participants
		WHERE session_id=$1 AND is_visible
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list visible participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var item Participant
		if err := rows.Scan(&item.ID, &item.SessionID, &item.DisplayName, &item.ConsentGiven, &item.IsVisible, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

// InsertIdentityItems bulk-inserts a batch inside one transaction so a
// failure never leaves a partial batch behind.
func (s *PostgresStore) InsertIdentityItems(ctx context.Context, items []IdentityItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin identity items tx: %w", err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO identity_items (id, participant_id, lens, item_type, label, value, weight)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, item.ParticipantID, item.Lens, item.Type, item.Label, item.Value, item.Weight); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert identity item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit identity items: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIdentityItems(ctx context.Context, participantID string) ([]IdentityItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_id, lens, item_type, label, value, weight, created_at
		FROM identity_items
		WHERE participant_id=$1
		ORDER BY created_at ASC, id ASC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("list identity items: %w", err)
	}
	defer rows.Close()

	items := make([]IdentityItem, 0)
	for rows.Next() {
		var item IdentityItem
		if err := rows.Scan(&item.ID, &item.ParticipantID, &item.Lens, &item.Type, &item.Label, &item.Value, &item.Weight, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan identity item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, event Event) error {
	var payload any
	if event.Payload != nil {
		encoded, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(encoded)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, participant_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, event.ID, event.SessionID, event.ParticipantID, event.EventType, payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
