package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/shiori/internal/models"
)

// CreateSession inserts a session. An empty ID is assigned a new UUID.
func (s *SQLiteStorage) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.Title, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession returns a session without its messages.
func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&session.ID, &session.Title, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns sessions most recently updated first.
func (s *SQLiteStorage) ListSessions(ctx context.Context, offset, limit int) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []*models.Session
	for rows.Next() {
		var session models.Session
		if err := rows.Scan(&session.ID, &session.Title, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStorage) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetMessages returns the last lastN messages of a session in chronological order.
// lastN <= 0 returns all messages.
func (s *SQLiteStorage) GetMessages(ctx context.Context, sessionID string, lastN int) ([]*models.Message, error) {
	query := `SELECT id, session_id, seq, role, content, fragments, created_at FROM messages
		WHERE session_id = ? ORDER BY seq DESC`
	args := []any{sessionID}
	if lastN > 0 {
		query += ` LIMIT ?`
		args = append(args, lastN)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var fragmentsJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &role, &m.Content, &fragmentsJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		if fragmentsJSON.Valid && fragmentsJSON.String != "" && fragmentsJSON.String != "null" {
			if err := json.Unmarshal([]byte(fragmentsJSON.String), &m.Fragments); err != nil {
				return nil, fmt.Errorf("failed to unmarshal message fragments: %w", err)
			}
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AppendMessages appends msgs in order within one transaction. Either all are stored or none.
func (s *SQLiteStorage) AppendMessages(ctx context.Context, sessionID string, msgs ...*models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return err
	}

	now := time.Now()
	if err := insertMessages(ctx, tx, sessionID, seq, now, msgs); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return tx.Commit()
}

// CreateSessionWithMessages inserts session and msgs in one transaction. An empty
// session ID is assigned a new UUID.
func (s *SQLiteStorage) CreateSessionWithMessages(ctx context.Context, session *models.Session, msgs ...*models.Message) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.Title, now, now); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	if err := insertMessages(ctx, tx, session.ID, 0, now, msgs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	session.CreatedAt = now
	session.UpdatedAt = now
	return nil
}

// insertMessages numbers msgs from seq+1 and inserts them.
func insertMessages(ctx context.Context, tx *sql.Tx, sessionID string, seq int64, now time.Time, msgs []*models.Message) error {
	for _, m := range msgs {
		seq++
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.SessionID = sessionID
		m.Seq = seq
		m.CreatedAt = now
		var fragmentsJSON []byte
		if len(m.Fragments) > 0 {
			var err error
			if fragmentsJSON, err = json.Marshal(m.Fragments); err != nil {
				return fmt.Errorf("failed to marshal message fragments: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, seq, role, content, fragments, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.Seq, string(m.Role), m.Content, string(fragmentsJSON), m.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return nil
}
