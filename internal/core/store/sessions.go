package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pulsegate/pulsegate/internal/core"
)

// ErrSessionNotFound is returned when no session row matches the id.
var ErrSessionNotFound = errors.New("session not found")

// SessionQuery filters ListSessions.
type SessionQuery struct {
	UserID         string
	IncludeRevoked bool
	Limit          int
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, session core.Session) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return errors.New("session id is required")
	}
	if strings.TrimSpace(session.UserID) == "" {
		return errors.New("session user id is required")
	}

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, created_at, last_activity_at, revoked_at)
		VALUES (?, ?, ?, ?, NULL)
	`, session.ID, session.UserID, session.CreatedAt.UTC().UnixMilli(), session.LastActivityAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*core.Session, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, last_activity_at, revoked_at
		FROM sessions WHERE id = ?
	`, strings.TrimSpace(id))

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// TouchSession records activity on a live session.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	millis := at.UTC().UnixMilli()
	if _, err := s.DB.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = ?
		WHERE id = ? AND revoked_at IS NULL AND last_activity_at < ?
	`, millis, strings.TrimSpace(id), millis); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// RevokeSession marks the session invalid. Revoking twice keeps the first timestamp.
func (s *Store) RevokeSession(ctx context.Context, id string, at time.Time) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	id = strings.TrimSpace(id)
	result, err := s.DB.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = ?
		WHERE id = ? AND revoked_at IS NULL
	`, at.UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListSessions returns sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, q SessionQuery) ([]core.Session, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	var (
		clauses []string
		args    []any
	)
	if userID := strings.TrimSpace(q.UserID); userID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, userID)
	}
	if !q.IncludeRevoked {
		clauses = append(clauses, "revoked_at IS NULL")
	}

	query := `SELECT id, user_id, created_at, last_activity_at, revoked_at FROM sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY last_activity_at DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	sessions := []core.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*core.Session, error) {
	var (
		session      core.Session
		createdAt    int64
		lastActivity int64
		revokedAt    sql.NullInt64
	)
	if err := row.Scan(&session.ID, &session.UserID, &createdAt, &lastActivity, &revokedAt); err != nil {
		return nil, err
	}
	session.CreatedAt = time.UnixMilli(createdAt).UTC()
	session.LastActivityAt = time.UnixMilli(lastActivity).UTC()
	if revokedAt.Valid {
		value := time.UnixMilli(revokedAt.Int64).UTC()
		session.RevokedAt = &value
	}
	return &session, nil
}
