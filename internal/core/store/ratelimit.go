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

// CountRateLimitRecords sums the records for identifier/operation created at or after since.
func (s *Store) CountRateLimitRecords(ctx context.Context, identifier, operation string, since time.Time) (int, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}

	identifier, operation, err = normalizeKey(identifier, operation)
	if err != nil {
		return 0, err
	}

	return countRecords(ctx, s.DB, identifier, operation, since)
}

// InsertRateLimitRecord writes one counting record.
func (s *Store) InsertRateLimitRecord(ctx context.Context, record core.RateLimitRecord) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	identifier, operation, err := normalizeKey(record.Identifier, record.Operation)
	if err != nil {
		return err
	}
	count := record.Count
	if count <= 0 {
		count = 1
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO rate_limit_records (identifier, operation, count, created_at)
		VALUES (?, ?, ?, ?)
	`, identifier, operation, count, createdAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert rate limit record: %w", err)
	}

	return nil
}

// ReserveRateLimitRecord counts and conditionally inserts in one transaction.
// The insert statement re-checks the budget itself, so a concurrent writer
// cannot push the window past max even if the transaction is not serialized.
// It returns the count observed before the insert and whether a record was written.
func (s *Store) ReserveRateLimitRecord(ctx context.Context, identifier, operation string, since time.Time, max int, now time.Time) (int, bool, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, false, err
	}

	identifier, operation, err = normalizeKey(identifier, operation)
	if err != nil {
		return 0, false, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	count, err := countRecords(ctx, tx, identifier, operation, since)
	if err != nil {
		return 0, false, err
	}
	if count >= max {
		return count, false, tx.Commit()
	}

	sinceMillis := since.UTC().UnixMilli()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO rate_limit_records (identifier, operation, count, created_at)
		SELECT ?, ?, 1, ?
		WHERE (
			SELECT COALESCE(SUM(count), 0) FROM rate_limit_records
			WHERE identifier = ? AND operation = ? AND created_at >= ?
		) < ?
	`, identifier, operation, now.UTC().UnixMilli(), identifier, operation, sinceMillis, max)
	if err != nil {
		return 0, false, fmt.Errorf("reserve rate limit record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("reserve rate limit record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit reserve: %w", err)
	}

	return count, affected == 1, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countRecords(ctx context.Context, q queryer, identifier, operation string, since time.Time) (int, error) {
	var total sql.NullInt64
	row := q.QueryRowContext(ctx, `
		SELECT SUM(count)
		FROM rate_limit_records
		WHERE identifier = ? AND operation = ? AND created_at >= ?
	`, identifier, operation, since.UTC().UnixMilli())

	if err := row.Scan(&total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("count rate limit records: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return int(total.Int64), nil
}

func normalizeKey(identifier, operation string) (string, string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", "", errors.New("identifier is required")
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return "", "", errors.New("operation is required")
	}
	return identifier, operation, nil
}
