package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pulsegate/pulsegate/internal/core"
)

// likePrefix escapes LIKE wildcards so a prefix matches literally.
var likePrefix = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// RateLimitQuery selects records for the admin commands.
type RateLimitQuery struct {
	All        bool
	Identifier string
	Operation  string
	Prefix     string

	// Since drops records created before it when non-zero.
	Since time.Time
}

func (q RateLimitQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Identifier) != "" || strings.TrimSpace(q.Operation) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --identifier, --operation, or --prefix")
}

func (q RateLimitQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var (
		clauses []string
		args    []any
	)
	if !q.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, q.Since.UTC().UnixMilli())
	}
	if q.All {
		if len(clauses) == 0 {
			return "", nil, nil
		}
		return "WHERE " + strings.Join(clauses, " AND "), args, nil
	}
	if identifier := strings.TrimSpace(q.Identifier); identifier != "" {
		clauses = append(clauses, "identifier = ?")
		args = append(args, identifier)
	}
	if operation := strings.TrimSpace(q.Operation); operation != "" {
		clauses = append(clauses, "operation = ?")
		args = append(args, operation)
	}
	if prefix := strings.TrimSpace(q.Prefix); prefix != "" {
		clauses = append(clauses, `identifier LIKE ? ESCAPE '\'`)
		args = append(args, likePrefix.Replace(prefix)+"%")
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

// ListRateLimits aggregates records per identifier/operation pair.
func (s *Store) ListRateLimits(ctx context.Context, q RateLimitQuery) ([]core.RateLimitUsage, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT identifier, operation, SUM(count), MIN(created_at), MAX(created_at)
		FROM rate_limit_records
		%s
		GROUP BY identifier, operation
		ORDER BY identifier, operation
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	usages := []core.RateLimitUsage{}
	for rows.Next() {
		var (
			usage     core.RateLimitUsage
			firstSeen int64
			lastSeen  int64
		)
		if err := rows.Scan(&usage.Identifier, &usage.Operation, &usage.Count, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan rate limits: %w", err)
		}
		usage.FirstSeen = time.UnixMilli(firstSeen).UTC()
		usage.LastSeen = time.UnixMilli(lastSeen).UTC()
		usages = append(usages, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}

	return usages, nil
}

// CountRateLimits returns the number of records matching q.
func (s *Store) CountRateLimits(ctx context.Context, q RateLimitQuery) (int, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM rate_limit_records
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rate limits: %w", err)
	}
	return count, nil
}

// ResetRateLimits deletes the records matching q.
func (s *Store) ResetRateLimits(ctx context.Context, q RateLimitQuery) (int64, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM rate_limit_records
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}
	return affected, nil
}

// PruneRateLimitRecords deletes records created before the cutoff.
func (s *Store) PruneRateLimitRecords(ctx context.Context, before time.Time) (int64, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, `
		DELETE FROM rate_limit_records WHERE created_at < ?
	`, before.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune rate limit records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rate limit records: %w", err)
	}
	return affected, nil
}

// CountRateLimitRecordsBefore returns how many records a prune with the same cutoff would delete.
func (s *Store) CountRateLimitRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_records WHERE created_at < ?
	`, before.UTC().UnixMilli())

	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count stale rate limit records: %w", err)
	}
	return count, nil
}
