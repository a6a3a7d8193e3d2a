package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/pulsegate/pulsegate/internal/config"
	"github.com/pulsegate/pulsegate/internal/core/engine"
	"github.com/pulsegate/pulsegate/internal/core/redisstore"
	"github.com/pulsegate/pulsegate/internal/core/store"
)

// recordBackend is a rate limit record store that can report health and be closed.
type recordBackend interface {
	engine.AtomicRateLimitStore
	CheckHealth(ctx context.Context) error
	Close() error
}

// openRecordBackend returns the configured record store. The libsql backend
// shares db; the Redis backend owns its own client and must be closed.
func openRecordBackend(ctx context.Context, cfg *config.Config, db *store.Store) (recordBackend, bool, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend)) {
	case "redis":
		rs, err := redisstore.Open(ctx, cfg.Redis, cfg.RateLimit.Retention)
		if err != nil {
			return nil, false, err
		}
		return rs, true, nil
	default:
		return db, false, nil
	}
}

// newRateLimiter builds a limiter from the policies file, per-minute
// overrides, fail-open list and safety margin, in that order.
func newRateLimiter(cfg *config.Config, records engine.RateLimitStore) (*engine.RateLimiter, error) {
	limiter := &engine.RateLimiter{
		Store:  records,
		Atomic: cfg.RateLimit.Atomic,
	}

	policies, err := engine.LoadPolicyFile(cfg.RateLimit.PoliciesFile)
	if err != nil {
		return nil, fmt.Errorf("load rate limit policies: %w", err)
	}
	limiter.ApplyPolicies(policies)
	limiter.ApplyOverrides(cfg.RateLimit.Overrides)
	limiter.ApplyFailOpen(cfg.RateLimit.FailOpen)
	limiter.ApplySafetyMargin(cfg.RateLimit.Margin)

	if retention := cfg.RateLimit.Retention; retention > 0 {
		if longest := limiter.LongestWindow(); retention < longest {
			return nil, fmt.Errorf("%w: rate_limit.retention (%s) is shorter than the longest policy window (%s)",
				errConfigInvalid, retention, longest)
		}
	}

	return limiter, nil
}
