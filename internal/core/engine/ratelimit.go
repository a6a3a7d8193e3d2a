package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pulsegate/pulsegate/internal/core"
	"github.com/pulsegate/pulsegate/internal/metrics"
)

var (
	// ErrInvalidConfig is returned when a check is requested with unusable parameters.
	ErrInvalidConfig = errors.New("invalid rate limit config")

	// MaxWindow bounds a check's rolling window so window arithmetic stays in range.
	MaxWindow = 366 * 24 * time.Hour

	// ErrNoStore is returned when the limiter has no record store.
	ErrNoStore = errors.New("rate limiter has no record store")
)

// RateLimiter admits requests per identifier/operation inside a rolling window.
type RateLimiter struct {
	Store    RateLimitStore
	Policies map[string]RateLimitPolicy
	Clock    func() time.Time
	Margin   float64

	// Atomic uses the store's guarded reserve instead of count-then-insert.
	// It has no effect unless Store implements AtomicRateLimitStore.
	Atomic bool
}

// RateLimitStore counts and inserts rate limit records.
type RateLimitStore interface {
	CountRateLimitRecords(ctx context.Context, identifier, operation string, since time.Time) (int, error)
	InsertRateLimitRecord(ctx context.Context, record core.RateLimitRecord) error
}

// AtomicRateLimitStore can count and conditionally insert in one step.
// It returns the count seen before the insert and whether the record was written.
type AtomicRateLimitStore interface {
	RateLimitStore
	ReserveRateLimitRecord(ctx context.Context, identifier, operation string, since time.Time, max int, now time.Time) (int, bool, error)
}

// Check decides whether one more request fits cfg's window and records it when it does.
//
// Without Atomic the count and the insert are separate store calls, so concurrent
// callers for the same pair can both be admitted near the limit.
func (r *RateLimiter) Check(ctx context.Context, cfg core.RateLimitConfig) (core.RateLimitResult, error) {
	cfg, err := ValidateConfig(cfg)
	if err != nil {
		return core.RateLimitResult{}, err
	}
	if r == nil || r.Store == nil {
		return core.RateLimitResult{}, ErrNoStore
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := r.now()
	window := cfg.Window()
	windowStart := now.Add(-window)
	resetAt := windowStart.Add(window)

	if atomic, ok := r.Store.(AtomicRateLimitStore); ok && r.Atomic {
		count, admitted, err := atomic.ReserveRateLimitRecord(ctx, cfg.Identifier, cfg.Operation, windowStart, cfg.MaxRequests, now)
		if err != nil {
			metrics.RecordRateLimitCheck(cfg.Operation, metrics.OutcomeError)
			return core.RateLimitResult{}, fmt.Errorf("reserve rate limit record: %w", err)
		}
		if !admitted {
			metrics.RecordRateLimitCheck(cfg.Operation, metrics.OutcomeDenied)
			return core.RateLimitResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
		}
		metrics.RecordRateLimitCheck(cfg.Operation, metrics.OutcomeAllowed)
		return core.RateLimitResult{Allowed: true, Remaining: remaining(cfg.MaxRequests, count), ResetAt: resetAt}, nil
	}

	count, err := r.Store.CountRateLimitRecords(ctx, cfg.Identifier, cfg.Operation, windowStart)
	if err != nil {
		metrics.RecordRateLimitCheck(cfg.Operation, metrics.OutcomeError)
		return core.RateLimitResult{}, fmt.Errorf("count rate limit records: %w", err)
	}

	if count >= cfg.MaxRequests {
		metrics.RecordRateLimitCheck(cfg.Operation, metrics.OutcomeDenied)
		return core.RateLimitResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	record := core.RateLimitRecord{
		Identifier: cfg.Identifier,
		Operation:  cfg.Operation,
		Count:      1,
		CreatedAt:  now,
		Window:     window,
	}
	if err := r.Store.InsertRateLimitRecord(ctx, record); err != nil {
		metrics.RecordRateLimitCheck(cfg.Operation, metrics.OutcomeError)
		return core.RateLimitResult{}, fmt.Errorf("insert rate limit record: %w", err)
	}

	metrics.RecordRateLimitCheck(cfg.Operation, metrics.OutcomeAllowed)
	return core.RateLimitResult{Allowed: true, Remaining: remaining(cfg.MaxRequests, count), ResetAt: resetAt}, nil
}

// CheckOperation resolves the operation's policy and runs Check for identifier.
func (r *RateLimiter) CheckOperation(ctx context.Context, identifier, operation string) (core.RateLimitResult, error) {
	policy := r.Policy(operation)
	return r.Check(ctx, policy.Config(identifier, operation))
}

// ValidateConfig trims cfg and rejects empty keys and non-positive budgets.
func ValidateConfig(cfg core.RateLimitConfig) (core.RateLimitConfig, error) {
	cfg.Identifier = strings.TrimSpace(cfg.Identifier)
	cfg.Operation = strings.TrimSpace(cfg.Operation)

	switch {
	case cfg.Identifier == "":
		return cfg, fmt.Errorf("%w: identifier is required", ErrInvalidConfig)
	case cfg.Operation == "":
		return cfg, fmt.Errorf("%w: operation is required", ErrInvalidConfig)
	case cfg.MaxRequests <= 0:
		return cfg, fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidConfig, cfg.MaxRequests)
	case cfg.WindowMinutes <= 0 || math.IsNaN(cfg.WindowMinutes) || math.IsInf(cfg.WindowMinutes, 0):
		return cfg, fmt.Errorf("%w: window minutes must be positive, got %v", ErrInvalidConfig, cfg.WindowMinutes)
	case cfg.WindowMinutes > MaxWindow.Minutes():
		return cfg, fmt.Errorf("%w: window minutes must not exceed %v, got %v", ErrInvalidConfig, MaxWindow.Minutes(), cfg.WindowMinutes)
	}
	return cfg, nil
}

// Policy returns the effective policy for operation after overrides and margin.
func (r *RateLimiter) Policy(operation string) RateLimitPolicy {
	operation = strings.TrimSpace(operation)

	policies := DefaultPolicies
	if r != nil && r.Policies != nil {
		policies = r.Policies
	}

	policy, ok := policies[operation]
	if !ok {
		policy = FallbackPolicy
	}
	return r.applyMargin(policy)
}

// Operations lists the operations with an explicit policy, sorted.
func (r *RateLimiter) Operations() []string {
	policies := DefaultPolicies
	if r != nil && r.Policies != nil {
		policies = r.Policies
	}
	operations := make([]string, 0, len(policies))
	for operation := range policies {
		operations = append(operations, operation)
	}
	sort.Strings(operations)
	return operations
}

// LongestWindow returns the longest window among the effective policies.
func (r *RateLimiter) LongestWindow() time.Duration {
	longest := FallbackPolicy.Window
	for _, operation := range r.Operations() {
		if window := r.Policy(operation).Window; window > longest {
			longest = window
		}
	}
	return longest
}

// ApplyOverrides merges per-operation request overrides (per minute).
func (r *RateLimiter) ApplyOverrides(overrides map[string]int) {
	if r == nil || len(overrides) == 0 {
		return
	}

	r.ensurePolicies()
	for operation, value := range overrides {
		operation = strings.TrimSpace(operation)
		if operation == "" || value <= 0 {
			continue
		}
		policy := r.Policies[operation]
		policy.MaxRequests = value
		policy.Window = time.Minute
		r.Policies[operation] = policy
	}
}

// ApplyPolicies merges whole policies, typically loaded from a policy file.
func (r *RateLimiter) ApplyPolicies(policies map[string]RateLimitPolicy) {
	if r == nil || len(policies) == 0 {
		return
	}

	r.ensurePolicies()
	for operation, policy := range policies {
		operation = strings.TrimSpace(operation)
		if operation == "" || policy.MaxRequests <= 0 || policy.Window <= 0 || policy.Window > MaxWindow {
			continue
		}
		r.Policies[operation] = policy
	}
}

// ApplyFailOpen marks operations whose HTTP call sites admit requests on store failure.
func (r *RateLimiter) ApplyFailOpen(operations []string) {
	if r == nil || len(operations) == 0 {
		return
	}

	r.ensurePolicies()
	for _, operation := range operations {
		operation = strings.TrimSpace(operation)
		if operation == "" {
			continue
		}
		policy, ok := r.Policies[operation]
		if !ok {
			policy = FallbackPolicy
		}
		policy.FailOpen = true
		r.Policies[operation] = policy
	}
}

// ApplySafetyMargin adjusts the effective request limits by a ratio (0-1].
func (r *RateLimiter) ApplySafetyMargin(margin float64) {
	if r == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	r.Margin = margin
}

func (r *RateLimiter) ensurePolicies() {
	if r.Policies != nil {
		return
	}
	r.Policies = make(map[string]RateLimitPolicy, len(DefaultPolicies))
	for key, policy := range DefaultPolicies {
		r.Policies[key] = policy
	}
}

// Now reads the limiter clock.
func (r *RateLimiter) Now() time.Time {
	return r.now()
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r *RateLimiter) applyMargin(policy RateLimitPolicy) RateLimitPolicy {
	if r == nil || r.Margin <= 0 || r.Margin > 1 {
		return policy
	}
	adjusted := int(math.Floor(float64(policy.MaxRequests) * r.Margin))
	if adjusted < 1 {
		adjusted = 1
	}
	policy.MaxRequests = adjusted
	return policy
}

func remaining(max, count int) int {
	left := max - count - 1
	if left < 0 {
		return 0
	}
	return left
}
