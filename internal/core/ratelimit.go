package core

import "time"

// RateLimitRecord is one counted request for an identifier/operation pair.
type RateLimitRecord struct {
	Identifier string    `json:"identifier"`
	Operation  string    `json:"operation"`
	Count      int       `json:"count"`
	CreatedAt  time.Time `json:"created_at"`

	// Window is the rolling window the record was admitted under. Stores that
	// expire records keep at least this much history. It is not persisted.
	Window time.Duration `json:"-"`
}

// RateLimitConfig describes a single rate limit check.
type RateLimitConfig struct {
	Identifier    string  `json:"identifier"`
	Operation     string  `json:"operation"`
	MaxRequests   int     `json:"max_requests"`
	WindowMinutes float64 `json:"window_minutes"`
}

// Window returns the configured window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes * float64(time.Minute))
}

// RateLimitResult reports the outcome of a rate limit check.
//
// ResetAt is the nominal end of the window the check was evaluated against.
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// RateLimitUsage aggregates stored records for one identifier/operation pair.
type RateLimitUsage struct {
	Identifier string    `json:"identifier"`
	Operation  string    `json:"operation"`
	Count      int       `json:"count"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}
