package metrics

// Rate limiter and session metrics
const (
	RateLimitChecksTotal   = "ratelimit_checks_total"
	RateLimitFailOpenTotal = "ratelimit_fail_open_total"

	SessionsOpenedTotal      = "sessions_opened_total"
	SessionTransitionsTotal  = "session_transitions_total"
	SessionInvalidationTotal = "session_invalidations_total"
	ActiveSessions           = "sessions_active"
)

// Rate limit check outcomes
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// RecordRateLimitCheck counts one limiter decision for an operation.
func RecordRateLimitCheck(operation, outcome string) {
	counter(RateLimitChecksTotal, map[string]string{
		"operation": operation,
		"outcome":   outcome,
	})
}

// RecordRateLimitFailOpen counts a request admitted because the store failed.
func RecordRateLimitFailOpen(operation string) {
	counter(RateLimitFailOpenTotal, map[string]string{"operation": operation})
}

// RecordSessionOpened counts a newly mounted session.
func RecordSessionOpened() {
	counter(SessionsOpenedTotal, nil)
}

// RecordSessionTransition counts an inactivity state change (warned, logged_out).
func RecordSessionTransition(state string) {
	counter(SessionTransitionsTotal, map[string]string{"state": state})
}

// RecordSessionInvalidation counts remote invalidation attempts by result.
func RecordSessionInvalidation(success bool) {
	counter(SessionInvalidationTotal, map[string]string{"status": status(success, "success", "failure")})
}

// SetActiveSessions sets the number of mounted session controllers.
func SetActiveSessions(count int) {
	gauge(ActiveSessions, float64(count), nil)
}
