package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pulsegate/pulsegate/internal/core/engine"
	"github.com/pulsegate/pulsegate/internal/metrics"
	"github.com/pulsegate/pulsegate/internal/observability"
)

// RateLimit admits requests under operation's policy for the resolved identifier.
// Denied requests get 429 with Retry-After. Store failures are denied with 503
// unless the operation's policy is fail-open.
func RateLimit(limiter *engine.RateLimiter, operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			id, ok := GetIdentity(r.Context())
			if !ok {
				id = IdentifierResolver{}.Resolve(r)
			}

			policy := limiter.Policy(operation)
			result, err := limiter.Check(r.Context(), policy.Config(id.Identifier, operation))
			if err != nil {
				if policy.FailOpen {
					metrics.RecordRateLimitFailOpen(operation)
					if observability.ServerLogger != nil {
						observability.ServerLogger.Warn("Rate limit store failed; admitting request",
							zap.String("operation", operation),
							zap.Error(err))
					}
					next.ServeHTTP(w, r)
					return
				}

				writeError(w, r, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "rate limit check unavailable",
					map[string]interface{}{"operation": operation, "wrapped_error": err.Error()})
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				retryAfter := retryAfterSeconds(policy.Window)
				resetAt := result.ResetAt.UTC().Format(time.RFC3339)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED",
					fmt.Sprintf("Too many requests. Try again after %s.", resetAt),
					map[string]interface{}{
						"operation":           operation,
						"resetAt":             resetAt,
						"retry_after_seconds": retryAfter,
					})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds is the full policy window: the limiter does not report
// when the oldest counted record leaves it.
func retryAfterSeconds(window time.Duration) int {
	seconds := int(math.Ceil(window.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
