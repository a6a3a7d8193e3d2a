package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pulsegate/pulsegate/internal/core"
	"github.com/pulsegate/pulsegate/internal/core/engine"
	apperrors "github.com/pulsegate/pulsegate/internal/errors"
	"github.com/pulsegate/pulsegate/internal/metrics"
	"github.com/pulsegate/pulsegate/internal/observability"
	"github.com/pulsegate/pulsegate/internal/server/middleware"
)

// RateLimitCheckRequest asks whether one more request fits a budget. Without
// explicit max_requests and window_minutes the operation's policy applies.
// Identifier defaults to the caller's resolved identity; an explicit one is
// scoped under it, so callers can split their own budget but never spend
// another caller's.
type RateLimitCheckRequest struct {
	Operation     string  `json:"operation"`
	Identifier    string  `json:"identifier,omitempty"`
	MaxRequests   int     `json:"max_requests,omitempty"`
	WindowMinutes float64 `json:"window_minutes,omitempty"`
}

// RateLimitCheckResponse is the limiter result. Degraded marks a fail-open admission.
type RateLimitCheckResponse struct {
	core.RateLimitResult
	Degraded bool `json:"degraded,omitempty"`
}

// RateLimitHandler serves the rate limit check endpoint.
type RateLimitHandler struct {
	Limiter *engine.RateLimiter
}

// Check handles POST /v1/rate-limit/check.
func (h *RateLimitHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req RateLimitCheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "request body must be a JSON object"))
		return
	}

	cfg, failOpen := h.resolveConfig(r, req)
	result, err := h.Limiter.Check(r.Context(), cfg)
	metrics.RecordOperation("rate_limit_check", err == nil)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidConfig) {
			metrics.RecordOperationError("rate_limit_check", "invalid_config")
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "invalid rate limit request"))
			return
		}
		metrics.RecordOperationError("rate_limit_check", "store_unavailable")
		if failOpen {
			metrics.RecordRateLimitFailOpen(cfg.Operation)
			if observability.ServerLogger != nil {
				observability.ServerLogger.Warn("Rate limit store failed; admitting request",
					zap.String("operation", cfg.Operation),
					zap.Error(err))
			}
			now := h.Limiter.Now()
			windowStart := now.Add(-cfg.Window())
			writeJSON(w, http.StatusOK, RateLimitCheckResponse{
				RateLimitResult: core.RateLimitResult{Allowed: true, ResetAt: windowStart.Add(cfg.Window())},
				Degraded:        true,
			})
			return
		}
		respondWithError(w, r, apperrors.WrapServiceUnavailable(r.Context(), err, "rate limit store unavailable"))
		return
	}

	writeJSON(w, http.StatusOK, RateLimitCheckResponse{RateLimitResult: result})
}

func (h *RateLimitHandler) resolveConfig(r *http.Request, req RateLimitCheckRequest) (core.RateLimitConfig, bool) {
	operation := strings.TrimSpace(req.Operation)
	identifier := scopedIdentifier(r, strings.TrimSpace(req.Identifier))

	policy := h.Limiter.Policy(operation)
	if req.MaxRequests != 0 || req.WindowMinutes != 0 {
		return core.RateLimitConfig{
			Identifier:    identifier,
			Operation:     operation,
			MaxRequests:   req.MaxRequests,
			WindowMinutes: req.WindowMinutes,
		}, policy.FailOpen
	}
	return policy.Config(identifier, operation), policy.FailOpen
}

// scopedIdentifier nests explicit under the caller's resolved identity.
func scopedIdentifier(r *http.Request, explicit string) string {
	id, ok := middleware.GetIdentity(r.Context())
	switch {
	case !ok:
		return explicit
	case explicit == "" || explicit == id.Identifier:
		return id.Identifier
	default:
		return id.Identifier + "/" + explicit
	}
}
