package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pulsegate/pulsegate/internal/observability"
)

// Fixed endpoint labels for requests that did not match a chi route.
var staticEndpoints = map[string]string{
	"/":                    "/",
	"/health":              "/health/*",
	"/health/live":         "/health/*",
	"/health/ready":        "/health/*",
	"/health/startup":      "/health/*",
	"/version":             "/version",
	"/metrics":             "/metrics",
	"/v1/rate-limit/check": "/v1/rate-limit/check",
}

// getEndpointPattern returns the chi route pattern, or a fixed label so raw
// session ids never become metric labels.
func getEndpointPattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if endpoint, ok := staticEndpoints[r.URL.Path]; ok {
		return endpoint
	}
	if strings.HasPrefix(r.URL.Path, "/v1/sessions") {
		return "/v1/sessions/*"
	}
	return "/unknown"
}

// errorClass labels error responses; 429 and 503 get their own classes.
func errorClass(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusServiceUnavailable:
		return "unavailable"
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return ""
	}
}

// RequestMetrics records request count, latency and sizes per route pattern,
// an error counter by class, and one completion log line per request.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sys := observability.TelemetrySystem
		if sys == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		endpoint := getEndpointPattern(r)
		requestSize := r.ContentLength
		if requestSize < 0 {
			requestSize = 0
		}
		responseSize := int64(ww.BytesWritten())

		route := map[string]string{"method": r.Method, "endpoint": endpoint}
		labels := map[string]string{"method": r.Method, "endpoint": endpoint, "status": strconv.Itoa(status)}

		_ = sys.Counter("http_requests_total", 1, labels)
		_ = sys.Histogram("http_request_duration_ms", duration, labels)
		_ = sys.Gauge("http_request_size_bytes", float64(requestSize), route)
		_ = sys.Gauge("http_response_size_bytes", float64(responseSize), route)

		class := errorClass(status)
		if class != "" {
			_ = sys.Counter("http_errors_total", 1, map[string]string{
				"method":     r.Method,
				"endpoint":   endpoint,
				"status":     strconv.Itoa(status),
				"error_type": class,
			})
		}

		logger := observability.ServerLogger
		if logger == nil {
			return
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("endpoint", endpoint),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.Int64("request_size", requestSize),
			zap.Int64("response_size", responseSize),
			zap.String("request_id", GetRequestID(r.Context())),
		}
		if remaining := ww.Header().Get("X-RateLimit-Remaining"); remaining != "" {
			fields = append(fields, zap.String("ratelimit_remaining", remaining))
		}
		if class == "server_error" || class == "unavailable" {
			logger.Warn("HTTP request failed", fields...)
			return
		}
		logger.Info("HTTP request completed", fields...)
	})
}
