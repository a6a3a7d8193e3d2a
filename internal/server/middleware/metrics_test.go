package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegate/pulsegate/internal/observability"
)

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: collector,
	})
	require.NoError(t, err)

	originalTelemetry := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() {
		observability.TelemetrySystem = originalTelemetry
	})

	return collector
}

func TestRequestMetrics(t *testing.T) {
	tests := []struct {
		name          string
		method        string
		path          string
		body          string
		status        int
		response      string
		expectMetrics []string
		expectErrors  bool
	}{
		{
			name:          "allowed check",
			method:        http.MethodPost,
			path:          "/v1/rate-limit/check",
			body:          `{"operation":"ai_call"}`,
			status:        http.StatusOK,
			response:      `{"allowed":true,"remaining":2}`,
			expectMetrics: []string{"http_requests_total", "http_request_duration_ms", "http_request_size_bytes", "http_response_size_bytes"},
		},
		{
			name:          "throttled session start",
			method:        http.MethodPost,
			path:          "/v1/sessions",
			status:        http.StatusTooManyRequests,
			expectMetrics: []string{"http_requests_total"},
			expectErrors:  true,
		},
		{
			name:          "store outage",
			method:        http.MethodPost,
			path:          "/v1/rate-limit/check",
			status:        http.StatusServiceUnavailable,
			expectMetrics: []string{"http_requests_total"},
			expectErrors:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := setupTelemetry(t)

			handler := RequestMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.response))
			}))

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.response, rec.Body.String())
			for _, name := range tt.expectMetrics {
				assert.Greater(t, collector.CountMetricsByName(name), 0, "expected %s", name)
			}
			if tt.expectErrors {
				assert.Greater(t, collector.CountMetricsByName("http_errors_total"), 0)
			} else {
				assert.Zero(t, collector.CountMetricsByName("http_errors_total"))
			}
		})
	}
}

func TestRequestMetrics_WithTelemetryDisabled(t *testing.T) {
	originalTelemetry := observability.TelemetrySystem
	observability.TelemetrySystem = nil
	t.Cleanup(func() { observability.TelemetrySystem = originalTelemetry })

	handler := RequestMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/abc", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequestMetrics_UsesRoutePatternUnderChi(t *testing.T) {
	collector := setupTelemetry(t)

	var patterns []string
	r := chi.NewRouter()
	r.Use(RequestMetrics)
	r.Get("/v1/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		patterns = append(patterns, getEndpointPattern(req))
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, []string{"/v1/sessions/{id}", "/v1/sessions/{id}", "/v1/sessions/{id}"}, patterns)
	assert.Greater(t, collector.CountMetricsByName("http_requests_total"), 0)
}

func TestGetEndpointPattern_StandardPaths(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/health", "/health/*"},
		{"/health/live", "/health/*"},
		{"/health/ready", "/health/*"},
		{"/health/startup", "/health/*"},
		{"/version", "/version"},
		{"/metrics", "/metrics"},
		{"/api/users/123", "/unknown"},
		{"/v1/rate-limit/check", "/v1/rate-limit/check"},
		{"/v1/sessions/abc/activity", "/v1/sessions/*"},
		{"/", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.expected, getEndpointPattern(req))
		})
	}
}

func TestRequestMetrics_WithRequestID(t *testing.T) {
	collector := setupTelemetry(t)

	handler := RequestID(RequestMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil)
	req.Header.Set(RequestIDHeader, "test-request-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "test-request-id", rec.Header().Get(RequestIDHeader))
	assert.Greater(t, collector.CountMetricsByName("http_requests_total"), 0)
}

func TestRequestMetrics_DurationMeasurement(t *testing.T) {
	collector := setupTelemetry(t)

	handler := RequestMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))

	start := time.Now()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Greater(t, collector.CountMetricsByName("http_request_duration_ms"), 0)
}

func TestRequestMetrics_DefaultsStatusWhenHandlerWritesNothing(t *testing.T) {
	collector := setupTelemetry(t)

	handler := RequestMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, collector.CountMetricsByName("http_errors_total"))
}

func TestGetEndpointPattern_WithoutRouteContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil)
	assert.Nil(t, chi.RouteContext(req.Context()))
	assert.Equal(t, "/v1/sessions/*", getEndpointPattern(req))
}

func TestErrorClass(t *testing.T) {
	assert.Equal(t, "", errorClass(http.StatusOK))
	assert.Equal(t, "client_error", errorClass(http.StatusNotFound))
	assert.Equal(t, "rate_limited", errorClass(http.StatusTooManyRequests))
	assert.Equal(t, "unavailable", errorClass(http.StatusServiceUnavailable))
	assert.Equal(t, "server_error", errorClass(http.StatusInternalServerError))
}
