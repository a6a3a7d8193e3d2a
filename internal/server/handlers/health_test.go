package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegate/pulsegate/internal/observability"
)

type stubChecker struct {
	err error
}

func (s stubChecker) CheckHealth(ctx context.Context) error {
	return s.err
}

func decodeHealthError(t *testing.T, rec *httptest.ResponseRecorder) (string, map[string]interface{}) {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string                 `json:"code"`
			Details map[string]interface{} `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Code, resp.Error.Details
}

func TestHealthHandler(t *testing.T) {
	cases := []struct {
		name     string
		required map[string]error
		optional map[string]error
		status   int
		overall  string
	}{
		{
			name:     "store and redis up",
			required: map[string]error{"store": nil, "redis": nil},
			optional: map[string]error{"identity": nil},
			status:   http.StatusOK,
			overall:  statusHealthy,
		},
		{
			name:     "identity provider down",
			required: map[string]error{"store": nil},
			optional: map[string]error{"identity": errors.New("connection refused")},
			status:   http.StatusOK,
			overall:  statusDegraded,
		},
		{
			name:     "redis record store down",
			required: map[string]error{"store": nil, "redis": errors.New("dial tcp: refused")},
			status:   http.StatusServiceUnavailable,
			overall:  statusUnhealthy,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			manager := NewHealthManager("1.2.3")
			for name, err := range tc.required {
				manager.RegisterChecker(name, stubChecker{err: err})
			}
			for name, err := range tc.optional {
				manager.RegisterOptionalChecker(name, stubChecker{err: err})
			}

			rec := httptest.NewRecorder()
			manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tc.status, rec.Code)

			if tc.status != http.StatusOK {
				code, details := decodeHealthError(t, rec)
				assert.Equal(t, "SERVICE_UNAVAILABLE", code)
				assert.Equal(t, tc.overall, details["status"])
				assert.Equal(t, []interface{}{"redis"}, details["unhealthy_checks"])
				return
			}

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.overall, resp.Status)
			assert.Equal(t, "1.2.3", resp.Version)
			assert.NotEmpty(t, resp.Uptime)
			assert.Len(t, resp.Checks, len(tc.required)+len(tc.optional))
		})
	}
}

func TestRunHealthChecksAfterDeadline(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("store", stubChecker{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checks := manager.runHealthChecks(ctx)

	assert.Equal(t, map[string]string{"store": statusTimeout}, checks)
	assert.Equal(t, statusDegraded, manager.determineOverallStatus(checks))
}

func TestHealthHandlerRecordsCheckMetrics(t *testing.T) {
	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: collector})
	if err != nil {
		t.Fatalf("failed to create telemetry system: %v", err)
	}
	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() { observability.TelemetrySystem = original })

	manager := NewHealthManager("dev")
	manager.RegisterChecker("store", stubChecker{})
	manager.RegisterChecker("redis", stubChecker{err: errors.New("down")})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if collector.CountMetricsByName("app_health_check_total") == 0 {
		t.Fatalf("expected health check counters to be emitted")
	}
	if collector.CountMetricsByName("app_server_uptime_seconds") == 0 {
		t.Fatalf("expected uptime gauge to be emitted")
	}
}

func TestLivenessIgnoresDependencies(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("store", stubChecker{err: errors.New("down")})

	rec := httptest.NewRecorder()
	manager.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected liveness 200 with failing store, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected readiness 503 with failing store, got %d", rec.Code)
	}
}

func TestReadinessFailsWhileDraining(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("store", stubChecker{})
	manager.SetDraining(true)

	rec := httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected readiness 503 while draining, got %d", rec.Code)
	}
}

func TestGlobalHandlersWithoutManager(t *testing.T) {
	original := globalHealthManager
	globalHealthManager = nil
	t.Cleanup(func() { globalHealthManager = original })

	rec := httptest.NewRecorder()
	LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without manager, got %d", rec.Code)
	}
}
