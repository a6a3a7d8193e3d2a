package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegate/pulsegate/internal/core"
	"github.com/pulsegate/pulsegate/internal/observability"
	"github.com/pulsegate/pulsegate/internal/server"
	"github.com/pulsegate/pulsegate/internal/server/handlers"
)

func TestMetricsEndpoint_ConcurrentRateLimitChecks(t *testing.T) {
	require.NoError(t, observability.InitCLILogger("test", false))
	require.NoError(t, observability.InitServerLogger(observability.ServerLoggerOptions{Service: "test", Level: "info"}))

	initMetricsOrSkip(t)

	handlers.InitHealthManager("test")

	limiter := newRedisLimiter(t)
	ts, client := newTestServer(t, server.Dependencies{Limiter: limiter})

	const (
		callers           = 3
		requestsPerCaller = 10
		maxRequests       = 5
		workers           = 10
	)

	type job struct{ caller int }
	jobs := make(chan job, callers*requestsPerCaller)
	for i := 0; i < callers*requestsPerCaller; i++ {
		jobs <- job{caller: i % callers}
	}
	close(jobs)

	var (
		mu      sync.Mutex
		allowed = make(map[int]int)
		failed  int
	)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				ok, err := checkOnce(client, ts.URL, fmt.Sprintf("key-%d", j.caller), maxRequests)
				mu.Lock()
				if err != nil {
					failed++
				} else if ok {
					allowed[j.caller]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	require.Zero(t, failed)
	for caller := 0; caller < callers; caller++ {
		assert.Equal(t, maxRequests, allowed[caller], "caller %d admitted more than its budget", caller)
	}

	resp, err := client.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	metricsContent := scrapeMetrics(t, client, ts.URL)
	assert.Contains(t, metricsContent, "test_http_requests_total")
	assert.Contains(t, metricsContent, "test_http_request_duration_ms")
	assert.Contains(t, metricsContent, "test_ratelimit_checks_total")
	assert.Contains(t, metricsContent, "test_app_operations_total")
	assert.True(t, elapsed < 5*time.Second, "checks should complete in reasonable time")
	t.Logf("%d checks in %v", callers*requestsPerCaller, elapsed)
}

func TestMetricsEndpoint_PrometheusFormat(t *testing.T) {
	require.NoError(t, observability.InitCLILogger("test", false))
	require.NoError(t, observability.InitServerLogger(observability.ServerLoggerOptions{Service: "test", Level: "info"}))

	initMetricsOrSkip(t)

	handlers.InitHealthManager("test")

	limiter := newRedisLimiter(t)
	ts, client := newTestServer(t, server.Dependencies{Limiter: limiter})

	ok, err := checkOnce(client, ts.URL, "format", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = checkOnce(client, ts.URL, "format", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	resp, err := client.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	contentType := resp.Header.Get("Content-Type")
	require.NoError(t, resp.Body.Close())
	assert.True(t,
		contentType == "text/plain; version=0.0.4" ||
			contentType == "text/plain; version=0.0.4; charset=utf-8",
		"Expected Prometheus content type, got: %s", contentType)

	var outcomes []string
	for _, line := range strings.Split(scrapeMetrics(t, client, ts.URL), "\n") {
		if strings.HasPrefix(line, "test_ratelimit_checks_total{") && len(strings.Fields(line)) >= 2 {
			outcomes = append(outcomes, line)
		}
	}
	joined := strings.Join(outcomes, "\n")
	assert.Contains(t, joined, `outcome="allowed"`)
	assert.Contains(t, joined, `outcome="denied"`)
}

func TestMetricsEndpoint_WithTelemetryDisabled(t *testing.T) {
	require.NoError(t, observability.InitCLILogger("test", false))
	require.NoError(t, observability.InitServerLogger(observability.ServerLoggerOptions{Service: "test", Level: "info"}))

	originalExporter := observability.PrometheusExporter
	originalTelemetry := observability.TelemetrySystem
	observability.PrometheusExporter = nil
	observability.TelemetrySystem = nil
	t.Cleanup(func() {
		observability.PrometheusExporter = originalExporter
		observability.TelemetrySystem = originalTelemetry
	})

	t.Setenv("PULSEGATE_METRICS_ENABLED", "false")

	handlers.InitHealthManager("test")

	ts, client := newTestServer(t, server.Dependencies{})

	resp, err := client.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// checkOnce posts one rate limit check for an API key. It avoids require so
// it can run on worker goroutines.
func checkOnce(client *http.Client, baseURL, apiKey string, max int) (bool, error) {
	payload := fmt.Sprintf(`{"operation":"ai_call","max_requests":%d,"window_minutes":1}`, max)
	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/rate-limit/check", strings.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close() // nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result core.RateLimitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, err
	}
	return result.Allowed, nil
}

func scrapeMetrics(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	resp, err := client.Get(baseURL + "/metrics")
	require.NoError(t, err)
	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return string(body)
}
