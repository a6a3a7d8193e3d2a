package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegate/pulsegate/internal/core"
	"github.com/pulsegate/pulsegate/internal/core/engine"
	"github.com/pulsegate/pulsegate/internal/core/redisstore"
	"github.com/pulsegate/pulsegate/internal/inactivity"
	"github.com/pulsegate/pulsegate/internal/observability"
	"github.com/pulsegate/pulsegate/internal/server"
	"github.com/pulsegate/pulsegate/internal/session"
)

type recordingSignOuter struct {
	mu     sync.Mutex
	tokens []string
}

func (r *recordingSignOuter) SignOut(ctx context.Context, accessToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, accessToken)
	return nil
}

func (r *recordingSignOuter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

func postJSON(t *testing.T, client *http.Client, url string, body any, header http.Header) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close() // nolint:errcheck // test cleanup
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, dst), string(data))
}

func newRedisLimiter(t *testing.T) *engine.RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	records, err := redisstore.New(client, "it:rl", time.Hour)
	require.NoError(t, err)
	return &engine.RateLimiter{Store: records, Atomic: true}
}

func TestRateLimitCheckOverHTTP(t *testing.T) {
	require.NoError(t, observability.InitServerLogger(observability.ServerLoggerOptions{Service: "test", Level: "info"}))

	limiter := newRedisLimiter(t)
	ts, client := newTestServer(t, server.Dependencies{Limiter: limiter})

	header := http.Header{"X-Api-Key": []string{"k-123"}}
	var allowed []bool
	for i := 0; i < 4; i++ {
		resp := postJSON(t, client, ts.URL+"/v1/rate-limit/check", map[string]any{
			"operation":      "ai_call",
			"max_requests":   3,
			"window_minutes": 1,
		}, header)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result core.RateLimitResult
		decodeBody(t, resp, &result)
		allowed = append(allowed, result.Allowed)
	}
	assert.Equal(t, []bool{true, true, true, false}, allowed)

	// Another caller has its own budget.
	resp := postJSON(t, client, ts.URL+"/v1/rate-limit/check", map[string]any{
		"operation":      "ai_call",
		"max_requests":   3,
		"window_minutes": 1,
	}, http.Header{"X-Api-Key": []string{"k-456"}})
	var other core.RateLimitResult
	decodeBody(t, resp, &other)
	assert.True(t, other.Allowed)
	assert.Equal(t, 2, other.Remaining)
}

func TestSessionInactivityOverHTTP(t *testing.T) {
	require.NoError(t, observability.InitServerLogger(observability.ServerLoggerOptions{Service: "test", Level: "info"}))

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))

	signOuter := &recordingSignOuter{}
	manager := session.NewManager(nil, signOuter, inactivity.Options{Clock: mock}, observability.ServerLogger)
	t.Cleanup(manager.Shutdown)

	ts, client := newTestServer(t, server.Dependencies{Limiter: newRedisLimiter(t), Sessions: manager})

	header := http.Header{"Authorization": []string{"Bearer access-token"}}
	resp := postJSON(t, client, ts.URL+"/v1/sessions", map[string]string{"user_id": "u1"}, header)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var opened core.Session
	decodeBody(t, resp, &opened)
	require.NotEmpty(t, opened.ID)

	statusURL := ts.URL + "/v1/sessions/" + opened.ID
	readStatus := func() (session.Status, bool) {
		resp, err := client.Get(statusURL)
		if err != nil {
			return session.Status{}, false
		}
		defer resp.Body.Close() // nolint:errcheck // test cleanup
		var status session.Status
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&status) != nil {
			return session.Status{}, false
		}
		return status, true
	}

	mock.Add(inactivity.ReminderTimeout)
	require.Eventually(t, func() bool {
		status, ok := readStatus()
		return ok && status.State == inactivity.StateWarned
	}, time.Second, 10*time.Millisecond)

	resp = postJSON(t, client, statusURL+"/activity", map[string]string{"event": "keydown"}, nil)
	var activity struct {
		Accepted bool             `json:"accepted"`
		State    inactivity.State `json:"state"`
	}
	decodeBody(t, resp, &activity)
	assert.True(t, activity.Accepted)
	assert.Equal(t, inactivity.StateActive, activity.State)

	mock.Add(inactivity.LogoutTimeout)
	var final session.Status
	require.Eventually(t, func() bool {
		status, ok := readStatus()
		if ok {
			final = status
		}
		return ok && status.State == inactivity.StateLoggedOut && status.Redirect != ""
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, inactivity.SignInRoute, final.Redirect)
	assert.Equal(t, 1, signOuter.count())
}
