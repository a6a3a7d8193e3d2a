package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegate/pulsegate/internal/config"
	"github.com/pulsegate/pulsegate/internal/core"
	"github.com/pulsegate/pulsegate/internal/core/engine"
	apperrors "github.com/pulsegate/pulsegate/internal/errors"
	"github.com/pulsegate/pulsegate/internal/inactivity"
	"github.com/pulsegate/pulsegate/internal/session"
)

type memoryRecords struct {
	mu      sync.Mutex
	records []core.RateLimitRecord
}

func (m *memoryRecords) CountRateLimitRecords(ctx context.Context, identifier, operation string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, record := range m.records {
		if record.Identifier == identifier && record.Operation == operation && !record.CreatedAt.Before(since) {
			total += record.Count
		}
	}
	return total, nil
}

func (m *memoryRecords) InsertRateLimitRecord(ctx context.Context, record core.RateLimitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New(config.ServerConfig{Host: "127.0.0.1"}, Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	var body apperrors.HTTPErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected error code NOT_FOUND, got %s", body.Error.Code)
	}
}

func TestServerOmitsRoutesWithoutDependencies(t *testing.T) {
	srv := New(config.ServerConfig{}, Dependencies{})

	req := httptest.NewRequest(http.MethodPost, "/v1/rate-limit/check", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerSessionStartIsRateLimited(t *testing.T) {
	limiter := &engine.RateLimiter{Store: &memoryRecords{}}
	limiter.ApplyPolicies(map[string]engine.RateLimitPolicy{
		engine.OperationSessionStart: {MaxRequests: 2, Window: time.Minute},
	})

	manager := session.NewManager(nil, nil, inactivity.Options{Clock: clock.NewMock()}, nil)
	t.Cleanup(manager.Shutdown)

	srv := New(config.ServerConfig{}, Dependencies{Limiter: limiter, Sessions: manager})

	open := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString(`{"user_id":"u1"}`))
		req.RemoteAddr = "198.51.100.7:4000"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	first := open()
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))

	require.Equal(t, http.StatusCreated, open().Code)

	denied := open()
	require.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.Equal(t, "60", denied.Header().Get("Retry-After"))

	var created core.Session
	require.NoError(t, json.NewDecoder(first.Body).Decode(&created))

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+created.ID+"/activity", bytes.NewBufferString(`{"event":"keydown"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/"+created.ID, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status session.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "u1", status.UserID)
}
