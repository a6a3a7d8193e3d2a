package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegate/pulsegate/internal/core"
	"github.com/pulsegate/pulsegate/internal/identity"
	"github.com/pulsegate/pulsegate/internal/inactivity"
	"github.com/pulsegate/pulsegate/internal/session"
)

type fakeManager struct {
	opened    []string
	tokens    []string
	events    []inactivity.Event
	loggedOut []string
	closed    []string
}

func (f *fakeManager) Open(ctx context.Context, userID, accessToken string) (*core.Session, error) {
	f.opened = append(f.opened, userID)
	f.tokens = append(f.tokens, accessToken)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &core.Session{ID: "s-1", UserID: userID, CreatedAt: now, LastActivityAt: now}, nil
}

func (f *fakeManager) Activity(ctx context.Context, id string, event inactivity.Event) (bool, inactivity.State, error) {
	if id != "s-1" {
		return false, inactivity.StateLoggedOut, session.ErrNotFound
	}
	f.events = append(f.events, event)
	return event.Qualifies(), inactivity.StateActive, nil
}

func (f *fakeManager) Status(ctx context.Context, id string) (session.Status, error) {
	if id != "s-1" {
		return session.Status{}, session.ErrNotFound
	}
	return session.Status{
		SessionID: id,
		UserID:    "u1",
		State:     inactivity.StateWarned,
		Notices:   []inactivity.Notice{{Kind: inactivity.NoticeWarning, Message: "still there?"}},
	}, nil
}

func (f *fakeManager) Close(ctx context.Context, id string) error {
	if id != "s-1" {
		return session.ErrNotFound
	}
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeManager) Logout(ctx context.Context, id string) error {
	if id == "s-provider-down" {
		return fmt.Errorf("logout %s: %w", id, identity.ErrSignOutFailed)
	}
	if id != "s-1" {
		return session.ErrNotFound
	}
	f.loggedOut = append(f.loggedOut, id)
	return nil
}

func sessionRouter(h *SessionHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/sessions", h.Open)
	r.Get("/v1/sessions/{id}", h.Status)
	r.Delete("/v1/sessions/{id}", h.Close)
	r.Post("/v1/sessions/{id}/activity", h.Activity)
	r.Post("/v1/sessions/{id}/logout", h.Logout)
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSessionOpen_FromBody(t *testing.T) {
	manager := &fakeManager{}
	router := sessionRouter(&SessionHandler{Manager: manager})

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions", OpenSessionRequest{UserID: "u1"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var s core.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	assert.Equal(t, "s-1", s.ID)
	assert.Equal(t, []string{"u1"}, manager.opened)
	assert.Equal(t, []string{""}, manager.tokens)
}

func TestSessionOpen_FromVerifiedToken(t *testing.T) {
	secret := "test-secret"
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	manager := &fakeManager{}
	router := sessionRouter(&SessionHandler{Manager: manager, Verifier: identity.NewTokenVerifier(secret, "")})

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	rec := doJSON(t, router, http.MethodPost, "/v1/sessions", nil, header)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"user-42"}, manager.opened)
	assert.Equal(t, []string{token}, manager.tokens)

	header = http.Header{"Authorization": []string{"Bearer not-a-token"}}
	rec = doJSON(t, router, http.MethodPost, "/v1/sessions", OpenSessionRequest{UserID: "u1"}, header)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionOpen_RequiresUser(t *testing.T) {
	router := sessionRouter(&SessionHandler{Manager: &fakeManager{}})

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionActivity(t *testing.T) {
	manager := &fakeManager{}
	router := sessionRouter(&SessionHandler{Manager: manager})

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions/s-1/activity", ActivityRequest{Event: "KeyDown"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ActivityResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, inactivity.StateActive, resp.State)
	assert.Equal(t, []inactivity.Event{inactivity.EventKeyDown}, manager.events)

	rec = doJSON(t, router, http.MethodPost, "/v1/sessions/s-1/activity", ActivityRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/sessions/missing/activity", ActivityRequest{Event: "scroll"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionStatus(t *testing.T) {
	router := sessionRouter(&SessionHandler{Manager: &fakeManager{}})

	rec := doJSON(t, router, http.MethodGet, "/v1/sessions/s-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "WARNED", body["state"])
	assert.Len(t, body["notices"], 1)

	rec = doJSON(t, router, http.MethodGet, "/v1/sessions/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionLogoutAndClose(t *testing.T) {
	manager := &fakeManager{}
	router := sessionRouter(&SessionHandler{Manager: manager})

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions/s-1/logout", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"s-1"}, manager.loggedOut)

	rec = doJSON(t, router, http.MethodDelete, "/v1/sessions/s-1", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"s-1"}, manager.closed)

	rec = doJSON(t, router, http.MethodDelete, "/v1/sessions/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionLogout_ProviderFailure(t *testing.T) {
	router := sessionRouter(&SessionHandler{Manager: &fakeManager{}})

	rec := doJSON(t, router, http.MethodPost, "/v1/sessions/s-provider-down/logout", nil, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "EXTERNAL_SERVICE_ERROR", body.Error.Code)
}
