package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pulsegate/pulsegate/internal/core"
	apperrors "github.com/pulsegate/pulsegate/internal/errors"
	"github.com/pulsegate/pulsegate/internal/identity"
	"github.com/pulsegate/pulsegate/internal/inactivity"
	"github.com/pulsegate/pulsegate/internal/metrics"
	"github.com/pulsegate/pulsegate/internal/session"
)

// SessionManager is the subset of session.Manager the handlers drive.
type SessionManager interface {
	Open(ctx context.Context, userID, accessToken string) (*core.Session, error)
	Activity(ctx context.Context, id string, event inactivity.Event) (bool, inactivity.State, error)
	Status(ctx context.Context, id string) (session.Status, error)
	Close(ctx context.Context, id string) error
	Logout(ctx context.Context, id string) error
}

// OpenSessionRequest is only consulted when no verified bearer token is presented.
type OpenSessionRequest struct {
	UserID string `json:"user_id"`
}

// ActivityRequest carries one user input event.
type ActivityRequest struct {
	Event string `json:"event"`
}

// ActivityResponse reports whether the event reset the inactivity timers.
type ActivityResponse struct {
	Accepted bool             `json:"accepted"`
	State    inactivity.State `json:"state"`
}

// SessionHandler serves the /v1/sessions endpoints.
type SessionHandler struct {
	Manager  SessionManager
	Verifier *identity.TokenVerifier
}

// Open handles POST /v1/sessions.
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	token := identity.BearerToken(r.Header.Get("Authorization"))

	userID := ""
	if token != "" && h.Verifier != nil {
		subject, err := h.Verifier.Subject(token)
		if err != nil {
			respondWithError(w, r, apperrors.NewUnauthorizedError("bearer token is not valid"))
			return
		}
		userID = subject
	}

	if userID == "" {
		var req OpenSessionRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "request body must be a JSON object"))
			return
		}
		userID = strings.TrimSpace(req.UserID)
	}
	if userID == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("user_id is required when no bearer token is presented"))
		return
	}

	s, err := h.Manager.Open(r.Context(), userID, token)
	metrics.RecordOperation("session_open", err == nil)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to open session"))
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// Activity handles POST /v1/sessions/{id}/activity.
func (h *SessionHandler) Activity(w http.ResponseWriter, r *http.Request) {
	var req ActivityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "request body must be a JSON object"))
		return
	}

	event := inactivity.Event(strings.ToLower(strings.TrimSpace(req.Event)))
	if event == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("event is required"))
		return
	}

	accepted, state, err := h.Manager.Activity(r.Context(), chi.URLParam(r, "id"), event)
	if err != nil && !errors.Is(err, inactivity.ErrStopped) {
		h.respondSessionError(w, r, err, "failed to record activity")
		return
	}
	writeJSON(w, http.StatusOK, ActivityResponse{Accepted: accepted, State: state})
}

// Status handles GET /v1/sessions/{id}.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.Manager.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondSessionError(w, r, err, "failed to read session")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Logout handles POST /v1/sessions/{id}/logout.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	err := h.Manager.Logout(r.Context(), chi.URLParam(r, "id"))
	metrics.RecordOperation("session_logout", err == nil)
	if err != nil {
		h.respondSessionError(w, r, err, "failed to log out session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Close handles DELETE /v1/sessions/{id}. The session stays valid at the provider.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondSessionError(w, r, err, "failed to close session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) respondSessionError(w http.ResponseWriter, r *http.Request, err error, message string) {
	if errors.Is(err, session.ErrNotFound) {
		message = "session not found"
	}
	respondWithError(w, r, apperrors.FromError(r.Context(), err, message))
}

func decodeOptionalBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<12)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
