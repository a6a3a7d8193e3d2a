// Package session mounts one inactivity controller per authenticated session
// and persists the session lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsegate/pulsegate/internal/core"
	"github.com/pulsegate/pulsegate/internal/inactivity"
	"github.com/pulsegate/pulsegate/internal/metrics"
)

// ErrNotFound is returned for sessions that are not mounted or stored.
var ErrNotFound = errors.New("session not found")

// Store persists sessions.
type Store interface {
	CreateSession(ctx context.Context, session core.Session) error
	GetSession(ctx context.Context, id string) (*core.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	RevokeSession(ctx context.Context, id string, at time.Time) error
}

// SignOuter ends a session at the identity provider.
type SignOuter interface {
	SignOut(ctx context.Context, accessToken string) error
}

// Status is a snapshot of a session for polling clients.
type Status struct {
	SessionID     string              `json:"session_id"`
	UserID        string              `json:"user_id"`
	State         inactivity.State    `json:"state"`
	ReminderShown bool                `json:"reminder_shown"`
	LastActivity  time.Time           `json:"last_activity"`
	Redirect      string              `json:"redirect,omitempty"`
	Notices       []inactivity.Notice `json:"notices"`
}

// Manager is the registry of mounted sessions.
type Manager struct {
	store     Store
	signOuter SignOuter
	template  inactivity.Options
	clock     clock.Clock
	logger    *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	session     core.Session
	accessToken string
	controller  *inactivity.Controller
	mailbox     *Mailbox
}

// NewManager builds a manager. template supplies thresholds and the clock for
// every controller; its collaborators are replaced per session.
func NewManager(store Store, signOuter SignOuter, template inactivity.Options, logger *logging.Logger) *Manager {
	clk := template.Clock
	if clk == nil {
		clk = clock.New()
		template.Clock = clk
	}
	return &Manager{
		store:     store,
		signOuter: signOuter,
		template:  template,
		clock:     clk,
		logger:    logger,
		entries:   make(map[string]*entry),
	}
}

// Open persists a new session for userID and mounts its controller.
func (m *Manager) Open(ctx context.Context, userID, accessToken string) (*core.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	now := m.clock.Now().UTC()
	session := core.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if m.store != nil {
		if err := m.store.CreateSession(ctx, session); err != nil {
			return nil, fmt.Errorf("open session: %w", err)
		}
	}

	e := &entry{
		session:     session,
		accessToken: accessToken,
		mailbox:     NewMailbox(defaultMailboxSize),
	}

	opts := m.template
	opts.Notifier = e.mailbox
	opts.Navigator = e.mailbox
	opts.Invalidator = invalidator{manager: m, accessToken: accessToken}
	opts.Logger = m.logger
	opts.OnTransition = func(_ string, state inactivity.State) {
		metrics.RecordSessionTransition(strings.ToLower(state.String()))
	}
	e.controller = inactivity.New(session.ID, opts)

	m.mu.Lock()
	m.entries[session.ID] = e
	active := len(m.entries)
	m.mu.Unlock()

	e.controller.Start()

	metrics.RecordSessionOpened()
	metrics.SetActiveSessions(active)
	if m.logger != nil {
		m.logger.Info("Session opened",
			zap.String("session_id", session.ID),
			zap.String("user_id", userID))
	}

	return &session, nil
}

// Activity forwards a user input event. accepted reports whether it reset the timers.
func (m *Manager) Activity(ctx context.Context, id string, event inactivity.Event) (bool, inactivity.State, error) {
	e, ok := m.lookup(id)
	if !ok {
		return false, inactivity.StateLoggedOut, ErrNotFound
	}

	accepted, err := e.controller.RecordActivity(event)
	if err != nil {
		return false, e.controller.State(), err
	}
	if accepted && m.store != nil {
		if err := m.store.TouchSession(ctx, id, m.clock.Now()); err != nil {
			return accepted, e.controller.State(), fmt.Errorf("touch session: %w", err)
		}
	}
	return accepted, e.controller.State(), nil
}

// Status reports the session and drains its notices. Logged-out sessions are
// forgotten once their final status has been read.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	e, ok := m.lookup(id)
	if !ok {
		return m.storedStatus(ctx, id)
	}

	// A closed Done means the logout side effects have all posted, so the
	// mailbox read below is complete before the entry goes away.
	finished := false
	select {
	case <-e.controller.Done():
		finished = true
	default:
	}

	status := Status{
		SessionID:     e.session.ID,
		UserID:        e.session.UserID,
		State:         e.controller.State(),
		ReminderShown: e.controller.ReminderShown(),
		LastActivity:  e.controller.LastActivity(),
		Redirect:      e.mailbox.RedirectTarget(),
		Notices:       e.mailbox.Drain(),
	}

	if finished && status.State == inactivity.StateLoggedOut {
		m.remove(id)
	}
	return status, nil
}

// Close unmounts the controller without logging out.
func (m *Manager) Close(_ context.Context, id string) error {
	e, ok := m.remove(id)
	if !ok {
		return ErrNotFound
	}
	e.controller.Stop()
	return nil
}

// Logout unmounts the controller and invalidates the session immediately.
func (m *Manager) Logout(ctx context.Context, id string) error {
	e, ok := m.remove(id)
	if !ok {
		return ErrNotFound
	}
	e.controller.Stop()
	return m.invalidate(ctx, id, e.accessToken)
}

// Active returns the number of mounted sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Shutdown stops every controller.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.controller.Stop()
	}
	metrics.SetActiveSessions(0)
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[strings.TrimSpace(id)]
	return e, ok
}

func (m *Manager) remove(id string) (*entry, bool) {
	m.mu.Lock()
	id = strings.TrimSpace(id)
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	active := len(m.entries)
	m.mu.Unlock()

	if ok {
		metrics.SetActiveSessions(active)
	}
	return e, ok
}

func (m *Manager) storedStatus(ctx context.Context, id string) (Status, error) {
	if m.store == nil {
		return Status{}, ErrNotFound
	}
	stored, err := m.store.GetSession(ctx, id)
	if err != nil || stored == nil {
		return Status{}, ErrNotFound
	}
	if !stored.Revoked() {
		// Persisted but not mounted in this process.
		return Status{}, ErrNotFound
	}
	return Status{
		SessionID:    stored.ID,
		UserID:       stored.UserID,
		State:        inactivity.StateLoggedOut,
		LastActivity: stored.LastActivityAt,
		Redirect:     m.signInRoute(),
		Notices:      []inactivity.Notice{},
	}, nil
}

func (m *Manager) signInRoute() string {
	if m.template.SignInRoute != "" {
		return m.template.SignInRoute
	}
	return inactivity.SignInRoute
}

// invalidate revokes the stored session, then signs out at the identity provider.
func (m *Manager) invalidate(ctx context.Context, id, accessToken string) error {
	var errs []error

	if m.store != nil {
		if err := m.store.RevokeSession(ctx, id, m.clock.Now()); err != nil {
			errs = append(errs, fmt.Errorf("revoke session: %w", err))
		}
	}
	if m.signOuter != nil && strings.TrimSpace(accessToken) != "" {
		err := m.signOuter.SignOut(ctx, accessToken)
		metrics.RecordSessionInvalidation(err == nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("sign out: %w", err))
		}
	}

	return errors.Join(errs...)
}

type invalidator struct {
	manager     *Manager
	accessToken string
}

func (i invalidator) InvalidateSession(ctx context.Context, sessionID string) error {
	return i.manager.invalidate(ctx, sessionID, i.accessToken)
}
