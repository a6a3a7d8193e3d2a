// Package inactivity warns and then logs out a session after periods without
// user activity.
//
// A Controller is an actor: one goroutine owns both timers and every state
// transition. Timer callbacks and activity calls only post events to it, and
// each armed timer carries a generation so a callback that lost a race with a
// reset is dropped.
package inactivity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

// Defaults for a session's inactivity thresholds.
const (
	ReminderTimeout    = 10 * time.Minute
	LogoutTimeout      = 30 * time.Minute
	ActivityThrottle   = time.Second
	WarningAutoDismiss = 10 * time.Second
	SignInRoute        = "/auth"
	InvalidateTimeout  = 5 * time.Second
)

// ErrStopped is returned when activity is reported to a controller that has finished.
var ErrStopped = errors.New("inactivity controller stopped")

// State is the controller's position in its lifecycle.
type State int32

const (
	StateActive State = iota
	StateWarned
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateWarned:
		return "WARNED"
	case StateLoggedOut:
		return "LOGGED_OUT"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ACTIVE":
		*s = StateActive
	case "WARNED":
		*s = StateWarned
	case "LOGGED_OUT":
		*s = StateLoggedOut
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}

// Event is a user input signal.
type Event string

// Qualifying activity events.
const (
	EventPointerDown Event = "pointerdown"
	EventKeyDown     Event = "keydown"
	EventScroll      Event = "scroll"
	EventTouchStart  Event = "touchstart"
	EventPointerMove Event = "pointermove"
)

// Qualifies reports whether e counts as evidence the session is in use.
func (e Event) Qualifies() bool {
	switch e {
	case EventPointerDown, EventKeyDown, EventScroll, EventTouchStart, EventPointerMove:
		return true
	default:
		return false
	}
}

// NoticeKind distinguishes the two user-facing notices.
type NoticeKind string

const (
	NoticeWarning NoticeKind = "warning"
	NoticeLogout  NoticeKind = "logout"
)

// Notice is a non-blocking message for the user. AutoDismiss zero means it stays until closed.
type Notice struct {
	Kind        NoticeKind    `json:"kind"`
	Message     string        `json:"message"`
	AutoDismiss time.Duration `json:"auto_dismiss"`
}

// SessionInvalidator ends the session at the identity provider.
type SessionInvalidator interface {
	InvalidateSession(ctx context.Context, sessionID string) error
}

// Navigator moves the user to another route.
type Navigator interface {
	Redirect(ctx context.Context, sessionID, route string)
}

// Notifier surfaces notices to the user.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, notice Notice)
}

// Options tunes a controller. Zero values fall back to the package defaults.
type Options struct {
	ReminderTimeout    time.Duration
	LogoutTimeout      time.Duration
	ActivityThrottle   time.Duration
	WarningAutoDismiss time.Duration
	SignInRoute        string
	InvalidateTimeout  time.Duration

	Clock       clock.Clock
	Invalidator SessionInvalidator
	Navigator   Navigator
	Notifier    Notifier
	Logger      *logging.Logger

	// OnTransition observes WARNED and LOGGED_OUT transitions.
	OnTransition func(sessionID string, state State)
}

func (o Options) withDefaults() Options {
	if o.ReminderTimeout <= 0 {
		o.ReminderTimeout = ReminderTimeout
	}
	if o.LogoutTimeout <= 0 {
		o.LogoutTimeout = LogoutTimeout
	}
	if o.ActivityThrottle <= 0 {
		o.ActivityThrottle = ActivityThrottle
	}
	if o.WarningAutoDismiss <= 0 {
		o.WarningAutoDismiss = WarningAutoDismiss
	}
	if o.SignInRoute == "" {
		o.SignInRoute = SignInRoute
	}
	if o.InvalidateTimeout <= 0 {
		o.InvalidateTimeout = InvalidateTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

type eventKind int

const (
	evActivity eventKind = iota
	evReminder
	evLogout
)

type event struct {
	kind  eventKind
	gen   uint64
	reply chan bool
}

// Controller tracks inactivity for one session.
type Controller struct {
	sessionID string
	opts      Options

	events  chan event
	quit    chan struct{}
	done    chan struct{}
	started chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	state         atomic.Int32
	reminderShown atomic.Bool
	lastActivity  atomic.Pointer[time.Time]
}

// New builds a controller for sessionID. Call Start to arm it.
func New(sessionID string, opts Options) *Controller {
	return &Controller{
		sessionID: sessionID,
		opts:      opts.withDefaults(),
		events:    make(chan event),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		started:   make(chan struct{}),
	}
}

// SessionID returns the session the controller watches.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Start arms the reminder and logout timers from now. It is a no-op after the first call.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		go c.run()
		<-c.started
	})
}

// RecordActivity reports a user input event. It returns true when the event
// reset the timers, false when it was not qualifying, was throttled, or arrived
// before Start or after logout.
func (c *Controller) RecordActivity(e Event) (bool, error) {
	if !e.Qualifies() {
		return false, nil
	}
	if c.State() == StateLoggedOut {
		return false, nil
	}
	select {
	case <-c.started:
	case <-c.done:
		return false, ErrStopped
	default:
		return false, nil
	}

	reply := make(chan bool, 1)
	select {
	case c.events <- event{kind: evActivity, reply: reply}:
	case <-c.done:
		return false, ErrStopped
	}

	select {
	case accepted := <-reply:
		return accepted, nil
	case <-c.done:
		return false, ErrStopped
	}
}

// Stop cancels both timers without a state transition and waits for the
// controller to finish. Stopping a controller that never started is allowed.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
	})
	c.startOnce.Do(func() {
		close(c.done)
	})
	<-c.done
}

// Done is closed once the controller has stopped or logged out.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// ReminderShown reports whether the warning fired in the current idle period.
func (c *Controller) ReminderShown() bool {
	return c.reminderShown.Load()
}

// LastActivity returns the clock time of the last accepted reset.
func (c *Controller) LastActivity() time.Time {
	if last := c.lastActivity.Load(); last != nil {
		return *last
	}
	return time.Time{}
}

func (c *Controller) run() {
	defer close(c.done)

	var (
		reminder *clock.Timer
		logout   *clock.Timer
		gen      uint64
	)

	cancel := func() {
		if reminder != nil {
			reminder.Stop()
			reminder = nil
		}
		if logout != nil {
			logout.Stop()
			logout = nil
		}
	}

	arm := func() {
		cancel()
		gen++
		armed := gen
		reminder = c.opts.Clock.AfterFunc(c.opts.ReminderTimeout, func() {
			c.post(event{kind: evReminder, gen: armed})
		})
		logout = c.opts.Clock.AfterFunc(c.opts.LogoutTimeout, func() {
			c.post(event{kind: evLogout, gen: armed})
		})
		now := c.opts.Clock.Now()
		c.lastActivity.Store(&now)
	}

	c.state.Store(int32(StateActive))
	arm()
	close(c.started)

	for {
		select {
		case <-c.quit:
			cancel()
			return
		case ev := <-c.events:
			switch ev.kind {
			case evActivity:
				ev.reply <- c.handleActivity(arm)
			case evReminder:
				if ev.gen != gen {
					continue
				}
				reminder = nil
				c.handleReminder()
			case evLogout:
				if ev.gen != gen {
					continue
				}
				logout = nil
				cancel()
				c.handleLogout()
				return
			}
		}
	}
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) handleActivity(arm func()) bool {
	if now := c.opts.Clock.Now(); now.Sub(c.LastActivity()) < c.opts.ActivityThrottle {
		return false
	}

	c.reminderShown.Store(false)
	c.state.Store(int32(StateActive))
	arm()
	return true
}

func (c *Controller) handleReminder() {
	if c.State() != StateActive {
		return
	}

	c.state.Store(int32(StateWarned))
	c.reminderShown.Store(true)
	c.transitioned(StateWarned)

	if c.opts.Notifier != nil {
		c.opts.Notifier.Notify(context.Background(), c.sessionID, Notice{
			Kind:        NoticeWarning,
			Message:     "You will be signed out soon due to inactivity.",
			AutoDismiss: c.opts.WarningAutoDismiss,
		})
	}
}

func (c *Controller) handleLogout() {
	c.state.Store(int32(StateLoggedOut))
	c.transitioned(StateLoggedOut)

	if c.opts.Invalidator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.InvalidateTimeout)
		err := c.opts.Invalidator.InvalidateSession(ctx, c.sessionID)
		cancel()
		if err != nil && c.opts.Logger != nil {
			c.opts.Logger.Warn("Session invalidation failed; continuing local logout",
				zap.String("session_id", c.sessionID),
				zap.Error(err))
		}
	}

	if c.opts.Notifier != nil {
		c.opts.Notifier.Notify(context.Background(), c.sessionID, Notice{
			Kind:    NoticeLogout,
			Message: "You have been signed out due to inactivity.",
		})
	}
	if c.opts.Navigator != nil {
		c.opts.Navigator.Redirect(context.Background(), c.sessionID, c.opts.SignInRoute)
	}

	if c.opts.Logger != nil {
		c.opts.Logger.Info("Session logged out after inactivity",
			zap.String("session_id", c.sessionID))
	}
}

func (c *Controller) transitioned(state State) {
	if c.opts.OnTransition != nil {
		c.opts.OnTransition(c.sessionID, state)
	}
}
