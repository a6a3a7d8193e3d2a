package session

import (
	"context"
	"sync"

	"github.com/pulsegate/pulsegate/internal/inactivity"
)

const defaultMailboxSize = 16

// Mailbox buffers notices and the redirect target until the client polls.
type Mailbox struct {
	mu       sync.Mutex
	notices  []inactivity.Notice
	redirect string
	size     int
}

// NewMailbox keeps at most size notices, dropping the oldest first.
func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = defaultMailboxSize
	}
	return &Mailbox{size: size}
}

// Notify queues a notice.
func (m *Mailbox) Notify(_ context.Context, _ string, notice inactivity.Notice) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notices = append(m.notices, notice)
	if overflow := len(m.notices) - m.size; overflow > 0 {
		m.notices = append([]inactivity.Notice(nil), m.notices[overflow:]...)
	}
}

// Redirect records where the client should navigate.
func (m *Mailbox) Redirect(_ context.Context, _ string, route string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirect = route
}

// Drain returns and clears the queued notices.
func (m *Mailbox) Drain() []inactivity.Notice {
	m.mu.Lock()
	defer m.mu.Unlock()

	notices := m.notices
	m.notices = nil
	if notices == nil {
		return []inactivity.Notice{}
	}
	return notices
}

// RedirectTarget returns the pending redirect, if any.
func (m *Mailbox) RedirectTarget() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redirect
}
