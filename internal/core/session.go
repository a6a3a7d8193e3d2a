package core

import "time"

// Session is an authenticated UI session tracked by the service.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the session has been invalidated.
func (s *Session) Revoked() bool {
	return s != nil && s.RevokedAt != nil
}
