package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session is an authenticated login session. Its presence (and freshness)
// is the only thing the poker core ever checks: holding a valid session
// allows creating rooms, joining via invite needs none.
type Session struct {
	Token     string    `json:"token"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewSession(email string, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		Token:     uuid.New().String(),
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func (s *Session) IsExpired() bool {
	if s == nil {
		return true
	}
	return time.Now().UTC().After(s.ExpiresAt)
}
