package domain

import (
	"sync/atomic"
	"time"
)

// Session is one live connection of a user on this process.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	lastActivity atomic.Int64 // unix nanos
}

func NewSession(id, userID string, now time.Time) *Session {
	s := &Session{
		ID:          id,
		UserID:      userID,
		ConnectedAt: now,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// Touch records inbound activity.
func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) LastActivityAt() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IdleFor returns how long the session has been silent at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt())
}
