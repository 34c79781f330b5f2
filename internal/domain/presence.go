package domain

import "time"

// Status is a user's live-connectivity status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

// PresenceRecord is the shared presence state of one user.
type PresenceRecord struct {
	UserID         string    `json:"userId"`
	Status         Status    `json:"status"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
	OwnerProcessID string    `json:"ownerProcessId,omitempty"`
}
