package domain

import (
	"strings"
	"time"
)

// DeliveryState is the lifecycle stage of a message.
type DeliveryState string

const (
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
)

// MaxBodyLength is the maximum number of characters in a message body.
const MaxBodyLength = 4000

// Rank orders states so that transitions can only move forward.
func (s DeliveryState) Rank() int {
	switch s {
	case StateDelivered:
		return 1
	case StateRead:
		return 2
	default:
		return 0
	}
}

// StateFromRank is the inverse of Rank.
func StateFromRank(rank int) DeliveryState {
	switch rank {
	case 1:
		return StateDelivered
	case 2:
		return StateRead
	default:
		return StateSent
	}
}

// Advances reports whether moving from s to next is a forward transition.
func (s DeliveryState) Advances(next DeliveryState) bool {
	return next.Rank() > s.Rank()
}

// CompareMessageIDs orders two message ids the way they were issued. Ids
// are unpadded decimal numbers, so a shorter id is older.
func CompareMessageIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// Message is a persisted chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	FileURL        string
	SentAt         time.Time
	// DeliveryState is the least advanced state across all recipients.
	DeliveryState DeliveryState
}
