package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Conversation is a chat between a fixed set of participants.
type Conversation struct {
	ID             string
	ParticipantIDs []string
	ParticipantKey string
	LastMessageAt  time.Time
	Archived       bool
	CreatedAt      time.Time
}

// NormalizeParticipants returns the sorted, de-duplicated, non-empty ids.
func NormalizeParticipants(ids []string) []string {
	out := lo.Uniq(lo.Compact(lo.Map(ids, func(id string, _ int) string {
		return strings.TrimSpace(id)
	})))
	sort.Strings(out)
	return out
}

// ParticipantKey is the canonical identity of a participant set.
func ParticipantKey(ids []string) string {
	return strings.Join(NormalizeParticipants(ids), ",")
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return lo.Contains(c.ParticipantIDs, userID)
}

// Recipients returns every participant except senderID.
func (c *Conversation) Recipients(senderID string) []string {
	return lo.Without(c.ParticipantIDs, senderID)
}
