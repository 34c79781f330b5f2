package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/pkg/database"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := database.New(&database.Config{
		Driver:   "sqlite",
		FilePath: filepath.Join(t.TempDir(), "store.db"),
		LogLevel: "silent",
	})
	require.NoError(t, err)

	s, err := NewGormStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newConversation(t *testing.T, s *GormStore, ids ...string) *domain.Conversation {
	t.Helper()
	conv, _, err := s.CreateConversation(context.Background(), &domain.Conversation{ParticipantIDs: ids})
	require.NoError(t, err)
	return conv
}

func appendAt(t *testing.T, s *GormStore, conv *domain.Conversation, id, sender string, at time.Time) {
	t.Helper()
	msg := &domain.Message{ID: id, ConversationID: conv.ID, SenderID: sender, Body: "body " + id, SentAt: at}
	_, err := s.AppendMessage(context.Background(), msg, conv.Recipients(sender))
	require.NoError(t, err)
}

func TestCreateConversationIsIdempotentPerParticipantSet(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	// Given a conversation between alice and bob
	first, created, err := s.CreateConversation(ctx, &domain.Conversation{ParticipantIDs: []string{"bob", "alice"}})
	req.NoError(err)
	req.True(created)
	req.Equal([]string{"alice", "bob"}, first.ParticipantIDs)

	// When it is created again with the same set in another order
	second, created, err := s.CreateConversation(ctx, &domain.Conversation{ParticipantIDs: []string{"alice", "bob", "alice"}})

	// Then the existing conversation is returned
	req.NoError(err)
	req.False(created)
	req.Equal(first.ID, second.ID)
}

func TestCreateConversationRejectsSingleParticipant(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	_, _, err := s.CreateConversation(context.Background(), &domain.Conversation{ParticipantIDs: []string{"alice", "alice"}})

	req.ErrorIs(err, domain.ErrInvalidConversation)
}

func TestFetchBacklogReturnsNewestWindowAscending(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, s, "alice", "bob")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// Given four messages from alice to bob
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		appendAt(t, s, conv, id, "alice", base.Add(time.Duration(i)*time.Second))
	}

	// When bob fetches three messages after the first
	msgs, err := s.FetchBacklog(ctx, "bob", base, 3)

	// Then the three newest come back oldest first
	req.NoError(err)
	req.Len(msgs, 3)
	req.Equal("m2", msgs[0].ID)
	req.Equal("m3", msgs[1].ID)
	req.Equal("m4", msgs[2].ID)
	req.Equal(domain.StateSent, msgs[0].DeliveryState)

	// And the sender has no backlog of their own messages
	own, err := s.FetchBacklog(ctx, "alice", time.Time{}, 10)
	req.NoError(err)
	req.Empty(own)
}

func TestUpdateDeliveryStateMovesForwardOnly(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, s, "alice", "bob")
	appendAt(t, s, conv, "m1", "alice", time.Now().UTC())

	// When bob reads before acknowledging delivery
	moved, err := s.UpdateDeliveryState(ctx, "m1", "bob", domain.StateRead)
	req.NoError(err)
	req.True(moved)

	// Then a late delivery ack is a no-op
	moved, err = s.UpdateDeliveryState(ctx, "m1", "bob", domain.StateDelivered)
	req.NoError(err)
	req.False(moved)

	msg, err := s.GetMessage(ctx, "m1")
	req.NoError(err)
	req.Equal(domain.StateRead, msg.DeliveryState)
}

func TestMessageStateIsMinimumOverRecipients(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, s, "alice", "bob", "carol")
	appendAt(t, s, conv, "m1", "alice", time.Now().UTC())

	// When only bob acknowledges
	_, err := s.UpdateDeliveryState(ctx, "m1", "bob", domain.StateDelivered)
	req.NoError(err)

	// Then the message is still sent
	msg, err := s.GetMessage(ctx, "m1")
	req.NoError(err)
	req.Equal(domain.StateSent, msg.DeliveryState)

	// When carol acknowledges too
	_, err = s.UpdateDeliveryState(ctx, "m1", "carol", domain.StateDelivered)
	req.NoError(err)

	// Then the message is delivered
	msg, err = s.GetMessage(ctx, "m1")
	req.NoError(err)
	req.Equal(domain.StateDelivered, msg.DeliveryState)
}

func TestUpdateDeliveryStateUnknownRecipient(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	conv := newConversation(t, s, "alice", "bob")
	appendAt(t, s, conv, "m1", "alice", time.Now().UTC())

	moved, err := s.UpdateDeliveryState(context.Background(), "m1", "mallory", domain.StateRead)

	req.NoError(err)
	req.False(moved)
}

func TestGetMessageNotFound(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	_, err := s.GetMessage(context.Background(), "missing")

	req.ErrorIs(err, domain.ErrMessageNotFound)
}

func TestListConversationsOrderAndArchive(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(time.Hour)

	// Given two conversations where the older one gets the newest message
	withBob := newConversation(t, s, "alice", "bob")
	withCarol := newConversation(t, s, "alice", "carol")
	appendAt(t, s, withCarol, "m1", "carol", base)
	appendAt(t, s, withBob, "m2", "bob", base.Add(time.Second))

	// Then the most recently active comes first
	convs, err := s.ListConversations(ctx, "alice", false)
	req.NoError(err)
	req.Len(convs, 2)
	req.Equal(withBob.ID, convs[0].ID)
	req.Equal(withCarol.ID, convs[1].ID)

	// When one is archived it is hidden by default
	req.NoError(s.SetArchived(ctx, withCarol.ID, true))
	convs, err = s.ListConversations(ctx, "alice", false)
	req.NoError(err)
	req.Len(convs, 1)

	all, err := s.ListConversations(ctx, "alice", true)
	req.NoError(err)
	req.Len(all, 2)

	// And a new message brings it back
	appendAt(t, s, withCarol, "m3", "carol", base.Add(2*time.Second))
	convs, err = s.ListConversations(ctx, "alice", false)
	req.NoError(err)
	req.Len(convs, 2)
	req.Equal(withCarol.ID, convs[0].ID)
}

func TestSetArchivedUnknownConversation(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	err := s.SetArchived(context.Background(), "missing", true)

	req.ErrorIs(err, domain.ErrConversationNotFound)
}

func TestMarkReadAndLastReadAt(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, s, "alice", "bob")

	// Given bob never read the conversation
	at, err := s.LastReadAt(ctx, conv.ID, "bob")
	req.NoError(err)
	req.True(at.IsZero())

	// When he marks it read
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	req.NoError(s.MarkRead(ctx, conv.ID, "bob", now))

	// Then the read time is kept
	at, err = s.LastReadAt(ctx, conv.ID, "bob")
	req.NoError(err)
	req.True(now.Equal(at))

	// And outsiders are rejected
	req.ErrorIs(s.MarkRead(ctx, conv.ID, "mallory", now), domain.ErrNotParticipant)
	_, err = s.LastReadAt(ctx, conv.ID, "mallory")
	req.ErrorIs(err, domain.ErrNotParticipant)
}

func TestListMessagesBeforeCursor(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, s, "alice", "bob")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		appendAt(t, s, conv, id, "alice", base.Add(time.Duration(i)*time.Second))
	}

	msgs, err := s.ListMessages(ctx, conv.ID, base.Add(2*time.Second), 10)

	req.NoError(err)
	req.Len(msgs, 2)
	req.Equal("m1", msgs[0].ID)
	req.Equal("m2", msgs[1].ID)
}

func TestAppendMessageTwiceKeepsOneCopy(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	conv := newConversation(t, s, "alice", "bob")
	at := time.UnixMilli(1714564800000).UTC()

	// Given a message that was already appended
	appendAt(t, s, conv, "501", "alice", at)

	// When the same append is repeated
	msg := &domain.Message{ID: "501", ConversationID: conv.ID, SenderID: "alice", Body: "body 501", SentAt: at}
	id, err := s.AppendMessage(ctx, msg, conv.Recipients("alice"))

	// Then it succeeds and bob still has a single copy
	req.NoError(err)
	req.Equal("501", id)
	msgs, err := s.FetchBacklog(ctx, "bob", time.Time{}, 10)
	req.NoError(err)
	req.Len(msgs, 1)

	// And the id cannot be reused by another sender
	other := &domain.Message{ID: "501", ConversationID: conv.ID, SenderID: "bob", Body: "forged", SentAt: at}
	_, err = s.AppendMessage(ctx, other, conv.Recipients("bob"))
	req.ErrorIs(err, domain.ErrInvalidMessage)
}
