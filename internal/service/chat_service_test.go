package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/internal/eventbus"
	"github.com/weiawesome/meow-realtime/internal/mocks"
	"github.com/weiawesome/meow-realtime/internal/ratelimit"
)

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return "m" + strconv.Itoa(g.n), nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type unit struct {
	svc          ChatService
	store        *mocks.MockStore
	participants *mocks.MockParticipantResolver
	limiter      *mocks.MockAdmitter
	bus          *eventbus.MemoryBus
}

func newUnit(t *testing.T) *unit {
	t.Helper()
	ctrl := gomock.NewController(t)
	bus := eventbus.NewMemoryBus(16)
	t.Cleanup(func() { bus.Close() })

	u := &unit{
		store:        mocks.NewMockStore(ctrl),
		participants: mocks.NewMockParticipantResolver(ctrl),
		limiter:      mocks.NewMockAdmitter(ctrl),
		bus:          bus,
	}
	u.svc = NewChatService(u.store, u.participants, bus, &seqIDs{}, Config{InstanceID: "proc-a"},
		WithClock(func() time.Time { return fixedNow }),
		WithLimiter(u.limiter),
	)
	return u
}

func (u *unit) subscribe(t *testing.T, topic string) eventbus.Subscription {
	t.Helper()
	sub, err := u.bus.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return sub
}

func frameOf(t *testing.T, sub eventbus.Subscription) map[string]interface{} {
	t.Helper()
	select {
	case evt := <-sub.C():
		var f map[string]interface{}
		require.NoError(t, json.Unmarshal(evt.Payload, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func requireSilent(t *testing.T, sub eventbus.Subscription) {
	t.Helper()
	select {
	case evt := <-sub.C():
		t.Fatalf("unexpected event %s", evt.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSendPersistsThenPublishesToRecipients(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()
	bob := u.subscribe(t, eventbus.UserTopic("bob"))
	alice := u.subscribe(t, eventbus.UserTopic("alice"))

	// Given alice is admitted and a participant of C1
	u.limiter.EXPECT().Admit(ctx, "alice", ratelimit.ActionChatSend).Return(true, nil)
	u.participants.EXPECT().Participants(ctx, "C1").Return([]string{"alice", "bob"}, nil)
	u.store.EXPECT().
		AppendMessage(ctx, gomock.Any(), []string{"bob"}).
		DoAndReturn(func(_ context.Context, m *domain.Message, _ []string) (string, error) {
			req.Equal("hi", m.Body)
			req.Equal(domain.StateSent, m.DeliveryState)
			return m.ID, nil
		})

	// When she sends "hi"
	msg, err := u.svc.Send(ctx, "alice", "C1", "  hi  ", "")

	// Then the message is acknowledged and only bob receives it
	req.NoError(err)
	req.Equal("m1", msg.ID)
	req.Equal(fixedNow, msg.SentAt)

	f := frameOf(t, bob)
	req.Equal(domain.FrameChatMessage, f["type"])
	req.Equal("m1", f["messageId"])
	req.Equal("C1", f["conversationId"])
	req.Equal("alice", f["senderId"])
	req.Equal("hi", f["body"])
	requireSilent(t, alice)
}

func TestSendRejectsNonParticipant(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()

	u.limiter.EXPECT().Admit(ctx, "mallory", ratelimit.ActionChatSend).Return(true, nil)
	u.participants.EXPECT().Participants(ctx, "C1").Return([]string{"alice", "bob"}, nil)
	u.store.EXPECT().AppendMessage(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	_, err := u.svc.Send(ctx, "mallory", "C1", "hi", "")

	req.ErrorIs(err, domain.ErrNotParticipant)
}

func TestSendReportsStoreFailureWithoutPublishing(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()
	bob := u.subscribe(t, eventbus.UserTopic("bob"))

	u.limiter.EXPECT().Admit(ctx, "alice", ratelimit.ActionChatSend).Return(true, nil)
	u.participants.EXPECT().Participants(ctx, "C1").Return([]string{"alice", "bob"}, nil)
	u.store.EXPECT().AppendMessage(ctx, gomock.Any(), gomock.Any()).Return("", errors.New("connection refused"))

	_, err := u.svc.Send(ctx, "alice", "C1", "hi", "")

	req.ErrorIs(err, domain.ErrStoreUnavailable)
	requireSilent(t, bob)
}

func TestSendRejectedByRateLimit(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()

	u.limiter.EXPECT().Admit(ctx, "alice", ratelimit.ActionChatSend).Return(false, nil)
	u.participants.EXPECT().Participants(gomock.Any(), gomock.Any()).Times(0)

	_, err := u.svc.Send(ctx, "alice", "C1", "hi", "")

	req.ErrorIs(err, domain.ErrAdmissionDenied)
}

func TestSendValidatesBody(t *testing.T) {
	u := newUnit(t)

	cases := map[string]string{
		"empty":    "   ",
		"too long": strings.Repeat("a", domain.MaxBodyLength+1),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)

			_, err := u.svc.Send(context.Background(), "alice", "C1", body, "")

			req.ErrorIs(err, domain.ErrInvalidMessage)
		})
	}
}

func TestSendAllowsAttachmentWithoutBody(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()

	u.limiter.EXPECT().Admit(ctx, "alice", ratelimit.ActionChatSend).Return(true, nil)
	u.participants.EXPECT().Participants(ctx, "C1").Return([]string{"alice", "bob"}, nil)
	u.store.EXPECT().AppendMessage(ctx, gomock.Any(), []string{"bob"}).Return("m1", nil)

	msg, err := u.svc.Send(ctx, "alice", "C1", "", "https://cdn.example.com/a.png")

	req.NoError(err)
	req.Equal("https://cdn.example.com/a.png", msg.FileURL)
}

func TestReceiptsAreIdempotentAndNotifySender(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()
	alice := u.subscribe(t, eventbus.UserTopic("alice"))
	msg := &domain.Message{ID: "m1", ConversationID: "C1", SenderID: "alice"}

	u.store.EXPECT().GetMessage(ctx, "m1").Return(msg, nil).Times(2)
	u.participants.EXPECT().Participants(ctx, "C1").Return([]string{"alice", "bob"}, nil).Times(2)
	gomock.InOrder(
		u.store.EXPECT().UpdateDeliveryState(ctx, "m1", "bob", domain.StateDelivered).Return(true, nil),
		u.store.EXPECT().UpdateDeliveryState(ctx, "m1", "bob", domain.StateDelivered).Return(false, nil),
	)

	// When bob acknowledges twice
	req.NoError(u.svc.OnDeliveryAck(ctx, "bob", "m1"))
	req.NoError(u.svc.OnDeliveryAck(ctx, "bob", "m1"))

	// Then alice hears about it once
	f := frameOf(t, alice)
	req.Equal(domain.FrameChatReceipt, f["type"])
	req.Equal("delivered", f["state"])
	req.Equal("bob", f["userId"])
	requireSilent(t, alice)
}

func TestReadReceiptMarksConversationRead(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()
	alice := u.subscribe(t, eventbus.UserTopic("alice"))
	msg := &domain.Message{ID: "m1", ConversationID: "C1", SenderID: "alice"}

	u.store.EXPECT().GetMessage(ctx, "m1").Return(msg, nil)
	u.participants.EXPECT().Participants(ctx, "C1").Return([]string{"alice", "bob"}, nil)
	u.store.EXPECT().UpdateDeliveryState(ctx, "m1", "bob", domain.StateRead).Return(true, nil)
	u.store.EXPECT().MarkRead(ctx, "C1", "bob", fixedNow).Return(nil)

	req.NoError(u.svc.OnReadReceipt(ctx, "bob", "m1"))

	f := frameOf(t, alice)
	req.Equal("read", f["state"])
}

func TestReceiptBehindAggregateStateIsNoop(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()
	alice := u.subscribe(t, eventbus.UserTopic("alice"))

	// Given a message every recipient has already read
	msg := &domain.Message{ID: "m1", ConversationID: "C1", SenderID: "alice", DeliveryState: domain.StateRead}
	u.store.EXPECT().GetMessage(ctx, "m1").Return(msg, nil)
	u.participants.EXPECT().Participants(ctx, "C1").Return([]string{"alice", "bob"}, nil)
	u.store.EXPECT().UpdateDeliveryState(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	// When a late delivery ack arrives
	req.NoError(u.svc.OnDeliveryAck(ctx, "bob", "m1"))

	// Then nothing is written and the sender hears nothing
	requireSilent(t, alice)
}

func TestReceiptFromNonParticipantIsRejected(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()
	msg := &domain.Message{ID: "m1", ConversationID: "C1", SenderID: "alice"}

	u.store.EXPECT().GetMessage(ctx, "m1").Return(msg, nil)
	u.participants.EXPECT().Participants(ctx, "C1").Return([]string{"alice", "bob"}, nil)
	u.store.EXPECT().UpdateDeliveryState(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	err := u.svc.OnReadReceipt(ctx, "mallory", "m1")

	req.ErrorIs(err, domain.ErrNotParticipant)
}

func TestReceiptFromSenderIsIgnored(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()

	u.store.EXPECT().GetMessage(ctx, "m1").Return(&domain.Message{ID: "m1", ConversationID: "C1", SenderID: "alice"}, nil)
	u.store.EXPECT().UpdateDeliveryState(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	req.NoError(u.svc.OnReadReceipt(ctx, "alice", "m1"))
}

func TestReceiptForUnknownMessage(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()

	u.store.EXPECT().GetMessage(ctx, "nope").Return(nil, domain.ErrMessageNotFound)

	req.ErrorIs(u.svc.OnDeliveryAck(ctx, "bob", "nope"), domain.ErrMessageNotFound)
}

func TestBacklogClampsLimit(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()
	since := fixedNow.Add(-time.Hour)

	u.store.EXPECT().FetchBacklog(ctx, "bob", since, DefaultBacklogLimit).Return(nil, nil)
	u.store.EXPECT().FetchBacklog(ctx, "bob", since, MaxBacklogLimit).Return(nil, nil)

	_, err := u.svc.Backlog(ctx, "bob", since, 0)
	req.NoError(err)
	_, err = u.svc.Backlog(ctx, "bob", since, 10_000)
	req.NoError(err)
}

func TestCreateConversationIncludesCreator(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()

	u.limiter.EXPECT().Admit(ctx, "alice", ratelimit.ActionConversationCreate).Return(true, nil)
	u.store.EXPECT().
		CreateConversation(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, c *domain.Conversation) (*domain.Conversation, bool, error) {
			req.Equal([]string{"alice", "bob"}, c.ParticipantIDs)
			return &domain.Conversation{ID: "C1", ParticipantIDs: c.ParticipantIDs}, true, nil
		})

	conv, created, err := u.svc.CreateConversation(ctx, "alice", []string{"bob", "alice"})

	req.NoError(err)
	req.True(created)
	req.Equal("C1", conv.ID)
}

func TestHistoryReturnsPreviousReadTimeAndMarksRead(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()
	lastRead := fixedNow.Add(-time.Hour)
	page := []*domain.Message{{ID: "m1"}, {ID: "m2"}}

	u.participants.EXPECT().Participants(ctx, "C1").Return([]string{"alice", "bob"}, nil)
	gomock.InOrder(
		u.store.EXPECT().LastReadAt(ctx, "C1", "bob").Return(lastRead, nil),
		u.store.EXPECT().ListMessages(ctx, "C1", time.Time{}, 20).Return(page, nil),
		u.store.EXPECT().MarkRead(ctx, "C1", "bob", fixedNow).Return(nil),
	)

	at, msgs, err := u.svc.History(ctx, "bob", "C1", time.Time{}, 20)

	req.NoError(err)
	req.Equal(lastRead, at)
	req.Equal(page, msgs)
}

func TestArchiveRequiresParticipant(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()

	u.participants.EXPECT().Participants(ctx, "C1").Return([]string{"alice", "bob"}, nil).Times(2)
	u.store.EXPECT().SetArchived(ctx, "C1", true).Return(nil)

	req.ErrorIs(u.svc.Archive(ctx, "mallory", "C1"), domain.ErrNotParticipant)
	req.NoError(u.svc.Archive(ctx, "bob", "C1"))
}

func TestStopDrainsInFlightSends(t *testing.T) {
	req := require.New(t)
	u := newUnit(t)
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})

	u.limiter.EXPECT().Admit(gomock.Any(), "alice", ratelimit.ActionChatSend).Return(true, nil)
	u.participants.EXPECT().Participants(gomock.Any(), "C1").Return([]string{"alice", "bob"}, nil)
	u.store.EXPECT().
		AppendMessage(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, *domain.Message, []string) (string, error) {
			close(started)
			<-release
			return "m1", nil
		})

	// Given a send blocked in the store
	sendErr := make(chan error, 1)
	go func() {
		_, err := u.svc.Send(ctx, "alice", "C1", "hi", "")
		sendErr <- err
	}()
	<-started

	// When stop is requested
	stopped := make(chan error, 1)
	go func() { stopped <- u.svc.Stop(ctx) }()

	// Then it waits for the send to finish
	select {
	case <-stopped:
		t.Fatal("stop returned before the send finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	req.NoError(<-sendErr)
	req.NoError(<-stopped)

	// And new sends are refused
	_, err := u.svc.Send(ctx, "alice", "C1", "again", "")
	req.ErrorIs(err, domain.ErrTransportClosed)
}
