package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/weiawesome/meow-realtime/internal/domain"
)

func receive(t *testing.T, sub Subscription) *Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	// Given two subscribers on the same topic
	bus := NewMemoryBus(8)
	defer bus.Close()

	s1, err := bus.Subscribe(ctx, UserTopic("B"))
	req.NoError(err)
	s2, err := bus.Subscribe(ctx, UserTopic("B"))
	req.NoError(err)
	other, err := bus.Subscribe(ctx, UserTopic("C"))
	req.NoError(err)

	// When a frame event is published
	ev, err := NewFrameEvent(domain.NewPresenceUpdateFrame("A", domain.StatusOnline))
	req.NoError(err)
	req.NoError(bus.Publish(ctx, UserTopic("B"), ev))

	// Then both subscribers of the topic get it and the other topic does not
	for _, s := range []Subscription{s1, s2} {
		got := receive(t, s)
		req.Equal(domain.FramePresenceUpdate, got.Type)
		req.Equal("user:B", got.Topic)
		req.JSONEq(`{"type":"presence.update","userId":"A","status":"online"}`, string(got.Payload))
	}
	select {
	case <-other.C():
		t.Fatal("unexpected event on unrelated topic")
	default:
	}
}

func TestMemoryBus_CloseSubscription(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	bus := NewMemoryBus(8)
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, "t")
	req.NoError(err)
	req.Equal(1, bus.Subscribers("t"))

	req.NoError(sub.Close())
	req.NoError(sub.Close())
	req.Equal(0, bus.Subscribers("t"))

	_, ok := <-sub.C()
	req.False(ok)

	req.NoError(bus.Publish(ctx, "t", &Event{Type: "x"}))
}

func TestMemoryBus_ContextCancelEndsSubscription(t *testing.T) {
	req := require.New(t)

	bus := NewMemoryBus(8)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, "t")
	req.NoError(err)

	cancel()

	req.Eventually(func() bool { return bus.Subscribers("t") == 0 }, time.Second, 10*time.Millisecond)
	_, ok := <-sub.C()
	req.False(ok)
}

func TestMemoryBus_FullBufferDrops(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	bus := NewMemoryBus(1)
	defer bus.Close()

	sub, err := bus.Subscribe(ctx, "t")
	req.NoError(err)

	req.NoError(bus.Publish(ctx, "t", &Event{Type: "first"}))
	req.NoError(bus.Publish(ctx, "t", &Event{Type: "second"}))

	req.Equal("first", receive(t, sub).Type)
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %q", ev.Type)
	default:
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	bus := NewMemoryBus(1)
	sub, err := bus.Subscribe(ctx, "t")
	req.NoError(err)

	req.NoError(bus.Close())

	_, ok := <-sub.C()
	req.False(ok)
	req.NoError(sub.Close())
	req.ErrorIs(bus.Publish(ctx, "t", &Event{}), ErrClosed)
	_, err = bus.Subscribe(ctx, "t")
	req.ErrorIs(err, ErrClosed)
}
