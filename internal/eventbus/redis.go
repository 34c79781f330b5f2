package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/meow-realtime/pkg/log"
)

// RedisBus implements Bus on Redis Pub/Sub, one server-side subscription
// per Subscribe call.
type RedisBus struct {
	client *redis.Client
	buffer int

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

type redisSub struct {
	bus    *RedisBus
	ps     *redis.PubSub
	ch     chan *Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewRedisBus creates a bus on an existing client. The client stays owned
// by the caller.
func NewRedisBus(client *redis.Client, buffer int) *RedisBus {
	return &RedisBus{
		client: client,
		buffer: bufferOrDefault(buffer),
		subs:   make(map[*redisSub]struct{}),
	}
}

// Publish publishes an event to the specified channel.
func (r *RedisBus) Publish(ctx context.Context, topic string, event *Event) error {
	ev := *event
	ev.Topic = topic
	data, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.client.Publish(ctx, topic, data).Err()
}

// Subscribe subscribes to a channel and waits for the server to confirm the
// subscription, so events published after it returns are not missed.
func (r *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &redisSub{
		bus:    r,
		ps:     ps,
		ch:     make(chan *Event, r.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.subs[s] = struct{}{}

	go s.processMessages(subCtx, ps.Channel())

	return s, nil
}

// Close ends all subscriptions. The Redis client is left open.
func (r *RedisBus) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := make([]*redisSub, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

// processMessages reads messages from the Redis pubsub and sends them to the event channel.
func (s *redisSub) processMessages(ctx context.Context, msgs <-chan *redis.Message) {
	defer close(s.done)
	defer close(s.ch)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldTopic, msg.Channel).Msg("dropping malformed event")
				continue
			}

			select {
			case s.ch <- &event:
			case <-ctx.Done():
				return
			default:
				// Channel full, skip message
			}
		}
	}
}

func (s *redisSub) C() <-chan *Event {
	return s.ch
}

// Close unsubscribes and waits for the reader goroutine to exit.
func (s *redisSub) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.ps.Close()
		<-s.done

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return s.err
}
