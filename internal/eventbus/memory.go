package eventbus

import (
	"context"
	"sync"

	"github.com/weiawesome/meow-realtime/pkg/log"
)

// MemoryBus is an in-process bus. It also serves as the local fan-out
// stage of the kafka driver.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
	closed bool
}

type memorySub struct {
	bus   *MemoryBus
	topic string
	ch    chan *Event
	stop  func() bool
}

func NewMemoryBus(buffer int) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string]map[*memorySub]struct{}),
		buffer: bufferOrDefault(buffer),
	}
}

// Publish fans the event out to current subscribers of topic. A subscriber
// whose buffer is full misses the event.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	ev := *event
	ev.Topic = topic
	for s := range b.subs[topic] {
		select {
		case s.ch <- &ev:
		default:
			l := log.L()
			l.Warn().Str(log.FieldTopic, topic).Msg("subscriber buffer full, event dropped")
		}
	}
	return nil
}

// Subscribe registers a subscription that ends when ctx is cancelled or
// Close is called.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s := &memorySub{
		bus:   b,
		topic: topic,
		ch:    make(chan *Event, b.buffer),
	}
	if _, ok := b.subs[topic]; !ok {
		b.subs[topic] = make(map[*memorySub]struct{})
	}
	b.subs[topic][s] = struct{}{}
	s.stop = context.AfterFunc(ctx, func() { s.Close() })

	return s, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close ends all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for topic, set := range b.subs {
		for s := range set {
			close(s.ch)
		}
		delete(b.subs, topic)
	}
	return nil
}

func (s *memorySub) C() <-chan *Event {
	return s.ch
}

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	stop := s.stop
	set := s.bus.subs[s.topic]
	if _, ok := set[s]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.topic)
		}
		close(s.ch)
	}
	s.bus.mu.Unlock()

	if stop != nil {
		stop()
	}
	return nil
}
