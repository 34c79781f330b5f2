package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/weiawesome/meow-realtime/internal/domain"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("eventbus: closed")

// Event is one message on the bus. Payload is an encoded server frame
// that is written to client sockets as-is.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewFrameEvent wraps an encoded server frame into an event.
func NewFrameEvent(f domain.ServerFrame) (*Event, error) {
	data, err := domain.EncodeServerFrame(f)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:      f.FrameType(),
		Payload:   data,
		Timestamp: time.Now(),
	}, nil
}

// Publisher publishes events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *Event) error
}

// Subscriber opens subscriptions on a topic.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Bus combines Publisher and Subscriber.
// Delivery is at-most-once per subscriber and unordered across topics.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Subscription is a live subscription on a single topic. C is closed once
// the subscription ends. Close is idempotent and returns after the
// subscription has stopped delivering.
type Subscription interface {
	C() <-chan *Event
	Close() error
}

// UserTopic carries every frame addressed to a user.
func UserTopic(userID string) string {
	return "user:" + userID
}

// PresenceTopic carries presence changes of a user.
func PresenceTopic(userID string) string {
	return "presence:" + userID
}
