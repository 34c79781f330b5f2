package store

import (
	"context"
	"fmt"
	"time"

	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/pkg/database"
)

//go:generate go run go.uber.org/mock/mockgen -destination=../mocks/mock_store.go -package=mocks github.com/weiawesome/meow-realtime/internal/store Store

// MessageStore persists messages and their per-recipient receipts.
type MessageStore interface {
	// AppendMessage stores msg with a sent receipt for every recipient and
	// bumps the conversation's lastMessageAt.
	AppendMessage(ctx context.Context, msg *domain.Message, recipientIDs []string) (string, error)
	// FetchBacklog returns up to limit messages addressed to userID sent
	// after since, oldest first.
	FetchBacklog(ctx context.Context, userID string, since time.Time, limit int) ([]*domain.Message, error)
	// UpdateDeliveryState advances the receipt of recipientID to state.
	// It reports whether the receipt moved; regressions are no-ops.
	UpdateDeliveryState(ctx context.Context, messageID, recipientID string, state domain.DeliveryState) (bool, error)
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	// ListMessages returns up to limit messages of a conversation sent
	// before the cursor (zero means now), oldest first.
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*domain.Message, error)
}

// ConversationStore persists conversations and participant state.
type ConversationStore interface {
	// CreateConversation returns the conversation for conv's participant
	// set, creating it if missing. created reports which happened.
	CreateConversation(ctx context.Context, conv *domain.Conversation) (result *domain.Conversation, created bool, err error)
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	// ListConversations returns userID's conversations, most recently
	// active first.
	ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*domain.Conversation, error)
	SetArchived(ctx context.Context, conversationID string, archived bool) error
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
	// LastReadAt is zero when userID never read the conversation.
	LastReadAt(ctx context.Context, conversationID, userID string) (time.Time, error)
}

// Store is the durable store used by the delivery engine.
type Store interface {
	MessageStore
	ConversationStore
	Close() error
}

// Config selects and configures a store driver.
type Config struct {
	Driver    string          `mapstructure:"driver"` // gorm, cassandra
	Database  database.Config `mapstructure:"database"`
	Cassandra CassandraConfig `mapstructure:"cassandra"`
	Retry     RetryConfig     `mapstructure:"retry"`
}

// New opens the configured driver wrapped with bounded retries.
func New(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "gorm":
		db, dbErr := database.New(&cfg.Database)
		if dbErr != nil {
			return nil, dbErr
		}
		s, err = NewGormStore(db)
	case "cassandra":
		s, err = NewCassandraStore(cfg.Cassandra)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return NewRetrying(s, cfg.Retry), nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func reverse(msgs []*domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
