package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"

	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/pkg/log"
)

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	MaxTries        uint          `mapstructure:"max_tries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxTries == 0 {
		c.MaxTries = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 50 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 500 * time.Millisecond
	}
	return c
}

// Retrying decorates a Store with bounded exponential retries. Failures
// that survive every attempt are reported as domain.ErrStoreUnavailable.
type Retrying struct {
	next Store
	cfg  RetryConfig
}

// NewRetrying wraps next.
func NewRetrying(next Store, cfg RetryConfig) *Retrying {
	return &Retrying{next: next, cfg: cfg.withDefaults()}
}

// Unwrap returns the decorated store.
func (r *Retrying) Unwrap() Store { return r.next }

func (r *Retrying) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	return b
}

// isPermanent reports errors that a retry cannot fix.
func isPermanent(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrNotParticipant),
		errors.Is(err, domain.ErrConversationNotFound),
		errors.Is(err, domain.ErrMessageNotFound),
		errors.Is(err, domain.ErrInvalidConversation),
		errors.Is(err, domain.ErrInvalidMessage),
		errors.Is(err, gorm.ErrDuplicatedKey):
		return true
	}
	return false
}

func do[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		if err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("store call failed")
		}
		return v, err
	}, backoff.WithBackOff(r.newBackOff()), backoff.WithMaxTries(r.cfg.MaxTries))
	if err == nil || isPermanent(err) {
		return res, err
	}
	return res, fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

func (r *Retrying) AppendMessage(ctx context.Context, msg *domain.Message, recipientIDs []string) (string, error) {
	return do(ctx, r, "append_message", func() (string, error) {
		return r.next.AppendMessage(ctx, msg, recipientIDs)
	})
}

func (r *Retrying) FetchBacklog(ctx context.Context, userID string, since time.Time, limit int) ([]*domain.Message, error) {
	return do(ctx, r, "fetch_backlog", func() ([]*domain.Message, error) {
		return r.next.FetchBacklog(ctx, userID, since, limit)
	})
}

func (r *Retrying) UpdateDeliveryState(ctx context.Context, messageID, recipientID string, state domain.DeliveryState) (bool, error) {
	return do(ctx, r, "update_delivery_state", func() (bool, error) {
		return r.next.UpdateDeliveryState(ctx, messageID, recipientID, state)
	})
}

func (r *Retrying) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	return do(ctx, r, "get_message", func() (*domain.Message, error) {
		return r.next.GetMessage(ctx, messageID)
	})
}

func (r *Retrying) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*domain.Message, error) {
	return do(ctx, r, "list_messages", func() ([]*domain.Message, error) {
		return r.next.ListMessages(ctx, conversationID, before, limit)
	})
}

type createResult struct {
	conv    *domain.Conversation
	created bool
}

func (r *Retrying) CreateConversation(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, bool, error) {
	res, err := do(ctx, r, "create_conversation", func() (createResult, error) {
		c, created, err := r.next.CreateConversation(ctx, conv)
		return createResult{conv: c, created: created}, err
	})
	return res.conv, res.created, err
}

func (r *Retrying) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return do(ctx, r, "get_conversation", func() (*domain.Conversation, error) {
		return r.next.GetConversation(ctx, conversationID)
	})
}

func (r *Retrying) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*domain.Conversation, error) {
	return do(ctx, r, "list_conversations", func() ([]*domain.Conversation, error) {
		return r.next.ListConversations(ctx, userID, includeArchived)
	})
}

func (r *Retrying) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	_, err := do(ctx, r, "set_archived", func() (struct{}, error) {
		return struct{}{}, r.next.SetArchived(ctx, conversationID, archived)
	})
	return err
}

func (r *Retrying) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	_, err := do(ctx, r, "mark_read", func() (struct{}, error) {
		return struct{}{}, r.next.MarkRead(ctx, conversationID, userID, at)
	})
	return err
}

func (r *Retrying) LastReadAt(ctx context.Context, conversationID, userID string) (time.Time, error) {
	return do(ctx, r, "last_read_at", func() (time.Time, error) {
		return r.next.LastReadAt(ctx, conversationID, userID)
	})
}

func (r *Retrying) Close() error { return r.next.Close() }
