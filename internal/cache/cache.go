package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/pkg/log"
)

var ErrCacheMiss = errors.New("cache miss")

// Loader reads a conversation from the durable store.
type Loader interface {
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
}

// Config controls participant caching.
type Config struct {
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type entry struct {
	ParticipantIDs []string `json:"participant_ids"`
}

// ParticipantCache keeps conversation participant sets in Redis. Sets
// never change after creation, so entries only expire by TTL. Concurrent
// misses for one conversation share a single store read.
type ParticipantCache struct {
	client redis.Cmdable
	loader Loader
	prefix string
	ttl    time.Duration
	sf     singleflight.Group
}

func NewParticipantCache(client redis.Cmdable, loader Loader, cfg Config) *ParticipantCache {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "participants"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &ParticipantCache{client: client, loader: loader, prefix: cfg.KeyPrefix, ttl: cfg.TTL}
}

func (c *ParticipantCache) key(conversationID string) string {
	return fmt.Sprintf("%s:%s", c.prefix, conversationID)
}

// Participants returns the participant ids of a conversation.
func (c *ParticipantCache) Participants(ctx context.Context, conversationID string) ([]string, error) {
	l := log.Ctx(ctx)

	ids, err := c.get(ctx, conversationID)
	if err == nil {
		return ids, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		l.Warn().Err(err).Str(log.FieldConversationID, conversationID).Msg("participant cache read failed")
	}

	result, err, _ := c.sf.Do(conversationID, func() (interface{}, error) {
		conv, err := c.loader.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if err := c.set(ctx, conversationID, conv.ParticipantIDs); err != nil {
			l.Warn().Err(err).Str(log.FieldConversationID, conversationID).Msg("participant cache write failed")
		}
		return conv.ParticipantIDs, nil
	})
	if err != nil {
		return nil, err
	}

	ids, ok := result.([]string)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	return ids, nil
}

// Invalidate drops the cached entry of a conversation.
func (c *ParticipantCache) Invalidate(ctx context.Context, conversationID string) error {
	return c.client.Del(ctx, c.key(conversationID)).Err()
}

func (c *ParticipantCache) get(ctx context.Context, conversationID string) ([]string, error) {
	data, err := c.client.Get(ctx, c.key(conversationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return e.ParticipantIDs, nil
}

func (c *ParticipantCache) set(ctx context.Context, conversationID string, ids []string) error {
	data, err := json.Marshal(entry{ParticipantIDs: ids})
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}
	if err := c.client.Set(ctx, c.key(conversationID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}
