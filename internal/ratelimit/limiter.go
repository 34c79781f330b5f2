package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/pkg/log"
)

// Action classes.
const (
	ActionLogin              = "login"
	ActionPostCreate         = "post.create"
	ActionLike               = "like"
	ActionChatSend           = "chat.send"
	ActionConversationCreate = "conversation.create"
	ActionAttachmentUpload   = "attachment.upload"
)

// Policy bounds one action class.
type Policy struct {
	Limit    int           `mapstructure:"limit"`
	Window   time.Duration `mapstructure:"window"`
	FailOpen bool          `mapstructure:"fail_open"`
}

// DefaultPolicies returns the built-in admission policies.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ActionLogin:              {Limit: 3, Window: time.Minute},
		ActionPostCreate:         {Limit: 5, Window: time.Minute},
		ActionLike:               {Limit: 10, Window: time.Minute, FailOpen: true},
		ActionChatSend:           {Limit: 30, Window: time.Minute, FailOpen: true},
		ActionConversationCreate: {Limit: 10, Window: time.Minute, FailOpen: true},
		ActionAttachmentUpload:   {Limit: 10, Window: time.Minute, FailOpen: true},
	}
}

// admitScript increments the bucket only while it is below the limit, so the
// stored count never exceeds it. Returns {allowed, count}.
var admitScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
	return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current}
`)

//go:generate go run go.uber.org/mock/mockgen -destination=../mocks/mock_admitter.go -package=mocks github.com/weiawesome/meow-realtime/internal/ratelimit Admitter

// Admitter is the admission contract used by handlers and the engine.
type Admitter interface {
	Admit(ctx context.Context, identity, actionClass string) (bool, error)
}

// Limiter is a fixed-window rate limiter backed by Redis.
type Limiter struct {
	client    redis.Cmdable
	policies  map[string]Policy
	keyPrefix string
	now       func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithKeyPrefix replaces the "ratelimit" key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.keyPrefix = prefix }
}

// New creates a limiter. Classes missing from policies fall back to the
// defaults; classes unknown to both are always admitted.
func New(client redis.Cmdable, policies map[string]Policy, opts ...Option) *Limiter {
	merged := DefaultPolicies()
	for class, p := range policies {
		merged[class] = p
	}

	l := &Limiter{
		client:    client,
		policies:  merged,
		keyPrefix: "ratelimit",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the policy configured for actionClass.
func (l *Limiter) Policy(actionClass string) (Policy, bool) {
	p, ok := l.policies[actionClass]
	return p, ok
}

// Admit checks identity against the policy of actionClass.
func (l *Limiter) Admit(ctx context.Context, identity, actionClass string) (bool, error) {
	p, ok := l.policies[actionClass]
	if !ok {
		return true, nil
	}
	return l.AdmitWith(ctx, identity, actionClass, p)
}

// AdmitWith checks identity against an explicit policy. A store failure
// is resolved by p.FailOpen: allowed with a warning, or denied with
// ErrStoreUnavailable.
func (l *Limiter) AdmitWith(ctx context.Context, identity, actionClass string, p Policy) (bool, error) {
	if p.Limit <= 0 || p.Window < time.Millisecond {
		return false, fmt.Errorf("invalid policy for %s: limit=%d window=%s", actionClass, p.Limit, p.Window)
	}

	key := l.bucketKey(identity, actionClass, p.Window)
	res, err := admitScript.Run(ctx, l.client, []string{key}, p.Limit, p.Window.Milliseconds()).Int64Slice()
	if err != nil {
		logger := log.Ctx(ctx)
		if p.FailOpen {
			logger.Warn().Err(err).Str(log.FieldAction, actionClass).Msg("rate limit store unavailable, failing open")
			return true, nil
		}
		logger.Error().Err(err).Str(log.FieldAction, actionClass).Msg("rate limit store unavailable, failing closed")
		return false, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	return len(res) > 0 && res[0] == 1, nil
}

// Check is Admit with the denial reported as ErrAdmissionDenied.
func (l *Limiter) Check(ctx context.Context, identity, actionClass string) error {
	return Check(ctx, l, identity, actionClass)
}

// Check runs a on identity and converts a denial into ErrAdmissionDenied.
func Check(ctx context.Context, a Admitter, identity, actionClass string) error {
	ok, err := a.Admit(ctx, identity, actionClass)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAdmissionDenied, actionClass)
	}
	return nil
}

// Reset clears the current window of identity for actionClass.
func (l *Limiter) Reset(ctx context.Context, identity, actionClass string) error {
	p, ok := l.policies[actionClass]
	if !ok {
		return fmt.Errorf("unknown action class: %s", actionClass)
	}
	if err := l.client.Del(ctx, l.bucketKey(identity, actionClass, p.Window)).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// bucketKey is ratelimit:{action}:{identity}:{windowIndex}.
func (l *Limiter) bucketKey(identity, actionClass string, window time.Duration) string {
	index := l.now().UnixMilli() / window.Milliseconds()
	return l.keyPrefix + ":" + actionClass + ":" + identity + ":" + strconv.FormatInt(index, 10)
}
