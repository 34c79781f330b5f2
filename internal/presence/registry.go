package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/internal/eventbus"
	"github.com/weiawesome/meow-realtime/pkg/log"
)

// Config holds presence registry configuration.
type Config struct {
	KeyPrefix     string        `mapstructure:"key_prefix"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Registry keeps one shared presence record per user in Redis.
// Writes are ordered by timestamp; offline transitions require ownership.
type Registry struct {
	client    redis.Cmdable
	publisher eventbus.Publisher
	cfg       Config
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry. publisher receives presence.update events
// and may be nil.
func NewRegistry(client redis.Cmdable, publisher eventbus.Publisher, cfg Config, opts ...Option) *Registry {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "presence"
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	r := &Registry{
		client:    client,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) recordKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", r.cfg.KeyPrefix, userID)
}

func (r *Registry) onlineKey() string {
	return r.cfg.KeyPrefix + ":online"
}

// MarkOnline records userID as online and owned by ownerProcessID.
func (r *Registry) MarkOnline(ctx context.Context, userID, ownerProcessID string) error {
	return r.mark(ctx, userID, domain.StatusOnline, ownerProcessID)
}

// MarkAway records userID as away and owned by ownerProcessID.
func (r *Registry) MarkAway(ctx context.Context, userID, ownerProcessID string) error {
	return r.mark(ctx, userID, domain.StatusAway, ownerProcessID)
}

// SetStatus applies a client-chosen live status.
func (r *Registry) SetStatus(ctx context.Context, userID string, status domain.Status, ownerProcessID string) error {
	switch status {
	case domain.StatusOnline, domain.StatusAway:
		return r.mark(ctx, userID, status, ownerProcessID)
	case domain.StatusOffline:
		return r.markOffline(ctx, userID, ownerProcessID, true)
	default:
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidMessage, status)
	}
}

func (r *Registry) mark(ctx context.Context, userID string, status domain.Status, owner string) error {
	ts := r.now().UnixMilli()
	res, err := markScript.Run(ctx, r.client,
		[]string{r.recordKey(userID), r.onlineKey()},
		userID, string(status), ts, owner,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: mark %s: %v", domain.ErrStoreUnavailable, status, err)
	}

	if res == resultDiscarded {
		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldUserID, userID).Str("status", string(status)).Msg("stale presence write discarded")
	}
	if res == resultChanged {
		r.publish(ctx, userID, status)
	}
	return nil
}

// MarkOffline sets userID offline if ownerProcessID still owns the record.
// A process whose session was superseded elsewhere is a no-op.
func (r *Registry) MarkOffline(ctx context.Context, userID, ownerProcessID string) error {
	return r.markOffline(ctx, userID, ownerProcessID, false)
}

func (r *Registry) markOffline(ctx context.Context, userID, ownerProcessID string, chosen bool) error {
	flag := "0"
	if chosen {
		flag = "1"
	}
	ts := r.now().UnixMilli()
	res, err := offlineScript.Run(ctx, r.client,
		[]string{r.recordKey(userID), r.onlineKey()},
		userID, ownerProcessID, ts, flag,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: mark offline: %v", domain.ErrStoreUnavailable, err)
	}

	if res == resultDiscarded {
		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldUserID, userID).Str("owner", ownerProcessID).Msg("offline ignored, not the current owner")
	}
	if res == resultChanged {
		r.publish(ctx, userID, domain.StatusOffline)
	}
	return nil
}

// Heartbeat refreshes lastSeenAt without changing status.
func (r *Registry) Heartbeat(ctx context.Context, userID string) error {
	err := heartbeatScript.Run(ctx, r.client,
		[]string{r.recordKey(userID), r.onlineKey()},
		userID, r.now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: heartbeat: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Refresh is the periodic claim of ownerProcessID, which still holds live
// sessions of userID. It refreshes a live record and revives one that went
// offline while the user stayed connected here, for example after the
// process that last owned the record lost its final session.
func (r *Registry) Refresh(ctx context.Context, userID, ownerProcessID string) error {
	res, err := refreshScript.Run(ctx, r.client,
		[]string{r.recordKey(userID), r.onlineKey()},
		userID, r.now().UnixMilli(), ownerProcessID,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: refresh: %v", domain.ErrStoreUnavailable, err)
	}
	if res == resultChanged {
		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldUserID, userID).Str("owner", ownerProcessID).Msg("presence reclaimed by live sessions")
		r.publish(ctx, userID, domain.StatusOnline)
	}
	return nil
}

// Query returns the status of userID; unknown users are offline.
func (r *Registry) Query(ctx context.Context, userID string) (domain.Status, error) {
	status, err := r.client.HGet(ctx, r.recordKey(userID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return domain.StatusOffline, nil
	}
	if err != nil {
		return domain.StatusOffline, fmt.Errorf("%w: query: %v", domain.ErrStoreUnavailable, err)
	}
	return domain.Status(status), nil
}

// Get returns the full record of userID, or an offline record with zero
// LastSeenAt for unknown users.
func (r *Registry) Get(ctx context.Context, userID string) (*domain.PresenceRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", domain.ErrStoreUnavailable, err)
	}

	rec := &domain.PresenceRecord{UserID: userID, Status: domain.StatusOffline}
	if len(fields) == 0 {
		return rec, nil
	}
	if s := domain.Status(fields["status"]); s.Valid() {
		rec.Status = s
	}
	if ms, err := strconv.ParseInt(fields["last_seen_ms"], 10, 64); err == nil {
		rec.LastSeenAt = time.UnixMilli(ms).UTC()
	}
	rec.OwnerProcessID = fields["owner"]
	return rec, nil
}

// Sweep flips every live record not refreshed within the timeout to offline.
// It returns the users that went offline.
func (r *Registry) Sweep(ctx context.Context) ([]string, error) {
	cutoff := r.now().Add(-r.cfg.Timeout).UnixMilli()

	candidates, err := r.client.ZRangeByScore(ctx, r.onlineKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: sweep: %v", domain.ErrStoreUnavailable, err)
	}

	var flipped []string
	for _, userID := range candidates {
		res, err := sweepScript.Run(ctx, r.client,
			[]string{r.recordKey(userID), r.onlineKey()},
			userID, cutoff,
		).Int()
		if err != nil {
			return flipped, fmt.Errorf("%w: sweep %s: %v", domain.ErrStoreUnavailable, userID, err)
		}
		if res == resultChanged {
			flipped = append(flipped, userID)
			r.publish(ctx, userID, domain.StatusOffline)
		}
	}
	return flipped, nil
}

// Start runs the sweep loop until Stop or ctx cancellation.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.sweepLoop(ctx)
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	l := log.L()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flipped, err := r.Sweep(ctx)
			if err != nil {
				l.Warn().Err(err).Msg("presence sweep failed")
				continue
			}
			if len(flipped) > 0 {
				l.Info().Int("count", len(flipped)).Msg("stale presence records swept offline")
			}
		}
	}
}

func (r *Registry) publish(ctx context.Context, userID string, status domain.Status) {
	if r.publisher == nil {
		return
	}
	ev, err := eventbus.NewFrameEvent(domain.NewPresenceUpdateFrame(userID, status))
	if err == nil {
		err = r.publisher.Publish(ctx, eventbus.PresenceTopic(userID), ev)
	}
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("failed to publish presence update")
	}
}
