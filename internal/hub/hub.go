package hub

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/internal/eventbus"
	"github.com/weiawesome/meow-realtime/pkg/log"
)

// Presence is the part of the presence registry the hub drives.
type Presence interface {
	MarkOnline(ctx context.Context, userID, ownerProcessID string) error
	MarkOffline(ctx context.Context, userID, ownerProcessID string) error
	Refresh(ctx context.Context, userID, ownerProcessID string) error
}

type Config struct {
	InstanceID        string        `mapstructure:"-"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	IdleCheckInterval time.Duration `mapstructure:"idle_check_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxWatch          int           `mapstructure:"max_watch"`
	LockStripes       int           `mapstructure:"lock_stripes"`
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.MaxWatch <= 0 {
		c.MaxWatch = 200
	}
	if c.LockStripes <= 0 {
		c.LockStripes = 64
	}
	return c
}

// Stats is a snapshot of the local session table.
type Stats struct {
	Sessions int `json:"sessions"`
	Users    int `json:"users"`
	Topics   int `json:"topics"`
}

type topicSub struct {
	sub     eventbus.Subscription
	members map[string]*Client
	done    chan struct{}
}

// Hub is the per-process table of live sessions. Sessions are indexed by
// id and by user. Each topic with at least one local member holds a single
// bus subscription whose events fan out to the members.
type Hub struct {
	cfg      Config
	bus      eventbus.Subscriber
	presence Presence
	now      func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[string]map[string]*Client
	topics  map[string]*topicSub
	closed  bool

	// first and last session transitions of a user are serialized
	userLocks []sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Hub)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func New(cfg Config, bus eventbus.Subscriber, presence Presence, opts ...Option) *Hub {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:       cfg,
		bus:       bus,
		presence:  presence,
		now:       time.Now,
		clients:   make(map[string]*Client),
		byUser:    make(map[string]map[string]*Client),
		topics:    make(map[string]*topicSub),
		userLocks: make([]sync.Mutex, cfg.LockStripes),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) userLock(userID string) *sync.Mutex {
	f := fnv.New32a()
	f.Write([]byte(userID))
	return &h.userLocks[f.Sum32()%uint32(len(h.userLocks))]
}

// Register creates a session for userID. The first local session of a
// user subscribes to the user topic and marks the user online.
func (h *Hub) Register(ctx context.Context, userID string, conn Conn, opts ...SessionOption) (*Client, error) {
	lock := h.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	c := newClient(uuid.New().String(), userID, h, conn)
	for _, opt := range opts {
		opt(c)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, domain.ErrTransportClosed
	}
	h.clients[c.ID] = c
	sessions, ok := h.byUser[userID]
	if !ok {
		sessions = make(map[string]*Client)
		h.byUser[userID] = sessions
	}
	sessions[c.ID] = c
	first := len(sessions) == 1
	h.mu.Unlock()

	if err := h.join(c, eventbus.UserTopic(userID)); err != nil {
		h.drop(c)
		c.close()
		return nil, err
	}

	l := log.Ctx(ctx)
	if first {
		if err := h.presence.MarkOnline(ctx, userID, h.cfg.InstanceID); err != nil {
			l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("failed to mark user online")
		}
	}

	l.Debug().
		Str(log.FieldSessionID, c.ID).
		Str(log.FieldUserID, userID).
		Bool("first_session", first).
		Msg("session registered")
	return c, nil
}

// Unregister removes a session. It is safe to call more than once. Topic
// subscriptions left without members are closed before it returns, and the
// last local session of a user marks the user offline.
func (h *Hub) Unregister(ctx context.Context, sessionID string) {
	h.mu.RLock()
	c, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	lock := h.userLock(c.UserID)
	lock.Lock()
	defer lock.Unlock()

	topics, last, ok := h.drop(c)
	if !ok {
		return
	}

	for _, topic := range topics {
		h.leave(c, topic)
	}
	c.close()

	l := log.Ctx(ctx)
	if last {
		if err := h.presence.MarkOffline(ctx, c.UserID, h.cfg.InstanceID); err != nil {
			l.Warn().Err(err).Str(log.FieldUserID, c.UserID).Msg("failed to mark user offline")
		}
	}

	l.Debug().
		Str(log.FieldSessionID, c.ID).
		Str(log.FieldUserID, c.UserID).
		Bool("last_session", last).
		Msg("session unregistered")
}

// drop removes c from the session indexes and returns the topics it had
// joined.
func (h *Hub) drop(c *Client) (topics []string, last bool, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.ID]; !ok {
		return nil, false, false
	}
	delete(h.clients, c.ID)

	sessions := h.byUser[c.UserID]
	delete(sessions, c.ID)
	if len(sessions) == 0 {
		delete(h.byUser, c.UserID)
		last = true
	}

	topics = lo.Keys(c.topics)
	return topics, last, true
}

func (h *Hub) evict(c *Client, reason string) {
	l := log.L()
	l.Warn().
		Str(log.FieldSessionID, c.ID).
		Str(log.FieldUserID, c.UserID).
		Str("reason", reason).
		Msg("evicting session")
	go h.Unregister(context.Background(), c.ID)
}

// join adds c to topic, subscribing on the bus when c is the first local
// member.
func (h *Hub) join(c *Client, topic string) error {
	h.mu.Lock()
	if ts, ok := h.topics[topic]; ok {
		ts.members[c.ID] = c
		c.topics[topic] = struct{}{}
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	sub, err := h.bus.Subscribe(h.ctx, topic)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ts, ok := h.topics[topic]; ok {
		ts.members[c.ID] = c
		c.topics[topic] = struct{}{}
		go sub.Close()
		return nil
	}

	ts := &topicSub{
		sub:     sub,
		members: map[string]*Client{c.ID: c},
		done:    make(chan struct{}),
	}
	h.topics[topic] = ts
	c.topics[topic] = struct{}{}
	go h.listen(topic, ts)
	return nil
}

// leave removes c from topic. The last member closes the subscription and
// waits for its listener to exit.
func (h *Hub) leave(c *Client, topic string) {
	h.mu.Lock()
	delete(c.topics, topic)
	ts, ok := h.topics[topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(ts.members, c.ID)
	if len(ts.members) > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.topics, topic)
	h.mu.Unlock()

	if err := ts.sub.Close(); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldTopic, topic).Msg("failed to close subscription")
	}
	<-ts.done
}

func (h *Hub) listen(topic string, ts *topicSub) {
	defer close(ts.done)
	for evt := range ts.sub.C() {
		h.deliver(ts, evt.Payload)
	}
}

func (h *Hub) deliver(ts *topicSub, payload []byte) int {
	var slow []*Client
	delivered := 0

	h.mu.RLock()
	for _, c := range ts.members {
		if c.deliverLive(payload) {
			delivered++
		} else {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.evict(c, "send buffer full")
	}
	return delivered
}

// BroadcastLocal writes payload to every local session that joined topic
// and returns how many sessions accepted it.
func (h *Hub) BroadcastLocal(topic string, payload []byte) int {
	h.mu.RLock()
	ts, ok := h.topics[topic]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return h.deliver(ts, payload)
}

// Send writes f to every local session of userID. A user without local
// sessions is a no-op.
func (h *Hub) Send(userID string, f domain.ServerFrame) error {
	data, err := domain.EncodeServerFrame(f)
	if err != nil {
		return err
	}

	var slow []*Client
	h.mu.RLock()
	for _, c := range h.byUser[userID] {
		if !c.deliverLive(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.evict(c, "send buffer full")
	}
	return nil
}

// Watch subscribes a session to presence updates of userIDs. The number of
// watched users per session is capped; extra ids are ignored. It returns
// the ids that are now watched.
func (h *Hub) Watch(ctx context.Context, sessionID string, userIDs []string) ([]string, error) {
	h.mu.RLock()
	c, ok := h.clients[sessionID]
	var watching int
	if ok {
		for topic := range c.topics {
			if topic != eventbus.UserTopic(c.UserID) {
				watching++
			}
		}
	}
	h.mu.RUnlock()
	if !ok {
		return nil, domain.ErrTransportClosed
	}

	ids := lo.Without(lo.Uniq(userIDs), c.UserID, "")
	room := h.cfg.MaxWatch - watching
	if room < 0 {
		room = 0
	}
	if len(ids) > room {
		l := log.Ctx(ctx)
		l.Debug().
			Str(log.FieldSessionID, sessionID).
			Int("requested", len(ids)).
			Int("accepted", room).
			Msg("presence watch capped")
		ids = ids[:room]
	}

	watched := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := h.join(c, eventbus.PresenceTopic(id)); err != nil {
			return watched, err
		}
		watched = append(watched, id)
	}
	return watched, nil
}

// Sessions returns the number of local sessions of userID.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Sessions: len(h.clients),
		Users:    len(h.byUser),
		Topics:   len(h.topics),
	}
}

// Start launches the idle eviction and presence heartbeat loops.
func (h *Hub) Start() {
	h.wg.Add(2)
	go h.idleLoop()
	go h.heartbeatLoop()
}

func (h *Hub) idleLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.IdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.evictIdle()
		}
	}
}

func (h *Hub) evictIdle() int {
	now := h.now()
	var idle []*Client

	h.mu.RLock()
	for _, c := range h.clients {
		if c.Session.IdleFor(now) > h.cfg.IdleTimeout {
			idle = append(idle, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range idle {
		l := log.L()
		l.Info().Str(log.FieldSessionID, c.ID).Str(log.FieldUserID, c.UserID).Msg("evicting idle session")
		h.Unregister(h.ctx, c.ID)
	}
	return len(idle)
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.heartbeatAll()
		}
	}
}

func (h *Hub) heartbeatAll() {
	h.mu.RLock()
	users := lo.Keys(h.byUser)
	h.mu.RUnlock()

	var failed int
	var lastErr error
	for _, userID := range users {
		if err := h.presence.Refresh(h.ctx, userID, h.cfg.InstanceID); err != nil {
			failed++
			lastErr = err
		}
	}
	if failed > 0 {
		l := log.L()
		l.Warn().Err(lastErr).Int("failed", failed).Int("users", len(users)).Msg("presence refresh failed")
	}
}

// Shutdown stops accepting sessions, closes every session and its
// subscriptions and stops the background loops.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ids := lo.Keys(h.clients)
	h.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		h.Unregister(ctx, id)
	}

	h.cancel()
	h.wg.Wait()

	l := log.L()
	l.Info().Int("sessions", len(ids)).Msg("hub shut down")
	return ctx.Err()
}
