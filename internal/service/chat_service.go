package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/weiawesome/meow-realtime/internal/audit"
	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/internal/eventbus"
	"github.com/weiawesome/meow-realtime/internal/idgen"
	"github.com/weiawesome/meow-realtime/internal/ratelimit"
	"github.com/weiawesome/meow-realtime/internal/store"
	"github.com/weiawesome/meow-realtime/pkg/log"
)

const (
	DefaultBacklogLimit = 50
	MaxBacklogLimit     = 200
)

type Config struct {
	InstanceID   string        `mapstructure:"-"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type chatService struct {
	store        store.Store
	participants ParticipantResolver
	bus          eventbus.Publisher
	limiter      ratelimit.Admitter
	ids          idgen.Generator
	cfg          Config
	now          func() time.Time

	mu       sync.RWMutex
	stopping bool
	inflight sync.WaitGroup
}

type Option func(*chatService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *chatService) { s.now = now }
}

// WithLimiter enables admission control on send and conversation create.
func WithLimiter(a ratelimit.Admitter) Option {
	return func(s *chatService) { s.limiter = a }
}

func NewChatService(
	st store.Store,
	participants ParticipantResolver,
	bus eventbus.Publisher,
	ids idgen.Generator,
	cfg Config,
	opts ...Option,
) ChatService {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	s := &chatService{
		store:        st,
		participants: participants,
		bus:          bus,
		ids:          ids,
		cfg:          cfg,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// begin registers an in-flight operation unless the engine is stopping.
func (s *chatService) begin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopping {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *chatService) admit(ctx context.Context, identity, actionClass string) error {
	if s.limiter == nil {
		return nil
	}
	err := ratelimit.Check(ctx, s.limiter, identity, actionClass)
	if errors.Is(err, domain.ErrAdmissionDenied) {
		audit.LogWithDetail(ctx, audit.ActionRateLimitDenied, identity, actionClass, "request rejected by rate limit")
	}
	return err
}

// requireParticipant returns the conversation with its participant set
// after checking userID belongs to it.
func (s *chatService) requireParticipant(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	participants, err := s.participants.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv := &domain.Conversation{ID: conversationID, ParticipantIDs: participants}
	if !conv.HasParticipant(userID) {
		l := log.Ctx(ctx)
		l.Warn().
			Str(log.FieldUserID, userID).
			Str(log.FieldConversationID, conversationID).
			Msg("rejected non-participant")
		return nil, domain.ErrNotParticipant
	}
	return conv, nil
}

func storeFailure(err error) error {
	if isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		domain.ErrStoreUnavailable,
		domain.ErrNotParticipant,
		domain.ErrConversationNotFound,
		domain.ErrMessageNotFound,
		domain.ErrInvalidConversation,
		domain.ErrInvalidMessage,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Send persists a message and publishes it to every recipient's user
// topic. The returned message is durable; delivery is not implied.
func (s *chatService) Send(ctx context.Context, senderID, conversationID, body, fileURL string) (*domain.Message, error) {
	if !s.begin() {
		return nil, domain.ErrTransportClosed
	}
	defer s.inflight.Done()

	l := log.Ctx(ctx)

	body = strings.TrimSpace(body)
	if body == "" && fileURL == "" {
		return nil, fmt.Errorf("%w: empty body", domain.ErrInvalidMessage)
	}
	if utf8.RuneCountInString(body) > domain.MaxBodyLength {
		return nil, fmt.Errorf("%w: body exceeds %d characters", domain.ErrInvalidMessage, domain.MaxBodyLength)
	}

	if err := s.admit(ctx, senderID, ratelimit.ActionChatSend); err != nil {
		return nil, err
	}

	conv, err := s.requireParticipant(ctx, senderID, conversationID)
	if err != nil {
		return nil, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	msg := &domain.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		FileURL:        fileURL,
		SentAt:         s.now().UTC().Truncate(time.Millisecond),
		DeliveryState:  domain.StateSent,
	}
	recipients := conv.Recipients(senderID)

	if _, err := s.store.AppendMessage(ctx, msg, recipients); err != nil {
		l.Error().Err(err).Str(log.FieldConversationID, conversationID).Msg("failed to persist message")
		return nil, storeFailure(err)
	}

	evt, err := eventbus.NewFrameEvent(domain.NewChatMessageFrame(msg))
	if err != nil {
		return nil, err
	}
	evt.Origin = s.cfg.InstanceID
	for _, recipientID := range recipients {
		if err := s.bus.Publish(ctx, eventbus.UserTopic(recipientID), evt); err != nil {
			l.Warn().
				Err(err).
				Str(log.FieldMessageID, msg.ID).
				Str(log.FieldUserID, recipientID).
				Msg("failed to publish message, recipient will catch up from backlog")
		}
	}

	audit.LogTarget(ctx, audit.ActionSend, senderID, conversationID, "message sent")
	return msg, nil
}

// OnDeliveryAck marks messageID delivered to recipientID.
func (s *chatService) OnDeliveryAck(ctx context.Context, recipientID, messageID string) error {
	return s.advance(ctx, recipientID, messageID, domain.StateDelivered)
}

// OnReadReceipt marks messageID read by recipientID.
func (s *chatService) OnReadReceipt(ctx context.Context, recipientID, messageID string) error {
	return s.advance(ctx, recipientID, messageID, domain.StateRead)
}

// advance moves the receipt forward and tells the sender when it moved.
// Repeated or late receipts are no-ops.
func (s *chatService) advance(ctx context.Context, recipientID, messageID string, state domain.DeliveryState) error {
	if !s.begin() {
		return domain.ErrTransportClosed
	}
	defer s.inflight.Done()

	l := log.Ctx(ctx)

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return storeFailure(err)
	}
	if msg.SenderID == recipientID {
		return nil
	}
	if _, err := s.requireParticipant(ctx, recipientID, msg.ConversationID); err != nil {
		return err
	}
	if !msg.DeliveryState.Advances(state) {
		// every recipient is already at or past state
		return nil
	}

	moved, err := s.store.UpdateDeliveryState(ctx, messageID, recipientID, state)
	if err != nil {
		l.Error().Err(err).Str(log.FieldMessageID, messageID).Msg("failed to update delivery state")
		return storeFailure(err)
	}
	if !moved {
		l.Debug().
			Str(log.FieldMessageID, messageID).
			Str(log.FieldUserID, recipientID).
			Str("state", string(state)).
			Msg("receipt already applied")
		return nil
	}

	if state == domain.StateRead {
		if err := s.store.MarkRead(ctx, msg.ConversationID, recipientID, s.now()); err != nil {
			l.Warn().Err(err).Str(log.FieldConversationID, msg.ConversationID).Msg("failed to update last read time")
		}
		audit.LogTarget(ctx, audit.ActionRead, recipientID, messageID, "message read")
	}

	evt, err := eventbus.NewFrameEvent(domain.NewChatReceiptFrame(messageID, recipientID, state))
	if err != nil {
		return err
	}
	evt.Origin = s.cfg.InstanceID
	if err := s.bus.Publish(ctx, eventbus.UserTopic(msg.SenderID), evt); err != nil {
		l.Warn().Err(err).Str(log.FieldMessageID, messageID).Msg("failed to publish receipt")
	}
	return nil
}

// Backlog returns messages addressed to userID after since, oldest first.
func (s *chatService) Backlog(ctx context.Context, userID string, since time.Time, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = DefaultBacklogLimit
	}
	if limit > MaxBacklogLimit {
		limit = MaxBacklogLimit
	}

	msgs, err := s.store.FetchBacklog(ctx, userID, since, limit)
	if err != nil {
		return nil, storeFailure(err)
	}
	return msgs, nil
}

// CreateConversation returns the conversation of creatorID and
// participantIDs, creating it on first use.
func (s *chatService) CreateConversation(ctx context.Context, creatorID string, participantIDs []string) (*domain.Conversation, bool, error) {
	if err := s.admit(ctx, creatorID, ratelimit.ActionConversationCreate); err != nil {
		return nil, false, err
	}

	participants := domain.NormalizeParticipants(append([]string{creatorID}, participantIDs...))
	conv, created, err := s.store.CreateConversation(ctx, &domain.Conversation{ParticipantIDs: participants})
	if err != nil {
		return nil, false, storeFailure(err)
	}

	if created {
		audit.LogTarget(ctx, audit.ActionConversationCreate, creatorID, conv.ID, "conversation created")
	}
	return conv, created, nil
}

func (s *chatService) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*domain.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, userID, includeArchived)
	if err != nil {
		return nil, storeFailure(err)
	}
	return convs, nil
}

// History returns a page of conversationID before the cursor along with
// the caller's previous read time, then marks the conversation read.
func (s *chatService) History(ctx context.Context, userID, conversationID string, before time.Time, limit int) (time.Time, []*domain.Message, error) {
	if _, err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return time.Time{}, nil, err
	}

	lastReadAt, err := s.store.LastReadAt(ctx, conversationID, userID)
	if err != nil {
		return time.Time{}, nil, storeFailure(err)
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, before, limit)
	if err != nil {
		return time.Time{}, nil, storeFailure(err)
	}

	if err := s.store.MarkRead(ctx, conversationID, userID, s.now()); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldConversationID, conversationID).Msg("failed to update last read time")
	}
	return lastReadAt, msgs, nil
}

// Archive hides a conversation until its next message.
func (s *chatService) Archive(ctx context.Context, userID, conversationID string) error {
	if _, err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.store.SetArchived(ctx, conversationID, true); err != nil {
		return storeFailure(err)
	}
	audit.LogTarget(ctx, audit.ActionConversationArchive, userID, conversationID, "conversation archived")
	return nil
}

// Stop rejects new operations and waits for in-flight ones up to the
// drain timeout or ctx, whichever ends first.
func (s *chatService) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		l := log.L()
		l.Warn().Msg("chat service stopped with operations in flight")
		return ctx.Err()
	}
}
