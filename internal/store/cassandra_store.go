package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/pkg/log"
)

// CassandraConfig holds Cassandra connection settings.
type CassandraConfig struct {
	Hosts          []string      `mapstructure:"hosts"`
	Keyspace       string        `mapstructure:"keyspace"`
	Consistency    string        `mapstructure:"consistency"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Timeout        time.Duration `mapstructure:"timeout"`
	NumConns       int           `mapstructure:"num_conns"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CreateSchema   bool          `mapstructure:"create_schema"`
}

var cassandraSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		message_id text PRIMARY KEY,
		conversation_id text,
		sender_id text,
		body text,
		file_url text,
		sent_at timestamp,
		delivery_state int
	)`,
	`CREATE TABLE IF NOT EXISTS messages_by_conversation (
		conversation_id text,
		sent_at timestamp,
		message_id text,
		sender_id text,
		body text,
		file_url text,
		PRIMARY KEY ((conversation_id), sent_at, message_id)
	) WITH CLUSTERING ORDER BY (sent_at DESC, message_id DESC)`,
	`CREATE TABLE IF NOT EXISTS backlog_by_recipient (
		recipient_id text,
		sent_at timestamp,
		message_id text,
		PRIMARY KEY ((recipient_id), sent_at, message_id)
	) WITH CLUSTERING ORDER BY (sent_at DESC, message_id DESC)`,
	`CREATE TABLE IF NOT EXISTS receipts (
		message_id text,
		recipient_id text,
		state int,
		updated_at timestamp,
		PRIMARY KEY ((message_id), recipient_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		conversation_id text PRIMARY KEY,
		participant_key text,
		participant_ids set<text>,
		last_message_at timestamp,
		archived boolean,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS conversations_by_key (
		participant_key text PRIMARY KEY,
		conversation_id text
	)`,
	`CREATE TABLE IF NOT EXISTS conversations_by_user (
		user_id text,
		conversation_id text,
		last_read_at timestamp,
		PRIMARY KEY ((user_id), conversation_id)
	)`,
}

// CassandraStore implements Store on Cassandra with query-per-table
// denormalization. Receipt and message state advance through LWT.
type CassandraStore struct {
	session *gocql.Session
}

// NewCassandraStore connects and optionally creates the schema.
func NewCassandraStore(cfg CassandraConfig) (*CassandraStore, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.ConnectTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	if cfg.NumConns > 0 {
		cluster.NumConns = cfg.NumConns
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}

	s := &CassandraStore{session: session}
	if cfg.CreateSchema {
		for _, stmt := range cassandraSchema {
			if err := session.Query(stmt).Exec(); err != nil {
				session.Close()
				return nil, fmt.Errorf("failed to create Cassandra schema: %w", err)
			}
		}
	}
	return s, nil
}

func (s *CassandraStore) AppendMessage(ctx context.Context, msg *domain.Message, recipientIDs []string) (string, error) {
	sentAt := msg.SentAt.UTC()

	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO messages (message_id, conversation_id, sender_id, body, file_url, sent_at, delivery_state)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Body, msg.FileURL, sentAt, domain.StateSent.Rank())
	b.Query(`INSERT INTO messages_by_conversation (conversation_id, sent_at, message_id, sender_id, body, file_url)
			 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, sentAt, msg.ID, msg.SenderID, msg.Body, msg.FileURL)
	for _, id := range recipientIDs {
		b.Query(`INSERT INTO backlog_by_recipient (recipient_id, sent_at, message_id) VALUES (?, ?, ?)`,
			id, sentAt, msg.ID)
		b.Query(`INSERT INTO receipts (message_id, recipient_id, state, updated_at) VALUES (?, ?, ?, ?)`,
			msg.ID, id, domain.StateSent.Rank(), sentAt)
	}
	b.Query(`UPDATE conversations SET last_message_at = ?, archived = false WHERE conversation_id = ?`,
		sentAt, msg.ConversationID)

	if err := s.session.ExecuteBatch(b); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldConversationID, msg.ConversationID).Msg("failed to append message")
		return "", err
	}

	msg.DeliveryState = domain.StateSent
	return msg.ID, nil
}

func (s *CassandraStore) FetchBacklog(ctx context.Context, userID string, since time.Time, limit int) ([]*domain.Message, error) {
	limit = clampLimit(limit, defaultPageSize, maxPageSize)

	iter := s.session.Query(
		`SELECT message_id FROM backlog_by_recipient WHERE recipient_id = ? AND sent_at > ? LIMIT ?`,
		userID, since.UTC(), limit,
	).WithContext(ctx).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate backlog: %w", err)
	}

	msgs, err := s.messagesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (s *CassandraStore) UpdateDeliveryState(ctx context.Context, messageID, recipientID string, state domain.DeliveryState) (bool, error) {
	applied, err := s.session.Query(
		`UPDATE receipts SET state = ?, updated_at = ? WHERE message_id = ? AND recipient_id = ? IF state < ?`,
		state.Rank(), time.Now().UTC(), messageID, recipientID, state.Rank(),
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to update receipt: %w", err)
	}
	if !applied {
		return false, nil
	}

	iter := s.session.Query(`SELECT state FROM receipts WHERE message_id = ?`, messageID).WithContext(ctx).Iter()
	minRank := domain.StateRead.Rank()
	var rank int
	for iter.Scan(&rank) {
		if rank < minRank {
			minRank = rank
		}
	}
	if err := iter.Close(); err != nil {
		return true, fmt.Errorf("failed to read receipts: %w", err)
	}

	_, err = s.session.Query(
		`UPDATE messages SET delivery_state = ? WHERE message_id = ? IF delivery_state < ?`,
		minRank, messageID, minRank,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return true, fmt.Errorf("failed to update message state: %w", err)
	}
	return true, nil
}

func (s *CassandraStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	msgs, err := s.messagesByID(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, domain.ErrMessageNotFound
	}
	return msgs[0], nil
}

func (s *CassandraStore) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*domain.Message, error) {
	limit = clampLimit(limit, defaultPageSize, maxPageSize)
	if before.IsZero() {
		before = time.Now()
	}

	iter := s.session.Query(
		`SELECT message_id FROM messages_by_conversation WHERE conversation_id = ? AND sent_at < ? LIMIT ?`,
		conversationID, before.UTC(), limit,
	).WithContext(ctx).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	msgs, err := s.messagesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// messagesByID loads messages keeping the order of ids.
func (s *CassandraStore) messagesByID(ctx context.Context, ids []string) ([]*domain.Message, error) {
	if len(ids) == 0 {
		return []*domain.Message{}, nil
	}

	iter := s.session.Query(
		`SELECT message_id, conversation_id, sender_id, body, file_url, sent_at, delivery_state
		 FROM messages WHERE message_id IN ?`, ids,
	).WithContext(ctx).Iter()

	byID := make(map[string]*domain.Message, len(ids))
	var (
		m    domain.Message
		rank int
	)
	for iter.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.FileURL, &m.SentAt, &rank) {
		m.DeliveryState = domain.StateFromRank(rank)
		msg := m
		byID[m.ID] = &msg
		m = domain.Message{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	out := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := byID[id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *CassandraStore) CreateConversation(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, bool, error) {
	participants := domain.NormalizeParticipants(conv.ParticipantIDs)
	if len(participants) < 2 {
		return nil, false, fmt.Errorf("%w: at least two participants required", domain.ErrInvalidConversation)
	}
	key := domain.ParticipantKey(participants)

	id := conv.ID
	if id == "" {
		id = uuid.New().String()
	}

	existing := map[string]interface{}{}
	applied, err := s.session.Query(
		`INSERT INTO conversations_by_key (participant_key, conversation_id) VALUES (?, ?) IF NOT EXISTS`,
		key, id,
	).WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim participant key: %w", err)
	}

	if !applied {
		existingID, _ := existing["conversation_id"].(string)
		found, err := s.GetConversation(ctx, existingID)
		return found, false, err
	}

	now := time.Now().UTC()
	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO conversations (conversation_id, participant_key, participant_ids, last_message_at, archived, created_at)
			 VALUES (?, ?, ?, ?, false, ?)`, id, key, participants, now, now)
	for _, userID := range participants {
		b.Query(`INSERT INTO conversations_by_user (user_id, conversation_id) VALUES (?, ?)`, userID, id)
	}
	if err := s.session.ExecuteBatch(b); err != nil {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}

	return &domain.Conversation{
		ID:             id,
		ParticipantIDs: participants,
		ParticipantKey: key,
		LastMessageAt:  now,
		CreatedAt:      now,
	}, true, nil
}

func (s *CassandraStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	convs, err := s.conversationsByID(ctx, []string{conversationID})
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, domain.ErrConversationNotFound
	}
	return convs[0], nil
}

func (s *CassandraStore) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*domain.Conversation, error) {
	iter := s.session.Query(
		`SELECT conversation_id FROM conversations_by_user WHERE user_id = ?`, userID,
	).WithContext(ctx).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	convs, err := s.conversationsByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Conversation, 0, len(convs))
	for _, c := range convs {
		if c.Archived && !includeArchived {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *CassandraStore) conversationsByID(ctx context.Context, ids []string) ([]*domain.Conversation, error) {
	if len(ids) == 0 {
		return []*domain.Conversation{}, nil
	}

	iter := s.session.Query(
		`SELECT conversation_id, participant_key, participant_ids, last_message_at, archived, created_at
		 FROM conversations WHERE conversation_id IN ?`, ids,
	).WithContext(ctx).Iter()

	var out []*domain.Conversation
	var c domain.Conversation
	for iter.Scan(&c.ID, &c.ParticipantKey, &c.ParticipantIDs, &c.LastMessageAt, &c.Archived, &c.CreatedAt) {
		conv := c
		sort.Strings(conv.ParticipantIDs)
		out = append(out, &conv)
		c = domain.Conversation{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return out, nil
}

func (s *CassandraStore) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	return s.session.Query(
		`UPDATE conversations SET archived = ? WHERE conversation_id = ?`, archived, conversationID,
	).WithContext(ctx).Exec()
}

func (s *CassandraStore) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	if _, err := s.LastReadAt(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.session.Query(
		`UPDATE conversations_by_user SET last_read_at = ? WHERE user_id = ? AND conversation_id = ?`,
		at.UTC(), userID, conversationID,
	).WithContext(ctx).Exec()
}

func (s *CassandraStore) LastReadAt(ctx context.Context, conversationID, userID string) (time.Time, error) {
	var at time.Time
	err := s.session.Query(
		`SELECT last_read_at FROM conversations_by_user WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID,
	).WithContext(ctx).Scan(&at)
	if err == gocql.ErrNotFound {
		return time.Time{}, domain.ErrNotParticipant
	}
	if err != nil {
		return time.Time{}, err
	}
	return at, nil
}

func (s *CassandraStore) Close() error {
	s.session.Close()
	return nil
}

// parseConsistency converts a string consistency level to gocql.Consistency.
func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_ONE":
		return gocql.LocalOne
	case "EACH_QUORUM":
		return gocql.EachQuorum
	default:
		return gocql.LocalQuorum
	}
}
