package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/pkg/database"
	"github.com/weiawesome/meow-realtime/pkg/log"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// GormStore implements Store on a relational database through GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the schema and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := database.AutoMigrate(db, Models()...); err != nil {
		return nil, fmt.Errorf("failed to migrate store schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) AppendMessage(ctx context.Context, msg *domain.Message, recipientIDs []string) (string, error) {
	l := log.Ctx(ctx)

	model := messageFromDomain(msg)
	model.SentAt = model.SentAt.UTC()
	model.DeliveryState = domain.StateSent.Rank()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}

		if len(recipientIDs) > 0 {
			receipts := make([]ReceiptModel, 0, len(recipientIDs))
			for _, id := range recipientIDs {
				receipts = append(receipts, ReceiptModel{
					MessageID:   model.ID,
					RecipientID: id,
					SentAt:      model.SentAt,
					State:       domain.StateSent.Rank(),
					UpdatedAt:   model.SentAt,
				})
			}
			if err := tx.Create(&receipts).Error; err != nil {
				return err
			}
		}

		return tx.Model(&ConversationModel{}).
			Where("id = ?", model.ConversationID).
			Updates(map[string]interface{}{"last_message_at": model.SentAt, "archived": false}).Error
	})
	if err != nil {
		// A retried append whose first commit went through finds its own row.
		if prior, lookupErr := s.appended(ctx, model.ID); lookupErr == nil {
			if prior.ConversationID != model.ConversationID || prior.SenderID != model.SenderID {
				return "", fmt.Errorf("%w: message id %s already used", domain.ErrInvalidMessage, model.ID)
			}
			l.Debug().Str(log.FieldMessageID, model.ID).Msg("message already appended")
			msg.DeliveryState = domain.StateSent
			return model.ID, nil
		}
		l.Error().Err(err).Str(log.FieldConversationID, msg.ConversationID).Msg("failed to append message")
		return "", err
	}

	msg.DeliveryState = domain.StateSent
	return model.ID, nil
}

func (s *GormStore) appended(ctx context.Context, messageID string) (*MessageModel, error) {
	var prior MessageModel
	if err := s.db.WithContext(ctx).First(&prior, "id = ?", messageID).Error; err != nil {
		return nil, err
	}
	return &prior, nil
}

func (s *GormStore) FetchBacklog(ctx context.Context, userID string, since time.Time, limit int) ([]*domain.Message, error) {
	limit = clampLimit(limit, defaultPageSize, maxPageSize)

	var models []MessageModel
	err := s.db.WithContext(ctx).
		Table("messages").
		Select("messages.*").
		Joins("JOIN message_receipts ON message_receipts.message_id = messages.id").
		Where("message_receipts.recipient_id = ? AND message_receipts.sent_at > ?", userID, since.UTC()).
		Order("message_receipts.sent_at DESC, messages.id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldUserID, userID).Msg("failed to fetch backlog")
		return nil, err
	}

	return toMessagesAscending(models), nil
}

func (s *GormStore) UpdateDeliveryState(ctx context.Context, messageID, recipientID string, state domain.DeliveryState) (bool, error) {
	advanced := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ReceiptModel{}).
			Where("message_id = ? AND recipient_id = ? AND state < ?", messageID, recipientID, state.Rank()).
			Updates(map[string]interface{}{"state": state.Rank(), "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		advanced = true

		var minRank int
		if err := tx.Model(&ReceiptModel{}).
			Select("COALESCE(MIN(state), 0)").
			Where("message_id = ?", messageID).
			Scan(&minRank).Error; err != nil {
			return err
		}

		return tx.Model(&MessageModel{}).
			Where("id = ? AND delivery_state < ?", messageID, minRank).
			Update("delivery_state", minRank).Error
	})
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldMessageID, messageID).Msg("failed to update delivery state")
		return false, err
	}
	return advanced, nil
}

func (s *GormStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	var model MessageModel
	result := s.db.WithContext(ctx).First(&model, "id = ?", messageID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, result.Error
	}
	return model.toDomain(), nil
}

func (s *GormStore) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*domain.Message, error) {
	limit = clampLimit(limit, defaultPageSize, maxPageSize)

	query := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !before.IsZero() {
		query = query.Where("sent_at < ?", before.UTC())
	}

	var models []MessageModel
	if err := query.Order("sent_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return toMessagesAscending(models), nil
}

func (s *GormStore) CreateConversation(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, bool, error) {
	participants := domain.NormalizeParticipants(conv.ParticipantIDs)
	if len(participants) < 2 {
		return nil, false, fmt.Errorf("%w: at least two participants required", domain.ErrInvalidConversation)
	}
	key := domain.ParticipantKey(participants)

	now := time.Now().UTC()
	model := &ConversationModel{
		ID:             conv.ID,
		ParticipantKey: key,
		LastMessageAt:  now,
		CreatedAt:      now,
	}
	if model.ID == "" {
		model.ID = uuid.New().String()
	}

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "participant_key"}},
			DoNothing: true,
		}).Create(model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true

		rows := make([]ParticipantModel, 0, len(participants))
		for _, id := range participants {
			rows = append(rows, ParticipantModel{ConversationID: model.ID, UserID: id})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, false, err
	}

	var existing ConversationModel
	if err := s.db.WithContext(ctx).First(&existing, "participant_key = ?", key).Error; err != nil {
		return nil, false, err
	}
	return existing.toDomain(participants), created, nil
}

func (s *GormStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var model ConversationModel
	result := s.db.WithContext(ctx).First(&model, "id = ?", conversationID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, result.Error
	}

	participants, err := s.participants(ctx, []string{model.ID})
	if err != nil {
		return nil, err
	}
	return model.toDomain(participants[model.ID]), nil
}

func (s *GormStore) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*domain.Conversation, error) {
	query := s.db.WithContext(ctx).
		Table("conversations").
		Select("conversations.*").
		Joins("JOIN conversation_participants ON conversation_participants.conversation_id = conversations.id").
		Where("conversation_participants.user_id = ?", userID)
	if !includeArchived {
		query = query.Where("conversations.archived = ?", false)
	}

	var models []ConversationModel
	if err := query.Order("conversations.last_message_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return []*domain.Conversation{}, nil
	}

	ids := make([]string, len(models))
	for i := range models {
		ids[i] = models[i].ID
	}
	participants, err := s.participants(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Conversation, len(models))
	for i := range models {
		out[i] = models[i].toDomain(participants[models[i].ID])
	}
	return out, nil
}

func (s *GormStore) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	res := s.db.WithContext(ctx).Model(&ConversationModel{}).
		Where("id = ?", conversationID).
		Update("archived", archived)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.exists(ctx, conversationID)
	}
	return nil
}

func (s *GormStore) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&ParticipantModel{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("last_read_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotParticipant
	}
	return nil
}

func (s *GormStore) LastReadAt(ctx context.Context, conversationID, userID string) (time.Time, error) {
	var p ParticipantModel
	err := s.db.WithContext(ctx).First(&p, "conversation_id = ? AND user_id = ?", conversationID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, domain.ErrNotParticipant
	}
	if err != nil {
		return time.Time{}, err
	}
	if p.LastReadAt == nil {
		return time.Time{}, nil
	}
	return *p.LastReadAt, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) exists(ctx context.Context, conversationID string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ConversationModel{}).Where("id = ?", conversationID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (s *GormStore) participants(ctx context.Context, conversationIDs []string) (map[string][]string, error) {
	var rows []ParticipantModel
	if err := s.db.WithContext(ctx).
		Where("conversation_id IN ?", conversationIDs).
		Order("user_id").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(conversationIDs))
	for _, r := range rows {
		out[r.ConversationID] = append(out[r.ConversationID], r.UserID)
	}
	return out, nil
}

func toMessagesAscending(models []MessageModel) []*domain.Message {
	msgs := make([]*domain.Message, len(models))
	for i := range models {
		msgs[i] = models[i].toDomain()
	}
	reverse(msgs)
	return msgs
}
