package store

import (
	"time"

	"github.com/weiawesome/meow-realtime/internal/domain"
)

type MessageModel struct {
	ID             string    `gorm:"primaryKey;size:32"`
	ConversationID string    `gorm:"size:64;not null;index:idx_messages_conversation_sent,priority:1"`
	SenderID       string    `gorm:"size:64;not null"`
	Body           string    `gorm:"type:text;not null"`
	FileURL        string    `gorm:"size:2048"`
	SentAt         time.Time `gorm:"not null;index:idx_messages_conversation_sent,priority:2"`
	DeliveryState  int       `gorm:"not null;default:0"` // min receipt rank
}

func (MessageModel) TableName() string { return "messages" }

type ReceiptModel struct {
	MessageID   string    `gorm:"primaryKey;size:32"`
	RecipientID string    `gorm:"primaryKey;size:64;index:idx_receipts_recipient_sent,priority:1"`
	SentAt      time.Time `gorm:"not null;index:idx_receipts_recipient_sent,priority:2"`
	State       int       `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

func (ReceiptModel) TableName() string { return "message_receipts" }

type ConversationModel struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ParticipantKey string    `gorm:"size:768;not null;uniqueIndex"`
	LastMessageAt  time.Time `gorm:"index"`
	Archived       bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time
}

func (ConversationModel) TableName() string { return "conversations" }

type ParticipantModel struct {
	ConversationID string `gorm:"primaryKey;size:64"`
	UserID         string `gorm:"primaryKey;size:64;index"`
	LastReadAt     *time.Time
}

func (ParticipantModel) TableName() string { return "conversation_participants" }

// Models lists every table for auto-migration.
func Models() []interface{} {
	return []interface{}{&MessageModel{}, &ReceiptModel{}, &ConversationModel{}, &ParticipantModel{}}
}

func (m *MessageModel) toDomain() *domain.Message {
	return &domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		FileURL:        m.FileURL,
		SentAt:         m.SentAt,
		DeliveryState:  domain.StateFromRank(m.DeliveryState),
	}
}

func messageFromDomain(msg *domain.Message) *MessageModel {
	return &MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		FileURL:        msg.FileURL,
		SentAt:         msg.SentAt,
		DeliveryState:  msg.DeliveryState.Rank(),
	}
}

func (c *ConversationModel) toDomain(participants []string) *domain.Conversation {
	return &domain.Conversation{
		ID:             c.ID,
		ParticipantIDs: participants,
		ParticipantKey: c.ParticipantKey,
		LastMessageAt:  c.LastMessageAt,
		Archived:       c.Archived,
		CreatedAt:      c.CreatedAt,
	}
}
