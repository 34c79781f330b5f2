package service

import (
	"context"
	"time"

	"github.com/weiawesome/meow-realtime/internal/domain"
)

//go:generate go run go.uber.org/mock/mockgen -source=interface.go -destination=../mocks/mock_service.go -package=mocks

// ParticipantResolver resolves the participant set of a conversation.
type ParticipantResolver interface {
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

// ChatService is the chat delivery engine used by the transport handlers.
type ChatService interface {
	Send(ctx context.Context, senderID, conversationID, body, fileURL string) (*domain.Message, error)
	OnDeliveryAck(ctx context.Context, recipientID, messageID string) error
	OnReadReceipt(ctx context.Context, recipientID, messageID string) error
	Backlog(ctx context.Context, userID string, since time.Time, limit int) ([]*domain.Message, error)
	CreateConversation(ctx context.Context, creatorID string, participantIDs []string) (*domain.Conversation, bool, error)
	ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*domain.Conversation, error)
	History(ctx context.Context, userID, conversationID string, before time.Time, limit int) (time.Time, []*domain.Message, error)
	Archive(ctx context.Context, userID, conversationID string) error
	Stop(ctx context.Context) error
}
