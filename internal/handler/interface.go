package handler

import (
	"context"
	"io"

	"github.com/weiawesome/meow-realtime/internal/attachment"
	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/internal/hub"
)

// Presence is the slice of the presence registry used by the handlers.
type Presence interface {
	Heartbeat(ctx context.Context, userID string) error
	SetStatus(ctx context.Context, userID string, status domain.Status, ownerProcessID string) error
	Query(ctx context.Context, userID string) (domain.Status, error)
	Get(ctx context.Context, userID string) (*domain.PresenceRecord, error)
}

// Sessions is the slice of the connection hub used by the handlers.
type Sessions interface {
	Register(ctx context.Context, userID string, conn hub.Conn, opts ...hub.SessionOption) (*hub.Client, error)
	Watch(ctx context.Context, sessionID string, userIDs []string) ([]string, error)
	Stats() hub.Stats
}

// Uploader stores chat attachments.
type Uploader interface {
	Upload(ctx context.Context, userID, conversationID string, r io.Reader, size int64) (*attachment.Attachment, error)
	MaxSize() int64
}
