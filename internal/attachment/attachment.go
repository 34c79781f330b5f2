package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/weiawesome/meow-realtime/internal/audit"
	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/pkg/log"
	"github.com/weiawesome/meow-realtime/pkg/storage"
)

const sniffLen = 512

var (
	ErrTooLarge        = fmt.Errorf("%w: attachment too large", domain.ErrInvalidMessage)
	ErrUnsupportedType = fmt.Errorf("%w: unsupported attachment type", domain.ErrInvalidMessage)
	ErrEmpty           = fmt.Errorf("%w: empty attachment", domain.ErrInvalidMessage)
)

// ParticipantResolver resolves the participant set of a conversation.
type ParticipantResolver interface {
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

type Config struct {
	MaxSize      int64         `mapstructure:"max_size"`
	AllowedTypes []string      `mapstructure:"allowed_types"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	URLExpiry    time.Duration `mapstructure:"url_expiry"`
}

// DefaultAllowedTypes are the image types accepted in chat.
var DefaultAllowedTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// Attachment is a stored chat file.
type Attachment struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Uploader validates chat files by content and stores them.
type Uploader struct {
	storage      storage.Storage
	participants ParticipantResolver
	cfg          Config
}

func NewUploader(st storage.Storage, participants ParticipantResolver, cfg Config) *Uploader {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 << 20
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = DefaultAllowedTypes
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "chat"
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 24 * time.Hour
	}
	return &Uploader{storage: st, participants: participants, cfg: cfg}
}

// MaxSize is the largest accepted upload in bytes.
func (u *Uploader) MaxSize() int64 {
	return u.cfg.MaxSize
}

// Upload stores r for a conversation of userID. size is the declared
// length; the type is detected from the content, not the file name.
func (u *Uploader) Upload(ctx context.Context, userID, conversationID string, r io.Reader, size int64) (*Attachment, error) {
	participants, err := u.participants.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !lo.Contains(participants, userID) {
		return nil, domain.ErrNotParticipant
	}

	if size > u.cfg.MaxSize {
		return nil, ErrTooLarge
	}
	if size == 0 {
		return nil, ErrEmpty
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	if n == 0 {
		return nil, ErrEmpty
	}
	head = head[:n]

	mtype := mimetype.Detect(head)
	allowed := lo.ContainsBy(u.cfg.AllowedTypes, func(t string) bool { return mtype.Is(t) })
	if !allowed {
		l := log.Ctx(ctx)
		l.Info().
			Str(log.FieldUserID, userID).
			Str("content_type", mtype.String()).
			Msg("rejected attachment type")
		return nil, ErrUnsupportedType
	}

	key := fmt.Sprintf("%s/%s/%s%s", u.cfg.KeyPrefix, conversationID, uuid.New().String(), mtype.Extension())
	body := io.MultiReader(bytes.NewReader(head), io.LimitReader(r, u.cfg.MaxSize-int64(n)))

	if err := u.storage.Write(ctx, key, body, size, mtype.String()); err != nil {
		return nil, fmt.Errorf("failed to store attachment: %w", err)
	}

	url, err := u.storage.URL(ctx, key, u.cfg.URLExpiry)
	if err != nil {
		if derr := u.storage.Delete(ctx, key); derr != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(derr).Str("key", key).Msg("failed to remove orphaned attachment")
		}
		return nil, fmt.Errorf("failed to resolve attachment url: %w", err)
	}

	audit.LogTarget(ctx, audit.ActionAttachmentUpload, userID, conversationID, "attachment uploaded")
	return &Attachment{Key: key, URL: url, ContentType: mtype.String(), Size: size}, nil
}
