package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = errors.New("storage: object not found")

// Storage stores opaque blobs addressed by key.
type Storage interface {
	// Write stores content from the reader under key.
	// size is the expected content size, -1 if unknown.
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Delete removes the object stored under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// URL returns a link clients can fetch the object from.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Config selects a storage driver.
type Config struct {
	Type  string      `mapstructure:"type"` // local, s3
	Local LocalConfig `mapstructure:"local"`
	S3    S3Config    `mapstructure:"s3"`
}

// New creates the driver selected by cfg.Type.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg.Local)
	case "s3":
		return NewS3Storage(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
