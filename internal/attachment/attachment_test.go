package attachment

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/pkg/storage"
)

type staticParticipants map[string][]string

func (s staticParticipants) Participants(_ context.Context, conversationID string) ([]string, error) {
	ids, ok := s[conversationID]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	return ids, nil
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

// newTestUploader stores into a temporary directory, which it returns.
func newTestUploader(t *testing.T, cfg Config) (*Uploader, string) {
	t.Helper()
	dir := t.TempDir()
	local, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: dir, PublicURL: "/files"})
	require.NoError(t, err)
	parts := staticParticipants{"c1": {"alice", "bob"}}
	return NewUploader(local, parts, cfg), dir
}

func TestUploadStoresSniffedImage(t *testing.T) {
	req := require.New(t)
	up, dir := newTestUploader(t, Config{})

	// Given a png body
	body := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0x01}, 2048)...)

	// When alice uploads it
	att, err := up.Upload(context.Background(), "alice", "c1", bytes.NewReader(body), int64(len(body)))

	// Then it is stored under the conversation with the detected type
	req.NoError(err)
	req.Equal("image/png", att.ContentType)
	req.True(strings.HasPrefix(att.Key, "chat/c1/"))
	req.True(strings.HasSuffix(att.Key, ".png"))
	req.Equal("/files/"+att.Key, att.URL)

	stored, err := os.ReadFile(filepath.Join(dir, att.Key))
	req.NoError(err)
	req.Equal(body, stored)
}

func TestUploadRejectsNonParticipant(t *testing.T) {
	req := require.New(t)
	up, _ := newTestUploader(t, Config{})

	_, err := up.Upload(context.Background(), "mallory", "c1", bytes.NewReader(pngHeader), int64(len(pngHeader)))

	req.ErrorIs(err, domain.ErrNotParticipant)
}

func TestUploadUnknownConversation(t *testing.T) {
	req := require.New(t)
	up, _ := newTestUploader(t, Config{})

	_, err := up.Upload(context.Background(), "alice", "nope", bytes.NewReader(pngHeader), int64(len(pngHeader)))

	req.ErrorIs(err, domain.ErrConversationNotFound)
}

func TestUploadRejectsUnsupportedContent(t *testing.T) {
	req := require.New(t)
	up, dir := newTestUploader(t, Config{})

	// Given a plain text body
	body := []byte("just some text, not an image")

	// When uploaded
	_, err := up.Upload(context.Background(), "alice", "c1", bytes.NewReader(body), int64(len(body)))

	// Then it is refused and nothing is written
	req.ErrorIs(err, ErrUnsupportedType)
	req.ErrorIs(err, domain.ErrInvalidMessage)
	_, statErr := os.Stat(filepath.Join(dir, "chat", "c1"))
	req.True(errors.Is(statErr, os.ErrNotExist))
}

func TestUploadSizeLimits(t *testing.T) {
	req := require.New(t)
	up, _ := newTestUploader(t, Config{MaxSize: 64})

	big := append(append([]byte{}, pngHeader...), make([]byte, 128)...)
	_, err := up.Upload(context.Background(), "alice", "c1", bytes.NewReader(big), int64(len(big)))
	req.ErrorIs(err, ErrTooLarge)

	_, err = up.Upload(context.Background(), "alice", "c1", bytes.NewReader(nil), 0)
	req.ErrorIs(err, ErrEmpty)

	req.Equal(int64(64), up.MaxSize())
}

type brokenURLStorage struct {
	*storage.LocalStorage
}

func (brokenURLStorage) URL(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("presign failed")
}

func TestUploadRemovesObjectWhenURLFails(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	local, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: dir, PublicURL: "/files"})
	req.NoError(err)
	up := NewUploader(brokenURLStorage{local}, staticParticipants{"c1": {"alice"}}, Config{})

	// When the link for a stored object cannot be built
	_, err = up.Upload(context.Background(), "alice", "c1", bytes.NewReader(pngHeader), int64(len(pngHeader)))

	// Then the upload fails and nothing is left behind
	req.Error(err)
	entries, err := os.ReadDir(filepath.Join(dir, "chat", "c1"))
	if err == nil {
		req.Empty(entries)
	}
}
