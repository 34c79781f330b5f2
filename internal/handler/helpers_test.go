package handler

import (
	"context"
	"io"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/meow-realtime/internal/attachment"
	"github.com/weiawesome/meow-realtime/internal/auth"
	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakePresence is an in-memory presence registry.
type fakePresence struct {
	mu         sync.Mutex
	records    map[string]*domain.PresenceRecord
	heartbeats []string
	err        error
}

func newFakePresence() *fakePresence {
	return &fakePresence{records: make(map[string]*domain.PresenceRecord)}
}

func (p *fakePresence) set(userID string, status domain.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[userID] = &domain.PresenceRecord{UserID: userID, Status: status}
}

func (p *fakePresence) MarkOnline(_ context.Context, userID, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[userID] = &domain.PresenceRecord{UserID: userID, Status: domain.StatusOnline, OwnerProcessID: owner}
	return nil
}

func (p *fakePresence) MarkOffline(_ context.Context, userID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[userID] = &domain.PresenceRecord{UserID: userID, Status: domain.StatusOffline}
	return nil
}

func (p *fakePresence) Heartbeat(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats = append(p.heartbeats, userID)
	return p.err
}

func (p *fakePresence) Refresh(ctx context.Context, userID, _ string) error {
	return p.Heartbeat(ctx, userID)
}

func (p *fakePresence) beats() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.heartbeats...)
}

func (p *fakePresence) SetStatus(_ context.Context, userID string, status domain.Status, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[userID] = &domain.PresenceRecord{UserID: userID, Status: status, OwnerProcessID: owner}
	return nil
}

func (p *fakePresence) Query(ctx context.Context, userID string) (domain.Status, error) {
	rec, err := p.Get(ctx, userID)
	if err != nil {
		return domain.StatusOffline, err
	}
	return rec.Status, nil
}

func (p *fakePresence) Get(_ context.Context, userID string) (*domain.PresenceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if rec, ok := p.records[userID]; ok {
		cp := *rec
		return &cp, nil
	}
	return &domain.PresenceRecord{UserID: userID, Status: domain.StatusOffline}, nil
}

func (p *fakePresence) status(userID string) domain.Status {
	s, _ := p.Query(context.Background(), userID)
	return s
}

type fakeUploader struct {
	gotUser, gotConv string
	gotBody          []byte
	err              error
}

func (u *fakeUploader) Upload(_ context.Context, userID, conversationID string, r io.Reader, size int64) (*attachment.Attachment, error) {
	if u.err != nil {
		return nil, u.err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	u.gotUser, u.gotConv, u.gotBody = userID, conversationID, body
	return &attachment.Attachment{Key: "chat/" + conversationID + "/x.png", URL: "/files/chat/" + conversationID + "/x.png", ContentType: "image/png", Size: size}, nil
}

func (u *fakeUploader) MaxSize() int64 { return 1 << 20 }

func newTestAuth() *auth.Manager {
	m, err := auth.NewManager(auth.Config{Secret: "test-secret", Issuer: "meow"})
	if err != nil {
		panic(err)
	}
	return m
}

func authMiddlewareFor(m *auth.Manager) *middleware.AuthMiddleware {
	return middleware.NewAuthMiddleware(func(ctx context.Context, token string) (string, string, error) {
		id, err := m.Validate(ctx, token)
		if err != nil {
			return "", "", err
		}
		return id.UserID, id.Username, nil
	})
}

func mustIssue(m *auth.Manager, userID string) string {
	token, err := m.Issue(userID, userID)
	if err != nil {
		panic(err)
	}
	return token
}
