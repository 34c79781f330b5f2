package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/meow-realtime/internal/domain"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{Secret: "test-secret", Issuer: "meow", AccessTTL: time.Minute})
	require.NoError(t, err)
	return m
}

func TestIssueAndValidate(t *testing.T) {
	req := require.New(t)
	m := newTestManager(t)

	token, err := m.Issue("42", "alice")
	req.NoError(err)

	id, err := m.Validate(context.Background(), token)

	req.NoError(err)
	req.Equal("42", id.UserID)
	req.Equal("alice", id.Username)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	req := require.New(t)
	m := newTestManager(t)

	// Given a token issued two minutes ago
	m.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	token, err := m.Issue("42", "alice")
	req.NoError(err)
	m.now = time.Now

	_, err = m.Validate(context.Background(), token)

	req.ErrorIs(err, domain.ErrUnauthorized)
	req.ErrorIs(err, ErrExpiredToken)
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	req := require.New(t)
	m := newTestManager(t)
	other, err := NewManager(Config{Secret: "other-secret", Issuer: "meow"})
	req.NoError(err)

	token, err := other.Issue("42", "alice")
	req.NoError(err)

	_, err = m.Validate(context.Background(), token)
	req.ErrorIs(err, domain.ErrUnauthorized)
}

func TestValidateRejectsOtherAlgorithms(t *testing.T) {
	req := require.New(t)
	m := newTestManager(t)

	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "42",
		Issuer:    "meow",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	req.NoError(err)

	_, err = m.Validate(context.Background(), token)
	req.ErrorIs(err, domain.ErrUnauthorized)
}

func TestValidateRejectsEmptyToken(t *testing.T) {
	req := require.New(t)
	m := newTestManager(t)

	_, err := m.Validate(context.Background(), "")

	req.ErrorIs(err, domain.ErrUnauthorized)
}

func TestNewManagerRequiresSecret(t *testing.T) {
	req := require.New(t)

	_, err := NewManager(Config{})

	req.Error(err)
}
