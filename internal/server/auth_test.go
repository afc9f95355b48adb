package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isca-tracker/internal/config"
	apperrors "isca-tracker/pkg/errors"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager(&config.JWTConfig{Secret: "test-secret", ExpiryHours: 1})

	token, err := tm.Issue("carlos")
	require.NoError(t, err)

	username, err := tm.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "carlos", username)
}

func TestTokenWrongSecretRejected(t *testing.T) {
	tm := NewTokenManager(&config.JWTConfig{Secret: "test-secret", ExpiryHours: 1})
	other := NewTokenManager(&config.JWTConfig{Secret: "another-secret", ExpiryHours: 1})

	token, err := tm.Issue("carlos")
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

func TestTokenGarbageRejected(t *testing.T) {
	tm := NewTokenManager(&config.JWTConfig{Secret: "test-secret", ExpiryHours: 1})
	_, err := tm.Verify("not-a-token")
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

func TestTokenExpiryDefaultsWhenUnset(t *testing.T) {
	tm := NewTokenManager(&config.JWTConfig{Secret: "test-secret"})
	assert.Equal(t, 24*time.Hour, tm.ttl)
}
