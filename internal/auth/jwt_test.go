package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
)

func TestTokenManager_UsesConfiguredTTL(t *testing.T) {
	ttl := 2 * time.Hour
	tm := NewTokenManager("test-secret", ttl)

	start := time.Now()

	token, err := tm.GenerateToken("user-1", "org-1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	require.NotNil(t, claims.ExpiresAt)

	expectedExpiry := start.Add(ttl)
	assert.WithinDuration(t, expectedExpiry, claims.ExpiresAt.Time, 2*time.Second)
}

func TestTokenManager_RoundTripsIdentity(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)

	token, err := tm.GenerateToken("user-1", "org-1", []string{"admin", "developer"})
	require.NoError(t, err)

	result, err := tm.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", result.UserID)
	assert.Equal(t, "org-1", result.OrganizationID)
	assert.Equal(t, []string{"admin", "developer"}, result.Roles)
}

func TestTokenManager_RejectsWrongSecret(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)
	other := NewTokenManager("other-secret", time.Hour)

	token, err := other.GenerateToken("user-1", "org-1", nil)
	require.NoError(t, err)

	_, err = tm.Validate(context.Background(), token)
	assert.ErrorIs(t, err, apperrors.ErrAuthFailed)
}

func TestTokenManager_RejectsMissingOrganization(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)

	token, err := tm.GenerateToken("user-1", "", nil)
	require.NoError(t, err)

	_, err = tm.Validate(context.Background(), token)
	assert.ErrorIs(t, err, apperrors.ErrAuthFailed)
}

func TestTokenManager_RejectsExpiredToken(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Nanosecond)

	token, err := tm.GenerateToken("user-1", "org-1", nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = tm.Validate(context.Background(), token)
	assert.ErrorIs(t, err, apperrors.ErrAuthFailed)
}
