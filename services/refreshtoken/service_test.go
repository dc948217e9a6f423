package refreshtoken

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellanauth/castellan/config"
)

func serviceConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Timeout: 5 * time.Second},
		RefreshToken: config.RefreshTokenConfig{
			Expiry:         168 * time.Hour,
			TokenLength:    32,
			AuditRetention: 720 * time.Hour,
		},
	}
}

func setupService(t *testing.T) *Service {
	t.Helper()
	return NewService(setupGormStore(t), serviceConfig(), nil)
}

func TestService_GenerateAndValidate(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	data, err := service.GenerateRefreshToken(ctx, 42, SessionMetadata{
		IPAddress: "203.0.113.7",
		UserAgent: "Mozilla/5.0 (test)",
	})
	require.NoError(t, err)
	require.NotEmpty(t, data.Token)

	// only the hash is persisted
	assert.NotEqual(t, data.Token, data.Record.TokenHash)
	assert.Equal(t, service.HashToken(data.Token), data.Record.TokenHash)
	assert.Equal(t, "203.0.113.7", data.Record.IPAddress)

	record, err := service.ValidateRefreshToken(ctx, data.Token)
	require.NoError(t, err)
	assert.Equal(t, uint(42), record.UserID)
	assert.WithinDuration(t, time.Now().Add(168*time.Hour), record.ExpiresAt, time.Minute)
}

func TestService_ValidateUnknownToken(t *testing.T) {
	service := setupService(t)

	_, err := service.ValidateRefreshToken(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestService_Rotate(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	data, err := service.GenerateRefreshToken(ctx, 42, SessionMetadata{})
	require.NoError(t, err)

	result, err := service.RotateRefreshToken(ctx, data.Token, SessionMetadata{IPAddress: "198.51.100.4"})
	require.NoError(t, err)

	assert.NotEqual(t, data.Token, result.Token, "rotation must mint a new secret")
	assert.Equal(t, uint(42), result.Record.UserID)
	assert.Equal(t, uint(42), result.OldRecord.UserID)
	assert.True(t, result.OldRecord.Revoked)

	// the consumed secret no longer validates, the new one does
	_, err = service.ValidateRefreshToken(ctx, data.Token)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	_, err = service.ValidateRefreshToken(ctx, result.Token)
	assert.NoError(t, err)

	// a second rotation of the consumed secret reports the replay
	_, err = service.RotateRefreshToken(ctx, data.Token, SessionMetadata{})
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestService_RevokeIdempotent(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	data, err := service.GenerateRefreshToken(ctx, 42, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, service.RevokeRefreshToken(ctx, data.Token))
	require.NoError(t, service.RevokeRefreshToken(ctx, data.Token))
	require.NoError(t, service.RevokeRefreshToken(ctx, "never-issued"))

	_, err = service.ValidateRefreshToken(ctx, data.Token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestService_RevokeAllUserRefreshTokens(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := service.GenerateRefreshToken(ctx, 7, SessionMetadata{})
		require.NoError(t, err)
	}
	other, err := service.GenerateRefreshToken(ctx, 8, SessionMetadata{})
	require.NoError(t, err)

	count, err := service.RevokeAllUserRefreshTokens(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	_, err = service.ValidateRefreshToken(ctx, other.Token)
	assert.NoError(t, err)
}

func TestService_CleanupExpiredTokens(t *testing.T) {
	store := setupGormStore(t)
	cfg := serviceConfig()
	cfg.RefreshToken.AuditRetention = time.Hour
	service := NewService(store, cfg, nil)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRecord(1, "stale", -2*time.Hour)))
	require.NoError(t, store.Create(ctx, newRecord(1, "fresh", time.Hour)))

	count, err := service.CleanupExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestService_GetRefreshExpirySeconds(t *testing.T) {
	service := setupService(t)
	assert.Equal(t, int(168*time.Hour/time.Second), service.GetRefreshExpirySeconds())
}
