package totp

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/testutils"
)

func setupService(t *testing.T) (*Service, *config.Config) {
	t.Helper()
	cfg := testutils.GetTestConfig()
	db := testutils.SetupTestDB(t, &TOTPSecret{}, &UsedCode{})
	return NewService(cfg, db, nil), cfg
}

func currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	return code
}

func TestGenerateSecret(t *testing.T) {
	t.Run("disabled globally", func(t *testing.T) {
		service, cfg := setupService(t)
		cfg.TOTP.Enabled = false

		secret, err := service.GenerateSecret(1, "ada@example.com")
		assert.ErrorIs(t, err, ErrTOTPDisabled)
		assert.Nil(t, secret)
	})

	t.Run("creates unconfirmed secret", func(t *testing.T) {
		service, _ := setupService(t)

		secret, err := service.GenerateSecret(1, "ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, uint(1), secret.UserID)
		assert.NotEmpty(t, secret.Secret)
		assert.False(t, secret.Enabled)
	})

	t.Run("second enrollment rejected", func(t *testing.T) {
		service, _ := setupService(t)

		_, err := service.GenerateSecret(1, "ada@example.com")
		require.NoError(t, err)

		_, err = service.GenerateSecret(1, "ada@example.com")
		assert.ErrorIs(t, err, ErrSecretExists)
	})

	t.Run("re-enrollment after disable issues fresh secret", func(t *testing.T) {
		service, _ := setupService(t)

		first, err := service.GenerateSecret(1, "ada@example.com")
		require.NoError(t, err)
		require.NoError(t, service.EnableTOTP(1, currentCode(t, first.Secret)))
		require.NoError(t, service.DisableTOTP(1))

		second, err := service.GenerateSecret(1, "ada@example.com")
		require.NoError(t, err)
		assert.NotEqual(t, first.Secret, second.Secret)
		assert.False(t, second.Enabled)
	})
}

func TestEnableTOTP(t *testing.T) {
	service, _ := setupService(t)

	secret, err := service.GenerateSecret(1, "ada@example.com")
	require.NoError(t, err)

	t.Run("rejects wrong code", func(t *testing.T) {
		err := service.EnableTOTP(1, "000000")
		assert.ErrorIs(t, err, ErrInvalidCode)

		enabled, err := service.IsEnabled(1)
		require.NoError(t, err)
		assert.False(t, enabled)
	})

	t.Run("confirms with valid code", func(t *testing.T) {
		require.NoError(t, service.EnableTOTP(1, currentCode(t, secret.Secret)))

		enabled, err := service.IsEnabled(1)
		require.NoError(t, err)
		assert.True(t, enabled)
	})

	t.Run("no enrollment", func(t *testing.T) {
		err := service.EnableTOTP(2, "123456")
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})
}

func TestIsEnabled(t *testing.T) {
	service, cfg := setupService(t)

	enabled, err := service.IsEnabled(1)
	require.NoError(t, err)
	assert.False(t, enabled, "unenrolled user")

	secret, err := service.GenerateSecret(1, "ada@example.com")
	require.NoError(t, err)

	enabled, err = service.IsEnabled(1)
	require.NoError(t, err)
	assert.False(t, enabled, "enrollment not yet confirmed")

	require.NoError(t, service.EnableTOTP(1, currentCode(t, secret.Secret)))

	enabled, err = service.IsEnabled(1)
	require.NoError(t, err)
	assert.True(t, enabled)

	cfg.TOTP.Enabled = false
	enabled, err = service.IsEnabled(1)
	require.NoError(t, err)
	assert.False(t, enabled, "global switch overrides enrollment")
}

func TestValidateCode(t *testing.T) {
	service, _ := setupService(t)

	secret, err := service.GenerateSecret(1, "ada@example.com")
	require.NoError(t, err)
	require.NoError(t, service.EnableTOTP(1, currentCode(t, secret.Secret)))

	t.Run("rejects invalid code", func(t *testing.T) {
		err := service.ValidateCode(1, "000000")
		assert.ErrorIs(t, err, ErrInvalidCode)
	})

	t.Run("accepts once then blocks replay", func(t *testing.T) {
		code := currentCode(t, secret.Secret)

		require.NoError(t, service.ValidateCode(1, code))

		err = service.ValidateCode(1, code)
		assert.ErrorIs(t, err, ErrCodeAlreadyUsed)
	})

	t.Run("unconfirmed enrollment rejected", func(t *testing.T) {
		unconfirmed, err := service.GenerateSecret(2, "bob@example.com")
		require.NoError(t, err)

		err = service.ValidateCode(2, currentCode(t, unconfirmed.Secret))
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})
}

func TestDisableTOTP(t *testing.T) {
	service, _ := setupService(t)

	secret, err := service.GenerateSecret(1, "ada@example.com")
	require.NoError(t, err)
	require.NoError(t, service.EnableTOTP(1, currentCode(t, secret.Secret)))

	require.NoError(t, service.DisableTOTP(1))

	enabled, err := service.IsEnabled(1)
	require.NoError(t, err)
	assert.False(t, enabled)

	err = service.DisableTOTP(1)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestProvisioningURI(t *testing.T) {
	service, _ := setupService(t)

	secret, err := service.GenerateSecret(1, "ada@example.com")
	require.NoError(t, err)

	uri, err := service.ProvisioningURI(secret, "ada@example.com")
	require.NoError(t, err)
	assert.Contains(t, uri, "otpauth://totp/")
	assert.Contains(t, uri, secret.Secret)
	assert.Contains(t, uri, "Test App")
}

func TestCleanupUsedCodes(t *testing.T) {
	service, _ := setupService(t)

	stale := &UsedCode{UserID: 1, Code: "111111", UsedAt: time.Now().Add(-10 * time.Minute).Unix()}
	fresh := &UsedCode{UserID: 1, Code: "222222", UsedAt: time.Now().Unix()}
	require.NoError(t, service.db.Create(stale).Error)
	require.NoError(t, service.db.Create(fresh).Error)

	require.NoError(t, service.CleanupUsedCodes())

	var remaining []UsedCode
	require.NoError(t, service.db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "222222", remaining[0].Code)
}
