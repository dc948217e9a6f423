package cookies

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellanauth/castellan/config"
)

func managerConfig(mode string) *config.Config {
	return &config.Config{
		JWT:          config.JWTConfig{AccessExpiry: 15 * time.Minute},
		RefreshToken: config.RefreshTokenConfig{Expiry: 168 * time.Hour},
		Cookie: config.CookieConfig{
			Mode:        mode,
			AccessName:  "access_token",
			RefreshName: "refresh_token",
			Path:        "/",
		},
	}
}

func TestBuildAuthCookies_Production(t *testing.T) {
	manager := NewManager(managerConfig("production"), nil)

	cookiesOut := manager.BuildAuthCookies("acc-value", "ref-value")
	require.Len(t, cookiesOut, 2)

	access, refresh := cookiesOut[0], cookiesOut[1]

	assert.Equal(t, "access_token", access.Name)
	assert.Equal(t, "acc-value", access.Value)
	assert.Equal(t, int(15*time.Minute/time.Second), access.MaxAge)

	assert.Equal(t, "refresh_token", refresh.Name)
	assert.Equal(t, "ref-value", refresh.Value)
	assert.Equal(t, int(168*time.Hour/time.Second), refresh.MaxAge)

	for _, c := range cookiesOut {
		assert.True(t, c.HttpOnly, c.Name)
		assert.True(t, c.Secure, c.Name)
		assert.Equal(t, http.SameSiteNoneMode, c.SameSite, c.Name)
	}
}

func TestBuildAuthCookies_Development(t *testing.T) {
	manager := NewManager(managerConfig("development"), nil)

	for _, c := range manager.BuildAuthCookies("acc-value", "ref-value") {
		assert.True(t, c.HttpOnly, c.Name)
		assert.False(t, c.Secure, c.Name)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite, c.Name)
	}
}

func TestBuildClearCookies(t *testing.T) {
	manager := NewManager(managerConfig("production"), nil)

	cleared := manager.BuildClearCookies()
	require.Len(t, cleared, 2)

	for _, c := range cleared {
		assert.Empty(t, c.Value, c.Name)
		assert.Negative(t, c.MaxAge, c.Name)
		assert.True(t, c.HttpOnly, c.Name)
	}
}

func TestEnforceSameSitePairing(t *testing.T) {
	t.Run("corrects None without Secure", func(t *testing.T) {
		cookie := &http.Cookie{Name: "x", SameSite: http.SameSiteNoneMode, Secure: false}

		out := enforceSameSitePairing(cookie, nil)

		assert.True(t, out.Secure)
		assert.Equal(t, http.SameSiteNoneMode, out.SameSite)
	})

	t.Run("leaves Lax alone", func(t *testing.T) {
		cookie := &http.Cookie{Name: "x", SameSite: http.SameSiteLaxMode, Secure: false}

		out := enforceSameSitePairing(cookie, nil)

		assert.False(t, out.Secure)
	})
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, Production, ParseMode("production"))
	assert.Equal(t, Development, ParseMode("development"))
	assert.Equal(t, Development, ParseMode("anything-else"))
}
