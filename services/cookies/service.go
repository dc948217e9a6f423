package cookies

import (
	"net/http"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/logging"
	"go.uber.org/zap"
)

// Mode selects the cookie attribute profile for a deployment.
type Mode string

const (
	// Production emits HttpOnly, Secure, SameSite=None cookies for
	// cross-site browser clients over TLS.
	Production Mode = "production"
	// Development emits HttpOnly, SameSite=Lax cookies usable over plain
	// HTTP on localhost.
	Development Mode = "development"
)

func ParseMode(s string) Mode {
	if s == string(Production) {
		return Production
	}
	return Development
}

// Manager maps deployment mode to the auth cookie contract. Building cookies
// is a pure computation; the only side effect is a warning when an unsafe
// attribute combination had to be corrected.
type Manager struct {
	config *config.Config
	mode   Mode
	logger *logging.Service
}

func NewManager(cfg *config.Config, logger *logging.Service) *Manager {
	return &Manager{
		config: cfg,
		mode:   ParseMode(cfg.Cookie.Mode),
		logger: logger,
	}
}

func (m *Manager) Mode() Mode {
	return m.mode
}

// BuildAuthCookies returns the access and refresh token cookies with Max-Age
// matching each token's TTL.
func (m *Manager) BuildAuthCookies(accessToken, refreshToken string) []*http.Cookie {
	return []*http.Cookie{
		m.build(m.config.Cookie.AccessName, accessToken, int(m.config.JWT.AccessExpiry.Seconds())),
		m.build(m.config.Cookie.RefreshName, refreshToken, int(m.config.RefreshToken.Expiry.Seconds())),
	}
}

// BuildClearCookies returns expired empty cookies instructing the browser to
// drop both tokens.
func (m *Manager) BuildClearCookies() []*http.Cookie {
	return []*http.Cookie{
		m.build(m.config.Cookie.AccessName, "", -1),
		m.build(m.config.Cookie.RefreshName, "", -1),
	}
}

func (m *Manager) build(name, value string, maxAge int) *http.Cookie {
	cookie := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     m.config.Cookie.Path,
		Domain:   m.config.Cookie.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
	}

	switch m.mode {
	case Production:
		cookie.Secure = true
		cookie.SameSite = http.SameSiteNoneMode
	default:
		cookie.Secure = false
		cookie.SameSite = http.SameSiteLaxMode
	}

	return enforceSameSitePairing(cookie, m.logger)
}

// enforceSameSitePairing upholds the browser rule that SameSite=None is only
// valid together with Secure. The pairing is corrected rather than trusted to
// callers, whatever attributes were requested.
func enforceSameSitePairing(cookie *http.Cookie, logger *logging.Service) *http.Cookie {
	if cookie.SameSite == http.SameSiteNoneMode && !cookie.Secure {
		logger.Warn("cookie requested SameSite=None without Secure; forcing Secure",
			zap.String("cookie", cookie.Name))
		cookie.Secure = true
	}
	return cookie
}
