// Package httpauth exposes the authentication service over HTTP. Handlers
// return tokens both in the response body (for API clients) and as cookies
// (for browsers); the refresh endpoint accepts either presentation.
package httpauth

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mileusna/useragent"

	"github.com/castellanauth/castellan/config"
	jwtmw "github.com/castellanauth/castellan/middleware/jwt"
	"github.com/castellanauth/castellan/services/auth"
	"github.com/castellanauth/castellan/services/cookies"
	"github.com/castellanauth/castellan/services/jwt"
	"github.com/castellanauth/castellan/services/logging"
	"github.com/castellanauth/castellan/services/refreshtoken"
)

type Handler struct {
	config     *config.Config
	authSvc    *auth.Service
	refreshSvc *refreshtoken.Service
	cookieMgr  *cookies.Manager
	logger     *logging.Service
}

func NewHandler(
	cfg *config.Config,
	authSvc *auth.Service,
	refreshSvc *refreshtoken.Service,
	cookieMgr *cookies.Manager,
	logger *logging.Service,
) *Handler {
	return &Handler{
		config:     cfg,
		authSvc:    authSvc,
		refreshSvc: refreshSvc,
		cookieMgr:  cookieMgr,
		logger:     logger,
	}
}

// RegisterRoutes mounts the auth endpoints under /auth. Logout-all and the
// session listing require a valid access token; everything else is public.
func (h *Handler) RegisterRoutes(e *echo.Echo, jwtService *jwt.Service) {
	group := e.Group("/auth")
	group.POST("/login", h.Login)
	group.POST("/totp/verify", h.VerifyTOTP)
	group.POST("/refresh", h.Refresh)
	group.POST("/logout", h.Logout)

	protected := group.Group("", jwtmw.RequireJWT(jwtService, h.config))
	protected.POST("/logout-all", h.LogoutAll)
	protected.GET("/sessions", h.Sessions)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type totpVerifyRequest struct {
	PendingToken string `json:"pending_token"`
	Code         string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.authSvc.Login(c.Request().Context(), req.Email, req.Password, clientInfo(c))
	if err != nil {
		return h.mapError(err)
	}

	if result.TOTPRequired {
		return c.JSON(http.StatusOK, result)
	}

	h.setAuthCookies(c, result.AccessToken, result.RefreshToken)
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) VerifyTOTP(c echo.Context) error {
	var req totpVerifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.authSvc.CompleteTOTPLogin(c.Request().Context(), req.PendingToken, req.Code, clientInfo(c))
	if err != nil {
		return h.mapError(err)
	}

	h.setAuthCookies(c, result.AccessToken, result.RefreshToken)
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Refresh(c echo.Context) error {
	token := h.refreshTokenFrom(c)
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "refresh token required")
	}

	pair, err := h.authSvc.Refresh(c.Request().Context(), token, clientInfo(c))
	if err != nil {
		// a rejected refresh also clears the cookies so browsers stop
		// replaying a dead token
		h.clearAuthCookies(c)
		return h.mapError(err)
	}

	h.setAuthCookies(c, pair.AccessToken, pair.RefreshToken)
	return c.JSON(http.StatusOK, pair)
}

func (h *Handler) Logout(c echo.Context) error {
	if token := h.refreshTokenFrom(c); token != "" {
		if err := h.authSvc.Logout(c.Request().Context(), token); err != nil {
			return h.mapError(err)
		}
	}

	h.clearAuthCookies(c)
	return c.JSON(http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) LogoutAll(c echo.Context) error {
	count, err := h.authSvc.LogoutAll(c.Request().Context(), jwtmw.GetUserID(c))
	if err != nil {
		return h.mapError(err)
	}

	h.clearAuthCookies(c)
	return c.JSON(http.StatusOK, map[string]any{
		"message":        "logged out everywhere",
		"tokens_revoked": count,
	})
}

type sessionInfo struct {
	Browser    string    `json:"browser"`
	OS         string    `json:"os"`
	DeviceType string    `json:"device_type"`
	IPAddress  string    `json:"ip_address"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (h *Handler) Sessions(c echo.Context) error {
	records, err := h.refreshSvc.ListUserSessions(c.Request().Context(), jwtmw.GetUserID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session storage unavailable")
	}

	sessions := make([]sessionInfo, 0, len(records))
	for _, record := range records {
		info := sessionInfo{
			Browser:    "Unknown Browser",
			OS:         "Unknown OS",
			DeviceType: "Desktop",
			IPAddress:  record.IPAddress,
			CreatedAt:  record.CreatedAt,
			ExpiresAt:  record.ExpiresAt,
		}

		if record.UserAgent != "" {
			ua := useragent.Parse(record.UserAgent)
			if ua.Name != "" {
				info.Browser = ua.Name
				if ua.Version != "" {
					info.Browser += " " + ua.Version
				}
			}
			if ua.OS != "" {
				info.OS = ua.OS
			}
			switch {
			case ua.Mobile:
				info.DeviceType = "Mobile"
			case ua.Tablet:
				info.DeviceType = "Tablet"
			case ua.Bot:
				info.DeviceType = "Bot"
			}
		}
		sessions = append(sessions, info)
	}

	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

// refreshTokenFrom prefers the cookie and falls back to the request body.
func (h *Handler) refreshTokenFrom(c echo.Context) string {
	if cookie, err := c.Cookie(h.config.Cookie.RefreshName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	var req refreshRequest
	if err := c.Bind(&req); err == nil {
		return req.RefreshToken
	}
	return ""
}

func clientInfo(c echo.Context) auth.ClientInfo {
	return auth.ClientInfo{
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
}

func (h *Handler) setAuthCookies(c echo.Context, accessToken, refreshToken string) {
	for _, cookie := range h.cookieMgr.BuildAuthCookies(accessToken, refreshToken) {
		c.SetCookie(cookie)
	}
}

func (h *Handler) clearAuthCookies(c echo.Context) {
	for _, cookie := range h.cookieMgr.BuildClearCookies() {
		c.SetCookie(cookie)
	}
}

func (h *Handler) mapError(err error) error {
	switch {
	case errors.Is(err, auth.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
	case errors.Is(err, auth.ErrAccountDisabled):
		return echo.NewHTTPError(http.StatusForbidden, auth.ErrAccountDisabled.Error())
	case errors.Is(err, auth.ErrTOTPNotConfigured):
		return echo.NewHTTPError(http.StatusBadRequest, auth.ErrTOTPNotConfigured.Error())
	case errors.Is(err, auth.ErrStorageUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, auth.ErrStorageUnavailable.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
