package jwt

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/jwt"
)

const (
	UserIDKey = "_jwt_user_id"
	ClaimsKey = "_jwt_claims"
)

// RequireJWT authenticates a request from its access token. The token is
// taken from the Authorization header when present, otherwise from the
// access-token cookie. Only the token itself is checked: no storage lookup
// happens on this path.
func RequireJWT(jwtService *jwt.Service, cfg *config.Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString, err := extractToken(c, cfg.Cookie.AccessName)
			if err != nil {
				return err
			}

			claims, err := jwtService.ValidateToken(tokenString)
			if err != nil {
				switch {
				case errors.Is(err, jwt.ErrExpiredToken):
					return echo.NewHTTPError(http.StatusUnauthorized, "JWT token has expired")
				case errors.Is(err, jwt.ErrMalformedToken):
					return echo.NewHTTPError(http.StatusUnauthorized, "Malformed JWT token")
				case errors.Is(err, jwt.ErrInvalidSignature):
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid JWT token signature")
				default:
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid JWT token")
				}
			}

			c.Set(UserIDKey, claims.UserID)
			c.Set(ClaimsKey, claims)

			return next(c)
		}
	}
}

func extractToken(c echo.Context, cookieName string) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return "", echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == "" {
			return "", echo.NewHTTPError(http.StatusUnauthorized, "JWT token required")
		}
		return tokenString, nil
	}

	if cookie, err := c.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	return "", echo.NewHTTPError(http.StatusUnauthorized, "Authorization required")
}

// GetUserID returns the authenticated user's ID, or 0 outside RequireJWT.
func GetUserID(c echo.Context) uint {
	if userID, ok := c.Get(UserIDKey).(uint); ok {
		return userID
	}
	return 0
}

func GetClaims(c echo.Context) *jwt.Claims {
	if claims, ok := c.Get(ClaimsKey).(*jwt.Claims); ok {
		return claims
	}
	return nil
}
