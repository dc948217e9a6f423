package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/logging"
	"go.uber.org/zap"
)

var (
	ErrInvalidToken     = errors.New("invalid JWT token")
	ErrExpiredToken     = errors.New("JWT token has expired")
	ErrMalformedToken   = errors.New("malformed JWT token")
	ErrInvalidSignature = errors.New("invalid JWT token signature")
	ErrWrongTokenType   = errors.New("unexpected JWT token type")
)

// PendingTokenType marks tokens issued mid-login while a second factor is
// outstanding. They are rejected everywhere an access token is expected.
const PendingTokenType = "totp_pending"

const pendingTokenExpiry = 10 * time.Minute

type Claims struct {
	UserID    uint   `json:"user_id"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and verifies access tokens. It is stateless: verification is
// signature + expiry only and never consults storage.
type Service struct {
	config *config.Config
	logger *logging.Service
}

func NewService(cfg *config.Config, logger *logging.Service) *Service {
	return &Service{
		config: cfg,
		logger: logger,
	}
}

func (s *Service) GetAccessExpirySeconds() int {
	return int(s.config.JWT.AccessExpiry.Seconds())
}

// GenerateToken issues an access token for userID with the configured expiry.
func (s *Service) GenerateToken(userID uint) (string, error) {
	return s.sign(userID, "", s.config.JWT.AccessExpiry)
}

// GenerateTokenWithExpiry issues an access token with an explicit TTL.
func (s *Service) GenerateTokenWithExpiry(userID uint, ttl time.Duration) (string, error) {
	return s.sign(userID, "", ttl)
}

// GeneratePendingToken issues the short-lived token handed out between a
// successful password check and TOTP verification.
func (s *Service) GeneratePendingToken(userID uint) (string, error) {
	return s.sign(userID, PendingTokenType, pendingTokenExpiry)
}

func (s *Service) sign(userID uint, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.config.JWT.Issuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			Audience:  []string{s.config.JWT.Issuer},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.config.JWT.SecretKey))
	if err != nil {
		s.logger.Error("failed to sign JWT token", zap.Error(err))
		return "", fmt.Errorf("failed to generate JWT token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken verifies signature and expiry of an access token. Pending
// (TOTP) tokens are rejected with ErrWrongTokenType.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.TokenType != "" {
		s.logger.Warn("token validation failed - not an access token",
			zap.String("token_type", claims.TokenType))
		return nil, ErrWrongTokenType
	}

	return claims, nil
}

// ValidatePendingToken verifies a TOTP pending token.
func (s *Service) ValidatePendingToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.TokenType != PendingTokenType {
		return nil, ErrWrongTokenType
	}

	return claims, nil
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		// The verifier pins the algorithm; a token header never selects it.
		if token.Method.Alg() == "none" {
			return nil, errors.New("'none' algorithm is not allowed")
		}

		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected algorithm: expected HS256, got %s", token.Method.Alg())
		}

		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("invalid algorithm family: %v", token.Header["alg"])
		}

		return []byte(s.config.JWT.SecretKey), nil
	})

	if err != nil {
		s.logger.Warn("JWT token validation failed", zap.Error(err))

		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformedToken
		case errors.Is(err, jwt.ErrSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrInvalidToken
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
