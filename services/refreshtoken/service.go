package refreshtoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/logging"
	"go.uber.org/zap"
)

var ErrTokenGenerationFailed = errors.New("failed to generate secure token")

// Service owns the refresh-token lifecycle: secret generation, hashing, and
// the state transitions persisted through a Store. The raw secret never
// reaches the store; every store operation works on the SHA-256 hash.
type Service struct {
	store  Store
	config *config.Config
	logger *logging.Service

	cleanupStop chan struct{}
}

func NewService(store Store, cfg *config.Config, logger *logging.Service) *Service {
	logger.Info("initializing refresh token service",
		zap.Duration("token_expiry", cfg.RefreshToken.Expiry),
		zap.Int("token_length", cfg.RefreshToken.TokenLength),
		zap.Duration("cleanup_interval", cfg.RefreshToken.CleanupInterval))

	return &Service{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

func (s *Service) GetRefreshExpirySeconds() int {
	return int(s.config.RefreshToken.Expiry.Seconds())
}

// GenerateRefreshToken mints a new secret for userID and persists its record.
func (s *Service) GenerateRefreshToken(ctx context.Context, userID uint, meta SessionMetadata) (*TokenData, error) {
	token, err := s.generateSecureToken()
	if err != nil {
		s.logger.Error("failed to generate secure refresh token", zap.Error(err))
		return nil, ErrTokenGenerationFailed
	}

	record := &RefreshToken{
		UserID:    userID,
		TokenHash: s.HashToken(token),
		ExpiresAt: time.Now().Add(s.config.RefreshToken.Expiry),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}

	ctx, cancel := s.boundContext(ctx)
	defer cancel()

	if err := s.store.Create(ctx, record); err != nil {
		s.logger.Error("failed to store refresh token", zap.Error(err))
		return nil, err
	}

	s.logger.Info("refresh token generated",
		zap.Uint("user_id", userID),
		zap.Time("expires_at", record.ExpiresAt))

	return &TokenData{Token: token, Record: record}, nil
}

// ValidateRefreshToken resolves a presented secret to its usable record.
// Missing, revoked and expired records all come back as ErrTokenNotFound.
func (s *Service) ValidateRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	ctx, cancel := s.boundContext(ctx)
	defer cancel()

	record, err := s.store.FindValidByHash(ctx, s.HashToken(token))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			s.logger.Warn("refresh token validation failed - token not usable")
		}
		return nil, err
	}
	return record, nil
}

// LookupRefreshToken resolves a presented secret to its record regardless of
// state. The auth service uses it to tell replayed tokens from unknown ones.
func (s *Service) LookupRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	ctx, cancel := s.boundContext(ctx)
	defer cancel()

	return s.store.FindByHash(ctx, s.HashToken(token))
}

// RotateRefreshToken atomically consumes the presented secret and issues a
// replacement for the same user. Exactly one of two concurrent rotations of
// the same secret succeeds; the other observes ErrTokenRevoked.
func (s *Service) RotateRefreshToken(ctx context.Context, token string, meta SessionMetadata) (*RotationResult, error) {
	newToken, err := s.generateSecureToken()
	if err != nil {
		s.logger.Error("failed to generate replacement refresh token", zap.Error(err))
		return nil, ErrTokenGenerationFailed
	}

	next := &RefreshToken{
		TokenHash: s.HashToken(newToken),
		ExpiresAt: time.Now().Add(s.config.RefreshToken.Expiry),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}

	ctx, cancel := s.boundContext(ctx)
	defer cancel()

	old, err := s.store.Rotate(ctx, s.HashToken(token), next)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenRevoked):
			s.logger.Warn("refresh token rotation refused - token already consumed")
		case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenNotFound):
			s.logger.Warn("refresh token rotation failed", zap.Error(err))
		default:
			s.logger.Error("refresh token rotation failed - storage error", zap.Error(err))
		}
		return nil, err
	}

	s.logger.Info("refresh token rotated",
		zap.Uint("user_id", old.UserID),
		zap.Time("new_expires_at", next.ExpiresAt))

	return &RotationResult{Token: newToken, Record: next, OldRecord: old}, nil
}

// RevokeRefreshToken revokes the record matching the presented secret.
// Revoking an unknown or already-revoked token succeeds silently.
func (s *Service) RevokeRefreshToken(ctx context.Context, token string) error {
	ctx, cancel := s.boundContext(ctx)
	defer cancel()

	if err := s.store.Revoke(ctx, s.HashToken(token)); err != nil {
		s.logger.Error("failed to revoke refresh token", zap.Error(err))
		return err
	}

	s.logger.Info("refresh token revoked")
	return nil
}

// RevokeAllUserRefreshTokens revokes every currently-valid record for userID
// and returns how many transitioned.
func (s *Service) RevokeAllUserRefreshTokens(ctx context.Context, userID uint) (int64, error) {
	ctx, cancel := s.boundContext(ctx)
	defer cancel()

	count, err := s.store.RevokeAllForUser(ctx, userID)
	if err != nil {
		s.logger.Error("failed to revoke all user refresh tokens",
			zap.Error(err),
			zap.Uint("user_id", userID))
		return 0, err
	}

	s.logger.Info("all user refresh tokens revoked",
		zap.Uint("user_id", userID),
		zap.Int64("count", count))
	return count, nil
}

// ListUserSessions returns the user's active sessions, newest first. Records
// carry only audit metadata; the token secrets themselves are unrecoverable.
func (s *Service) ListUserSessions(ctx context.Context, userID uint) ([]*RefreshToken, error) {
	ctx, cancel := s.boundContext(ctx)
	defer cancel()

	records, err := s.store.ListActiveForUser(ctx, userID)
	if err != nil {
		s.logger.Error("failed to list user sessions",
			zap.Error(err),
			zap.Uint("user_id", userID))
		return nil, err
	}
	return records, nil
}

// CleanupExpiredTokens deletes records in a terminal state past the audit
// retention window. Safe to run concurrently with live traffic.
func (s *Service) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	ctx, cancel := s.boundContext(ctx)
	defer cancel()

	count, err := s.store.DeleteExpired(ctx, s.config.RefreshToken.AuditRetention)
	if err != nil {
		s.logger.Error("refresh token cleanup failed", zap.Error(err))
		return 0, err
	}

	if count > 0 {
		s.logger.Info("cleaned up expired refresh tokens", zap.Int64("count", count))
	}
	return count, nil
}

// StartCleanupWorker runs CleanupExpiredTokens on the configured interval
// until StopCleanupWorker is called.
func (s *Service) StartCleanupWorker() {
	if s.cleanupStop != nil {
		return
	}
	s.cleanupStop = make(chan struct{})

	go func() {
		ticker := time.NewTicker(s.config.RefreshToken.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.CleanupExpiredTokens(context.Background()); err != nil {
					s.logger.Error("refresh token cleanup worker failed", zap.Error(err))
				}
			case <-s.cleanupStop:
				return
			}
		}
	}()

	s.logger.Info("started refresh token cleanup worker",
		zap.Duration("interval", s.config.RefreshToken.CleanupInterval))
}

func (s *Service) StopCleanupWorker() {
	if s.cleanupStop != nil {
		close(s.cleanupStop)
		s.cleanupStop = nil
	}
}

// HashToken is the one-way mapping from raw secret to stored key.
func (s *Service) HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *Service) generateSecureToken() (string, error) {
	buf := make([]byte, s.config.RefreshToken.TokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Service) boundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Database.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.Database.Timeout)
}
