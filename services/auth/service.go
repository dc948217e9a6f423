package auth

import (
	"context"
	"errors"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/jwt"
	"github.com/castellanauth/castellan/services/logging"
	"github.com/castellanauth/castellan/services/refreshtoken"
	"go.uber.org/zap"
)

// The closed set of error kinds the HTTP boundary maps to status codes.
// ErrInvalidCredentials deliberately carries one generic message for every
// authentication failure so responses cannot be used to enumerate accounts.
var (
	ErrInvalidCredentials = errors.New("incorrect email or password")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrStorageUnavailable = errors.New("authentication storage unavailable")
	ErrValidation         = errors.New("invalid request")
	ErrTOTPNotConfigured  = errors.New("TOTP is not configured")
)

// User is the external account entity as far as this package cares about it.
type User struct {
	ID     uint   `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// CredentialVerifier is the credential oracle. Implementations return
// ErrInvalidCredentials for an unknown account and for a wrong password
// alike; any other error is treated as a storage failure.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, email, password string) (userID uint, active bool, err error)
}

// UserDirectory resolves user records for login responses.
type UserDirectory interface {
	LookupUser(ctx context.Context, userID uint) (*User, error)
}

// TOTPService is the optional second-factor hook.
type TOTPService interface {
	IsEnabled(userID uint) (bool, error)
	ValidateCode(userID uint, code string) error
}

// MailService is the optional reuse-alert hook.
type MailService interface {
	SendSecurityAlert(to string, data map[string]any) error
}

// ClientInfo is the per-request audit metadata stamped onto refresh tokens.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

type LoginResult struct {
	TokenPair
	// PendingToken is set instead of the pair when a second factor is
	// outstanding.
	PendingToken string `json:"pending_token,omitempty"`
	TOTPRequired bool   `json:"totp_required,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// Service orchestrates login, refresh, logout and logout-all. It is the only
// component that transitions refresh-token records, and it holds no state of
// its own: any number of requests may run concurrently.
type Service struct {
	config     *config.Config
	verifier   CredentialVerifier
	users      UserDirectory
	jwtSvc     *jwt.Service
	refreshSvc *refreshtoken.Service
	logger     *logging.Service

	totpSvc TOTPService
	mailSvc MailService
}

func NewService(
	cfg *config.Config,
	verifier CredentialVerifier,
	users UserDirectory,
	jwtSvc *jwt.Service,
	refreshSvc *refreshtoken.Service,
	logger *logging.Service,
) *Service {
	return &Service{
		config:     cfg,
		verifier:   verifier,
		users:      users,
		jwtSvc:     jwtSvc,
		refreshSvc: refreshSvc,
		logger:     logger,
	}
}

func (s *Service) SetTOTPService(totpSvc TOTPService) {
	s.totpSvc = totpSvc
}

func (s *Service) SetMailService(mailSvc MailService) {
	s.mailSvc = mailSvc
}

// Login exchanges credentials for a token pair. When the account has TOTP
// enabled the result instead carries a short-lived pending token to be
// completed via CompleteTOTPLogin.
func (s *Service) Login(ctx context.Context, email, password string, info ClientInfo) (*LoginResult, error) {
	if email == "" || password == "" {
		return nil, ErrValidation
	}

	userID, active, err := s.verifier.VerifyCredentials(ctx, email, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.logger.Warn("login failed - invalid credentials")
			return nil, ErrInvalidCredentials
		}
		s.logger.Error("login failed - credential verification error", zap.Error(err))
		return nil, ErrStorageUnavailable
	}

	if !active {
		s.logger.Warn("login refused - account disabled", zap.Uint("user_id", userID))
		return nil, ErrAccountDisabled
	}

	if s.totpSvc != nil {
		enabled, err := s.totpSvc.IsEnabled(userID)
		if err != nil {
			s.logger.Error("login failed - TOTP lookup error", zap.Error(err), zap.Uint("user_id", userID))
			return nil, ErrStorageUnavailable
		}
		if enabled {
			pending, err := s.jwtSvc.GeneratePendingToken(userID)
			if err != nil {
				return nil, ErrStorageUnavailable
			}
			s.logger.Info("login pending TOTP verification", zap.Uint("user_id", userID))
			return &LoginResult{PendingToken: pending, TOTPRequired: true}, nil
		}
	}

	return s.issuePair(ctx, userID, info)
}

// CompleteTOTPLogin exchanges a pending token plus a valid TOTP code for the
// real token pair.
func (s *Service) CompleteTOTPLogin(ctx context.Context, pendingToken, code string, info ClientInfo) (*LoginResult, error) {
	if pendingToken == "" || code == "" {
		return nil, ErrValidation
	}
	if s.totpSvc == nil {
		return nil, ErrTOTPNotConfigured
	}

	claims, err := s.jwtSvc.ValidatePendingToken(pendingToken)
	if err != nil {
		s.logger.Warn("TOTP login failed - invalid pending token", zap.Error(err))
		return nil, ErrInvalidCredentials
	}

	if err := s.totpSvc.ValidateCode(claims.UserID, code); err != nil {
		s.logger.Warn("TOTP login failed - code rejected", zap.Uint("user_id", claims.UserID))
		return nil, ErrInvalidCredentials
	}

	return s.issuePair(ctx, claims.UserID, info)
}

func (s *Service) issuePair(ctx context.Context, userID uint, info ClientInfo) (*LoginResult, error) {
	accessToken, err := s.jwtSvc.GenerateToken(userID)
	if err != nil {
		return nil, ErrStorageUnavailable
	}

	refreshData, err := s.refreshSvc.GenerateRefreshToken(ctx, userID, refreshtoken.SessionMetadata{
		IPAddress: info.IPAddress,
		UserAgent: info.UserAgent,
	})
	if err != nil {
		return nil, ErrStorageUnavailable
	}

	user, err := s.users.LookupUser(ctx, userID)
	if err != nil {
		s.logger.Error("login failed - user lookup error", zap.Error(err), zap.Uint("user_id", userID))
		return nil, ErrStorageUnavailable
	}

	s.logger.Info("login succeeded", zap.Uint("user_id", userID))

	return &LoginResult{
		TokenPair: TokenPair{
			AccessToken:  accessToken,
			RefreshToken: refreshData.Token,
			TokenType:    "bearer",
		},
		User: user,
	}, nil
}

// Refresh rotates a presented refresh token into a new pair. Presenting an
// already-consumed token is treated as theft: every valid session for that
// user is revoked before the request is rejected.
func (s *Service) Refresh(ctx context.Context, token string, info ClientInfo) (*TokenPair, error) {
	if token == "" {
		return nil, ErrValidation
	}

	result, err := s.refreshSvc.RotateRefreshToken(ctx, token, refreshtoken.SessionMetadata{
		IPAddress: info.IPAddress,
		UserAgent: info.UserAgent,
	})
	if err != nil {
		switch {
		case errors.Is(err, refreshtoken.ErrTokenRevoked):
			s.handleTokenReuse(ctx, token, info)
			return nil, ErrInvalidCredentials
		case errors.Is(err, refreshtoken.ErrTokenNotFound),
			errors.Is(err, refreshtoken.ErrTokenExpired):
			return nil, ErrInvalidCredentials
		default:
			return nil, ErrStorageUnavailable
		}
	}

	accessToken, err := s.jwtSvc.GenerateToken(result.Record.UserID)
	if err != nil {
		return nil, ErrStorageUnavailable
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: result.Token,
		TokenType:    "bearer",
	}, nil
}

// handleTokenReuse is the rotation-family defense: a revoked token coming
// back means the secret exists in two places, so the whole family dies.
func (s *Service) handleTokenReuse(ctx context.Context, token string, info ClientInfo) {
	record, err := s.refreshSvc.LookupRefreshToken(ctx, token)
	if err != nil {
		s.logger.Error("token reuse detected but record lookup failed", zap.Error(err))
		return
	}

	count, err := s.refreshSvc.RevokeAllUserRefreshTokens(ctx, record.UserID)
	if err != nil {
		s.logger.Error("token reuse detected but family revocation failed",
			zap.Error(err),
			zap.Uint("user_id", record.UserID))
		return
	}

	s.logger.Warn("refresh token reuse detected - all sessions revoked",
		zap.Uint("user_id", record.UserID),
		zap.Int64("sessions_revoked", count),
		zap.String("ip_address", info.IPAddress))

	if s.mailSvc != nil && s.users != nil {
		if user, err := s.users.LookupUser(ctx, record.UserID); err == nil {
			if err := s.mailSvc.SendSecurityAlert(user.Email, map[string]any{
				"Name":      user.Name,
				"IPAddress": info.IPAddress,
				"UserAgent": info.UserAgent,
			}); err != nil {
				s.logger.Error("failed to send reuse alert mail", zap.Error(err))
			}
		}
	}
}

// Logout revokes the presented refresh token. Unknown, expired and
// already-revoked tokens all succeed: logging out twice is not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	if err := s.refreshSvc.RevokeRefreshToken(ctx, token); err != nil {
		return ErrStorageUnavailable
	}
	return nil
}

// LogoutAll revokes every valid refresh token for userID and reports how
// many sessions that ended.
func (s *Service) LogoutAll(ctx context.Context, userID uint) (int64, error) {
	count, err := s.refreshSvc.RevokeAllUserRefreshTokens(ctx, userID)
	if err != nil {
		return 0, ErrStorageUnavailable
	}
	return count, nil
}
