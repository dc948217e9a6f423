package totp

import (
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/logging"
)

var (
	ErrTOTPDisabled    = errors.New("TOTP is disabled")
	ErrInvalidCode     = errors.New("invalid TOTP code")
	ErrSecretExists    = errors.New("TOTP secret already exists for user")
	ErrSecretNotFound  = errors.New("TOTP secret not found for user")
	ErrCodeAlreadyUsed = errors.New("TOTP code has already been used")
)

// usedCodeWindow is how long a consumed code stays blocked. It covers the
// 30-second step plus the one-step clock skew totp.Validate accepts on
// either side.
const usedCodeWindow = 90 * time.Second

// Service manages per-user TOTP enrollment and verification. Secrets are
// stored unconfirmed until the user proves possession of the authenticator
// with a first valid code.
type Service struct {
	config *config.Config
	db     *gorm.DB
	logger *logging.Service
}

func NewService(cfg *config.Config, db *gorm.DB, logger *logging.Service) *Service {
	return &Service{
		config: cfg,
		db:     db,
		logger: logger,
	}
}

// GenerateSecret creates a new, not-yet-enabled secret for userID. Enrolling
// again after a disable reuses the soft-deleted row so the unique index on
// user_id stays satisfied.
func (s *Service) GenerateSecret(userID uint, accountName string) (*TOTPSecret, error) {
	if !s.config.TOTP.Enabled {
		return nil, ErrTOTPDisabled
	}

	var existing TOTPSecret
	if err := s.db.Where("user_id = ?", userID).First(&existing).Error; err == nil {
		return nil, ErrSecretExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check existing TOTP secret: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.TOTP.Issuer,
		AccountName: accountName,
	})
	if err != nil {
		s.logger.Error("TOTP key generation failed", zap.Error(err), zap.Uint("user_id", userID))
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	var deleted TOTPSecret
	if err := s.db.Unscoped().Where("user_id = ? AND deleted_at IS NOT NULL", userID).First(&deleted).Error; err == nil {
		deleted.Secret = key.Secret()
		deleted.Enabled = false
		deleted.DeletedAt = gorm.DeletedAt{}
		if err := s.db.Unscoped().Save(&deleted).Error; err != nil {
			return nil, fmt.Errorf("failed to restore TOTP secret: %w", err)
		}
		s.logger.Info("TOTP secret re-enrolled", zap.Uint("user_id", userID))
		return &deleted, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check deleted TOTP secret: %w", err)
	}

	secret := &TOTPSecret{
		UserID:  userID,
		Secret:  key.Secret(),
		Enabled: false,
	}
	if err := s.db.Create(secret).Error; err != nil {
		return nil, fmt.Errorf("failed to store TOTP secret: %w", err)
	}

	s.logger.Info("TOTP secret generated", zap.Uint("user_id", userID))
	return secret, nil
}

func (s *Service) GetSecret(userID uint) (*TOTPSecret, error) {
	if !s.config.TOTP.Enabled {
		return nil, ErrTOTPDisabled
	}

	var secret TOTPSecret
	if err := s.db.Where("user_id = ?", userID).First(&secret).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to retrieve TOTP secret: %w", err)
	}
	return &secret, nil
}

// EnableTOTP confirms enrollment: the user must present a valid code from
// their authenticator before the secret starts gating logins.
func (s *Service) EnableTOTP(userID uint, code string) error {
	if !s.config.TOTP.Enabled {
		return ErrTOTPDisabled
	}

	secret, err := s.GetSecret(userID)
	if err != nil {
		return err
	}

	if !totp.Validate(code, secret.Secret) {
		s.logger.Warn("TOTP enable rejected - invalid verification code", zap.Uint("user_id", userID))
		return ErrInvalidCode
	}

	secret.Enabled = true
	if err := s.db.Save(secret).Error; err != nil {
		return fmt.Errorf("failed to enable TOTP: %w", err)
	}

	s.logger.Info("TOTP enabled", zap.Uint("user_id", userID))
	return nil
}

// DisableTOTP removes the secret and the user's used-code history in one
// transaction.
func (s *Service) DisableTOTP(userID uint) error {
	if !s.config.TOTP.Enabled {
		return ErrTOTPDisabled
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ?", userID).Delete(&TOTPSecret{})
		if result.Error != nil {
			return fmt.Errorf("failed to disable TOTP: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrSecretNotFound
		}

		if err := tx.Where("user_id = ?", userID).Delete(&UsedCode{}).Error; err != nil {
			return fmt.Errorf("failed to clean up used codes: %w", err)
		}

		s.logger.Info("TOTP disabled", zap.Uint("user_id", userID))
		return nil
	})
}

// ProvisioningURI renders the otpauth URI the user scans into their
// authenticator app.
func (s *Service) ProvisioningURI(secret *TOTPSecret, accountName string) (string, error) {
	if !s.config.TOTP.Enabled {
		return "", ErrTOTPDisabled
	}

	issuer := s.config.TOTP.Issuer
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s", issuer, accountName, secret.Secret, issuer), nil
}

// IsEnabled reports whether userID has a confirmed TOTP enrollment. With
// TOTP switched off globally every user reads as unenrolled.
func (s *Service) IsEnabled(userID uint) (bool, error) {
	if !s.config.TOTP.Enabled {
		return false, nil
	}

	secret, err := s.GetSecret(userID)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return false, nil
		}
		return false, err
	}
	return secret.Enabled, nil
}

// ValidateCode checks a code against the user's confirmed secret and burns
// it so it cannot be replayed within the acceptance window.
func (s *Service) ValidateCode(userID uint, code string) error {
	if !s.config.TOTP.Enabled {
		return ErrTOTPDisabled
	}

	secret, err := s.GetSecret(userID)
	if err != nil {
		return err
	}
	if !secret.Enabled {
		return ErrSecretNotFound
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		cutoff := time.Now().Add(-usedCodeWindow).Unix()
		var used UsedCode
		if err := tx.Where("user_id = ? AND code = ? AND used_at > ?", userID, code, cutoff).First(&used).Error; err == nil {
			s.logger.Warn("TOTP code replay rejected", zap.Uint("user_id", userID))
			return ErrCodeAlreadyUsed
		}

		if !totp.Validate(code, secret.Secret) {
			s.logger.Warn("TOTP verification failed - invalid code", zap.Uint("user_id", userID))
			return ErrInvalidCode
		}

		if err := tx.Create(&UsedCode{UserID: userID, Code: code, UsedAt: time.Now().Unix()}).Error; err != nil {
			return fmt.Errorf("failed to store used code: %w", err)
		}
		return nil
	})
}

// CleanupUsedCodes drops used-code rows older than the acceptance window.
func (s *Service) CleanupUsedCodes() error {
	if !s.config.TOTP.Enabled {
		return nil
	}

	cutoff := time.Now().Add(-usedCodeWindow).Unix()
	result := s.db.Where("used_at < ?", cutoff).Delete(&UsedCode{})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected > 0 {
		s.logger.Debug("cleaned up used TOTP codes", zap.Int64("count", result.RowsAffected))
	}
	return nil
}
