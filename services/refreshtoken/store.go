package refreshtoken

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTokenNotFound = errors.New("refresh token not found")
	ErrTokenExpired  = errors.New("refresh token expired")
	ErrTokenRevoked  = errors.New("refresh token already revoked")
)

// Store is the persistence contract for refresh-token records. Records are
// addressed by token hash; implementations must make Rotate atomic so that of
// two concurrent rotations of the same hash exactly one succeeds.
type Store interface {
	Create(ctx context.Context, record *RefreshToken) error

	// FindValidByHash returns ErrTokenNotFound for missing, revoked and
	// expired records alike; callers cannot tell those apart here.
	FindValidByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// FindByHash also returns revoked and expired records. Reuse detection
	// depends on seeing revoked rows.
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// Revoke is idempotent: revoking an already-revoked record succeeds and
	// keeps the original RevokedAt.
	Revoke(ctx context.Context, tokenHash string) error

	// RevokeAllForUser returns how many records transitioned valid -> revoked.
	RevokeAllForUser(ctx context.Context, userID uint) (int64, error)

	// ListActiveForUser returns the user's usable records, newest first.
	ListActiveForUser(ctx context.Context, userID uint) ([]*RefreshToken, error)

	// Rotate revokes the record matching oldHash and persists next with the
	// owner copied over, all in one transaction. It returns the old record on
	// success, ErrTokenRevoked if the record was already consumed (the reuse
	// signal, and what the loser of a concurrent rotation observes),
	// ErrTokenExpired past expiry, and ErrTokenNotFound otherwise.
	Rotate(ctx context.Context, oldHash string, next *RefreshToken) (*RefreshToken, error)

	// DeleteExpired removes records that have been in a terminal state for
	// longer than retention.
	DeleteExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// GormStore is the primary Store implementation, backed by the shared gorm
// handle (sqlite, postgres or mysql).
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, record *RefreshToken) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func (s *GormStore) FindValidByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	record, err := s.FindByHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if !record.Usable(time.Now()) {
		return nil, ErrTokenNotFound
	}
	return record, nil
}

func (s *GormStore) FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var record RefreshToken
	err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &record, nil
}

func (s *GormStore) Revoke(ctx context.Context, tokenHash string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&RefreshToken{}).
		Where("token_hash = ? AND revoked = ?", tokenHash, false).
		Updates(map[string]any{"revoked": true, "revoked_at": now}).Error
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

func (s *GormStore) RevokeAllForUser(ctx context.Context, userID uint) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&RefreshToken{}).
		Where("user_id = ? AND revoked = ? AND expires_at > ?", userID, false, now).
		Updates(map[string]any{"revoked": true, "revoked_at": now})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to revoke user refresh tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) ListActiveForUser(ctx context.Context, userID uint) ([]*RefreshToken, error) {
	var records []*RefreshToken
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND revoked = ? AND expires_at > ?", userID, false, time.Now()).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	return records, nil
}

func (s *GormStore) Rotate(ctx context.Context, oldHash string, next *RefreshToken) (*RefreshToken, error) {
	var old RefreshToken

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row lock serializes concurrent rotations of the same token. SQLite
		// has no FOR UPDATE; its single-writer transactions serialize anyway.
		query := tx.Where("token_hash = ?", oldHash)
		if tx.Dialector.Name() != "sqlite" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := query.First(&old).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTokenNotFound
			}
			return fmt.Errorf("database error: %w", err)
		}

		if old.Revoked {
			return ErrTokenRevoked
		}

		now := time.Now()
		if !now.Before(old.ExpiresAt) {
			return ErrTokenExpired
		}

		if err := tx.Model(&old).
			Updates(map[string]any{"revoked": true, "revoked_at": now}).Error; err != nil {
			return fmt.Errorf("failed to revoke rotated token: %w", err)
		}
		old.Revoked = true
		old.RevokedAt = &now

		next.UserID = old.UserID
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("failed to store rotated token: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &old, nil
}

func (s *GormStore) DeleteExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result := s.db.WithContext(ctx).
		Where("expires_at < ? OR (revoked = ? AND revoked_at < ?)", cutoff, true, cutoff).
		Delete(&RefreshToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}
