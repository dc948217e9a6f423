package refreshtoken

import (
	"time"
)

// RefreshToken is the persisted record of one refresh-token secret. Only the
// SHA-256 hash of the secret is ever stored. Records are never deleted on
// revocation; they transition to revoked and are garbage-collected later so
// reuse of a consumed token can still be detected.
type RefreshToken struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	UserID    uint       `json:"user_id" gorm:"not null;index"`
	TokenHash string     `json:"-" gorm:"uniqueIndex;size:64;not null"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"not null;index"`
	Revoked   bool       `json:"revoked" gorm:"not null;default:false;index"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	IPAddress string     `json:"ip_address" gorm:"size:64"`
	UserAgent string     `json:"user_agent" gorm:"size:512"`
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

// Usable reports whether the record may still be exchanged for a new pair.
func (r *RefreshToken) Usable(now time.Time) bool {
	return !r.Revoked && now.Before(r.ExpiresAt)
}

// SessionMetadata is the audit metadata captured when a token is issued.
type SessionMetadata struct {
	IPAddress string
	UserAgent string
}

// TokenData pairs a freshly generated raw secret with its stored record. The
// raw secret exists only here and in the response to the client.
type TokenData struct {
	Token  string
	Record *RefreshToken
}

// RotationResult is the outcome of a successful rotation.
type RotationResult struct {
	Token     string
	Record    *RefreshToken
	OldRecord *RefreshToken
}
