package credentials

import (
	"context"
	"crypto/sha256"
	"time"
)

// PasswordCredential is the single password hash owned by a user. It is
// updated in place on password change and on transparent rehash.
type PasswordCredential struct {
	UserID    string    `json:"user_id"`
	Hash      string    `json:"-"` // PHC string
	Algorithm string    `json:"algorithm"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResetToken is a single use password reset grant. Only the sha256 of the
// plaintext handed to the user is stored.
type ResetToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TokenHash []byte     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// Usable reports whether the reset token has not been used and has not expired.
func (r *ResetToken) Usable(now time.Time) bool {
	return r.UsedAt == nil && now.Before(r.ExpiresAt)
}

type Repo interface {
	// Get returns errors.ErrNotFound when the user has no credential.
	Get(ctx context.Context, userID string) (*PasswordCredential, error)
	Upsert(ctx context.Context, cred *PasswordCredential) error
}

type ResetRepo interface {
	Create(ctx context.Context, token *ResetToken) error
	// GetByHash returns errors.ErrNotFound when no token has the hash.
	GetByHash(ctx context.Context, hash []byte) (*ResetToken, error)
	// MarkUsed sets UsedAt only if the token is unused; otherwise it returns errors.ErrConflict.
	MarkUsed(ctx context.Context, id string, at time.Time) error
}

// HashResetToken returns the lookup hash for a plaintext reset token.
func HashResetToken(plaintext string) []byte {
	sum := sha256.Sum256([]byte(plaintext))
	return sum[:]
}
