package keys

import (
	"context"
	"time"

	"github.com/pkg/errors"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
)

// Status is a signing key's lifecycle position:
// pending -> active -> rotate_out -> expired. Expired is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusRotateOut Status = "rotate_out"
	StatusExpired   Status = "expired"
)

// SigningKey is the persisted form of a process-wide signing key. The private
// key is only ever held encrypted by a keycrypt.Provider.
type SigningKey struct {
	KeyID               string     `json:"kid"`
	Algorithm           Algorithm  `json:"alg"`
	PublicKeyPEM        string     `json:"public_key"`
	PrivateKeyEncrypted []byte     `json:"-"`
	Status              Status     `json:"status"`
	ActivatedAt         *time.Time `json:"activated_at,omitempty"`
	RotatedOutAt        *time.Time `json:"rotated_out_at,omitempty"`
	ExpiresAt           time.Time  `json:"expires_at"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Activate moves a pending key to active.
func (k *SigningKey) Activate(now time.Time) error {
	if k.Status != StatusPending {
		return errors.Wrapf(apperrors.ErrIllegalTransition, "activate key %s from %s", k.KeyID, k.Status)
	}
	k.Status = StatusActive
	k.ActivatedAt = &now
	return nil
}

// RotateOut moves an active key to rotate_out. It stops signing but still verifies.
func (k *SigningKey) RotateOut(now time.Time) error {
	if k.Status != StatusActive {
		return errors.Wrapf(apperrors.ErrIllegalTransition, "rotate out key %s from %s", k.KeyID, k.Status)
	}
	k.Status = StatusRotateOut
	k.RotatedOutAt = &now
	return nil
}

// Expire retires the key from any state. It reports false when the key was already expired.
func (k *SigningKey) Expire(now time.Time) bool {
	if k.Status == StatusExpired {
		return false
	}
	k.Status = StatusExpired
	if now.Before(k.ExpiresAt) {
		k.ExpiresAt = now
	}
	return true
}

func (k *SigningKey) CanSign() bool {
	return k.Status == StatusActive
}

func (k *SigningKey) CanVerify() bool {
	return k.Status == StatusActive || k.Status == StatusRotateOut
}

// Repo persists signing keys. Implementations must guarantee at most one
// active key, reporting a violation as errors.ErrConflict.
type Repo interface {
	Create(ctx context.Context, key *SigningKey) error
	// Get returns errors.ErrNotFound for an unknown key id.
	Get(ctx context.Context, keyID string) (*SigningKey, error)
	// GetActive returns the most recently activated active key or errors.ErrNotFound.
	GetActive(ctx context.Context) (*SigningKey, error)
	// ListByStatus returns keys in any of the statuses, most recently created first.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*SigningKey, error)
	// Update stores key if its persisted status still equals expected, otherwise errors.ErrConflict.
	Update(ctx context.Context, key *SigningKey, expected Status) error
	// Promote atomically stores incoming (previously pending) and outgoing
	// (previously active, may be nil) in a single transaction.
	Promote(ctx context.Context, incoming, outgoing *SigningKey) error
}
