package refresh

import (
	"context"
	"time"
)

// RevokeReason records why a refresh token row stopped being usable.
type RevokeReason string

const (
	ReasonLogout         RevokeReason = "logout"
	ReasonRotation       RevokeReason = "rotation"
	ReasonReuseDetected  RevokeReason = "reuse_detected"
	ReasonAdmin          RevokeReason = "admin"
	ReasonPasswordChange RevokeReason = "password_change"
)

// ClientInfo describes the device a refresh chain was issued to.
type ClientInfo struct {
	DeviceID  string `json:"device_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// StoredRefreshToken is one generation of a refresh token family. Only the
// sha256 of the plaintext is stored. Rows are never deleted, only revoked.
type StoredRefreshToken struct {
	ID                string
	TokenHash         []byte
	FamilyID          string
	Generation        int
	UserID            string
	TenantID          string
	MemberID          string
	Client            ClientInfo
	IssuedAt          time.Time
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
	RevokedAt         *time.Time
	RevokedReason     RevokeReason
	ReplacedByID      string
}

func (t *StoredRefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpired reports whether either the sliding or the absolute window has passed.
func (t *StoredRefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt) || !now.Before(t.AbsoluteExpiresAt)
}

func (t *StoredRefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}

// Repo stores refresh token rows.
//
// Rotate must, in one transaction, revoke the row oldID with reason rotation
// only if it is not already revoked, and insert next. When oldID was already
// revoked it returns ErrConflict and inserts nothing.
//
// The Revoke methods only touch rows that are not already revoked and return
// how many rows they changed.
type Repo interface {
	Create(ctx context.Context, t *StoredRefreshToken) error
	GetByHash(ctx context.Context, hash []byte) (*StoredRefreshToken, error)
	Rotate(ctx context.Context, oldID string, revokedAt time.Time, next *StoredRefreshToken) error
	RevokeFamily(ctx context.Context, familyID string, reason RevokeReason, now time.Time) (int, error)
	RevokeForUserInTenant(ctx context.Context, userID, tenantID string, reason RevokeReason, now time.Time) (int, error)
	RevokeForUser(ctx context.Context, userID string, reason RevokeReason, now time.Time) (int, error)
	ListFamily(ctx context.Context, familyID string) ([]*StoredRefreshToken, error)
}
