package token

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-identity-server/internal/metrics"
)

// RevocationReason records why an access token was blacklisted.
type RevocationReason string

const (
	RevokedLogout         RevocationReason = "logout"
	RevokedPasswordChange RevocationReason = "password_change"
	RevokedAdmin          RevocationReason = "admin"
	RevokedSecurity       RevocationReason = "security"
)

// DefaultLeeway is the clock skew tolerated past a token's exp. A blacklist
// entry outlives exp by the same amount.
const DefaultLeeway = 30 * time.Second

// BlacklistEntry marks an access token id as rejected until ExpiresAt, which is
// the token's exp plus the verification leeway. After ExpiresAt the token is
// dead anyway and the entry can be purged.
type BlacklistEntry struct {
	ID        string           `json:"id"`
	JTI       string           `json:"jti"`
	ExpiresAt time.Time        `json:"expires_at"`
	RevokedAt time.Time        `json:"revoked_at"`
	Reason    RevocationReason `json:"reason"`
	UserID    string           `json:"user_id,omitempty"`
	TenantID  string           `json:"tenant_id,omitempty"`
}

// RevocationStore persists blacklist entries. Adding an already present jti
// must succeed without changing the stored entry. IsRevoked only considers
// entries that have not expired at now.
type RevocationStore interface {
	Add(ctx context.Context, entry *BlacklistEntry) error
	IsRevoked(ctx context.Context, jti string, now time.Time) (bool, error)
}

// InMemoryRevocationStore is a process local store for tests and single node use.
type InMemoryRevocationStore struct {
	revoked map[string]BlacklistEntry
	mu      sync.RWMutex
}

var _ RevocationStore = (*InMemoryRevocationStore)(nil)

func NewInMemoryRevocationStore() *InMemoryRevocationStore {
	return &InMemoryRevocationStore{
		revoked: make(map[string]BlacklistEntry),
	}
}

func (c *InMemoryRevocationStore) Add(_ context.Context, entry *BlacklistEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.revoked[entry.JTI]; exists {
		return nil
	}
	c.revoked[entry.JTI] = *entry
	return nil
}

func (c *InMemoryRevocationStore) IsRevoked(_ context.Context, jti string, now time.Time) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, exists := c.revoked[jti]
	return exists && now.Before(e.ExpiresAt), nil
}

// Cleanup removes entries that expired before now.
func (c *InMemoryRevocationStore) Cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for jti, e := range c.revoked {
		if !now.Before(e.ExpiresAt) {
			delete(c.revoked, jti)
		}
	}
}

type RegistryOption func(*Registry)

func WithRegistryNowFunc(f func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.nowFunc = f
	}
}

func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithRegistryLeeway must match the leeway the access token codec accepts.
func WithRegistryLeeway(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.leeway = d
	}
}

func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry is the access token blacklist.
type Registry struct {
	store   RevocationStore
	nowFunc func() time.Time
	leeway  time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewRegistry(store RevocationStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:   store,
		nowFunc: time.Now,
		leeway:  DefaultLeeway,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Blacklist rejects accessToken until it can no longer verify, that is exp
// plus the leeway. The token is read without verifying its signature. Tokens
// with no jti or no usable exp, and tokens already past exp plus leeway, are
// ignored.
func (r *Registry) Blacklist(ctx context.Context, accessToken string, reason RevocationReason, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil
	}

	jti, _ := claims["jti"].(string)
	exp, err := claims.GetExpirationTime()
	if jti == "" || err != nil || exp == nil {
		return nil
	}
	deadAt := exp.Time.Add(r.leeway)
	if !now.Before(deadAt) {
		return nil
	}

	userID, _ := claims.GetSubject()
	tenantID, _ := claims[ClaimTenantID].(string)

	entry := &BlacklistEntry{
		JTI:       jti,
		ExpiresAt: deadAt,
		RevokedAt: now,
		Reason:    reason,
		UserID:    userID,
		TenantID:  tenantID,
	}
	if err := r.store.Add(ctx, entry); err != nil {
		return errors.Wrap(err, "[Registry.Blacklist] storing entry")
	}
	r.metrics.AccessTokenBlacklisted()
	r.logger.Debug().Str("jti", jti).Str("reason", string(reason)).Msg("access token blacklisted")
	return nil
}

// IsBlacklisted reports whether jti is currently rejected.
func (r *Registry) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	revoked, err := r.store.IsRevoked(ctx, jti, r.nowFunc())
	if err != nil {
		return false, errors.Wrap(err, "[Registry.IsBlacklisted]")
	}
	return revoked, nil
}

// Wire names of the custom claims.
const (
	ClaimTenantID     = "tid"
	ClaimMemberID     = "mid"
	ClaimOrganization = "org"
	ClaimRole         = "role"
	ClaimPermission   = "permission"
)
