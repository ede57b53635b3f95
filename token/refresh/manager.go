package refresh

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/internal/metrics"
	"github.com/jrsteele09/go-identity-server/internal/utils"
	"github.com/jrsteele09/go-identity-server/token"
)

const (
	DefaultSlidingWindow  = 30 * 24 * time.Hour
	DefaultAbsoluteWindow = 90 * 24 * time.Hour
	DefaultTokenBytes     = 32
)

// ClaimsSource computes the current claims for a membership. It returns an
// error wrapping ErrAccountSuspended when the membership is no longer active.
type ClaimsSource interface {
	Assemble(ctx context.Context, userID, tenantID, memberID string) (*token.Claims, error)
}

// AccessTokenMinter signs an access token for claims.
type AccessTokenMinter interface {
	Mint(ctx context.Context, claims *token.Claims, now time.Time) (*token.AccessToken, error)
}

type ManagerOption func(*Manager)

func WithSlidingWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sliding = d
		}
	}
}

func WithAbsoluteWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.absolute = d
		}
	}
}

func WithTokenLength(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.tokenBytes = n
		}
	}
}

func WithRandReader(r io.Reader) ManagerOption {
	return func(m *Manager) {
		m.rand = r
	}
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// Manager issues refresh tokens and rotates them with reuse detection.
type Manager struct {
	repo       Repo
	claims     ClaimsSource
	minter     AccessTokenMinter
	sliding    time.Duration
	absolute   time.Duration
	tokenBytes int
	rand       io.Reader
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

func NewManager(repo Repo, claims ClaimsSource, minter AccessTokenMinter, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:       repo,
		claims:     claims,
		minter:     minter,
		sliding:    DefaultSlidingWindow,
		absolute:   DefaultAbsoluteWindow,
		tokenBytes: DefaultTokenBytes,
		rand:       rand.Reader,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HashToken returns the stored form of a plaintext refresh token.
func HashToken(plaintext string) []byte {
	sum := sha256.Sum256([]byte(plaintext))
	return sum[:]
}

func (m *Manager) newPlaintext() (string, error) {
	b := make([]byte, m.tokenBytes)
	if _, err := io.ReadFull(m.rand, b); err != nil {
		return "", errors.Wrap(err, "generating refresh token")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue starts a new family at generation 1 and returns the plaintext token
// with the stored row. The plaintext is never stored.
func (m *Manager) Issue(ctx context.Context, userID, tenantID, memberID string, client ClientInfo, now time.Time) (string, *StoredRefreshToken, error) {
	if userID == "" || tenantID == "" || memberID == "" {
		return "", nil, errors.Wrap(apperrors.ErrInvalidRequest, "[Manager.Issue] refresh tokens need a tenant membership")
	}
	plaintext, err := m.newPlaintext()
	if err != nil {
		return "", nil, errors.Wrap(err, "[Manager.Issue]")
	}

	row := &StoredRefreshToken{
		ID:                uuid.NewString(),
		TokenHash:         HashToken(plaintext),
		FamilyID:          uuid.NewString(),
		Generation:        1,
		UserID:            userID,
		TenantID:          tenantID,
		MemberID:          memberID,
		Client:            client,
		IssuedAt:          now,
		ExpiresAt:         now.Add(m.sliding),
		AbsoluteExpiresAt: now.Add(m.absolute),
	}
	if err := m.repo.Create(ctx, row); err != nil {
		return "", nil, errors.Wrap(err, "[Manager.Issue] storing refresh token")
	}
	m.metrics.TokenIssued("refresh")
	return plaintext, row, nil
}

// Rotate exchanges a refresh token for a new pair. Only infrastructure
// failures are returned as errors; every rejection is an Outcome.
func (m *Manager) Rotate(ctx context.Context, plaintext string, now time.Time) (*RotateResult, error) {
	res, err := m.rotate(ctx, plaintext, now)
	if err != nil {
		return nil, err
	}
	m.metrics.RefreshRotation(res.Outcome.String())
	return res, nil
}

func (m *Manager) rotate(ctx context.Context, plaintext string, now time.Time) (*RotateResult, error) {
	if plaintext == "" {
		return &RotateResult{Outcome: OutcomeNotFound}, nil
	}
	presented, err := m.repo.GetByHash(ctx, HashToken(plaintext))
	if errors.Is(err, apperrors.ErrNotFound) {
		return &RotateResult{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Rotate] looking up token")
	}

	if presented.IsRevoked() {
		return m.reuseDetected(ctx, presented, now)
	}
	if presented.IsExpired(now) {
		return &RotateResult{Outcome: OutcomeExpired, Presented: presented}, nil
	}

	claims, err := m.claims.Assemble(ctx, presented.UserID, presented.TenantID, presented.MemberID)
	if errors.Is(err, apperrors.ErrAccountSuspended) {
		return &RotateResult{Outcome: OutcomeMembershipInactive, Presented: presented}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Rotate] assembling claims")
	}

	access, err := m.minter.Mint(ctx, claims, now)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Rotate] minting access token")
	}

	nextPlaintext, err := m.newPlaintext()
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Rotate]")
	}
	next := &StoredRefreshToken{
		ID:                uuid.NewString(),
		TokenHash:         HashToken(nextPlaintext),
		FamilyID:          presented.FamilyID,
		Generation:        presented.Generation + 1,
		UserID:            presented.UserID,
		TenantID:          presented.TenantID,
		MemberID:          presented.MemberID,
		Client:            presented.Client,
		IssuedAt:          now,
		ExpiresAt:         utils.MinTime(now.Add(m.sliding), presented.AbsoluteExpiresAt),
		AbsoluteExpiresAt: presented.AbsoluteExpiresAt,
	}

	err = m.repo.Rotate(ctx, presented.ID, now, next)
	if errors.Is(err, apperrors.ErrConflict) {
		// lost the race against a concurrent rotation of the same token
		return m.reuseDetected(ctx, presented, now)
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Rotate] committing rotation")
	}

	m.metrics.TokenIssued("refresh")
	return &RotateResult{
		Outcome:   OutcomeRotated,
		Presented: presented,
		Next:      next,
		Pair: &token.Pair{
			AccessToken:           access.Token,
			AccessTokenExpiresAt:  access.ExpiresAt,
			RefreshToken:          nextPlaintext,
			RefreshTokenExpiresAt: next.ExpiresAt,
			TokenType:             token.TokenTypeBearer,
			Claims:                *claims,
		},
	}, nil
}

func (m *Manager) reuseDetected(ctx context.Context, presented *StoredRefreshToken, now time.Time) (*RotateResult, error) {
	n, err := m.repo.RevokeFamily(ctx, presented.FamilyID, ReasonReuseDetected, now)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Rotate] revoking family after reuse")
	}
	m.logger.Warn().
		Str("user_id", presented.UserID).
		Str("tenant_id", presented.TenantID).
		Str("family_id", presented.FamilyID).
		Int("generation", presented.Generation).
		Int("revoked", n).
		Msg("refresh token reuse detected")
	return &RotateResult{Outcome: OutcomeReuseDetected, Presented: presented, FamilyRevoked: n}, nil
}

// Revoke revokes the whole family of plaintext. Unknown tokens are ignored.
func (m *Manager) Revoke(ctx context.Context, plaintext string, reason RevokeReason, now time.Time) error {
	if plaintext == "" {
		return nil
	}
	row, err := m.repo.GetByHash(ctx, HashToken(plaintext))
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "[Manager.Revoke] looking up token")
	}
	if _, err := m.repo.RevokeFamily(ctx, row.FamilyID, reason, now); err != nil {
		return errors.Wrap(err, "[Manager.Revoke]")
	}
	return nil
}

// Lookup returns the row for plaintext without changing it.
func (m *Manager) Lookup(ctx context.Context, plaintext string) (*StoredRefreshToken, error) {
	row, err := m.repo.GetByHash(ctx, HashToken(plaintext))
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Lookup]")
	}
	return row, nil
}

func (m *Manager) RevokeAllForUserInTenant(ctx context.Context, userID, tenantID string, reason RevokeReason, now time.Time) (int, error) {
	n, err := m.repo.RevokeForUserInTenant(ctx, userID, tenantID, reason, now)
	if err != nil {
		return 0, errors.Wrap(err, "[Manager.RevokeAllForUserInTenant]")
	}
	return n, nil
}

// RevokeAllForUser revokes the user's active rows in every tenant.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string, reason RevokeReason, now time.Time) (int, error) {
	n, err := m.repo.RevokeForUser(ctx, userID, reason, now)
	if err != nil {
		return 0, errors.Wrap(err, "[Manager.RevokeAllForUser]")
	}
	return n, nil
}

// Family lists a family's rows ordered by generation.
func (m *Manager) Family(ctx context.Context, familyID string) ([]*StoredRefreshToken, error) {
	rows, err := m.repo.ListFamily(ctx, familyID)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Family]")
	}
	return rows, nil
}
