// Package identityclient holds helpers for services that consume tokens issued
// by the identity server.
package identityclient

import (
	"context"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"

	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/token"
)

// DefaultSigningAlgs are the algorithms the server can sign with.
var DefaultSigningAlgs = []string{oidc.ES256, oidc.ES384, oidc.RS256}

// Verifier validates access tokens against the server's published JWKS.
type Verifier struct {
	verifier *oidc.IDTokenVerifier
}

type VerifierOption func(*oidc.Config)

// WithSigningAlgs restricts the accepted algorithms.
func WithSigningAlgs(algs ...string) VerifierOption {
	return func(c *oidc.Config) {
		c.SupportedSigningAlgs = algs
	}
}

// WithClock sets the clock used for expiry checks (primarily for testing)
func WithClock(now func() time.Time) VerifierOption {
	return func(c *oidc.Config) {
		c.Now = now
	}
}

// NewVerifier fetches keys from jwksURL on demand. The remote key set caches
// keys and refetches when it sees an unknown kid, so key rotations are picked
// up without a restart.
func NewVerifier(ctx context.Context, issuer, audience, jwksURL string, opts ...VerifierOption) *Verifier {
	cfg := &oidc.Config{
		ClientID:             audience,
		SupportedSigningAlgs: DefaultSigningAlgs,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	return &Verifier{verifier: oidc.NewVerifier(issuer, keySet, cfg)}
}

// JWKSURL derives the JWKS location from the server's base URL.
func JWKSURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/.well-known/jwks.json"
}

type wireClaims struct {
	TenantID     string       `json:"tid"`
	MemberID     string       `json:"mid"`
	Organization stringOrList `json:"org"`
	Role         stringOrList `json:"role"`
	Permission   stringOrList `json:"permission"`
	JTI          string       `json:"jti"`
}

// Verify checks signature, issuer, audience and expiry. It does not consult
// the server's blacklist: a logged out token stays valid here until it expires.
func (v *Verifier) Verify(ctx context.Context, raw string) (*token.VerifiedToken, error) {
	idToken, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, errors.Wrap(apperrors.ErrTokenInvalid, err.Error())
	}

	var wc wireClaims
	if err := idToken.Claims(&wc); err != nil {
		return nil, errors.Wrap(apperrors.ErrTokenInvalid, "decoding claims")
	}
	if idToken.Subject == "" || wc.JTI == "" {
		return nil, errors.Wrap(apperrors.ErrTokenInvalid, "missing sub or jti")
	}

	return &token.VerifiedToken{
		Claims: token.Claims{
			UserID:          idToken.Subject,
			TenantID:        wc.TenantID,
			MemberID:        wc.MemberID,
			OrganizationIDs: wc.Organization.list(),
			Roles:           wc.Role.list(),
			Permissions:     wc.Permission.list(),
		},
		JTI:       wc.JTI,
		IssuedAt:  idToken.IssuedAt,
		ExpiresAt: idToken.Expiry,
	}, nil
}
