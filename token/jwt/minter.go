package jwt

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-identity-server/internal/metrics"
	"github.com/jrsteele09/go-identity-server/token"
	"github.com/jrsteele09/go-identity-server/token/keys"
)

// SigningKeySource supplies the key new tokens are signed with.
type SigningKeySource interface {
	ActiveKeyPair(ctx context.Context) (*keys.KeyPair, error)
}

// Minter signs access tokens with the current active key.
type Minter struct {
	keys    SigningKeySource
	codec   *Codec
	ttl     time.Duration
	metrics *metrics.Metrics
}

func NewMinter(keySource SigningKeySource, codec *Codec, ttl time.Duration, m *metrics.Metrics) *Minter {
	return &Minter{
		keys:    keySource,
		codec:   codec,
		ttl:     ttl,
		metrics: m,
	}
}

// Mint fails when no signing key can be obtained rather than falling back to
// a stale key.
func (m *Minter) Mint(ctx context.Context, claims *token.Claims, now time.Time) (*token.AccessToken, error) {
	kp, err := m.keys.ActiveKeyPair(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[Minter.Mint] loading signing key")
	}
	at, err := m.codec.Encode(claims, kp, now, m.ttl)
	if err != nil {
		return nil, errors.Wrap(err, "[Minter.Mint]")
	}
	m.metrics.TokenIssued("access")
	return at, nil
}

// TTL is the lifetime given to minted tokens.
func (m *Minter) TTL() time.Duration {
	return m.ttl
}
