package token_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-identity-server/token"
)

type testFixture struct {
	store    *token.InMemoryRevocationStore
	registry *token.Registry
	now      time.Time
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		store: token.NewInMemoryRevocationStore(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.registry = token.NewRegistry(f.store,
		token.WithRegistryNowFunc(func() time.Time { return f.now }),
		token.WithRegistryLeeway(30*time.Second),
	)
	return f
}

// signed returns a compact token carrying claims. The signature is never checked.
func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func TestBlacklistIsIdempotent(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	raw := signed(t, jwt.MapClaims{"jti": "jti-1", "sub": "user-1", "tid": "tenant-1", "exp": f.now.Add(time.Minute).Unix()})

	require.NoError(t, f.registry.Blacklist(ctx, raw, token.RevokedLogout, f.now))
	revoked, err := f.registry.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	require.True(t, revoked)

	require.NoError(t, f.registry.Blacklist(ctx, raw, token.RevokedPasswordChange, f.now))
	revoked, err = f.registry.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	require.True(t, revoked)

	revoked, err = f.registry.IsBlacklisted(ctx, "jti-2")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestBlacklistOutlivesExpiryByLeeway(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	exp := f.now.Add(time.Minute)

	require.NoError(t, f.registry.Blacklist(ctx, signed(t, jwt.MapClaims{"jti": "jti-1", "exp": exp.Unix()}), token.RevokedLogout, f.now))

	tests := []struct {
		name    string
		at      time.Time
		revoked bool
	}{
		{name: "before exp", at: exp.Add(-time.Second), revoked: true},
		{name: "inside leeway", at: exp.Add(29 * time.Second), revoked: true},
		{name: "past leeway", at: exp.Add(30 * time.Second), revoked: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f.now = tc.at
			revoked, err := f.registry.IsBlacklisted(ctx, "jti-1")
			require.NoError(t, err)
			require.Equal(t, tc.revoked, revoked)
		})
	}

	t.Run("a token inside the leeway can still be blacklisted", func(t *testing.T) {
		f.now = exp.Add(10 * time.Second)
		require.NoError(t, f.registry.Blacklist(ctx, signed(t, jwt.MapClaims{"jti": "jti-late", "exp": exp.Unix()}), token.RevokedLogout, f.now))
		revoked, err := f.registry.IsBlacklisted(ctx, "jti-late")
		require.NoError(t, err)
		require.True(t, revoked)
	})
}

func TestBlacklistIgnoresUnusableTokens(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
		jti  string
	}{
		{name: "unparseable", raw: "not-a-jwt", jti: ""},
		{name: "missing exp", raw: signed(t, jwt.MapClaims{"jti": "no-exp"}), jti: "no-exp"},
		{name: "missing jti", raw: signed(t, jwt.MapClaims{"exp": f.now.Add(time.Minute).Unix()}), jti: ""},
		{name: "past exp and leeway", raw: signed(t, jwt.MapClaims{"jti": "dead", "exp": f.now.Add(-time.Minute).Unix()}), jti: "dead"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, f.registry.Blacklist(ctx, tc.raw, token.RevokedLogout, f.now))
			revoked, err := f.store.IsRevoked(ctx, tc.jti, f.now.Add(-time.Hour))
			require.NoError(t, err)
			require.False(t, revoked)
		})
	}
}

func TestInMemoryRevocationStoreCleanup(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Add(ctx, &token.BlacklistEntry{JTI: "short", ExpiresAt: f.now.Add(time.Minute), RevokedAt: f.now}))
	require.NoError(t, f.store.Add(ctx, &token.BlacklistEntry{JTI: "long", ExpiresAt: f.now.Add(time.Hour), RevokedAt: f.now}))
	require.NoError(t, f.store.Add(ctx, &token.BlacklistEntry{JTI: "short", ExpiresAt: f.now.Add(time.Hour), RevokedAt: f.now}))

	f.store.Cleanup(f.now.Add(time.Minute))

	// checked at an earlier time so only removal can make it false
	revoked, err := f.store.IsRevoked(ctx, "short", f.now)
	require.NoError(t, err)
	require.False(t, revoked, "the first entry's expiry is kept and cleaned up")

	revoked, err = f.store.IsRevoked(ctx, "long", f.now)
	require.NoError(t, err)
	require.True(t, revoked)
}
