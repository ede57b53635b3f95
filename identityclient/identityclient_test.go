package identityclient_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-identity-server/authmodel"
	"github.com/jrsteele09/go-identity-server/identityclient"
	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/token"
	"github.com/jrsteele09/go-identity-server/token/jwt"
	"github.com/jrsteele09/go-identity-server/token/keys"
)

const (
	issuer   = "https://id.example.com"
	audience = "example-api"
)

type verifierFixture struct {
	kp    *keys.KeyPair
	codec *jwt.Codec
	srv   *httptest.Server
}

func setupVerifierFixture(t *testing.T) *verifierFixture {
	t.Helper()

	kp, err := keys.GenerateKeyPair(keys.ES256, "kid-1")
	require.NoError(t, err)
	set, err := keys.BuildJWKS([]*keys.KeyPair{kp.Public()})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	return &verifierFixture{kp: kp, codec: jwt.NewCodec(issuer, audience), srv: srv}
}

func (f *verifierFixture) mint(t *testing.T, c *token.Claims, issuedAt time.Time) string {
	t.Helper()
	at, err := f.codec.Encode(c, f.kp, issuedAt, 15*time.Minute)
	require.NoError(t, err)
	return at.Token
}

func TestVerifierAcceptsServerTokens(t *testing.T) {
	f := setupVerifierFixture(t)
	ctx := context.Background()
	v := identityclient.NewVerifier(ctx, issuer, audience, f.srv.URL)

	raw := f.mint(t, &token.Claims{
		UserID:          "u1",
		TenantID:        "t1",
		MemberID:        "m1",
		OrganizationIDs: []string{"o1"},
		Roles:           []string{"owner"},
		Permissions:     []string{"members.manage", "tenant.manage"},
	}, time.Now())

	vt, err := v.Verify(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, "u1", vt.UserID)
	require.Equal(t, "t1", vt.TenantID)
	require.Equal(t, "m1", vt.MemberID)
	require.Equal(t, []string{"o1"}, vt.OrganizationIDs)
	require.True(t, vt.HasRole("owner"))
	require.Len(t, vt.Permissions, 2)
	require.NotEmpty(t, vt.JTI)

	t.Run("user-only token", func(t *testing.T) {
		vt, err := v.Verify(ctx, f.mint(t, &token.Claims{UserID: "u2"}, time.Now()))
		require.NoError(t, err)
		require.True(t, vt.IsUserOnly())
		require.Equal(t, []string{}, vt.Roles)
		require.Equal(t, []string{}, vt.Permissions)
	})
}

func TestVerifierRejects(t *testing.T) {
	f := setupVerifierFixture(t)
	ctx := context.Background()
	valid := f.mint(t, &token.Claims{UserID: "u1"}, time.Now())

	tests := []struct {
		name     string
		verifier *identityclient.Verifier
		raw      string
	}{
		{"wrong audience", identityclient.NewVerifier(ctx, issuer, "other-api", f.srv.URL), valid},
		{"wrong issuer", identityclient.NewVerifier(ctx, "https://evil.example.com", audience, f.srv.URL), valid},
		{"expired", identityclient.NewVerifier(ctx, issuer, audience, f.srv.URL), f.mint(t, &token.Claims{UserID: "u1"}, time.Now().Add(-time.Hour))},
		{"unsupported alg", identityclient.NewVerifier(ctx, issuer, audience, f.srv.URL, identityclient.WithSigningAlgs("RS256")), valid},
		{"garbage", identityclient.NewVerifier(ctx, issuer, audience, f.srv.URL), "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.verifier.Verify(ctx, tt.raw)
			require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
		})
	}
}

// fakeRefreshServer rotates refresh tokens r1 -> r2 -> r3 ... and reports
// reuse for anything else it has seen before.
type fakeRefreshServer struct {
	mu      sync.Mutex
	current string
	next    int
	calls   atomic.Int32
}

func (s *fakeRefreshServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	var req authmodel.RefreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if req.RefreshToken != s.current {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(authmodel.ErrorResponse{Error: authmodel.CodeTokenReuseDetected})
		return
	}
	s.next++
	s.current = fmt.Sprintf("r%d", s.next+1)
	_ = json.NewEncoder(w).Encode(authmodel.TokenResponse{
		AccessToken:  "access-" + s.current,
		TokenType:    token.TokenTypeBearer,
		ExpiresIn:    900,
		RefreshToken: s.current,
	})
}

func TestTokenSourceRotates(t *testing.T) {
	fake := &fakeRefreshServer{current: "r1"}
	mux := http.NewServeMux()
	mux.Handle("POST /auth/refresh", fake)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, srv.Client())
	expired := &oauth2.Token{AccessToken: "access-r1", RefreshToken: "r1", Expiry: time.Now().Add(-time.Minute)}
	ts := identityclient.NewTokenSource(ctx, srv.URL, expired)

	tok, err := ts.Token()
	require.NoError(t, err)
	require.Equal(t, "access-r2", tok.AccessToken)
	require.Equal(t, "r2", tok.RefreshToken)
	require.True(t, tok.Valid())

	// served from cache until expiry
	_, err = ts.Token()
	require.NoError(t, err)
	require.Equal(t, int32(1), fake.calls.Load())

	t.Run("reuse is reported", func(t *testing.T) {
		stale := &oauth2.Token{AccessToken: "x", RefreshToken: "r1", Expiry: time.Now().Add(-time.Minute)}
		_, err := identityclient.NewTokenSource(ctx, srv.URL, stale).Token()
		require.ErrorIs(t, err, apperrors.ErrTokenReuseDetected)
	})
}

func TestTokenFromResponse(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := identityclient.TokenFromResponse(authmodel.TokenResponse{
		AccessToken:  "a",
		TokenType:    "Bearer",
		ExpiresIn:    60,
		RefreshToken: "r",
	}, now)
	require.Equal(t, now.Add(time.Minute), tok.Expiry)
	require.Equal(t, "r", tok.RefreshToken)
	require.Equal(t, "https://id.example.com/.well-known/jwks.json", identityclient.JWKSURL("https://id.example.com/"))
}
