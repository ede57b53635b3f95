package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-identity-server/auth"
	"github.com/jrsteele09/go-identity-server/authmodel"
	"github.com/jrsteele09/go-identity-server/claims"
	"github.com/jrsteele09/go-identity-server/credentials"
	credentialsrepofake "github.com/jrsteele09/go-identity-server/credentials/repofake"
	"github.com/jrsteele09/go-identity-server/internal/config"
	"github.com/jrsteele09/go-identity-server/internal/metrics"
	"github.com/jrsteele09/go-identity-server/server"
	tenantrepofakes "github.com/jrsteele09/go-identity-server/tenants/repofakes"
	"github.com/jrsteele09/go-identity-server/token"
	"github.com/jrsteele09/go-identity-server/token/jwt"
	"github.com/jrsteele09/go-identity-server/token/keys"
	keysrepofake "github.com/jrsteele09/go-identity-server/token/keys/repofake"
	"github.com/jrsteele09/go-identity-server/token/refresh"
	refreshrepofake "github.com/jrsteele09/go-identity-server/token/refresh/repofake"
	fakeuserrepo "github.com/jrsteele09/go-identity-server/users/repofake"
)

const (
	allowedOrigin = "https://app.example.com"
	email         = "a@x.com"
	password      = "Password123"
)

const testConfig = `
app:
  env: TEST
  base_url: https://id.example.com
cors:
  allowed_origins: ["https://app.example.com"]
tokens:
  audience: example-api
`

type testFixture struct {
	srv       *httptest.Server
	unhealthy atomic.Bool
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	keyManager := keys.NewManager(keysrepofake.NewFakeKeyRepo(), keys.WithMetrics(m))
	codec := jwt.NewCodec(config.Issuer(cfg), cfg.GetAudience())
	minter := jwt.NewMinter(keyManager, codec, cfg.GetAccessTokenTTL(), m)
	directory := tenantrepofakes.NewFakeDirectory()
	assembler := claims.NewAssembler(directory)

	service, err := auth.NewService(
		auth.Repos{
			Users:       fakeuserrepo.NewFakeUserRepo(),
			Credentials: credentialsrepofake.NewFakeCredentialRepo(),
			Resets:      credentialsrepofake.NewFakeResetRepo(),
			Directory:   directory,
		},
		auth.Engine{
			Hasher:      credentials.NewHasher(credentials.Params{MemoryKiB: 64, Iterations: 1, Parallelism: 1}),
			Keys:        keyManager,
			Codec:       codec,
			Minter:      minter,
			Refresh:     refresh.NewManager(refreshrepofake.NewFakeRefreshTokenRepo(), assembler, minter, refresh.WithMetrics(m)),
			Revocations: token.NewRegistry(token.NewInMemoryRevocationStore(), token.WithRegistryMetrics(m)),
			Claims:      assembler,
		},
		auth.WithMetrics(m),
		auth.WithProvisioner(directory),
	)
	require.NoError(t, err)

	f := &testFixture{}
	s, err := server.New(cfg, service,
		server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		server.WithHealthCheck("store", func(context.Context) error {
			if f.unhealthy.Load() {
				return errors.New("down")
			}
			return nil
		}),
	)
	require.NoError(t, err)

	f.srv = httptest.NewServer(s)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *testFixture) do(t *testing.T, method, path, bearer string, body any, out any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *testFixture) login(t *testing.T) authmodel.TokenResponse {
	t.Helper()
	var tokens authmodel.TokenResponse
	resp := f.do(t, http.MethodPost, server.RouteAuthLogin, "", authmodel.LoginRequest{Email: email, Password: password}, &tokens)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return tokens
}

func (f *testFixture) registerWithTenant(t *testing.T) {
	t.Helper()
	resp := f.do(t, http.MethodPost, server.RouteAuthRegister, "", authmodel.RegisterRequest{Email: email, Password: password}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	userOnly := f.login(t)
	resp = f.do(t, http.MethodPost, server.RouteTenants, userOnly.AccessToken, authmodel.CreateTenantRequest{Name: "Acme"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestRegisterAndLogin(t *testing.T) {
	f := setupTestFixture(t)

	var created authmodel.MeResponse
	resp := f.do(t, http.MethodPost, server.RouteAuthRegister, "", authmodel.RegisterRequest{Email: email, Password: password, DisplayName: "A"}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, email, created.Email)

	var errResp authmodel.ErrorResponse
	resp = f.do(t, http.MethodPost, server.RouteAuthRegister, "", authmodel.RegisterRequest{Email: email, Password: password}, &errResp)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, authmodel.CodeEmailTaken, errResp.Error)

	resp = f.do(t, http.MethodPost, server.RouteAuthRegister, "", authmodel.RegisterRequest{Email: "b@x.com", Password: "short"}, &errResp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, authmodel.CodeWeakPassword, errResp.Error)

	tokens := f.login(t)
	require.Empty(t, tokens.RefreshToken)
	require.Empty(t, tokens.TenantID)
	require.Equal(t, token.TokenTypeBearer, tokens.TokenType)
	require.InDelta(t, 900, tokens.ExpiresIn, 2)

	resp = f.do(t, http.MethodPost, server.RouteAuthLogin, "", authmodel.LoginRequest{Email: email, Password: "Wrong12345"}, &errResp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, authmodel.CodeInvalidCredentials, errResp.Error)

	resp = f.do(t, http.MethodPost, server.RouteAuthLogin, "", authmodel.LoginRequest{Email: email, Password: password, TenantID: "nope"}, &errResp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, authmodel.CodeAccountSuspended, errResp.Error)
}

func TestTenantSessionLifecycle(t *testing.T) {
	f := setupTestFixture(t)
	f.registerWithTenant(t)

	tokens := f.login(t)
	require.NotEmpty(t, tokens.RefreshToken)
	require.NotEmpty(t, tokens.TenantID)

	var me authmodel.MeResponse
	resp := f.do(t, http.MethodGet, server.RouteAuthMe, tokens.AccessToken, nil, &me)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, tokens.TenantID, me.TenantID)
	require.Contains(t, me.Roles, "owner")

	var rotated authmodel.TokenResponse
	resp = f.do(t, http.MethodPost, server.RouteAuthRefresh, "", authmodel.RefreshRequest{RefreshToken: tokens.RefreshToken}, &rotated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)

	var errResp authmodel.ErrorResponse
	resp = f.do(t, http.MethodPost, server.RouteAuthRefresh, "", authmodel.RefreshRequest{RefreshToken: tokens.RefreshToken}, &errResp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, authmodel.CodeTokenReuseDetected, errResp.Error)

	// the reuse burnt the whole family
	resp = f.do(t, http.MethodPost, server.RouteAuthRefresh, "", authmodel.RefreshRequest{RefreshToken: rotated.RefreshToken}, &errResp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, server.RouteAuthLogout, rotated.AccessToken, authmodel.LogoutRequest{}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, server.RouteAuthMe, rotated.AccessToken, nil, &errResp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, authmodel.CodeInvalidToken, errResp.Error)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
}

func TestLogoutAllAndPasswordChange(t *testing.T) {
	f := setupTestFixture(t)
	f.registerWithTenant(t)

	a := f.login(t)
	b := f.login(t)

	var out authmodel.LogoutAllResponse
	resp := f.do(t, http.MethodPost, server.RouteAuthLogoutAll, a.AccessToken, nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, out.Revoked)

	resp = f.do(t, http.MethodPost, server.RouteAuthRefresh, "", authmodel.RefreshRequest{RefreshToken: b.RefreshToken}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c := f.login(t)
	resp = f.do(t, http.MethodPost, server.RouteChangePassword, c.AccessToken,
		authmodel.ChangePasswordRequest{CurrentPassword: password, NewPassword: "NewPassword456"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, server.RouteAuthMe, c.AccessToken, nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = f.do(t, http.MethodPost, server.RouteAuthLogin, "", authmodel.LoginRequest{Email: email, Password: password}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestForgotPasswordDoesNotEnumerate(t *testing.T) {
	f := setupTestFixture(t)
	f.registerWithTenant(t)

	for _, addr := range []string{email, "nobody@x.com"} {
		resp := f.do(t, http.MethodPost, server.RouteForgotPassword, "", authmodel.ForgotPasswordRequest{Email: addr}, nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	var errResp authmodel.ErrorResponse
	resp := f.do(t, http.MethodPost, server.RouteResetPassword, "", authmodel.ResetPasswordRequest{Token: "bogus", NewPassword: "NewPassword456"}, &errResp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, authmodel.CodeInvalidToken, errResp.Error)
}

func TestRequestValidation(t *testing.T) {
	f := setupTestFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		bearer string
		body   any
		status int
		code   string
	}{
		{"missing fields", http.MethodPost, server.RouteAuthLogin, "", map[string]string{}, http.StatusBadRequest, authmodel.CodeInvalidRequest},
		{"unknown field", http.MethodPost, server.RouteAuthLogin, "", map[string]string{"username": "x"}, http.StatusBadRequest, authmodel.CodeInvalidRequest},
		{"no bearer", http.MethodGet, server.RouteAuthMe, "", nil, http.StatusUnauthorized, authmodel.CodeInvalidToken},
		{"garbage bearer", http.MethodPost, server.RouteTenants, "garbage", authmodel.CreateTenantRequest{Name: "x"}, http.StatusUnauthorized, authmodel.CodeInvalidToken},
		{"unknown refresh token", http.MethodPost, server.RouteAuthRefresh, "", authmodel.RefreshRequest{RefreshToken: "nope"}, http.StatusUnauthorized, authmodel.CodeInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp authmodel.ErrorResponse
			resp := f.do(t, tt.method, tt.path, tt.bearer, tt.body, &errResp)
			require.Equal(t, tt.status, resp.StatusCode)
			require.Equal(t, tt.code, errResp.Error)
			require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
		})
	}
}

func TestDiscoveryAndJWKS(t *testing.T) {
	f := setupTestFixture(t)
	f.registerWithTenant(t)

	var discovery map[string]any
	resp := f.do(t, http.MethodGet, server.RouteWellKnownOpenIDConfig, "", nil, &discovery)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "https://id.example.com", discovery["issuer"])
	require.Equal(t, "https://id.example.com/.well-known/jwks.json", discovery["jwks_uri"])

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	resp = f.do(t, http.MethodGet, server.RouteWellKnownJWKS, "", nil, &set)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, set.Keys, 1)
	require.Equal(t, "ES256", set.Keys[0]["alg"])
	require.NotContains(t, set.Keys[0], "d")
}

func TestCors(t *testing.T) {
	f := setupTestFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+server.RouteAuthLogin, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", allowedOrigin)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, allowedOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	req, err = http.NewRequest(http.MethodOptions, f.srv.URL+server.RouteAuthLogin, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = f.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthAndMetrics(t *testing.T) {
	f := setupTestFixture(t)

	resp := f.do(t, http.MethodGet, server.RouteHealth, "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.unhealthy.Store(true)
	resp = f.do(t, http.MethodGet, server.RouteHealth, "", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.registerWithTenant(t)
	resp, err := f.srv.Client().Get(f.srv.URL + server.RouteMetrics)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `identity_logins_total{result="success"}`)
	require.Contains(t, buf.String(), `identity_tokens_issued_total{kind="access"}`)
}
