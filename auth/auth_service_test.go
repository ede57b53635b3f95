package auth_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-identity-server/auth"
	"github.com/jrsteele09/go-identity-server/claims"
	"github.com/jrsteele09/go-identity-server/credentials"
	credentialsrepofake "github.com/jrsteele09/go-identity-server/credentials/repofake"
	"github.com/jrsteele09/go-identity-server/events"
	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/tenants"
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
	issuer           = "https://id.example.com"
	audience         = "example-api"
	testUserEmail    = "a@x.com"
	testUserPassword = "Password123"
	newPassword      = "NewPassword456"
)

var testParams = credentials.Params{MemoryKiB: 64, Iterations: 1, Parallelism: 1}

type capturingMailer struct {
	lock   sync.Mutex
	tokens map[string]string
}

func (m *capturingMailer) SendPasswordReset(_ context.Context, email, resetToken string, _ time.Time) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.tokens[email] = resetToken
	return nil
}

type capturingPublisher struct {
	lock   sync.Mutex
	events []*events.SecurityEvent
}

func (p *capturingPublisher) Publish(_ context.Context, e *events.SecurityEvent) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturingPublisher) ofType(t events.Type) []*events.SecurityEvent {
	p.lock.Lock()
	defer p.lock.Unlock()
	var out []*events.SecurityEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// failingCredentialRepo fails every Upsert while failUpsert is set.
type failingCredentialRepo struct {
	*credentialsrepofake.FakeCredentialRepo
	failUpsert atomic.Bool
}

func (r *failingCredentialRepo) Upsert(ctx context.Context, cred *credentials.PasswordCredential) error {
	if r.failUpsert.Load() {
		return errors.New("credential store unavailable")
	}
	return r.FakeCredentialRepo.Upsert(ctx, cred)
}

// testFixture holds all test dependencies
type testFixture struct {
	users     *fakeuserrepo.FakeUserRepo
	creds     *failingCredentialRepo
	directory *tenantrepofakes.FakeDirectory
	hasher    *credentials.Hasher
	keys      *keys.Manager
	keyRepo   *keysrepofake.FakeKeyRepo
	mailer    *capturingMailer
	publisher *capturingPublisher
	service   *auth.Service
	now       time.Time
}

// setupTestFixture creates a new test fixture with all dependencies
func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{
		users:     fakeuserrepo.NewFakeUserRepo(),
		creds:     &failingCredentialRepo{FakeCredentialRepo: credentialsrepofake.NewFakeCredentialRepo()},
		directory: tenantrepofakes.NewFakeDirectory(),
		hasher:    credentials.NewHasher(testParams),
		mailer:    &capturingMailer{tokens: map[string]string{}},
		publisher: &capturingPublisher{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	nowFunc := func() time.Time { return f.now }

	f.keyRepo = keysrepofake.NewFakeKeyRepo()
	keyManager := keys.NewManager(f.keyRepo, keys.WithNowFunc(nowFunc))
	f.keys = keyManager
	codec := jwt.NewCodec(issuer, audience)
	minter := jwt.NewMinter(keyManager, codec, 15*time.Minute, nil)
	assembler := claims.NewAssembler(f.directory)

	service, err := auth.NewService(
		auth.Repos{
			Users:       f.users,
			Credentials: f.creds,
			Resets:      credentialsrepofake.NewFakeResetRepo(),
			Directory:   f.directory,
		},
		auth.Engine{
			Hasher:      f.hasher,
			Keys:        keyManager,
			Codec:       codec,
			Minter:      minter,
			Refresh:     refresh.NewManager(refreshrepofake.NewFakeRefreshTokenRepo(), assembler, minter),
			Revocations: token.NewRegistry(token.NewInMemoryRevocationStore(), token.WithRegistryNowFunc(nowFunc)),
			Claims:      assembler,
		},
		auth.WithNowFunc(nowFunc),
		auth.WithMailer(f.mailer),
		auth.WithPublisher(f.publisher),
		auth.WithProvisioner(f.directory),
	)
	require.NoError(t, err)
	f.service = service
	return f
}

func (f *testFixture) register(t *testing.T) string {
	t.Helper()
	u, err := f.service.Register(context.Background(), testUserEmail, testUserPassword, "A")
	require.NoError(t, err)
	return u.ID
}

func (f *testFixture) login(t *testing.T, password string) *token.Pair {
	t.Helper()
	pair, err := f.service.Login(context.Background(), auth.LoginRequest{Email: testUserEmail, Password: password})
	require.NoError(t, err)
	return pair
}

func rawClaims(t *testing.T, raw string) jwtlib.MapClaims {
	t.Helper()
	mc := jwtlib.MapClaims{}
	_, _, err := jwtlib.NewParser().ParseUnverified(raw, mc)
	require.NoError(t, err)
	return mc
}

func TestRegisterLoginCreateTenantScenario(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	userID := f.register(t)

	first := f.login(t, testUserPassword)
	require.True(t, first.IsUserOnly())
	require.NotContains(t, rawClaims(t, first.AccessToken), "tid")
	vt, err := f.service.Authenticate(ctx, first.AccessToken)
	require.NoError(t, err)
	require.Equal(t, userID, vt.UserID)
	require.True(t, vt.IsUserOnly())

	tenant, err := f.service.CreateTenant(ctx, first.AccessToken, "Acme")
	require.NoError(t, err)

	second := f.login(t, testUserPassword)
	require.False(t, second.IsUserOnly())
	mc := rawClaims(t, second.AccessToken)
	require.Equal(t, tenant.ID, mc["tid"])
	require.NotEmpty(t, mc["mid"])

	vt, err = f.service.Authenticate(ctx, second.AccessToken)
	require.NoError(t, err)
	require.Equal(t, tenant.ID, vt.TenantID)
	require.Contains(t, vt.Roles, tenants.OwnerRoleCode)
	require.True(t, vt.HasPermission("tenant.manage"))
}

func TestRegisterValidation(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	f.register(t)

	_, err := f.service.Register(ctx, "A@X.com ", testUserPassword, "dup")
	require.ErrorIs(t, err, apperrors.ErrEmailTaken)

	_, err = f.service.Register(ctx, "b@x.com", "weak", "b")
	require.ErrorIs(t, err, apperrors.ErrWeakPassword)

	_, err = f.service.Register(ctx, "not-an-email", testUserPassword, "c")
	require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestLoginDoesNotEnumerateAccounts(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	userID := f.register(t)

	_, unknownErr := f.service.Login(ctx, auth.LoginRequest{Email: "nobody@x.com", Password: testUserPassword})
	_, wrongErr := f.service.Login(ctx, auth.LoginRequest{Email: testUserEmail, Password: "Wrong12345"})
	require.ErrorIs(t, unknownErr, apperrors.ErrInvalidCredentials)
	require.ErrorIs(t, wrongErr, apperrors.ErrInvalidCredentials)
	require.Equal(t, unknownErr.Error(), wrongErr.Error())

	t.Run("blocked user", func(t *testing.T) {
		require.NoError(t, f.users.SetBlocked(ctx, userID, true))
		_, err := f.service.Login(ctx, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword})
		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	})

	require.Len(t, f.publisher.ofType(events.LoginFailed), 3)
}

func TestLoginRequestedTenant(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	userID := f.register(t)

	tenant, member, err := f.directory.CreateTenant(ctx, "Acme", userID)
	require.NoError(t, err)

	pair, err := f.service.Login(ctx, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword, TenantID: tenant.ID})
	require.NoError(t, err)
	require.Equal(t, tenant.ID, pair.Claims.TenantID)

	_, err = f.service.Login(ctx, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword, TenantID: "other"})
	require.ErrorIs(t, err, apperrors.ErrAccountSuspended)

	require.NoError(t, f.directory.SetMemberStatus(member.ID, tenants.MemberSuspended))
	_, err = f.service.Login(ctx, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword, TenantID: tenant.ID})
	require.ErrorIs(t, err, apperrors.ErrAccountSuspended)

	// with no tenant requested a suspended only membership falls back to user-only
	pair = f.login(t, testUserPassword)
	require.True(t, pair.IsUserOnly())
}

func TestLoginRehashesOutdatedHash(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	userID := f.register(t)

	old := credentials.NewHasher(credentials.Params{MemoryKiB: 32, Iterations: 1, Parallelism: 1})
	hash, err := old.Hash(testUserPassword)
	require.NoError(t, err)
	require.NoError(t, f.creds.Upsert(ctx, &credentials.PasswordCredential{UserID: userID, Hash: hash}))

	f.login(t, testUserPassword)

	cred, err := f.creds.Get(ctx, userID)
	require.NoError(t, err)
	require.True(t, strings.Contains(cred.Hash, "m=64,"))
	require.Equal(t, credentials.VerifySuccess, f.hasher.Verify(testUserPassword, cred.Hash))
}

func setupTenantUser(t *testing.T) (*testFixture, string, *tenants.Tenant) {
	t.Helper()
	f := setupTestFixture(t)
	userID := f.register(t)
	tenant, _, err := f.directory.CreateTenant(context.Background(), "Acme", userID)
	require.NoError(t, err)
	return f, userID, tenant
}

func TestRefreshAndReuse(t *testing.T) {
	f, userID, tenant := setupTenantUser(t)
	ctx := context.Background()

	pair := f.login(t, testUserPassword)
	f.now = f.now.Add(time.Minute)
	next, err := f.service.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	_, err = f.service.Authenticate(ctx, next.AccessToken)
	require.NoError(t, err)

	_, err = f.service.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, apperrors.ErrTokenReuseDetected)

	_, err = f.service.Refresh(ctx, next.RefreshToken)
	require.ErrorIs(t, err, apperrors.ErrTokenReuseDetected)

	reuse := f.publisher.ofType(events.RefreshTokenReuse)
	require.NotEmpty(t, reuse)
	require.Equal(t, userID, reuse[0].UserID)
	require.Equal(t, tenant.ID, reuse[0].TenantID)
	require.NotEmpty(t, reuse[0].FamilyID)

	_, err = f.service.Refresh(ctx, "garbage")
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestLogout(t *testing.T) {
	f, _, _ := setupTenantUser(t)
	ctx := context.Background()

	pair := f.login(t, testUserPassword)
	require.NoError(t, f.service.Logout(ctx, pair.AccessToken, pair.RefreshToken))

	_, err := f.service.Authenticate(ctx, pair.AccessToken)
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)

	_, err = f.service.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)

	require.ErrorIs(t, f.service.Logout(ctx, pair.AccessToken, ""), apperrors.ErrTokenInvalid)
}

func TestLogoutHoldsThroughClockSkew(t *testing.T) {
	f, _, _ := setupTenantUser(t)
	ctx := context.Background()

	pair := f.login(t, testUserPassword)
	exp := pair.AccessTokenExpiresAt

	f.now = exp.Add(-5 * time.Second)
	require.NoError(t, f.service.Logout(ctx, pair.AccessToken, ""))

	for _, offset := range []time.Duration{0, 10 * time.Second, token.DefaultLeeway - time.Second} {
		f.now = exp.Add(offset)
		_, err := f.service.Authenticate(ctx, pair.AccessToken)
		require.ErrorIs(t, err, apperrors.ErrTokenInvalid, "exp%+v", offset)
	}
}

func TestLogoutAll(t *testing.T) {
	f, _, _ := setupTenantUser(t)
	ctx := context.Background()

	a := f.login(t, testUserPassword)
	b := f.login(t, testUserPassword)

	n, err := f.service.LogoutAll(ctx, a.AccessToken)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = f.service.Refresh(ctx, b.RefreshToken)
	require.Error(t, err)
	_, err = f.service.Authenticate(ctx, a.AccessToken)
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
	require.Len(t, f.publisher.ofType(events.LogoutAll), 1)
}

func TestSwitchTenant(t *testing.T) {
	f, userID, first := setupTenantUser(t)
	ctx := context.Background()

	second, _, err := f.directory.CreateTenant(ctx, "Globex", userID)
	require.NoError(t, err)

	pair, err := f.service.Login(ctx, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword, TenantID: first.ID})
	require.NoError(t, err)

	switched, err := f.service.SwitchTenant(ctx, pair.AccessToken, second.ID, pair.RefreshToken, refresh.ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, second.ID, switched.Claims.TenantID)

	_, err = f.service.Authenticate(ctx, pair.AccessToken)
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
	_, err = f.service.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)

	_, err = f.service.SwitchTenant(ctx, switched.AccessToken, "not-a-member", "", refresh.ClientInfo{})
	require.ErrorIs(t, err, apperrors.ErrAccountSuspended)
}

func TestChangePassword(t *testing.T) {
	f, _, _ := setupTenantUser(t)
	ctx := context.Background()

	pair := f.login(t, testUserPassword)

	err := f.service.ChangePassword(ctx, pair.AccessToken, "Wrong12345", newPassword)
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	err = f.service.ChangePassword(ctx, pair.AccessToken, testUserPassword, "weak")
	require.ErrorIs(t, err, apperrors.ErrWeakPassword)

	require.NoError(t, f.service.ChangePassword(ctx, pair.AccessToken, testUserPassword, newPassword))

	_, err = f.service.Authenticate(ctx, pair.AccessToken)
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
	_, err = f.service.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)

	_, err = f.service.Login(ctx, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	f.login(t, newPassword)
	require.Len(t, f.publisher.ofType(events.PasswordChanged), 1)
}

func TestPasswordReset(t *testing.T) {
	f, _, _ := setupTenantUser(t)
	ctx := context.Background()

	pair := f.login(t, testUserPassword)

	require.NoError(t, f.service.RequestPasswordReset(ctx, "nobody@x.com"))
	require.Empty(t, f.mailer.tokens)

	require.NoError(t, f.service.RequestPasswordReset(ctx, "A@x.com"))
	resetToken := f.mailer.tokens[testUserEmail]
	require.NotEmpty(t, resetToken)

	require.ErrorIs(t, f.service.ResetPassword(ctx, "bogus", newPassword), apperrors.ErrTokenInvalid)
	require.ErrorIs(t, f.service.ResetPassword(ctx, resetToken, "weak"), apperrors.ErrWeakPassword)
	require.NoError(t, f.service.ResetPassword(ctx, resetToken, newPassword))
	require.ErrorIs(t, f.service.ResetPassword(ctx, resetToken, newPassword), apperrors.ErrTokenInvalid)

	_, err := f.service.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
	f.login(t, newPassword)

	t.Run("expired reset token", func(t *testing.T) {
		require.NoError(t, f.service.RequestPasswordReset(ctx, testUserEmail))
		token := f.mailer.tokens[testUserEmail]
		f.now = f.now.Add(2 * time.Hour)
		require.ErrorIs(t, f.service.ResetPassword(ctx, token, "Another789x"), apperrors.ErrTokenInvalid)
	})
}

func TestFailedPasswordWriteStillEndsSessions(t *testing.T) {
	t.Run("change", func(t *testing.T) {
		f, _, _ := setupTenantUser(t)
		ctx := context.Background()
		pair := f.login(t, testUserPassword)

		f.creds.failUpsert.Store(true)
		require.Error(t, f.service.ChangePassword(ctx, pair.AccessToken, testUserPassword, newPassword))
		f.creds.failUpsert.Store(false)

		_, err := f.service.Refresh(ctx, pair.RefreshToken)
		require.Error(t, err)
		f.login(t, testUserPassword)
		_, err = f.service.Login(ctx, auth.LoginRequest{Email: testUserEmail, Password: newPassword})
		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
		require.Empty(t, f.publisher.ofType(events.PasswordChanged))
	})

	t.Run("reset", func(t *testing.T) {
		f, _, _ := setupTenantUser(t)
		ctx := context.Background()
		pair := f.login(t, testUserPassword)
		require.NoError(t, f.service.RequestPasswordReset(ctx, testUserEmail))
		resetToken := f.mailer.tokens[testUserEmail]

		f.creds.failUpsert.Store(true)
		require.Error(t, f.service.ResetPassword(ctx, resetToken, newPassword))
		f.creds.failUpsert.Store(false)

		_, err := f.service.Refresh(ctx, pair.RefreshToken)
		require.Error(t, err)
		require.ErrorIs(t, f.service.ResetPassword(ctx, resetToken, newPassword), apperrors.ErrTokenInvalid)
		f.login(t, testUserPassword)
		require.Empty(t, f.publisher.ofType(events.PasswordReset))
	})

}

func TestAuthenticateAcrossKeyRotation(t *testing.T) {
	f, _, _ := setupTenantUser(t)
	ctx := context.Background()

	before := f.login(t, testUserPassword)
	_, err := f.keys.Rotate(ctx)
	require.NoError(t, err)
	after := f.login(t, testUserPassword)

	oldToken, err := f.service.Authenticate(ctx, before.AccessToken)
	require.NoError(t, err)
	newToken, err := f.service.Authenticate(ctx, after.AccessToken)
	require.NoError(t, err)
	require.NotEqual(t, oldToken.KeyID, newToken.KeyID)

	set, err := f.service.JWKS(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	// tokens signed by an expired key are rejected
	require.NoError(t, f.keys.Expire(ctx, oldToken.KeyID))
	_, err = f.service.Authenticate(ctx, before.AccessToken)
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
	_, err = f.service.Authenticate(ctx, after.AccessToken)
	require.NoError(t, err)
}

func TestAuthenticateTokenFromAnotherInstance(t *testing.T) {
	f, userID, _ := setupTenantUser(t)
	ctx := context.Background()

	// warms this instance's key caches
	before := f.login(t, testUserPassword)
	_, err := f.service.Authenticate(ctx, before.AccessToken)
	require.NoError(t, err)

	other := keys.NewManager(f.keyRepo, keys.WithNowFunc(func() time.Time { return f.now }))
	next, err := other.Rotate(ctx)
	require.NoError(t, err)
	minted, err := jwt.NewMinter(other, jwt.NewCodec(issuer, audience), 15*time.Minute, nil).
		Mint(ctx, claims.UserOnly(userID), f.now)
	require.NoError(t, err)
	require.Equal(t, next.KeyID, minted.KeyID)

	f.now = f.now.Add(time.Second)
	vt, err := f.service.Authenticate(ctx, minted.Token)
	require.NoError(t, err)
	require.Equal(t, userID, vt.UserID)

	_, err = f.service.Authenticate(ctx, before.AccessToken)
	require.NoError(t, err, "the rotated out key still verifies")
}

func TestCreateTenantValidation(t *testing.T) {
	f := setupTestFixture(t)
	f.register(t)
	pair := f.login(t, testUserPassword)

	_, err := f.service.CreateTenant(context.Background(), pair.AccessToken, "")
	require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	_, err = f.service.CreateTenant(context.Background(), "bad-token", "Acme")
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}
