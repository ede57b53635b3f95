package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-identity-server/claims"
	"github.com/jrsteele09/go-identity-server/credentials"
	"github.com/jrsteele09/go-identity-server/events"
	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/internal/metrics"
	"github.com/jrsteele09/go-identity-server/tenants"
	"github.com/jrsteele09/go-identity-server/token"
	"github.com/jrsteele09/go-identity-server/token/jwt"
	"github.com/jrsteele09/go-identity-server/token/keys"
	"github.com/jrsteele09/go-identity-server/token/refresh"
	"github.com/jrsteele09/go-identity-server/users"
)

const (
	resetTokenBytes = 32
	defaultResetTTL = time.Hour
	dummyPassword   = "dummy-password-for-timing"
)

// Repos holds the storage the service reads and writes.
type Repos struct {
	Users       users.UserRepo
	Credentials credentials.Repo
	Resets      credentials.ResetRepo
	Directory   tenants.Directory
}

// Engine holds the token machinery the service orchestrates.
type Engine struct {
	Hasher      *credentials.Hasher
	Keys        *keys.Manager
	Codec       *jwt.Codec
	Minter      *jwt.Minter
	Refresh     *refresh.Manager
	Revocations *token.Registry
	Claims      *claims.Assembler
}

// LoginRequest carries the credentials of a login. TenantID is optional; when
// empty the user's oldest active membership is used.
type LoginRequest struct {
	Email    string
	Password string
	TenantID string
	Client   refresh.ClientInfo
}

// Service runs the login, refresh, logout and password flows.
type Service struct {
	repos       Repos
	engine      Engine
	provisioner tenants.Provisioner
	mailer      Mailer
	publisher   events.Publisher
	resetTTL    time.Duration
	dummyHash   string
	nowFunc     func() time.Time
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type ServiceOption func(*Service)

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(f func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowFunc = f
	}
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) {
		s.mailer = m
	}
}

func WithPublisher(p events.Publisher) ServiceOption {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithResetTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.resetTTL = d
		}
	}
}

// WithProvisioner enables CreateTenant.
func WithProvisioner(p tenants.Provisioner) ServiceOption {
	return func(s *Service) {
		s.provisioner = p
	}
}

// NewService validates its dependencies and prepares the hash used to keep
// unknown email logins as slow as real ones.
func NewService(repos Repos, engine Engine, options ...ServiceOption) (*Service, error) {
	switch {
	case repos.Users == nil:
		return nil, errors.New("[NewService] Users repo is required")
	case repos.Credentials == nil:
		return nil, errors.New("[NewService] Credentials repo is required")
	case repos.Resets == nil:
		return nil, errors.New("[NewService] Resets repo is required")
	case repos.Directory == nil:
		return nil, errors.New("[NewService] Directory is required")
	case engine.Hasher == nil || engine.Keys == nil || engine.Codec == nil || engine.Minter == nil:
		return nil, errors.New("[NewService] hasher, keys, codec and minter are required")
	case engine.Refresh == nil || engine.Revocations == nil || engine.Claims == nil:
		return nil, errors.New("[NewService] refresh, revocations and claims are required")
	}

	s := &Service{
		repos:    repos,
		engine:   engine,
		resetTTL: defaultResetTTL,
		nowFunc:  time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.mailer == nil {
		s.mailer = NewLogMailer(s.logger)
	}
	if s.publisher == nil {
		s.publisher = events.NewLogPublisher(s.logger)
	}

	dummy, err := engine.Hasher.Hash(dummyPassword)
	if err != nil {
		return nil, errors.Wrap(err, "[NewService] preparing dummy hash")
	}
	s.dummyHash = dummy
	return s, nil
}

// Register creates a user and its password credential.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (*users.User, error) {
	email = users.NormalizeEmail(email)
	if err := users.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := credentials.ValidatePasswordStrength(password); err != nil {
		return nil, err
	}
	hash, err := s.engine.Hasher.Hash(password)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Register] hashing password")
	}

	now := s.nowFunc()
	user := &users.User{
		Email:       email,
		DisplayName: displayName,
		DateJoined:  now,
	}
	if err := s.repos.Users.Create(ctx, user); err != nil {
		if errors.Is(err, apperrors.ErrEmailTaken) {
			return nil, apperrors.ErrEmailTaken
		}
		return nil, errors.Wrap(err, "[Service.Register] creating user")
	}
	if err := s.repos.Credentials.Upsert(ctx, &credentials.PasswordCredential{
		UserID:    user.ID,
		Hash:      hash,
		Algorithm: credentials.AlgorithmArgon2id,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, errors.Wrap(err, "[Service.Register] storing credential")
	}

	s.publish(ctx, events.New(events.UserRegistered, user.ID, "", now))
	return user, nil
}

// Login checks the password and returns a token pair. A user with no active
// membership, who asked for no tenant, gets a user-only pair without a
// refresh token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*token.Pair, error) {
	now := s.nowFunc()
	email := users.NormalizeEmail(req.Email)

	user, err := s.repos.Users.GetByEmail(ctx, email)
	if errors.Is(err, apperrors.ErrNotFound) {
		s.engine.Hasher.Verify(req.Password, s.dummyHash)
		return nil, s.loginFailed(ctx, "", "unknown_email", now)
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Login] loading user")
	}

	cred, err := s.repos.Credentials.Get(ctx, user.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		s.engine.Hasher.Verify(req.Password, s.dummyHash)
		return nil, s.loginFailed(ctx, user.ID, "no_credential", now)
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Login] loading credential")
	}

	result := s.engine.Hasher.Verify(req.Password, cred.Hash)
	if !result.Ok() {
		return nil, s.loginFailed(ctx, user.ID, "bad_password", now)
	}
	if !user.CanLogin() {
		return nil, s.loginFailed(ctx, user.ID, "blocked", now)
	}
	if result == credentials.VerifySuccessRehashNeeded {
		s.rehash(ctx, cred, req.Password, now)
	}

	member, err := s.loginMember(ctx, user.ID, req.TenantID)
	if err != nil {
		s.metrics.Login("suspended")
		return nil, err
	}

	pair, err := s.issuePair(ctx, user.ID, member, req.Client, now)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Login]")
	}
	if err := s.repos.Users.SetLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("recording last login")
	}
	s.metrics.Login("success")
	return pair, nil
}

func (s *Service) loginFailed(ctx context.Context, userID, reason string, now time.Time) error {
	s.metrics.Login("invalid")
	e := events.New(events.LoginFailed, userID, "", now)
	e.Details = map[string]string{"reason": reason}
	s.publish(ctx, e)
	return apperrors.ErrInvalidCredentials
}

func (s *Service) rehash(ctx context.Context, cred *credentials.PasswordCredential, password string, now time.Time) {
	hash, err := s.engine.Hasher.Hash(password)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", cred.UserID).Msg("rehashing password")
		return
	}
	cred.Hash = hash
	cred.Algorithm = credentials.AlgorithmArgon2id
	cred.UpdatedAt = now
	if err := s.repos.Credentials.Upsert(ctx, cred); err != nil {
		s.logger.Error().Err(err).Str("user_id", cred.UserID).Msg("storing rehashed password")
		return
	}
	s.logger.Info().Str("user_id", cred.UserID).Msg("password hash upgraded to current parameters")
}

// loginMember resolves the membership a login binds to. A nil member with a
// nil error means user-only.
func (s *Service) loginMember(ctx context.Context, userID, tenantID string) (*tenants.Member, error) {
	if tenantID != "" {
		return s.activeMember(ctx, userID, tenantID)
	}
	members, err := s.repos.Directory.ListMembersForUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.loginMember] listing memberships")
	}
	for _, m := range members {
		if m.IsActive() {
			return m, nil
		}
	}
	return nil, nil
}

func (s *Service) activeMember(ctx context.Context, userID, tenantID string) (*tenants.Member, error) {
	member, err := s.repos.Directory.FindMember(ctx, userID, tenantID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ErrAccountSuspended
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Service.activeMember] loading membership")
	}
	if !member.IsActive() {
		return nil, apperrors.ErrAccountSuspended
	}
	return member, nil
}

// issuePair mints an access token and, for a tenant member, starts a new
// refresh token family.
func (s *Service) issuePair(ctx context.Context, userID string, member *tenants.Member, client refresh.ClientInfo, now time.Time) (*token.Pair, error) {
	c := claims.UserOnly(userID)
	if member != nil {
		var err error
		if c, err = s.engine.Claims.ForMember(ctx, member); err != nil {
			return nil, err
		}
	}

	access, err := s.engine.Minter.Mint(ctx, c, now)
	if err != nil {
		return nil, err
	}
	pair := &token.Pair{
		AccessToken:          access.Token,
		AccessTokenExpiresAt: access.ExpiresAt,
		TokenType:            token.TokenTypeBearer,
		Claims:               *c,
	}
	if member == nil {
		return pair, nil
	}

	plaintext, row, err := s.engine.Refresh.Issue(ctx, userID, member.TenantID, member.ID, client, now)
	if err != nil {
		return nil, err
	}
	pair.RefreshToken = plaintext
	pair.RefreshTokenExpiresAt = row.ExpiresAt
	return pair, nil
}

// Refresh rotates a refresh token. Reuse burns the family and is reported as
// ErrTokenReuseDetected.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	now := s.nowFunc()
	res, err := s.engine.Refresh.Rotate(ctx, refreshToken, now)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Refresh]")
	}
	if res.Outcome == refresh.OutcomeReuseDetected {
		e := events.New(events.RefreshTokenReuse, res.Presented.UserID, res.Presented.TenantID, now)
		e.FamilyID = res.Presented.FamilyID
		s.publish(ctx, e)
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Pair, nil
}

// Authenticate verifies an access token against the current verification set
// and the blacklist. Every rejection is ErrTokenInvalid.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*token.VerifiedToken, error) {
	pairs, err := s.engine.Keys.VerificationKeyPairsFor(ctx, jwt.KeyID(accessToken))
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Authenticate] loading verification keys")
	}
	vt, ok := s.engine.Codec.Decode(accessToken, pairs, s.nowFunc())
	if !ok {
		return nil, apperrors.ErrTokenInvalid
	}
	revoked, err := s.engine.Revocations.IsBlacklisted(ctx, vt.JTI)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Authenticate] checking blacklist")
	}
	if revoked {
		return nil, apperrors.ErrTokenInvalid
	}
	return vt, nil
}

// CurrentUser returns the user behind an access token.
func (s *Service) CurrentUser(ctx context.Context, accessToken string) (*users.User, *token.VerifiedToken, error) {
	vt, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.repos.Users.GetByID(ctx, vt.UserID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil, apperrors.ErrTokenInvalid
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "[Service.CurrentUser] loading user")
	}
	return user, vt, nil
}

// SwitchTenant issues a pair for another of the caller's memberships. The
// presented access token is blacklisted and the presented refresh family, if
// any, revoked.
func (s *Service) SwitchTenant(ctx context.Context, accessToken, tenantID, refreshToken string, client refresh.ClientInfo) (*token.Pair, error) {
	vt, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		return nil, errors.Wrap(apperrors.ErrInvalidRequest, "tenant id is required")
	}
	member, err := s.activeMember(ctx, vt.UserID, tenantID)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc()
	if err := s.revokeOwnedFamily(ctx, vt.UserID, refreshToken, refresh.ReasonLogout, now); err != nil {
		return nil, err
	}
	pair, err := s.issuePair(ctx, vt.UserID, member, client, now)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.SwitchTenant]")
	}
	if err := s.engine.Revocations.Blacklist(ctx, accessToken, token.RevokedLogout, now); err != nil {
		return nil, errors.Wrap(err, "[Service.SwitchTenant]")
	}

	e := events.New(events.TenantSwitched, vt.UserID, tenantID, now)
	e.Details = map[string]string{"from_tenant_id": vt.TenantID}
	s.publish(ctx, e)
	return pair, nil
}

// Logout blacklists the access token and revokes the refresh token's family.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	vt, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return err
	}
	now := s.nowFunc()
	if err := s.engine.Revocations.Blacklist(ctx, accessToken, token.RevokedLogout, now); err != nil {
		return errors.Wrap(err, "[Service.Logout]")
	}
	return s.revokeOwnedFamily(ctx, vt.UserID, refreshToken, refresh.ReasonLogout, now)
}

// revokeOwnedFamily revokes refreshToken's family when it belongs to userID.
// Unknown tokens are ignored.
func (s *Service) revokeOwnedFamily(ctx context.Context, userID, refreshToken string, reason refresh.RevokeReason, now time.Time) error {
	if refreshToken == "" {
		return nil
	}
	row, err := s.engine.Refresh.Lookup(ctx, refreshToken)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "[Service.revokeOwnedFamily]")
	}
	if row.UserID != userID {
		return ErrRefreshTokenNotOwned
	}
	return s.engine.Refresh.Revoke(ctx, refreshToken, reason, now)
}

// LogoutAll ends every session of the caller in the token's tenant.
func (s *Service) LogoutAll(ctx context.Context, accessToken string) (int, error) {
	vt, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return 0, err
	}
	now := s.nowFunc()

	n := 0
	if !vt.IsUserOnly() {
		if n, err = s.engine.Refresh.RevokeAllForUserInTenant(ctx, vt.UserID, vt.TenantID, refresh.ReasonLogout, now); err != nil {
			return 0, errors.Wrap(err, "[Service.LogoutAll]")
		}
	}
	if err := s.engine.Revocations.Blacklist(ctx, accessToken, token.RevokedLogout, now); err != nil {
		return 0, errors.Wrap(err, "[Service.LogoutAll]")
	}

	s.logger.Warn().Str("user_id", vt.UserID).Str("tenant_id", vt.TenantID).Int("revoked", n).Msg("logout everywhere")
	s.publish(ctx, events.New(events.LogoutAll, vt.UserID, vt.TenantID, now))
	return n, nil
}

// ChangePassword replaces the caller's password and ends all their sessions.
func (s *Service) ChangePassword(ctx context.Context, accessToken, currentPassword, newPassword string) error {
	vt, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return err
	}
	cred, err := s.repos.Credentials.Get(ctx, vt.UserID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return errors.Wrap(err, "[Service.ChangePassword] loading credential")
	}
	if !s.engine.Hasher.Verify(currentPassword, cred.Hash).Ok() {
		return apperrors.ErrInvalidCredentials
	}
	if err := credentials.ValidatePasswordStrength(newPassword); err != nil {
		return err
	}

	hash, err := s.engine.Hasher.Hash(newPassword)
	if err != nil {
		return errors.Wrap(err, "[Service.ChangePassword] hashing password")
	}

	now := s.nowFunc()
	if err := s.setPassword(ctx, cred, hash, now); err != nil {
		return errors.Wrap(err, "[Service.ChangePassword]")
	}
	if err := s.engine.Revocations.Blacklist(ctx, accessToken, token.RevokedPasswordChange, now); err != nil {
		return errors.Wrap(err, "[Service.ChangePassword]")
	}

	s.logger.Warn().Str("user_id", vt.UserID).Msg("password changed")
	s.publish(ctx, events.New(events.PasswordChanged, vt.UserID, vt.TenantID, now))
	return nil
}

// setPassword revokes every refresh token of the user and then stores the new
// hash. A failure between the two steps leaves the old password with no live
// sessions, never a new password next to sessions it should have ended.
func (s *Service) setPassword(ctx context.Context, cred *credentials.PasswordCredential, hash string, now time.Time) error {
	if _, err := s.engine.Refresh.RevokeAllForUser(ctx, cred.UserID, refresh.ReasonPasswordChange, now); err != nil {
		return errors.Wrap(err, "revoking refresh tokens")
	}
	cred.Hash = hash
	cred.Algorithm = credentials.AlgorithmArgon2id
	cred.UpdatedAt = now
	if err := s.repos.Credentials.Upsert(ctx, cred); err != nil {
		return errors.Wrap(err, "storing credential")
	}
	return nil
}

// RequestPasswordReset always succeeds so that callers cannot tell whether the
// email is registered. Failures are only logged.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	now := s.nowFunc()
	user, err := s.repos.Users.GetByEmail(ctx, users.NormalizeEmail(email))
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			s.logger.Error().Err(err).Msg("password reset: loading user")
		}
		return nil
	}

	b := make([]byte, resetTokenBytes)
	if _, err := rand.Read(b); err != nil {
		s.logger.Error().Err(err).Msg("password reset: generating token")
		return nil
	}
	plaintext := base64.RawURLEncoding.EncodeToString(b)
	reset := &credentials.ResetToken{
		UserID:    user.ID,
		TokenHash: credentials.HashResetToken(plaintext),
		CreatedAt: now,
		ExpiresAt: now.Add(s.resetTTL),
	}
	if err := s.repos.Resets.Create(ctx, reset); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("password reset: storing token")
		return nil
	}
	if err := s.mailer.SendPasswordReset(ctx, user.Email, plaintext, reset.ExpiresAt); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("password reset: sending mail")
	}
	return nil
}

// ResetPassword consumes a reset token, ends all the user's sessions and sets
// the new password, in that order. The token is spent before anything else so
// that it works at most once; the remaining writes are detached from ctx so a
// cancelled request cannot stop between them.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	now := s.nowFunc()
	reset, err := s.repos.Resets.GetByHash(ctx, credentials.HashResetToken(resetToken))
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.ErrTokenInvalid
	}
	if err != nil {
		return errors.Wrap(err, "[Service.ResetPassword] loading reset token")
	}
	if !reset.Usable(now) {
		return apperrors.ErrTokenInvalid
	}
	if err := credentials.ValidatePasswordStrength(newPassword); err != nil {
		return err
	}
	hash, err := s.engine.Hasher.Hash(newPassword)
	if err != nil {
		return errors.Wrap(err, "[Service.ResetPassword] hashing password")
	}
	cred, err := s.repos.Credentials.Get(ctx, reset.UserID)
	if errors.Is(err, apperrors.ErrNotFound) {
		cred = &credentials.PasswordCredential{UserID: reset.UserID, CreatedAt: now}
	} else if err != nil {
		return errors.Wrap(err, "[Service.ResetPassword] loading credential")
	}

	if err := s.repos.Resets.MarkUsed(ctx, reset.ID, now); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return apperrors.ErrTokenInvalid
		}
		return errors.Wrap(err, "[Service.ResetPassword] consuming reset token")
	}
	if err := s.setPassword(context.WithoutCancel(ctx), cred, hash, now); err != nil {
		s.logger.Error().Err(err).Str("user_id", reset.UserID).Msg("password reset: token consumed but password not stored")
		return errors.Wrap(err, "[Service.ResetPassword]")
	}

	s.logger.Warn().Str("user_id", reset.UserID).Msg("password reset")
	s.publish(ctx, events.New(events.PasswordReset, reset.UserID, "", now))
	return nil
}

// CreateTenant creates a tenant owned by the caller.
func (s *Service) CreateTenant(ctx context.Context, accessToken, name string) (*tenants.Tenant, error) {
	if s.provisioner == nil {
		return nil, ErrTenantProvisioningDisabled
	}
	vt, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.Wrap(apperrors.ErrInvalidRequest, "tenant name is required")
	}
	t, _, err := s.provisioner.CreateTenant(ctx, name, vt.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.CreateTenant]")
	}
	return t, nil
}

// JWKS returns the public verification keys.
func (s *Service) JWKS(ctx context.Context) (jwk.Set, error) {
	return s.engine.Keys.JWKS(ctx)
}

func (s *Service) publish(ctx context.Context, e *events.SecurityEvent) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("event", string(e.Type)).Msg("publishing security event")
	}
}
