package jwt

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jrsteele09/go-identity-server/internal/utils"
	"github.com/jrsteele09/go-identity-server/token"
	"github.com/jrsteele09/go-identity-server/token/keys"
)

// DefaultLeeway is the clock skew tolerated on exp and nbf.
const DefaultLeeway = token.DefaultLeeway

type CodecOption func(*Codec)

func WithLeeway(d time.Duration) CodecOption {
	return func(c *Codec) {
		c.leeway = d
	}
}

// Codec encodes and verifies access tokens for one issuer and audience.
type Codec struct {
	issuer   string
	audience string
	leeway   time.Duration
}

func NewCodec(issuer, audience string, opts ...CodecOption) *Codec {
	c := &Codec{
		issuer:   issuer,
		audience: audience,
		leeway:   DefaultLeeway,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode signs claims with kp. Tenant claims are left out entirely for a
// user-only token.
func (c *Codec) Encode(claims *token.Claims, kp *keys.KeyPair, now time.Time, ttl time.Duration) (*token.AccessToken, error) {
	if kp == nil || kp.PrivateKey == nil {
		return nil, errors.New("[Codec.Encode] signing key has no private material")
	}
	if claims.UserID == "" {
		return nil, errors.New("[Codec.Encode] claims have no subject")
	}

	jti := uuid.NewString()
	issuedAt := now.Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)

	mc := jwtlib.MapClaims{
		"sub": claims.UserID,
		"jti": jti,
		"iat": issuedAt.Unix(),
		"nbf": issuedAt.Unix(),
		"exp": expiresAt.Unix(),
		"iss": c.issuer,
		"aud": c.audience,
	}
	if !claims.IsUserOnly() {
		mc[token.ClaimTenantID] = claims.TenantID
		mc[token.ClaimMemberID] = claims.MemberID
		mc[token.ClaimOrganization] = nonNil(claims.OrganizationIDs)
		mc[token.ClaimRole] = nonNil(claims.Roles)
		mc[token.ClaimPermission] = nonNil(claims.Permissions)
	}

	t := jwtlib.NewWithClaims(kp.GetSigningMethod(), mc)
	t.Header["kid"] = kp.KeyID

	signed, err := t.SignedString(kp.PrivateKey)
	if err != nil {
		return nil, errors.Wrapf(err, "[Codec.Encode] signing with key %s", kp.KeyID)
	}
	return &token.AccessToken{
		Token:     signed,
		JTI:       jti,
		KeyID:     kp.KeyID,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Decode verifies raw against the verification set. Any failure, whatever the
// cause, is reported only as false.
func (c *Codec) Decode(raw string, verification []*keys.KeyPair, now time.Time) (*token.VerifiedToken, bool) {
	if raw == "" || len(verification) == 0 {
		return nil, false
	}

	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods(validMethods(verification)),
		jwtlib.WithIssuer(c.issuer),
		jwtlib.WithAudience(c.audience),
		jwtlib.WithLeeway(c.leeway),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuedAt(),
		jwtlib.WithTimeFunc(func() time.Time { return now }),
	)

	for _, kp := range candidates(raw, verification) {
		mc := jwtlib.MapClaims{}
		t, err := parser.ParseWithClaims(raw, mc, keyFunc(kp))
		if err != nil || !t.Valid {
			continue
		}
		return fromMapClaims(t, mc)
	}
	return nil, false
}

// KeyID returns the unverified kid header of raw, or "" when raw is not a
// token or names no key.
func KeyID(raw string) string {
	unverified, _, err := jwtlib.NewParser().ParseUnverified(raw, jwtlib.MapClaims{})
	if err != nil {
		return ""
	}
	kid, _ := unverified.Header["kid"].(string)
	return kid
}

// candidates returns the key named by the kid header, or every key in the
// set when the kid is absent or unknown.
func candidates(raw string, verification []*keys.KeyPair) []*keys.KeyPair {
	if _, _, err := jwtlib.NewParser().ParseUnverified(raw, jwtlib.MapClaims{}); err != nil {
		return nil
	}
	if kid := KeyID(raw); kid != "" {
		for _, kp := range verification {
			if kp.KeyID == kid {
				return []*keys.KeyPair{kp}
			}
		}
	}
	return verification
}

// keyFunc offers kp only when the token's algorithm matches the key's.
func keyFunc(kp *keys.KeyPair) jwtlib.Keyfunc {
	return func(t *jwtlib.Token) (interface{}, error) {
		if alg := t.Method.Alg(); alg != string(kp.Algorithm) {
			return nil, errors.Errorf("key %s is %s, token is %s", kp.KeyID, kp.Algorithm, alg)
		}
		return kp.PublicKey, nil
	}
}

func validMethods(verification []*keys.KeyPair) []string {
	seen := map[string]bool{}
	var methods []string
	for _, kp := range verification {
		alg := string(kp.Algorithm)
		if !seen[alg] {
			seen[alg] = true
			methods = append(methods, alg)
		}
	}
	return methods
}

func fromMapClaims(t *jwtlib.Token, mc jwtlib.MapClaims) (*token.VerifiedToken, bool) {
	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return nil, false
	}
	jti, _ := mc["jti"].(string)
	if jti == "" {
		return nil, false
	}

	vt := &token.VerifiedToken{
		Claims: token.Claims{
			UserID:          sub,
			OrganizationIDs: claimList(mc[token.ClaimOrganization]),
			Roles:           claimList(mc[token.ClaimRole]),
			Permissions:     claimList(mc[token.ClaimPermission]),
		},
		JTI: jti,
	}
	vt.TenantID, _ = mc[token.ClaimTenantID].(string)
	vt.MemberID, _ = mc[token.ClaimMemberID].(string)
	vt.KeyID, _ = t.Header["kid"].(string)

	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		vt.IssuedAt = iat.Time
	}
	if nbf, err := mc.GetNotBefore(); err == nil && nbf != nil {
		vt.NotBefore = nbf.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		vt.ExpiresAt = exp.Time
	}
	return vt, true
}

// claimList normalises a repeated claim to a list. A single string becomes a
// one element list and a missing claim an empty one.
func claimList(v interface{}) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return []string{}
		}
		return []string{val}
	case []interface{}:
		return utils.ToStringSlice(val)
	case []string:
		return append([]string{}, val...)
	default:
		return []string{}
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
