package token

import "time"

// Claims is the identity snapshot carried by an access token. Roles and
// permissions are copied at mint time; they are not a live reference.
type Claims struct {
	UserID          string   `json:"user_id"`
	TenantID        string   `json:"tenant_id,omitempty"`
	MemberID        string   `json:"member_id,omitempty"`
	OrganizationIDs []string `json:"organization_ids"`
	Roles           []string `json:"roles"`
	Permissions     []string `json:"permissions"`
}

// IsUserOnly reports whether the claims have no tenant context yet.
func (c *Claims) IsUserOnly() bool {
	return c.TenantID == ""
}

// HasRole reports whether role is among the claim's roles.
func (c *Claims) HasRole(role string) bool {
	return contains(c.Roles, role)
}

// HasPermission reports whether permission is among the claim's permissions.
func (c *Claims) HasPermission(permission string) bool {
	return contains(c.Permissions, permission)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// VerifiedToken is a decoded access token whose signature, issuer, audience
// and lifetime have been validated.
type VerifiedToken struct {
	Claims
	JTI       string    `json:"jti"`
	KeyID     string    `json:"kid"`
	IssuedAt  time.Time `json:"iat"`
	NotBefore time.Time `json:"nbf"`
	ExpiresAt time.Time `json:"exp"`
}

// AccessToken is a freshly signed access token.
type AccessToken struct {
	Token     string
	JTI       string
	KeyID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

const TokenTypeBearer = "Bearer"

// Pair is what a login or refresh hands back to the client. A user-only
// login has no tenant context and carries no refresh token.
type Pair struct {
	AccessToken           string    `json:"access_token"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshToken          string    `json:"refresh_token,omitempty"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`
	TokenType             string    `json:"token_type"`
	Claims                Claims    `json:"claims"`
}

func (p *Pair) IsUserOnly() bool {
	return p.RefreshToken == ""
}
