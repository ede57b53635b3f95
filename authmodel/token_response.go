package authmodel

import (
	"time"

	"github.com/jrsteele09/go-identity-server/token"
)

// TokenResponse is returned by every endpoint that issues tokens: login,
// refresh and switch-tenant. The field names follow RFC 6749 section 5.1 so
// that standard clients can read it.
type TokenResponse struct {
	// AccessToken is the signed JWT used to access protected resources.
	// Usage: Include in Authorization header: "Bearer <access_token>"
	// Lifespan: Short-lived (15 minutes by default)
	AccessToken string `json:"access_token"`

	// TokenType is always "Bearer".
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token.
	// Note: This is a hint - actual expiration is in the JWT's "exp" claim
	ExpiresIn int `json:"expires_in"`

	// RefreshToken is the opaque rotating token for /auth/refresh.
	// Only present: when the session is bound to a tenant membership
	// Security: Single use. Presenting it a second time revokes the whole chain
	RefreshToken string `json:"refresh_token,omitempty"`

	// RefreshExpiresIn is the remaining lifetime in seconds of the refresh token.
	RefreshExpiresIn int `json:"refresh_expires_in,omitempty"`

	// TenantID is the tenant the access token is bound to, empty for user-only tokens.
	TenantID string `json:"tenant_id,omitempty"`
}

// NewTokenResponse renders pair relative to now.
func NewTokenResponse(pair *token.Pair, now time.Time) TokenResponse {
	resp := TokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   pair.TokenType,
		ExpiresIn:   secondsUntil(pair.AccessTokenExpiresAt, now),
		TenantID:    pair.Claims.TenantID,
	}
	if !pair.IsUserOnly() {
		resp.RefreshToken = pair.RefreshToken
		resp.RefreshExpiresIn = secondsUntil(pair.RefreshTokenExpiresAt, now)
	}
	return resp
}

// Expiry is the absolute access token expiry implied by ExpiresIn.
func (r TokenResponse) Expiry(now time.Time) time.Time {
	if r.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(r.ExpiresIn) * time.Second)
}

func secondsUntil(t, now time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

// MeResponse describes the authenticated caller.
type MeResponse struct {
	UserID          string     `json:"user_id"`
	Email           string     `json:"email"`
	DisplayName     string     `json:"display_name,omitempty"`
	LastLogin       *time.Time `json:"last_login,omitempty"`
	TenantID        string     `json:"tenant_id,omitempty"`
	MemberID        string     `json:"member_id,omitempty"`
	OrganizationIDs []string   `json:"organization_ids"`
	Roles           []string   `json:"roles"`
	Permissions     []string   `json:"permissions"`
	ExpiresAt       time.Time  `json:"expires_at"`
}

// TenantResponse is returned by POST /tenants.
type TenantResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// LogoutAllResponse reports how many refresh tokens were revoked.
type LogoutAllResponse struct {
	Revoked int `json:"revoked"`
}
