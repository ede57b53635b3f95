package config

import "time"

type TokenConfig interface {
	GetIssuer() string
	GetAudience() string
	GetAccessTokenTTL() time.Duration
	GetClockSkew() time.Duration
	GetRefreshSlidingWindow() time.Duration
	GetRefreshAbsoluteWindow() time.Duration
	GetRefreshTokenLength() int
	GetPasswordResetTTL() time.Duration
}

type Tokens struct {
	section TokenSection
}

var _ TokenConfig = Tokens{}

// GetIssuer returns the configured issuer. An empty value means the base URL is used.
func (t Tokens) GetIssuer() string {
	return t.section.Issuer
}

func (t Tokens) GetAudience() string {
	return t.section.Audience
}

func (t Tokens) GetAccessTokenTTL() time.Duration {
	return t.section.AccessTTL
}

func (t Tokens) GetClockSkew() time.Duration {
	return t.section.ClockSkew
}

func (t Tokens) GetRefreshSlidingWindow() time.Duration {
	return t.section.RefreshSliding
}

func (t Tokens) GetRefreshAbsoluteWindow() time.Duration {
	return t.section.RefreshAbsolute
}

func (t Tokens) GetRefreshTokenLength() int {
	return t.section.RefreshTokenBytes // 32 bytes = 256 bits
}

func (t Tokens) GetPasswordResetTTL() time.Duration {
	return t.section.ResetTTL
}

// Issuer returns the issuer for minted tokens, falling back to the base URL.
func Issuer(c Config) string {
	if iss := c.GetIssuer(); iss != "" {
		return iss
	}
	return c.GetBaseURL()
}
