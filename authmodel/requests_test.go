package authmodel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-identity-server/authmodel"
	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/jrsteele09/go-identity-server/token"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     interface{ Validate() error }
		wantErr string
	}{
		{"login ok", authmodel.LoginRequest{Email: "a@x.com", Password: "p"}, ""},
		{"login missing both", authmodel.LoginRequest{}, "missing email, password"},
		{"refresh blank", authmodel.RefreshRequest{RefreshToken: "  "}, "missing refresh_token"},
		{"reset missing password", authmodel.ResetPasswordRequest{Token: "t"}, "missing new_password"},
		{"tenant ok", authmodel.CreateTenantRequest{Name: "Acme"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewTokenResponse(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("tenant pair", func(t *testing.T) {
		resp := authmodel.NewTokenResponse(&token.Pair{
			AccessToken:           "a",
			AccessTokenExpiresAt:  now.Add(15 * time.Minute),
			RefreshToken:          "r",
			RefreshTokenExpiresAt: now.Add(24 * time.Hour),
			TokenType:             token.TokenTypeBearer,
			Claims:                token.Claims{UserID: "u", TenantID: "t"},
		}, now)
		require.Equal(t, 900, resp.ExpiresIn)
		require.Equal(t, 86400, resp.RefreshExpiresIn)
		require.Equal(t, "r", resp.RefreshToken)
		require.Equal(t, "t", resp.TenantID)
		require.Equal(t, now.Add(15*time.Minute), resp.Expiry(now))
	})

	t.Run("user-only pair", func(t *testing.T) {
		resp := authmodel.NewTokenResponse(&token.Pair{
			AccessToken:          "a",
			AccessTokenExpiresAt: now.Add(time.Minute),
			TokenType:            token.TokenTypeBearer,
			Claims:               token.Claims{UserID: "u"},
		}, now)
		require.Empty(t, resp.RefreshToken)
		require.Zero(t, resp.RefreshExpiresIn)
		require.Empty(t, resp.TenantID)
	})
}
