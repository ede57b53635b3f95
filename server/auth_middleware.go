package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-identity-server/authmodel"
	"github.com/jrsteele09/go-identity-server/token"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyAccessToken stores the raw bearer token
	ContextKeyAccessToken ContextKey = "access_token"
	// ContextKeyClaims stores the verified token
	ContextKeyClaims ContextKey = "claims"
)

// RequireAuth is middleware that validates a Bearer access token against the
// current verification keys and the blacklist.
func (s *Server) RequireAuth() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				writeJSONError(w, authmodel.CodeInvalidToken, "missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}

			vt, err := s.auth.Authenticate(r.Context(), raw)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				s.writeServiceError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyAccessToken, raw)
			ctx = context.WithValue(ctx, ContextKeyClaims, vt)
			next(w, r.WithContext(ctx))
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	raw := strings.TrimSpace(parts[1])
	return raw, raw != ""
}

// AccessTokenFrom returns the raw bearer token stored by RequireAuth.
func AccessTokenFrom(ctx context.Context) string {
	raw, _ := ctx.Value(ContextKeyAccessToken).(string)
	return raw
}

// ClaimsFrom returns the verified token stored by RequireAuth.
func ClaimsFrom(ctx context.Context) (*token.VerifiedToken, bool) {
	vt, ok := ctx.Value(ContextKeyClaims).(*token.VerifiedToken)
	return vt, ok
}
