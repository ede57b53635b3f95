package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-identity-server/internal/config"
)

// WellKnownOpenIDConfig serves a minimal discovery document so that standard
// JWT libraries can locate the verification keys.
func (s *Server) WellKnownOpenIDConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issuer := config.Issuer(s.config)
		baseURL := strings.TrimSuffix(s.config.GetBaseURL(), "/")

		resp := map[string]any{
			"issuer":   issuer,
			"jwks_uri": baseURL + RouteWellKnownJWKS,

			"token_endpoint":       baseURL + RouteAuthLogin,
			"refresh_endpoint":     baseURL + RouteAuthRefresh,
			"userinfo_endpoint":    baseURL + RouteAuthMe,
			"end_session_endpoint": baseURL + RouteAuthLogout,

			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{s.config.GetSigningAlgorithm()},
			"claims_supported": []string{
				"sub", "iss", "aud", "exp", "iat", "nbf", "jti",
				"tid", "mid", "org", "role", "permission",
			},
		}

		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set("Cache-Control", "public, max-age=3600") // Cache for 1 hour
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// JWKS returns the JSON Web Key Set used to validate tokens
func (s *Server) JWKS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jwks, err := s.auth.JWKS(r.Context())
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", contentTypeJSON)
		// short enough that rotations propagate within the key cache TTL
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(jwks)
	}
}
