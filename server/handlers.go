package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-identity-server/auth"
	"github.com/jrsteele09/go-identity-server/authmodel"
	"github.com/jrsteele09/go-identity-server/token"
	"github.com/jrsteele09/go-identity-server/token/refresh"
)

// RegisterHandler creates a user with a password credential.
func (s *Server) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authmodel.RegisterRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		user, err := s.auth.Register(r.Context(), req.Email, req.Password, req.DisplayName)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, authmodel.MeResponse{
			UserID:          user.ID,
			Email:           user.Email,
			DisplayName:     user.DisplayName,
			OrganizationIDs: []string{},
			Roles:           []string{},
			Permissions:     []string{},
		})
	}
}

// LoginHandler exchanges email and password for a token pair.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authmodel.LoginRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		pair, err := s.auth.Login(r.Context(), auth.LoginRequest{
			Email:    req.Email,
			Password: req.Password,
			TenantID: req.TenantID,
			Client:   clientInfo(r, req.DeviceID),
		})
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		s.writeTokens(w, pair)
	}
}

// RefreshHandler rotates a refresh token.
func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authmodel.RefreshRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		s.writeTokens(w, pair)
	}
}

// SwitchTenantHandler issues a pair for another membership of the caller.
func (s *Server) SwitchTenantHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authmodel.SwitchTenantRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		pair, err := s.auth.SwitchTenant(r.Context(), AccessTokenFrom(r.Context()), req.TenantID, req.RefreshToken, clientInfo(r, req.DeviceID))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		s.writeTokens(w, pair)
	}
}

// LogoutHandler ends the current session.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authmodel.LogoutRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		if err := s.auth.Logout(r.Context(), AccessTokenFrom(r.Context()), req.RefreshToken); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// LogoutAllHandler ends every session of the caller in the token's tenant.
func (s *Server) LogoutAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.auth.LogoutAll(r.Context(), AccessTokenFrom(r.Context()))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, authmodel.LogoutAllResponse{Revoked: n})
	}
}

// MeHandler describes the caller.
func (s *Server) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, vt, err := s.auth.CurrentUser(r.Context(), AccessTokenFrom(r.Context()))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, authmodel.MeResponse{
			UserID:          user.ID,
			Email:           user.Email,
			DisplayName:     user.DisplayName,
			LastLogin:       user.LastLogin,
			TenantID:        vt.TenantID,
			MemberID:        vt.MemberID,
			OrganizationIDs: vt.OrganizationIDs,
			Roles:           vt.Roles,
			Permissions:     vt.Permissions,
			ExpiresAt:       vt.ExpiresAt,
		})
	}
}

func (s *Server) ChangePasswordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authmodel.ChangePasswordRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		if err := s.auth.ChangePassword(r.Context(), AccessTokenFrom(r.Context()), req.CurrentPassword, req.NewPassword); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ForgotPasswordHandler always answers 202 so that the response does not
// reveal whether the email is registered.
func (s *Server) ForgotPasswordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authmodel.ForgotPasswordRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		_ = s.auth.RequestPasswordReset(r.Context(), req.Email)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) ResetPasswordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authmodel.ResetPasswordRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		if err := s.auth.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HealthHandler reports 200 when every registered dependency check passes.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		checks := make(map[string]string, len(s.healthChecks))
		for name, check := range s.healthChecks {
			if err := check(r.Context()); err != nil {
				s.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
				checks[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": checks})
	}
}

func (s *Server) writeTokens(w http.ResponseWriter, pair *token.Pair) {
	writeJSON(w, http.StatusOK, authmodel.NewTokenResponse(pair, s.nowFunc()))
}

func clientInfo(r *http.Request, deviceID string) refresh.ClientInfo {
	return refresh.ClientInfo{DeviceID: deviceID, IPAddress: clientIP(r)}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
