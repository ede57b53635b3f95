package server

import (
	"net/http"

	"github.com/jrsteele09/go-identity-server/authmodel"
)

// CreateTenantHandler creates a tenant owned by the caller. The caller has to
// log in again, or switch tenant, to obtain a token bound to it.
func (s *Server) CreateTenantHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authmodel.CreateTenantRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		tenant, err := s.auth.CreateTenant(r.Context(), AccessTokenFrom(r.Context()), req.Name)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, authmodel.TenantResponse{
			ID:        tenant.ID,
			Name:      tenant.Name,
			CreatedAt: tenant.CreatedAt,
		})
	}
}
