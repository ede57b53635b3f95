package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-identity-server/auth"
	"github.com/jrsteele09/go-identity-server/authmodel"
	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"
	maxBodyBytes    = 1 << 20
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an error response
func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	writeJSON(w, statusCode, authmodel.ErrorResponse{
		Error:       errorCode,
		Description: description,
	})
}

type validatable interface {
	Validate() error
}

// decodeJSON reads a bounded JSON body into v and validates it. An empty body
// decodes to the zero value.
func decodeJSON(r *http.Request, v validatable) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(apperrors.ErrInvalidRequest, "malformed JSON body")
	}
	return v.Validate()
}

// errorStatus maps the engine's error taxonomy onto HTTP.
type errorStatus struct {
	sentinel error
	code     string
	status   int
	expose   bool // the wrapped message is safe to return
}

var errorStatuses = []errorStatus{
	{apperrors.ErrInvalidCredentials, authmodel.CodeInvalidCredentials, http.StatusUnauthorized, false},
	{apperrors.ErrTokenReuseDetected, authmodel.CodeTokenReuseDetected, http.StatusUnauthorized, false},
	{apperrors.ErrTokenInvalid, authmodel.CodeInvalidToken, http.StatusUnauthorized, false},
	{apperrors.ErrAccountSuspended, authmodel.CodeAccountSuspended, http.StatusForbidden, false},
	{apperrors.ErrKeyManagement, authmodel.CodeKeyManagement, http.StatusServiceUnavailable, false},
	{apperrors.ErrWeakPassword, authmodel.CodeWeakPassword, http.StatusBadRequest, true},
	{apperrors.ErrEmailTaken, authmodel.CodeEmailTaken, http.StatusConflict, false},
	{apperrors.ErrInvalidRequest, authmodel.CodeInvalidRequest, http.StatusBadRequest, true},
	{apperrors.ErrNotFound, authmodel.CodeNotFound, http.StatusNotFound, false},
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrTenantProvisioningDisabled) {
		writeJSONError(w, authmodel.CodeTenantProvisioning, "tenant creation is disabled", http.StatusForbidden)
		return
	}
	for _, es := range errorStatuses {
		if !errors.Is(err, es.sentinel) {
			continue
		}
		description := es.sentinel.Error()
		if es.expose {
			description = err.Error()
		}
		writeJSONError(w, es.code, description, es.status)
		return
	}

	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeJSONError(w, authmodel.CodeServerError, "internal error", http.StatusInternalServerError)
}
