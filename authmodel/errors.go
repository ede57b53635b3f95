package authmodel

// Error codes returned in ErrorResponse.Error.
const (
	CodeInvalidCredentials  = "invalid_credentials"
	CodeInvalidToken        = "invalid_token"
	CodeTokenReuseDetected  = "token_reuse_detected"
	CodeAccountSuspended    = "account_suspended"
	CodeKeyManagement       = "key_management_failure"
	CodeInvalidRequest      = "invalid_request"
	CodeWeakPassword        = "weak_password"
	CodeEmailTaken          = "email_taken"
	CodeNotFound            = "not_found"
	CodeServerError         = "server_error"
	CodeTenantProvisioning  = "tenant_provisioning_disabled"
	CodeRefreshTokenMissing = "refresh_token_required"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}
