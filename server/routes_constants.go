package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Auth Routes - Sessions
	RouteAuthRegister     = "/auth/register"
	RouteAuthLogin        = "/auth/login"
	RouteAuthRefresh      = "/auth/refresh"
	RouteAuthSwitchTenant = "/auth/switch-tenant"
	RouteAuthLogout       = "/auth/logout"
	RouteAuthLogoutAll    = "/auth/logout-all"
	RouteAuthMe           = "/auth/me"

	// Auth Routes - Password Management
	RouteChangePassword = "/auth/password/change"
	RouteForgotPassword = "/auth/password/forgot"
	RouteResetPassword  = "/auth/password/reset"

	// Tenant Routes
	RouteTenants = "/tenants"

	// Discovery Routes
	RouteWellKnownOpenIDConfig = "/.well-known/openid-configuration"
	RouteWellKnownJWKS         = "/.well-known/jwks.json"

	// Operational Routes
	RouteMetrics = "/metrics"
	RouteHealth  = "/healthz"
)
