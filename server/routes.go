package server

import (
	"net/http"
)

func (s *Server) initRoutes() {
	// SESSIONS
	s.RegisterRouteHandler("POST "+RouteAuthRegister, ChainMiddleware(s.RegisterHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAuthLogin, ChainMiddleware(s.LoginHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAuthRefresh, ChainMiddleware(s.RefreshHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAuthSwitchTenant, ChainMiddleware(s.SwitchTenantHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteHandler("POST "+RouteAuthLogout, ChainMiddleware(s.LogoutHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteHandler("POST "+RouteAuthLogoutAll, ChainMiddleware(s.LogoutAllHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteHandler("GET "+RouteAuthMe, ChainMiddleware(s.MeHandler(), s.APIMiddleware(s.RequireAuth())...))

	// PASSWORDS
	s.RegisterRouteHandler("POST "+RouteChangePassword, ChainMiddleware(s.ChangePasswordHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteHandler("POST "+RouteForgotPassword, ChainMiddleware(s.ForgotPasswordHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteResetPassword, ChainMiddleware(s.ResetPasswordHandler(), s.APIMiddleware()...))

	// TENANTS
	s.RegisterRouteHandler("POST "+RouteTenants, ChainMiddleware(s.CreateTenantHandler(), s.APIMiddleware(s.RequireAuth())...))

	// DISCOVERY
	s.RegisterRouteHandler("GET "+RouteWellKnownOpenIDConfig, ChainMiddleware(s.WellKnownOpenIDConfig(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteWellKnownJWKS, ChainMiddleware(s.JWKS(), s.APIMiddleware()...))

	// OPERATIONS
	s.RegisterRouteHandler("GET "+RouteHealth, ChainMiddleware(s.HealthHandler(), s.RecoverMiddleware))
	if s.metricsHandler != nil {
		s.RegisterRouteHandler("GET "+RouteMetrics, ChainMiddleware(s.metricsHandler.ServeHTTP, s.RecoverMiddleware))
	}

	// CORS preflight for every API route
	s.RegisterRouteHandler("OPTIONS /", ChainMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, s.CorsMiddleware))
}
