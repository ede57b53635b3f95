package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-identity-server/auth"
	"github.com/jrsteele09/go-identity-server/internal/config"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	env            string // Environment (e.g., "DEV", "production")
	mux            *http.ServeMux
	routes         []string
	config         config.Config
	auth           *auth.Service
	metricsHandler http.Handler
	healthChecks   map[string]HealthCheck
	nowFunc        func() time.Time
	logger         zerolog.Logger
}

type ServerOption func(*Server)

// WithMetricsHandler exposes h on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithHealthCheck adds a named dependency check to /healthz.
func WithHealthCheck(name string, check HealthCheck) ServerOption {
	return func(s *Server) {
		s.healthChecks[name] = check
	}
}

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(f func() time.Time) ServerOption {
	return func(s *Server) {
		s.nowFunc = f
	}
}

func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

func New(cfg config.Config, authService *auth.Service, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("[server.New] config is required")
	}
	if authService == nil {
		return nil, errors.New("[server.New] auth service is required")
	}

	s := &Server{
		env:          cfg.GetEnv(),
		mux:          http.NewServeMux(),
		config:       cfg,
		auth:         authService,
		healthChecks: make(map[string]HealthCheck),
		nowFunc:      time.Now,
		logger:       log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Routes returns the registered route patterns.
func (s *Server) Routes() []string {
	return append([]string(nil), s.routes...)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			s.logRoute(parts[0], parts[1])
		} else {
			s.logRoute("", parts[0])
		}
	}
}

func (s *Server) logRoute(method, path string) {
	displayMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		displayMethod = color + displayMethod + ResetColor
	} else {
		displayMethod = Gray + displayMethod + ResetColor
	}
	s.logger.Debug().Msgf("[%-19s] %s", displayMethod, path)
}
