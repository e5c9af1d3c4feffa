package api

import (
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keywarden/keywarden/pkg/apikey"
	"github.com/keywarden/keywarden/pkg/config"
	"github.com/keywarden/keywarden/pkg/middleware"
	"github.com/keywarden/keywarden/pkg/observability"
)

// Options bundles the collaborators the API server needs
type Options struct {
	Repository    apikey.Repository
	Lifecycle     *apikey.LifecycleManager
	Verifier      *apikey.Verifier
	RateLimiter   *apikey.RateLimiter
	UsageRecorder *apikey.UsageRecorder
	Authorizer    *apikey.ScopeAuthorizer

	Defaults config.KeysConfig

	Logger       *observability.Logger
	Metrics      *observability.Metrics
	Health       *observability.HealthChecker
	PromRegistry *prometheus.Registry

	// Redis backs the pre-authentication per-IP limiter; nil disables it
	Redis *redis.Client
}

// Server is the key management and verification API
type Server struct {
	router *mux.Router

	repo      apikey.Repository
	lifecycle *apikey.LifecycleManager
	limiter   *apikey.RateLimiter
	defaults  config.KeysConfig

	authn  *middleware.Authenticator
	logger *observability.Logger
}

// NewServer creates the API server and wires its routes
func NewServer(opts Options) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		repo:      opts.Repository,
		lifecycle: opts.Lifecycle,
		limiter:   opts.RateLimiter,
		defaults:  opts.Defaults,
		authn:     middleware.NewAuthenticator(opts.Verifier, opts.Authorizer, opts.Logger, opts.Metrics),
		logger:    opts.Logger,
	}

	s.setupRoutes(opts)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(opts Options) {
	s.router.Use(middleware.RequestID)
	if opts.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(opts.Metrics))
	}

	ipLimit := middleware.NewIPRateLimit(opts.Redis, opts.Defaults.UnauthenticatedIPLimit, opts.Logger)
	keyLimit := middleware.NewKeyRateLimit(opts.RateLimiter, opts.Logger, opts.Metrics)
	usage := middleware.NewUsageRecording(opts.UsageRecorder)

	// Key management: admin-scoped keys only. The IP limiter runs before
	// authentication to slow credential brute forcing. Usage recording sits
	// directly behind authentication so allowlist, scope, and rate-limit
	// denials still produce usage events with their status codes.
	admin := s.router.PathPrefix("/v1/keys").Subrouter()
	admin.Use(ipLimit.Handler)
	admin.Use(s.authn.Handler)
	admin.Use(usage.Handler)
	admin.Use(s.authn.RequireAllowedIP())
	admin.Use(s.authn.RequireScope(apikey.ScopeAdmin))
	admin.Use(keyLimit.Handler)

	admin.HandleFunc("", s.issueKey).Methods("POST")
	admin.HandleFunc("", s.listKeys).Methods("GET")
	admin.HandleFunc("/bulk-revoke", s.bulkRevoke).Methods("POST")
	admin.HandleFunc("/{id}", s.getKey).Methods("GET")
	admin.HandleFunc("/{id}", s.revokeKey).Methods("DELETE")
	admin.HandleFunc("/{id}/rotate", s.rotateKey).Methods("POST")
	admin.HandleFunc("/{id}/usage", s.listKeyUsage).Methods("GET")

	// Verification: any valid key may check itself
	verify := s.router.PathPrefix("/v1/verify").Subrouter()
	verify.Use(ipLimit.Handler)
	verify.Use(s.authn.Handler)
	verify.Use(usage.Handler)
	verify.Use(s.authn.RequireAllowedIP())
	verify.Use(keyLimit.Handler)

	verify.HandleFunc("", s.verifyKey).Methods("GET")

	// Operational endpoints, unauthenticated
	if opts.Health != nil {
		s.router.HandleFunc("/healthz", opts.Health.Readiness).Methods("GET")
		s.router.HandleFunc("/health/live", opts.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/health/ready", opts.Health.Readiness).Methods("GET")
	}
	if opts.PromRegistry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(opts.PromRegistry)).Methods("GET")
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
