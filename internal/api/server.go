// Package api is the HTTP surface of the telemetry store.
//
// Every route lives under /api/v1 behind static bearer-token auth.
// Data routes additionally bind each request to exactly one tenant
// through the resolver, and a token scoped to specific tenants cannot
// reach any other tenant's data. Admin routes require an unrestricted
// token. Live telemetry is served over WebSocket by a fan-out hub fed
// from the ingest handler.
package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/orbiteos/joule/config"
	"github.com/orbiteos/joule/internal/catalog"
	"github.com/orbiteos/joule/internal/logging"
	"github.com/orbiteos/joule/internal/storage"
	"github.com/orbiteos/joule/internal/tenant"
)

var log = logging.Component("api")

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:8087").
	Listen string

	// TLS configuration (optional).
	TLSCertFile string
	TLSKeyFile  string

	// Authentication tokens.
	Tokens []TokenConfig

	// AuthRateLimitPerMinute caps failed auth attempts per client IP.
	AuthRateLimitPerMinute int
}

// Deps are the components the server fronts.
type Deps struct {
	Store    *storage.Service
	Catalog  *catalog.Store
	Resolver *tenant.Resolver

	// NowFunc overrides the clock, for tests.
	NowFunc func() time.Time
}

// =============================================================================
// Server
// =============================================================================

// Server is the HTTP API server.
type Server struct {
	cfg Config

	store    *storage.Service
	catalog  *catalog.Store
	resolver *tenant.Resolver
	nowFunc  func() time.Time

	tokens      *tokenRegistry
	authLimiter *RateLimiter
	hub         *Hub
	hubCancel   context.CancelFunc

	httpSrv  *http.Server
	listener net.Listener
	started  time.Time
}

// New creates a new server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("at least one auth token required")
	}
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListenAddress
	}
	if cfg.AuthRateLimitPerMinute <= 0 {
		cfg.AuthRateLimitPerMinute = config.DefaultAuthRateLimitPerMinute
	}
	if deps.NowFunc == nil {
		deps.NowFunc = time.Now
	}

	return &Server{
		cfg:         cfg,
		store:       deps.Store,
		catalog:     deps.Catalog,
		resolver:    deps.Resolver,
		nowFunc:     deps.NowFunc,
		tokens:      newTokenRegistry(cfg.Tokens),
		authLimiter: NewRateLimiter(cfg.AuthRateLimitPerMinute, time.Minute),
		hub:         newHub(),
	}, nil
}

// routes assembles the router and middleware chain.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requireAuth)

	data := api.NewRoute().Subrouter()
	data.Use(s.requireTenant)
	data.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	data.HandleFunc("/query", s.handleQuery).Methods(http.MethodGet)
	data.HandleFunc("/series", s.handleSeries).Methods(http.MethodGet)
	data.HandleFunc("/latest", s.handleLatest).Methods(http.MethodGet)
	data.HandleFunc("/sites", s.handleSites).Methods(http.MethodGet)
	data.HandleFunc("/sites/{code}/devices", s.handleDevices).Methods(http.MethodGet)
	data.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	admin := api.NewRoute().Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	admin.HandleFunc("/tenants", s.handleTenants).Methods(http.MethodGet)
	admin.HandleFunc("/admin/chunks/close", s.handleCloseChunks).Methods(http.MethodPost)
	admin.HandleFunc("/admin/rollup", s.handleRollup).Methods(http.MethodPost)
	admin.HandleFunc("/admin/compress", s.handleCompress).Methods(http.MethodPost)
	admin.HandleFunc("/admin/retention", s.handleRetention).Methods(http.MethodPost)
	admin.HandleFunc("/admin/disk-usage", s.handleDiskUsage).Methods(http.MethodGet)
	admin.HandleFunc("/admin/flush", s.handleFlush).Methods(http.MethodPost)

	return cors(logRequests(r))
}

// Run starts the server and blocks until Shutdown.
func (s *Server) Run() error {
	s.started = time.Now()

	hubCtx, cancel := context.WithCancel(context.Background())
	s.hubCancel = cancel
	go s.hub.Run(hubCtx)

	s.httpSrv = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  config.DefaultReadTimeout,
		WriteTimeout: config.DefaultWriteTimeout,
		IdleTimeout:  config.DefaultIdleTimeout,
	}

	var ln net.Listener

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", s.cfg.Listen)
	} else {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info("listening without TLS", "address", s.cfg.Listen)
	}
	s.listener = ln

	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Addr returns the bound listen address, useful when Listen used port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Listen
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully. In-flight requests drain until
// ctx expires; WebSocket clients are disconnected by the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down")

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if s.hubCancel != nil {
		s.hubCancel()
	}
	s.authLimiter.Stop()

	log.Info("shutdown complete")
	return err
}
