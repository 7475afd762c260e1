// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-psa.
//
// go-psa is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jeremyhahn/go-psa/internal/engine"
	"github.com/jeremyhahn/go-psa/pkg/correlation"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/metrics"
	"github.com/jeremyhahn/go-psa/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the REST API server.
type Server struct {
	server    *http.Server
	handlers  *HandlerContext
	tlsConfig *tls.Config
	limiter   *ratelimit.Limiter
	logger    logger.Logger
	config    Config
}

// Config holds the REST server configuration.
type Config struct {
	// Engine serves every request. Required.
	Engine *engine.Engine

	// Address is the listen address (default: 127.0.0.1:8443)
	Address string

	// Version is reported by /health
	Version string

	// TLSConfig enables HTTPS when set
	TLSConfig *tls.Config

	// Logger defaults to a no-op logger
	Logger logger.Logger

	// RateLimiter limits /v1 requests per client when set
	RateLimiter *ratelimit.Limiter

	// MetricsPath exposes Prometheus metrics when not empty
	MetricsPath string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer creates a new REST API server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	c := *cfg
	if c.Address == "" {
		c.Address = "127.0.0.1:8443"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.NewNoOp()
	}

	s := &Server{
		handlers:  NewHandlerContext(c.Engine, c.Version, c.Logger),
		tlsConfig: c.TLSConfig,
		limiter:   c.RateLimiter,
		logger:    c.Logger,
		config:    c,
	}
	s.server = &http.Server{
		Addr:              c.Address,
		Handler:           s.setupRouter(),
		ReadTimeout:       c.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.WriteTimeout,
		IdleTimeout:       c.IdleTimeout,
		TLSConfig:         c.TLSConfig,
	}
	return s, nil
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.RecoveryMiddleware())
	r.Use(correlation.Middleware)
	r.Use(s.LoggingMiddleware())
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health", s.handlers.HealthHandler)
	r.Head("/health", s.handlers.HealthHandler)
	r.Get("/health/live", s.handlers.LivenessHandler)
	r.Get("/health/ready", s.handlers.ReadinessHandler)
	r.Get("/health/startup", s.handlers.StartupHandler)

	if s.config.MetricsPath != "" {
		r.Handle(s.config.MetricsPath, promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil && s.limiter.Enabled() {
			r.Use(ratelimit.Middleware(s.limiter))
		}

		r.Post("/keys/import", s.handlers.ImportKeyHandler)
		r.Post("/keys/generate", s.handlers.GenerateKeyHandler)
		r.Get("/keys", s.handlers.ListKeysHandler)
		r.Get("/keys/{id}", s.handlers.GetKeyHandler)
		r.Delete("/keys/{id}", s.handlers.DeleteKeyHandler)
		r.Post("/keys/{id}/export", s.handlers.ExportKeyHandler)

		r.Post("/keys/{id}/sign", s.handlers.SignHandler)
		r.Post("/keys/{id}/verify", s.handlers.VerifyHandler)
		r.Post("/keys/{id}/encrypt", s.handlers.EncryptHandler)
		r.Post("/keys/{id}/decrypt", s.handlers.DecryptHandler)
		r.Post("/keys/{id}/mac", s.handlers.MACHandler)

		r.Post("/hash", s.handlers.HashHandler)
		r.Post("/random", s.handlers.RandomHandler)
	})

	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	if s.tlsConfig != nil {
		s.logger.Info("Starting HTTPS server", logger.String("address", ln.Addr().String()))
		err = s.server.ServeTLS(ln, "", "")
	} else {
		s.logger.Info("Starting HTTP server", logger.String("address", ln.Addr().String()))
		err = s.server.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the REST API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown server", logger.Error(err))
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.server.Addr
}

// SetHealthChecker sets the health checker for the server.
func (s *Server) SetHealthChecker(checker HealthChecker) {
	s.handlers.SetHealthChecker(checker)
}
