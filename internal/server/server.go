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

// Package server runs the psa engine behind the REST API as a long lived
// process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/jeremyhahn/go-psa/internal/config"
	"github.com/jeremyhahn/go-psa/internal/engine"
	"github.com/jeremyhahn/go-psa/internal/rest"
	"github.com/jeremyhahn/go-psa/pkg/health"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/metrics"
	"github.com/jeremyhahn/go-psa/pkg/ratelimit"
)

// collectInterval is the resource collector period.
const collectInterval = 30 * time.Second

// Server owns the engine and the REST listener.
type Server struct {
	config *config.Config
	engine *engine.Engine
	logger logger.Logger

	restServer *rest.Server
	limiter    *ratelimit.Limiter

	// Health checker
	healthChecker *health.Checker

	// Metrics
	metricsCollector *metrics.ResourceCollector

	// Lifecycle
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	errCh        chan error
	addr         net.Addr
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the engine described by cfg and prepares the REST server. The
// engine options are passed through to engine.Open.
func New(cfg *config.Config, opts ...engine.Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	e, err := engine.Open(cfg, opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		engine:     e,
		logger:     e.Logger,
		ctx:        ctx,
		cancel:     cancel,
		errCh:      make(chan error, 1),
		shutdownCh: make(chan struct{}),
	}

	s.initializeHealth()

	if err := s.initializeREST(); err != nil {
		cancel()
		_ = e.Close()
		return nil, err
	}

	return s, nil
}

// initializeHealth registers the slot, storage and secure element checks.
func (s *Server) initializeHealth() {
	s.healthChecker = health.NewChecker()
	s.healthChecker.RegisterCheck("slots", health.SlotCheck(s.engine.Crypto.Stats))
	s.healthChecker.RegisterCheck("storage", health.StorageCheck(s.engine.Storage))
	s.healthChecker.RegisterCheck("secure_elements",
		health.SecureElementCheck(s.engine.Crypto.SecureElements, len(s.config.SecureElements)))
	s.logger.Debug("Health checker initialized")
}

func (s *Server) initializeREST() error {
	tlsConfig, err := s.config.TLS.LoadTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to load TLS configuration: %w", err)
	}

	if s.config.RateLimit.Enabled {
		rl := s.config.RateLimit
		s.limiter = ratelimit.New(&rl)
		s.logger.Info("Rate limiting enabled",
			logger.Int("requests_per_minute", rl.RequestsPerMinute),
			logger.Int("burst", rl.Burst))
	}

	metricsPath := ""
	if s.config.Metrics.Enabled {
		metricsPath = s.config.Metrics.Path
	}

	s.restServer, err = rest.NewServer(&rest.Config{
		Engine:      s.engine,
		Address:     s.config.Server.Address(),
		Version:     getBuildVersion(),
		TLSConfig:   tlsConfig,
		Logger:      s.logger,
		RateLimiter: s.limiter,
		MetricsPath: metricsPath,
	})
	if err != nil {
		if s.limiter != nil {
			s.limiter.Stop()
		}
		return fmt.Errorf("failed to create REST server: %w", err)
	}
	s.restServer.SetHealthChecker(s.healthChecker)
	return nil
}

// getBuildVersion retrieves the version from build information
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.version" && setting.Value != "" && setting.Value != "devel" {
			return setting.Value
		}
		if setting.Key == "vcs.revision" {
			if len(setting.Value) >= 7 {
				return setting.Value[:7]
			}
			return setting.Value
		}
	}

	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := s.config.Server.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.StartOn(ln)
	return nil
}

// StartOn serves on ln in the background.
func (s *Server) StartOn(ln net.Listener) {
	s.addr = ln.Addr()

	if s.config.Metrics.Enabled {
		s.metricsCollector = metrics.StartResourceCollector(s.ctx, collectInterval,
			metrics.WithSlotStats(s.engine.Crypto.Stats))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.restServer.Serve(ln); err != nil {
			s.logger.Error("REST server error", logger.Error(err))
			s.errCh <- err
		}
	}()

	s.healthChecker.MarkStarted()
	s.logger.Info("psa server started",
		logger.String("address", ln.Addr().String()),
		logger.Bool("tls", s.config.TLS.Enabled),
		logger.Int("secure_elements", len(s.config.SecureElements)))
}

// Addr returns the listener address once started.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Errors reports a listener that stopped on its own.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Engine returns the engine served by s.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// RESTServer returns the REST server instance
func (s *Server) RESTServer() *rest.Server {
	return s.restServer
}

// HealthChecker returns the health checker.
func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}

// Shutdown stops the listener, waits for in flight requests up to the
// configured timeout and closes the engine. It is safe to call twice.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
		close(s.shutdownCh)
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server...")
	s.healthChecker.MarkNotStarted()

	if s.metricsCollector != nil {
		s.metricsCollector.Stop()
	}
	s.cancel()

	timeout := time.Duration(s.config.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.restServer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout exceeded, forcing stop")
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}
	if err := s.engine.Close(); err != nil {
		s.logger.Error("Error closing engine", logger.Error(err))
		errs = append(errs, err)
	}

	s.logger.Info("Server shutdown complete")
	return errors.Join(errs...)
}

// WaitForShutdown blocks until the server is shut down
func (s *Server) WaitForShutdown() {
	<-s.shutdownCh
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalCh
		cancel()
	}()

	return ctx
}
