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

// Package engine builds a ready to use psa.Crypto from a config.Config:
// logger, key storage, metrics recorder and secure element drivers.
package engine

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jeremyhahn/go-psa/internal/config"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/metrics"
	"github.com/jeremyhahn/go-psa/pkg/psa"
	"github.com/jeremyhahn/go-psa/pkg/storage"
	"github.com/jeremyhahn/go-psa/pkg/storage/file"
	"github.com/jeremyhahn/go-psa/pkg/storage/memory"
	"github.com/spf13/afero"
)

// Engine owns an initialized psa.Crypto and the drivers registered with it.
type Engine struct {
	Crypto  *psa.Crypto
	Config  *config.Config
	Logger  logger.Logger
	Storage storage.Backend

	closers []io.Closer
	nonces  *nonceTracker
}

type options struct {
	log logger.Logger
	fs  afero.Fs
	out io.Writer
}

// Option configures Open.
type Option func(*options)

// WithLogger replaces the logger built from the logging section.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithFs sets the filesystem used by the file storage backend.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithLogOutput sets where the configured logger writes.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// NewLogger builds the logger described by cfg.
func NewLogger(cfg config.LoggingConfig, out io.Writer) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stderr
	}
	return logger.NewSlogAdapter(&logger.SlogConfig{
		Level:  level,
		Format: cfg.Format,
		Output: out,
	}), nil
}

// NewStorage opens the key storage backend named by cfg.
func NewStorage(cfg config.StorageConfig, fs afero.Fs) (storage.Backend, error) {
	switch cfg.Backend {
	case config.StorageMemory, "":
		return memory.New(), nil
	case config.StorageFile:
		if fs == nil {
			return file.New(cfg.Path)
		}
		return file.NewWithFs(fs, cfg.Path)
	default:
		return nil, fmt.Errorf("engine: unknown storage backend %q", cfg.Backend)
	}
}

// Open builds and initializes an engine. Secure elements are registered in
// configuration order; a driver that fails to come up aborts Open.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid configuration: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	log := o.log
	if log == nil {
		var err error
		if log, err = NewLogger(cfg.Logging, o.out); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	store, err := NewStorage(cfg.Storage, o.fs)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open key storage: %w", err)
	}

	psaOpts := []psa.Option{psa.WithLogger(log), psa.WithStorage(store)}
	if cfg.Metrics.Enabled {
		metrics.Enable()
		psaOpts = append(psaOpts, psa.WithMetrics(metrics.NewRecorder()))
	} else {
		metrics.Disable()
	}

	c, err := psa.New(psa.Config{
		Slots:             cfg.Slots,
		MaxSecureElements: cfg.MaxSecureElements,
	}, psaOpts...)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := c.Init(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{Crypto: c, Config: cfg, Logger: log, Storage: store, nonces: newNonceTracker()}
	for i, sc := range cfg.SecureElements {
		driver, err := NewDriver(sc, log)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("engine: secure_elements[%d]: %w", i, err)
		}
		if closer, ok := driver.(io.Closer); ok {
			e.closers = append(e.closers, closer)
		}
		if err := c.RegisterSecureElement(sc.KeyLocation(), driver, nil); err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("engine: secure_elements[%d]: %w", i, err)
		}
		log.Info("secure element configured",
			logger.String("driver", sc.Driver),
			logger.String("location", fmt.Sprintf("0x%06x", sc.Location)))
	}
	return e, nil
}

// Close wipes the engine, closes the drivers and the key storage.
func (e *Engine) Close() error {
	var errs []error
	if err := e.Crypto.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			e.Logger.Warn("secure element close failed", logger.Error(err))
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
