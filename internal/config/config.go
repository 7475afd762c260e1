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

// Package config loads the psa-server and psactl configuration file.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/jeremyhahn/go-psa/pkg/ratelimit"
	"github.com/jeremyhahn/go-psa/pkg/se"
	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
)

// Secure element drivers.
const (
	DriverMemSE  = "memse"
	DriverPKCS11 = "pkcs11"
)

// Config represents the complete configuration
type Config struct {
	Slots             slot.Config           `yaml:"slots"`
	MaxSecureElements int                   `yaml:"max_secure_elements"`
	Storage           StorageConfig         `yaml:"storage"`
	Logging           LoggingConfig         `yaml:"logging"`
	SecureElements    []SecureElementConfig `yaml:"secure_elements"`
	Server            ServerConfig          `yaml:"server"`
	TLS               TLSConfig             `yaml:"tls"`
	Metrics           MetricsConfig         `yaml:"metrics"`
	RateLimit         ratelimit.Config      `yaml:"ratelimit"`
}

// StorageConfig selects where persistent keys are kept
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory, file
	Path    string `yaml:"path"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SecureElementConfig registers one secure element driver at a location
type SecureElementConfig struct {
	Location uint32 `yaml:"location"`
	Driver   string `yaml:"driver"` // memse, pkcs11

	// memse
	Capacity int `yaml:"capacity"`

	// pkcs11
	Library string `yaml:"library"`
	Token   string `yaml:"token"`
	Slot    *uint  `yaml:"slot"`
	PIN     string `yaml:"pin"`
}

// KeyLocation returns the configured location.
func (s SecureElementConfig) KeyLocation() types.KeyLocation {
	return types.KeyLocation(s.Location)
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TLSConfig controls TLS settings for the HTTP listener
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	ClientAuth   string   `yaml:"client_auth"` // none, request, require, verify, require_and_verify
	MinVersion   string   `yaml:"min_version"` // TLS1.2, TLS1.3
	MaxVersion   string   `yaml:"max_version"`
	CipherSuites []string `yaml:"cipher_suites"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with every section filled in.
func Default() *Config {
	return &Config{
		Slots:             slot.DefaultConfig(),
		MaxSecureElements: se.DefaultMaxDrivers,
		Storage: StorageConfig{
			Backend: StorageMemory,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8443,
			ShutdownTimeout: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		RateLimit: ratelimit.Config{
			Enabled:           false,
			RequestsPerMinute: 600,
			Burst:             50,
		},
	}
}

// Load reads the YAML file at path on top of Default, applies PSA_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv applies PSA_* environment overrides to c.
func (c *Config) ApplyEnv() {
	applyEnvOverrides(c)
}

func envInt(name string, current int) int {
	v := os.Getenv(name)
	if v == "" {
		return current
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, using %d: %v", name, v, current, err)
		return current
	}
	return n
}

func envBool(name string, current bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return current
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, using %t: %v", name, v, current, err)
		return current
	}
	return b
}

func applyEnvOverrides(cfg *Config) {
	// Server
	if host := os.Getenv("PSA_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := envInt("PSA_PORT", cfg.Server.Port); port < 1 || port > 65535 {
		log.Printf("Warning: PSA_PORT %d out of range 1-65535, using %d", port, cfg.Server.Port)
	} else {
		cfg.Server.Port = port
	}

	// Logging
	if level := os.Getenv("PSA_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("PSA_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	// Storage
	if backend := os.Getenv("PSA_STORAGE_BACKEND"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if dataDir := os.Getenv("PSA_DATA_DIR"); dataDir != "" {
		cfg.Storage.Path = dataDir
		if os.Getenv("PSA_STORAGE_BACKEND") == "" {
			cfg.Storage.Backend = StorageFile
		}
	}

	// Slots
	cfg.Slots.SingleKeySlots = envInt("PSA_SLOTS_SINGLE_KEY", cfg.Slots.SingleKeySlots)
	cfg.Slots.KeyPairSlots = envInt("PSA_SLOTS_KEY_PAIR", cfg.Slots.KeyPairSlots)
	cfg.Slots.ProtectedSlots = envInt("PSA_SLOTS_PROTECTED", cfg.Slots.ProtectedSlots)

	// Metrics
	cfg.Metrics.Enabled = envBool("PSA_METRICS_ENABLED", cfg.Metrics.Enabled)

	// Rate limiting
	cfg.RateLimit.Enabled = envBool("PSA_RATELIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.RequestsPerMinute = envInt("PSA_RATELIMIT_REQUESTS_PER_MIN", cfg.RateLimit.RequestsPerMinute)

	// The PIN is the one secret in the file; allow it to come from the
	// environment instead.
	if pin := os.Getenv("PSA_PKCS11_PIN"); pin != "" {
		for i := range cfg.SecureElements {
			if cfg.SecureElements[i].Driver == DriverPKCS11 {
				cfg.SecureElements[i].PIN = pin
			}
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Slots.Validate(); err != nil {
		return fmt.Errorf("slots: %w", err)
	}
	if c.MaxSecureElements < 0 {
		return fmt.Errorf("max_secure_elements must not be negative: %d", c.MaxSecureElements)
	}

	switch strings.ToLower(c.Storage.Backend) {
	case StorageMemory:
	case StorageFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the file backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be memory or file)", c.Storage.Backend)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /: %q", c.Metrics.Path)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("ratelimit requests_per_min must be positive when enabled")
	}

	limit := c.MaxSecureElements
	if limit == 0 {
		limit = se.DefaultMaxDrivers
	}
	if len(c.SecureElements) > limit {
		return fmt.Errorf("%d secure elements configured, at most %d allowed", len(c.SecureElements), limit)
	}
	seen := make(map[uint32]bool, len(c.SecureElements))
	for i, s := range c.SecureElements {
		if s.KeyLocation() == types.LocationLocalStorage {
			return fmt.Errorf("secure_elements[%d]: location 0 is reserved for local storage", i)
		}
		if s.Location > 0xffffff {
			return fmt.Errorf("secure_elements[%d]: location %#x does not fit in 24 bits", i, s.Location)
		}
		if seen[s.Location] {
			return fmt.Errorf("secure_elements[%d]: duplicate location %#x", i, s.Location)
		}
		seen[s.Location] = true

		switch s.Driver {
		case DriverMemSE:
			if s.Capacity < 0 {
				return fmt.Errorf("secure_elements[%d]: capacity must not be negative", i)
			}
		case DriverPKCS11:
			if s.Library == "" {
				return fmt.Errorf("secure_elements[%d]: library is required for the pkcs11 driver", i)
			}
		default:
			return fmt.Errorf("secure_elements[%d]: unknown driver %q (must be memse or pkcs11)", i, s.Driver)
		}
	}
	return nil
}
