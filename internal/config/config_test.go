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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jeremyhahn/go-psa/pkg/slot"
)

const fullConfig = `
slots:
  single_key: 8
  key_pair: 4
  protected: 2
max_secure_elements: 2
storage:
  backend: file
  path: /var/lib/psa
logging:
  level: debug
  format: json
secure_elements:
  - location: 1
    driver: memse
    capacity: 16
  - location: 0x800001
    driver: pkcs11
    library: /usr/lib/softhsm/libsofthsm2.so
    token: psa
    pin: "1234"
server:
  host: 0.0.0.0
  port: 9443
metrics:
  enabled: true
  path: /metrics
ratelimit:
  enabled: true
  requests_per_min: 120
  burst: 10
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "psa.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Storage.Backend != StorageMemory {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Slots != slot.DefaultConfig() {
		t.Errorf("Slots = %+v, want %+v", cfg.Slots, slot.DefaultConfig())
	}
	if cfg.Server.Address() != "127.0.0.1:8443" {
		t.Errorf("Address() = %q", cfg.Server.Address())
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Slots.SingleKeySlots != 8 || cfg.Slots.KeyPairSlots != 4 || cfg.Slots.ProtectedSlots != 2 {
		t.Errorf("Slots = %+v", cfg.Slots)
	}
	if cfg.Storage.Backend != StorageFile || cfg.Storage.Path != "/var/lib/psa" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if len(cfg.SecureElements) != 2 {
		t.Fatalf("len(SecureElements) = %d, want 2", len(cfg.SecureElements))
	}
	if se := cfg.SecureElements[0]; se.Driver != DriverMemSE || se.Capacity != 16 || se.KeyLocation() != 1 {
		t.Errorf("SecureElements[0] = %+v", se)
	}
	if se := cfg.SecureElements[1]; se.Location != 0x800001 || se.Token != "psa" || se.PIN != "1234" {
		t.Errorf("SecureElements[1] = %+v", se)
	}
	if cfg.Server.Port != 9443 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RequestsPerMinute != 120 || cfg.RateLimit.Burst != 10 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
}

func TestLoadKeepsDefaultsForMissingSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: warn\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want default text", cfg.Logging.Format)
	}
	if cfg.Server.Port != 8443 {
		t.Errorf("Server.Port = %d, want default 8443", cfg.Server.Port)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
	if _, err := Load(writeConfig(t, "slots: [1, 2")); err == nil {
		t.Error("Load() of malformed YAML should fail")
	}
	_, err := Load(writeConfig(t, "storage:\n  backend: s3\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("Load() error = %v, want invalid configuration", err)
	}
}

func TestValidate(t *testing.T) {
	slotNum := uint(0)
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"negative slots", func(c *Config) { c.Slots.KeyPairSlots = -1 }, "slots"},
		{"no slots", func(c *Config) { c.Slots = slot.Config{} }, "slots"},
		{"negative max secure elements", func(c *Config) { c.MaxSecureElements = -1 }, "max_secure_elements"},
		{"file storage without path", func(c *Config) { c.Storage.Backend = StorageFile }, "storage path"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }, "invalid storage backend"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"tls without cert", func(c *Config) { c.TLS = TLSConfig{Enabled: true, KeyFile: "k"} }, "cert_file"},
		{"tls without key", func(c *Config) { c.TLS = TLSConfig{Enabled: true, CertFile: "c"} }, "key_file"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics path"},
		{"ratelimit without rate", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.RequestsPerMinute = 0
		}, "requests_per_min"},
		{"se local location", func(c *Config) {
			c.SecureElements = []SecureElementConfig{{Location: 0, Driver: DriverMemSE}}
		}, "reserved"},
		{"se location too wide", func(c *Config) {
			c.SecureElements = []SecureElementConfig{{Location: 0x1000000, Driver: DriverMemSE}}
		}, "24 bits"},
		{"se duplicate location", func(c *Config) {
			c.SecureElements = []SecureElementConfig{
				{Location: 1, Driver: DriverMemSE},
				{Location: 1, Driver: DriverMemSE},
			}
		}, "duplicate"},
		{"se unknown driver", func(c *Config) {
			c.SecureElements = []SecureElementConfig{{Location: 1, Driver: "tpm2"}}
		}, "unknown driver"},
		{"se negative capacity", func(c *Config) {
			c.SecureElements = []SecureElementConfig{{Location: 1, Driver: DriverMemSE, Capacity: -1}}
		}, "capacity"},
		{"pkcs11 without library", func(c *Config) {
			c.SecureElements = []SecureElementConfig{{Location: 1, Driver: DriverPKCS11, Slot: &slotNum}}
		}, "library"},
		{"too many secure elements", func(c *Config) {
			c.MaxSecureElements = 1
			c.SecureElements = []SecureElementConfig{
				{Location: 1, Driver: DriverMemSE},
				{Location: 2, Driver: DriverMemSE},
			}
		}, "at most 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PSA_HOST", "10.0.0.1")
	t.Setenv("PSA_PORT", "7000")
	t.Setenv("PSA_LOG_LEVEL", "error")
	t.Setenv("PSA_LOG_FORMAT", "json")
	t.Setenv("PSA_DATA_DIR", "/srv/psa")
	t.Setenv("PSA_SLOTS_SINGLE_KEY", "3")
	t.Setenv("PSA_METRICS_ENABLED", "false")
	t.Setenv("PSA_RATELIMIT_ENABLED", "true")
	t.Setenv("PSA_RATELIMIT_REQUESTS_PER_MIN", "30")
	t.Setenv("PSA_PKCS11_PIN", "9999")

	cfg, err := Load(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address() != "10.0.0.1:7000" {
		t.Errorf("Address() = %q", cfg.Server.Address())
	}
	if cfg.Logging.Level != "error" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "/srv/psa" || cfg.Storage.Backend != StorageFile {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Slots.SingleKeySlots != 3 {
		t.Errorf("SingleKeySlots = %d", cfg.Slots.SingleKeySlots)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should be overridden to false")
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RequestsPerMinute != 30 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.SecureElements[1].PIN != "9999" {
		t.Errorf("pkcs11 PIN = %q, want override", cfg.SecureElements[1].PIN)
	}
	if cfg.SecureElements[0].PIN != "" {
		t.Errorf("memse PIN = %q, want empty", cfg.SecureElements[0].PIN)
	}
}

func TestEnvOverridesIgnoreInvalidValues(t *testing.T) {
	t.Setenv("PSA_PORT", "not-a-port")
	t.Setenv("PSA_METRICS_ENABLED", "maybe")
	t.Setenv("PSA_SLOTS_KEY_PAIR", "x")

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Server.Port != 8443 {
		t.Errorf("Server.Port = %d, want 8443", cfg.Server.Port)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should keep its default")
	}
	if cfg.Slots.KeyPairSlots != slot.DefaultConfig().KeyPairSlots {
		t.Errorf("KeyPairSlots = %d", cfg.Slots.KeyPairSlots)
	}

	t.Setenv("PSA_PORT", "99999")
	cfg.ApplyEnv()
	if cfg.Server.Port != 8443 {
		t.Errorf("Server.Port = %d, out of range value should be ignored", cfg.Server.Port)
	}
}

func TestDataDirKeepsExplicitBackend(t *testing.T) {
	t.Setenv("PSA_DATA_DIR", "/tmp/psa")
	t.Setenv("PSA_STORAGE_BACKEND", "memory")

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Storage.Backend != StorageMemory {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
}
