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

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-psa/internal/config"
	"github.com/jeremyhahn/go-psa/internal/engine"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix prefixes the environment variables that mirror the persistent
// flags, e.g. PSACTL_DATA_DIR.
const envPrefix = "PSACTL"

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is the psa configuration file (same format as psa-server)
	ConfigFile string

	// DataDir is the directory persistent keys are stored in
	DataDir string

	// OutputFormat controls output formatting (text, json)
	OutputFormat string

	// Verbose enables debug logging on stderr
	Verbose bool

	v *viper.Viper
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		DataDir:      "psa-data",
		OutputFormat: string(OutputFormatText),
		v:            viper.New(),
	}
}

// Bind resolves the settings from flags, then PSACTL_* environment
// variables, then the defaults.
func (c *Config) Bind(flags *pflag.FlagSet) error {
	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	for _, name := range []string{"config", "data-dir", "output", "verbose"} {
		if f := flags.Lookup(name); f != nil {
			if err := c.v.BindPFlag(name, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	c.ConfigFile = c.v.GetString("config")
	c.DataDir = c.v.GetString("data-dir")
	c.OutputFormat = strings.ToLower(c.v.GetString("output"))
	c.Verbose = c.v.GetBool("verbose")

	switch OutputFormat(c.OutputFormat) {
	case OutputFormatText, OutputFormatJSON:
	default:
		return fmt.Errorf("unknown output format: %s", c.OutputFormat)
	}
	return nil
}

// EngineConfig builds the engine configuration. Without a configuration
// file keys live in DataDir; an explicit --data-dir or PSACTL_DATA_DIR
// overrides the storage section of the file.
func (c *Config) EngineConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.ConfigFile != "" {
		if cfg, err = config.Load(c.ConfigFile); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
		cfg.ApplyEnv()
	}

	if c.ConfigFile == "" || c.v.IsSet("data-dir") {
		cfg.Storage = config.StorageConfig{Backend: config.StorageFile, Path: c.DataDir}
	}

	cfg.Metrics.Enabled = false
	cfg.Logging.Format = "text"
	if c.Verbose {
		cfg.Logging.Level = "debug"
	} else {
		cfg.Logging.Level = "warn"
	}
	return cfg, cfg.Validate()
}

// Open opens an engine over the configured key storage. Log output goes
// to logOut.
func (c *Config) Open(logOut io.Writer) (*engine.Engine, error) {
	cfg, err := c.EngineConfig()
	if err != nil {
		return nil, err
	}
	return engine.Open(cfg, engine.WithLogOutput(logOut))
}
