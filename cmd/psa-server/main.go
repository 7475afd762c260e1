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

package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/jeremyhahn/go-psa/internal/config"
	"github.com/jeremyhahn/go-psa/internal/server"
)

var (
	// Version information (set during build)
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "/etc/psa/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("psa-server\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Git Commit: %s\n", commit)
		fmt.Printf("  Built:      %s\n", date)
		os.Exit(0)
	}

	if envConfig := os.Getenv("PSA_CONFIG"); envConfig != "" {
		*configPath = envConfig
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("Failed to create server", slog.Any("error", err))
		os.Exit(1)
	}

	shutdownCtx := server.SetupSignalHandler()

	if err := srv.Start(); err != nil {
		slog.Error("Failed to start server", slog.Any("error", err))
		_ = srv.Shutdown()
		os.Exit(1)
	}

	code := 0
	select {
	case <-shutdownCtx.Done():
	case err := <-srv.Errors():
		slog.Error("Server error", slog.Any("error", err))
		code = 1
	}

	if err := srv.Shutdown(); err != nil {
		slog.Error("Error during server shutdown", slog.Any("error", err))
		code = 1
	}
	os.Exit(code)
}

// loadConfig reads path. A missing file at the default location falls back
// to the built in defaults and the environment.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path != defaultConfigPath || !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg = config.Default()
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}
