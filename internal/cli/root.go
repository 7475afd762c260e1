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

// Package cli implements psactl, a command line front end to the psa
// engine.
package cli

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/jeremyhahn/go-psa/internal/engine"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the psactl command tree.
func NewRootCommand() *cobra.Command {
	cfg := NewConfig()

	rootCmd := &cobra.Command{
		Use:   "psactl",
		Short: "psactl - PSA Crypto key store and operations",
		Long: `psactl drives a local psa engine. Persistent keys are kept in the
data directory (or the storage configured by --config) and survive
between invocations; volatile keys last for a single command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.Bind(cmd.Flags())
		},
	}

	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&cfg.ConfigFile, "config", "",
		"psa configuration file (same format as psa-server)")
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir,
		"directory for persistent key storage")
	rootCmd.PersistentFlags().StringVarP(&cfg.OutputFormat, "output", "o", cfg.OutputFormat,
		"output format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", false,
		"verbose output")

	rootCmd.AddCommand(
		newVersionCmd(cfg),
		newKeyCmd(cfg),
		newCipherCmd(cfg),
		newMACCmd(cfg),
		newHashCmd(cfg),
		newSignCmd(cfg),
		newVerifyCmd(cfg),
		newRandomCmd(cfg),
	)
	return rootCmd
}

// Execute runs psactl and prints any error in the selected output format.
func Execute() error {
	rootCmd := NewRootCommand()
	cmd, err := rootCmd.ExecuteC()
	if err != nil {
		format, _ := cmd.Flags().GetString("output")
		_ = NewPrinter(format, os.Stderr).PrintError(err)
	}
	return err
}

// withEngine opens the engine for the duration of fn.
func withEngine(cfg *Config, cmd *cobra.Command, fn func(e *engine.Engine, p *Printer) error) (err error) {
	e, err := cfg.Open(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	printVerbose(cfg, cmd, "storage: %s %s", e.Config.Storage.Backend, e.Config.Storage.Path)
	return fn(e, NewPrinter(cfg.OutputFormat, cmd.OutOrStdout()))
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(cfg *Config, cmd *cobra.Command, format string, args ...interface{}) {
	if cfg.Verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "[VERBOSE] "+format+"\n", args...)
	}
}

// addInputFlags registers --name, --name-hex and --name-file.
func addInputFlags(cmd *cobra.Command, name, usage string) {
	cmd.Flags().String(name, "", usage+" (literal string)")
	cmd.Flags().String(name+"-hex", "", usage+" (hex)")
	cmd.Flags().String(name+"-file", "", usage+" (read from file)")
}

// readInput returns the value given by one of the flags registered with
// addInputFlags. It is nil when none is set.
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	var (
		data []byte
		set  int
	)
	if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
		data = []byte(f.Value.String())
		set++
	}
	if f := cmd.Flags().Lookup(name + "-hex"); f != nil && f.Changed {
		b, err := hex.DecodeString(f.Value.String())
		if err != nil {
			return nil, fmt.Errorf("--%s-hex: %w", name, err)
		}
		data = b
		set++
	}
	if f := cmd.Flags().Lookup(name + "-file"); f != nil && f.Changed {
		b, err := os.ReadFile(f.Value.String())
		if err != nil {
			return nil, fmt.Errorf("--%s-file: %w", name, err)
		}
		data = b
		set++
	}
	if set > 1 {
		return nil, fmt.Errorf("only one of --%s, --%s-hex and --%s-file may be given", name, name, name)
	}
	return data, nil
}

// keyIDArg parses the key identifier argument.
func keyIDArg(args []string) (types.KeyID, error) {
	return engine.ParseKeyID(args[0])
}
