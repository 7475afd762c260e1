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
	"os"

	"github.com/jeremyhahn/go-psa/internal/engine"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"github.com/spf13/cobra"
)

func newKeyCmd(cfg *Config) *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage keys",
		Long:  `Import, generate, inspect, export and destroy keys`,
	}
	keyCmd.AddCommand(
		newKeyGenerateCmd(cfg),
		newKeyImportCmd(cfg),
		newKeyDestroyCmd(cfg),
		newKeyInfoCmd(cfg),
		newKeyListCmd(cfg),
		newKeyExportCmd(cfg, false),
		newKeyExportCmd(cfg, true),
	)
	return keyCmd
}

// addKeySpecFlags registers the key attribute flags.
func addKeySpecFlags(cmd *cobra.Command) {
	cmd.Flags().String("id", "", "key identifier for a persistent key (decimal or 0x hex)")
	cmd.Flags().String("type", "", "key type, e.g. aes, hmac, ecc-key-pair(secp-r1)")
	cmd.Flags().Uint16("bits", 0, "key size in bits")
	cmd.Flags().String("persistence", "", "volatile or persistent (default: persistent when --id is set)")
	cmd.Flags().Uint32("location", 0, "key location (0 is local storage)")
	cmd.Flags().String("usage", "", "comma separated usage flags, e.g. encrypt,decrypt,export")
	cmd.Flags().String("alg", "", "permitted algorithm, e.g. gcm, ecdsa(sha-256)")
	_ = cmd.MarkFlagRequired("type")
}

// keySpecFromFlags collects the key attribute flags.
func keySpecFromFlags(cmd *cobra.Command) (engine.KeySpec, error) {
	var spec engine.KeySpec
	flags := cmd.Flags()

	if s, _ := flags.GetString("id"); s != "" {
		id, err := engine.ParseKeyID(s)
		if err != nil {
			return spec, err
		}
		spec.ID = uint32(id)
	}
	spec.Type, _ = flags.GetString("type")
	spec.Bits, _ = flags.GetUint16("bits")
	spec.Persistence, _ = flags.GetString("persistence")
	spec.Location, _ = flags.GetUint32("location")
	spec.Usage, _ = flags.GetString("usage")
	spec.Algorithm, _ = flags.GetString("alg")

	if spec.Persistence == "" && spec.ID != 0 {
		spec.Persistence = "persistent"
	}
	return spec, nil
}

func newKeyGenerateCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := keySpecFromFlags(cmd)
			if err != nil {
				return err
			}
			attrs, err := spec.Attributes()
			if err != nil {
				return err
			}
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				printVerbose(cfg, cmd, "Generating %s key", spec.Type)
				id, err := e.Crypto.GenerateKey(attrs)
				if err != nil {
					return fmt.Errorf("failed to generate key: %w", err)
				}
				return printKey(e, p, id)
			})
		},
	}
	addKeySpecFlags(cmd)
	return cmd
}

func newKeyImportCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import key material",
		Long: `Import key material in the PSA export format: raw bytes for
symmetric keys, the private scalar for ECC key pairs and the
uncompressed point for ECC public keys.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := keySpecFromFlags(cmd)
			if err != nil {
				return err
			}
			attrs, err := spec.Attributes()
			if err != nil {
				return err
			}
			data, err := readInput(cmd, "data")
			if err != nil {
				return err
			}
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				id, err := e.Crypto.ImportKey(attrs, data)
				if err != nil {
					return fmt.Errorf("failed to import key: %w", err)
				}
				return printKey(e, p, id)
			})
		},
	}
	addKeySpecFlags(cmd)
	addInputFlags(cmd, "data", "key material")
	return cmd
}

func printKey(e *engine.Engine, p *Printer, id types.KeyID) error {
	attrs, err := e.Crypto.GetKeyAttributes(id)
	if err != nil {
		return err
	}
	return p.PrintKeyInfo(engine.Describe(attrs))
}

func newKeyDestroyCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <key-id>",
		Short: "Destroy a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := keyIDArg(args)
			if err != nil {
				return err
			}
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				if err := e.Destroy(id); err != nil {
					return fmt.Errorf("failed to destroy key: %w", err)
				}
				return p.PrintSuccess(fmt.Sprintf("Destroyed key %s", id))
			})
		},
	}
}

func newKeyInfoCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "info <key-id>",
		Short: "Show key attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := keyIDArg(args)
			if err != nil {
				return err
			}
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				return printKey(e, p, id)
			})
		},
	}
}

func newKeyListCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persistent keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				keys, err := e.Crypto.ListKeys()
				if err != nil {
					return fmt.Errorf("failed to list keys: %w", err)
				}
				infos := make([]engine.KeyInfo, 0, len(keys))
				for _, attrs := range keys {
					infos = append(infos, engine.Describe(attrs))
				}
				return p.PrintKeyList(infos)
			})
		},
	}
}

func newKeyExportCmd(cfg *Config, public bool) *cobra.Command {
	use, short := "export <key-id>", "Export key material"
	if public {
		use, short = "export-public <key-id>", "Export the public key"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := keyIDArg(args)
			if err != nil {
				return err
			}
			outFile, _ := cmd.Flags().GetString("out")
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				data, err := e.Export(id, public)
				if err != nil {
					return fmt.Errorf("failed to export key: %w", err)
				}
				if outFile != "" {
					if err := os.WriteFile(outFile, data, 0600); err != nil {
						return fmt.Errorf("failed to write %s: %w", outFile, err)
					}
					return p.PrintSuccess(fmt.Sprintf("Wrote %d bytes to %s", len(data), outFile))
				}
				return p.PrintBytes(Field{Name: "data", Value: data})
			})
		},
	}
	cmd.Flags().String("out", "", "write the raw key data to this file")
	return cmd
}
