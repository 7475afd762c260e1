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
	"strconv"

	"github.com/jeremyhahn/go-psa/internal/engine"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"github.com/spf13/cobra"
)

// algFlag parses the required --alg flag.
func algFlag(cmd *cobra.Command) (types.Algorithm, error) {
	s, _ := cmd.Flags().GetString("alg")
	return types.ParseAlgorithm(s)
}

func addAlgFlag(cmd *cobra.Command, usage string) {
	cmd.Flags().String("alg", "", usage)
	_ = cmd.MarkFlagRequired("alg")
}

func newCipherCmd(cfg *Config) *cobra.Command {
	cipherCmd := &cobra.Command{
		Use:   "cipher",
		Short: "Symmetric and AEAD encryption",
		Long: `Encrypt and decrypt with a stored key. Unauthenticated ciphers
prefix the IV to the ciphertext. AEAD encryption draws a random nonce when
none is given and prints it next to the ciphertext.`,
	}
	cipherCmd.AddCommand(newCipherRunCmd(cfg, true), newCipherRunCmd(cfg, false))
	return cipherCmd
}

func newCipherRunCmd(cfg *Config, encrypt bool) *cobra.Command {
	use, short := "decrypt <key-id>", "Decrypt data"
	if encrypt {
		use, short = "encrypt <key-id>", "Encrypt data"
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
			alg, err := algFlag(cmd)
			if err != nil {
				return err
			}
			input, err := readInput(cmd, "data")
			if err != nil {
				return err
			}
			nonce, err := readInput(cmd, "nonce")
			if err != nil {
				return err
			}
			ad, err := readInput(cmd, "ad")
			if err != nil {
				return err
			}
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				if !encrypt {
					out, err := e.Decrypt(id, alg, input, nonce, ad)
					if err != nil {
						return fmt.Errorf("failed to decrypt: %w", err)
					}
					return p.PrintBytes(Field{Name: "plaintext", Value: out})
				}
				out, usedNonce, err := e.Encrypt(id, alg, input, nonce, ad)
				if err != nil {
					return fmt.Errorf("failed to encrypt: %w", err)
				}
				if usedNonce == nil {
					return p.PrintBytes(Field{Name: "ciphertext", Value: out})
				}
				return p.PrintBytes(Field{Name: "ciphertext", Value: out}, Field{Name: "nonce", Value: usedNonce})
			})
		},
	}
	addAlgFlag(cmd, "cipher or AEAD algorithm, e.g. cbc-pkcs7, gcm")
	addInputFlags(cmd, "data", "input")
	addInputFlags(cmd, "nonce", "AEAD nonce")
	addInputFlags(cmd, "ad", "AEAD additional data")
	return cmd
}

func newMACCmd(cfg *Config) *cobra.Command {
	macCmd := &cobra.Command{
		Use:   "mac",
		Short: "Message authentication codes",
	}

	compute := &cobra.Command{
		Use:   "compute <key-id>",
		Short: "Compute a MAC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := keyIDArg(args)
			if err != nil {
				return err
			}
			alg, err := algFlag(cmd)
			if err != nil {
				return err
			}
			input, err := readInput(cmd, "data")
			if err != nil {
				return err
			}
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				mac, err := e.MAC(id, alg, input)
				if err != nil {
					return fmt.Errorf("failed to compute mac: %w", err)
				}
				return p.PrintBytes(Field{Name: "mac", Value: mac})
			})
		},
	}
	addAlgFlag(compute, "MAC algorithm, e.g. hmac(sha-256)")
	addInputFlags(compute, "data", "input")

	verify := &cobra.Command{
		Use:   "verify <key-id>",
		Short: "Verify a MAC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := keyIDArg(args)
			if err != nil {
				return err
			}
			alg, err := algFlag(cmd)
			if err != nil {
				return err
			}
			input, err := readInput(cmd, "data")
			if err != nil {
				return err
			}
			mac, err := readInput(cmd, "mac")
			if err != nil {
				return err
			}
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				if err := e.Crypto.MACVerify(id, alg, input, mac); err != nil {
					return fmt.Errorf("mac verification failed: %w", err)
				}
				return p.PrintValid("MAC")
			})
		},
	}
	addAlgFlag(verify, "MAC algorithm, e.g. hmac(sha-256)")
	addInputFlags(verify, "data", "input")
	addInputFlags(verify, "mac", "expected MAC")

	macCmd.AddCommand(compute, verify)
	return macCmd
}

func newHashCmd(cfg *Config) *cobra.Command {
	hashCmd := &cobra.Command{
		Use:   "hash",
		Short: "Message digests",
	}
	compute := &cobra.Command{
		Use:   "compute",
		Short: "Compute a digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := algFlag(cmd)
			if err != nil {
				return err
			}
			input, err := readInput(cmd, "data")
			if err != nil {
				return err
			}
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				digest, err := e.Hash(alg, input)
				if err != nil {
					return fmt.Errorf("failed to compute hash: %w", err)
				}
				return p.PrintBytes(Field{Name: "hash", Value: digest})
			})
		},
	}
	addAlgFlag(compute, "hash algorithm, e.g. sha-256")
	addInputFlags(compute, "data", "input")
	hashCmd.AddCommand(compute)
	return hashCmd
}

// signInput returns the message or the precomputed hash.
func signInput(cmd *cobra.Command) ([]byte, bool, error) {
	message, err := readInput(cmd, "data")
	if err != nil {
		return nil, false, err
	}
	hash, err := readInput(cmd, "hash")
	if err != nil {
		return nil, false, err
	}
	if message != nil && hash != nil {
		return nil, false, fmt.Errorf("--data and --hash are mutually exclusive")
	}
	if hash != nil {
		return hash, true, nil
	}
	return message, false, nil
}

func newSignCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign <key-id>",
		Short: "Sign a message or a precomputed hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := keyIDArg(args)
			if err != nil {
				return err
			}
			alg, err := algFlag(cmd)
			if err != nil {
				return err
			}
			input, prehashed, err := signInput(cmd)
			if err != nil {
				return err
			}
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				sig, err := e.Sign(id, alg, input, prehashed)
				if err != nil {
					return fmt.Errorf("failed to sign: %w", err)
				}
				return p.PrintBytes(Field{Name: "signature", Value: sig})
			})
		},
	}
	addAlgFlag(cmd, "signature algorithm, e.g. ecdsa(sha-256), pure-eddsa")
	addInputFlags(cmd, "data", "message")
	addInputFlags(cmd, "hash", "precomputed hash")
	return cmd
}

func newVerifyCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <key-id>",
		Short: "Verify a signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := keyIDArg(args)
			if err != nil {
				return err
			}
			alg, err := algFlag(cmd)
			if err != nil {
				return err
			}
			input, prehashed, err := signInput(cmd)
			if err != nil {
				return err
			}
			sig, err := readInput(cmd, "signature")
			if err != nil {
				return err
			}
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				if err := e.Verify(id, alg, input, sig, prehashed); err != nil {
					return fmt.Errorf("signature verification failed: %w", err)
				}
				return p.PrintValid("Signature")
			})
		},
	}
	addAlgFlag(cmd, "signature algorithm, e.g. ecdsa(sha-256), pure-eddsa")
	addInputFlags(cmd, "data", "message")
	addInputFlags(cmd, "hash", "precomputed hash")
	addInputFlags(cmd, "signature", "signature")
	return cmd
}

func newRandomCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "random <length>",
		Short: "Generate random bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: invalid length %q", types.ErrInvalidArgument, args[0])
			}
			return withEngine(cfg, cmd, func(e *engine.Engine, p *Printer) error {
				data, err := e.Random(n)
				if err != nil {
					return err
				}
				return p.PrintBytes(Field{Name: "data", Value: data})
			})
		},
	}
}
