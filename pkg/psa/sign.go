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

package psa

import (
	"fmt"
	"time"

	"github.com/jeremyhahn/go-psa/pkg/metrics"
	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// signatureAlgorithm checks that alg is a signature scheme the engine
// handles: ECDSA and EdDSA.
func signatureAlgorithm(alg types.Algorithm, message bool) error {
	if !alg.IsECDSA() && !alg.IsHashEdDSA() && alg != types.AlgPureEdDSA {
		return fmt.Errorf("psa: %w: signature algorithm %s", types.ErrNotSupported, alg)
	}
	if message && !alg.IsSignMessage() {
		return fmt.Errorf("psa: %w: %s cannot sign messages", types.ErrInvalidArgument, alg)
	}
	if !message && !alg.IsSignHash() {
		return fmt.Errorf("psa: %w: %s cannot sign hashes", types.ErrInvalidArgument, alg)
	}
	return nil
}

// hashCheck validates a signature algorithm and the length of the hash it
// is applied to.
func hashCheck(alg types.Algorithm, hash []byte) error {
	if err := signatureAlgorithm(alg, false); err != nil {
		return err
	}
	if len(hash) != alg.HashLength() {
		return fmt.Errorf("psa: %w: hash of %d bytes for %s", types.ErrInvalidArgument, len(hash), alg)
	}
	return nil
}

// SignHash signs an already computed hash with key pair id and writes the
// signature to out. It returns the signature length.
func (c *Crypto) SignHash(id types.KeyID, alg types.Algorithm, hash, out []byte) (int, error) {
	return c.sign(id, alg, types.UsageSignHash, out, hashCheck(alg, hash), func(s *slot.Slot) ([]byte, error) {
		return c.dispatch.SignHash(s, alg, hash)
	})
}

// SignMessage hashes and signs message with key pair id and writes the
// signature to out. It returns the signature length.
func (c *Crypto) SignMessage(id types.KeyID, alg types.Algorithm, message, out []byte) (int, error) {
	return c.sign(id, alg, types.UsageSignMessage, out, signatureAlgorithm(alg, true), func(s *slot.Slot) ([]byte, error) {
		return c.dispatch.SignMessage(s, alg, message)
	})
}

func (c *Crypto) sign(id types.KeyID, alg types.Algorithm, usage types.KeyUsage, out []byte,
	invalid error, do func(*slot.Slot) ([]byte, error)) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	location := types.LocationLocalStorage
	defer func(start time.Time) { c.observe(metrics.OpSign, location, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return 0, err
	}
	if invalid != nil {
		return 0, invalid
	}
	h, err := c.acquireWithPolicy(id, usage, alg)
	if err != nil {
		return 0, err
	}
	defer c.release(h)

	attrs := h.Slot().Attributes()
	location = attrs.Lifetime.Location()
	if size := types.SignatureSize(attrs.Type, attrs.Bits, alg); len(out) < size {
		return 0, fmt.Errorf("psa: %w: signature needs %d bytes, buffer has %d", types.ErrBufferTooSmall, size, len(out))
	}
	if !attrs.Type.IsKeyPair() {
		return 0, fmt.Errorf("psa: %w: signing needs a key pair, not %s", types.ErrInvalidArgument, attrs.Type)
	}

	sig, err := do(h.Slot())
	if err != nil {
		return 0, err
	}
	if len(out) < len(sig) {
		return 0, fmt.Errorf("psa: %w: signature needs %d bytes, buffer has %d", types.ErrBufferTooSmall, len(sig), len(out))
	}
	return copy(out, sig), nil
}

// VerifyHash verifies signature over an already computed hash with key id.
// A bad signature is reported as types.ErrInvalidSignature.
func (c *Crypto) VerifyHash(id types.KeyID, alg types.Algorithm, hash, signature []byte) error {
	return c.verify(id, alg, types.UsageVerifyHash, signature, hashCheck(alg, hash), func(s *slot.Slot) error {
		return c.dispatch.VerifyHash(s, alg, hash, signature)
	})
}

// VerifyMessage verifies signature over message with key id.
func (c *Crypto) VerifyMessage(id types.KeyID, alg types.Algorithm, message, signature []byte) error {
	return c.verify(id, alg, types.UsageVerifyMessage, signature, signatureAlgorithm(alg, true), func(s *slot.Slot) error {
		return c.dispatch.VerifyMessage(s, alg, message, signature)
	})
}

func (c *Crypto) verify(id types.KeyID, alg types.Algorithm, usage types.KeyUsage, signature []byte,
	invalid error, do func(*slot.Slot) error) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	location := types.LocationLocalStorage
	defer func(start time.Time) { c.observe(metrics.OpVerify, location, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return err
	}
	if invalid != nil {
		return invalid
	}
	h, err := c.acquireWithPolicy(id, usage, alg)
	if err != nil {
		return err
	}
	defer c.release(h)

	attrs := h.Slot().Attributes()
	location = attrs.Lifetime.Location()
	if size := types.SignatureSize(attrs.Type, attrs.Bits, alg); len(signature) != size {
		return fmt.Errorf("psa: %w: signature of %d bytes, want %d", types.ErrInvalidArgument, len(signature), size)
	}
	// key pairs on a secure element verify through their public key only
	if attrs.Lifetime.IsExternal() && attrs.Type.IsECCKeyPair() {
		return fmt.Errorf("psa: %w: verification with a secure element key pair", types.ErrNotSupported)
	}
	return do(h.Slot())
}
