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

	"github.com/awnumar/memguard"
	"github.com/jeremyhahn/go-psa/pkg/metrics"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// AEADEncrypt encrypts and authenticates plaintext with key id and writes
// ciphertext || tag to out. It returns the number of bytes written.
func (c *Crypto) AEADEncrypt(id types.KeyID, alg types.Algorithm, nonce, additionalData, plaintext, out []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	location := types.LocationLocalStorage
	defer func(start time.Time) { c.observe(metrics.OpAEADEncrypt, location, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return 0, err
	}
	if !alg.IsAEAD() {
		return 0, fmt.Errorf("psa: %w: %s is not an AEAD", types.ErrInvalidArgument, alg)
	}
	if need := len(plaintext) + alg.AEADTagLength(); len(out) < need {
		return 0, fmt.Errorf("psa: %w: ciphertext needs %d bytes, buffer has %d", types.ErrBufferTooSmall, need, len(out))
	}
	h, err := c.acquireWithPolicy(id, types.UsageEncrypt, alg)
	if err != nil {
		return 0, err
	}
	defer c.release(h)
	location = h.Slot().Attributes().Lifetime.Location()

	ct, err := c.dispatch.AEADEncrypt(h.Slot(), alg, nonce, additionalData, plaintext)
	if err != nil {
		return 0, err
	}
	if len(out) < len(ct) {
		return 0, fmt.Errorf("psa: %w: ciphertext needs %d bytes, buffer has %d", types.ErrBufferTooSmall, len(ct), len(out))
	}
	return copy(out, ct), nil
}

// AEADDecrypt authenticates and decrypts ciphertext || tag with key id and
// writes the plaintext to out. It returns the number of bytes written.
func (c *Crypto) AEADDecrypt(id types.KeyID, alg types.Algorithm, nonce, additionalData, ciphertext, out []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	location := types.LocationLocalStorage
	defer func(start time.Time) { c.observe(metrics.OpAEADDecrypt, location, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return 0, err
	}
	if !alg.IsAEAD() {
		return 0, fmt.Errorf("psa: %w: %s is not an AEAD", types.ErrInvalidArgument, alg)
	}
	tag := alg.AEADTagLength()
	if len(ciphertext) < tag {
		return 0, fmt.Errorf("psa: %w: ciphertext shorter than the %d byte tag", types.ErrInvalidArgument, tag)
	}
	if need := len(ciphertext) - tag; len(out) < need {
		return 0, fmt.Errorf("psa: %w: plaintext needs %d bytes, buffer has %d", types.ErrBufferTooSmall, need, len(out))
	}
	h, err := c.acquireWithPolicy(id, types.UsageDecrypt, alg)
	if err != nil {
		return 0, err
	}
	defer c.release(h)
	location = h.Slot().Attributes().Lifetime.Location()

	pt, err := c.dispatch.AEADDecrypt(h.Slot(), alg, nonce, additionalData, ciphertext)
	if err != nil {
		return 0, err
	}
	defer memguard.WipeBytes(pt)
	return copy(out, pt), nil
}

// GenerateRandom fills out with random bytes.
func (c *Crypto) GenerateRandom(out []byte) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func(start time.Time) { c.observe(metrics.OpRandom, types.LocationLocalStorage, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return err
	}
	return c.dispatch.GenerateRandom(out)
}
