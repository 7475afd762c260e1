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
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// macLength validates a MAC algorithm and returns its output length.
func macLength(alg types.Algorithm) (int, error) {
	if !alg.IsHMAC() {
		return 0, fmt.Errorf("psa: %w: mac %s", types.ErrNotSupported, alg)
	}
	n := alg.MACLength()
	if n < types.MinMACSize {
		return 0, fmt.Errorf("psa: %w: %d byte MAC is too short", types.ErrNotSupported, n)
	}
	full := alg.FullLengthMAC().MACLength()
	if n > types.MaxMACSize || n > full {
		return 0, fmt.Errorf("psa: %w: %d byte MAC from %s", types.ErrInvalidArgument, n, alg.FullLengthMAC())
	}
	return n, nil
}

// MACCompute computes the MAC of input with key id and writes it to out.
// It returns the MAC length.
func (c *Crypto) MACCompute(id types.KeyID, alg types.Algorithm, input, out []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	location := types.LocationLocalStorage
	defer func(start time.Time) { c.observe(metrics.OpMAC, location, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return 0, err
	}
	size, err := macLength(alg)
	if err != nil {
		return 0, err
	}
	if len(out) < size {
		return 0, fmt.Errorf("psa: %w: MAC needs %d bytes, buffer has %d", types.ErrBufferTooSmall, size, len(out))
	}
	h, err := c.acquireWithPolicy(id, types.UsageSignMessage, alg)
	if err != nil {
		return 0, err
	}
	defer c.release(h)
	location = h.Slot().Attributes().Lifetime.Location()

	mac, err := c.dispatch.MACCompute(h.Slot(), alg, input)
	if err != nil {
		return 0, err
	}
	if len(mac) != size {
		return 0, fmt.Errorf("psa: %w: MAC of %d bytes, want %d", types.ErrCorruptionDetected, len(mac), size)
	}
	return copy(out, mac), nil
}

// MACVerify checks mac against the MAC of input computed with key id. A
// mismatch is reported as types.ErrInvalidSignature.
func (c *Crypto) MACVerify(id types.KeyID, alg types.Algorithm, input, mac []byte) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	location := types.LocationLocalStorage
	defer func(start time.Time) { c.observe(metrics.OpMACVerify, location, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return err
	}
	size, err := macLength(alg)
	if err != nil {
		return err
	}
	h, err := c.acquireWithPolicy(id, types.UsageVerifyMessage, alg)
	if err != nil {
		return err
	}
	defer c.release(h)
	location = h.Slot().Attributes().Lifetime.Location()

	if len(mac) != size {
		return fmt.Errorf("psa: %w: MAC of %d bytes, want %d", types.ErrInvalidSignature, len(mac), size)
	}
	return c.dispatch.MACVerify(h.Slot(), alg, input, mac)
}
