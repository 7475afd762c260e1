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
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/metrics"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// HashOperation is the state of a multi-part hash. The zero value is
// inactive; HashSetup activates it.
type HashOperation struct {
	alg types.Algorithm
	op  backend.HashOperation
}

// Active reports whether the operation has been set up and not finished
// or aborted.
func (o *HashOperation) Active() bool { return o.alg != types.AlgNone }

// Algorithm returns the hash of an active operation.
func (o *HashOperation) Algorithm() types.Algorithm { return o.alg }

func (o *HashOperation) reset() {
	if o.op != nil {
		_ = o.op.Abort()
	}
	*o = HashOperation{}
}

// HashSetup starts a hash computation.
func (c *Crypto) HashSetup(op *HashOperation, alg types.Algorithm) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkInit(); err != nil {
		return err
	}
	return c.hashSetup(op, alg)
}

func (c *Crypto) hashSetup(op *HashOperation, alg types.Algorithm) error {
	if op == nil {
		return fmt.Errorf("psa: %w: nil operation", types.ErrInvalidArgument)
	}
	if op.Active() {
		return fmt.Errorf("psa: %w: hash operation already active", types.ErrBadState)
	}
	if !alg.IsHash() {
		return fmt.Errorf("psa: %w: %s is not a hash", types.ErrInvalidArgument, alg)
	}
	inner, err := c.dispatch.HashSetup(alg)
	if err != nil {
		return err
	}
	*op = HashOperation{alg: alg, op: inner}
	return nil
}

// HashUpdate adds input to the hash. A failure aborts the operation.
func (c *Crypto) HashUpdate(op *HashOperation, input []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkInit(); err != nil {
		return err
	}
	return c.hashUpdate(op, input)
}

func (c *Crypto) hashUpdate(op *HashOperation, input []byte) error {
	if op == nil {
		return fmt.Errorf("psa: %w: nil operation", types.ErrInvalidArgument)
	}
	if !op.Active() {
		return fmt.Errorf("psa: %w: hash operation not set up", types.ErrBadState)
	}
	if err := op.op.Update(input); err != nil {
		op.reset()
		return err
	}
	return nil
}

// HashFinish writes the digest to out, returns its length and deactivates
// the operation. A short buffer leaves the operation active.
func (c *Crypto) HashFinish(op *HashOperation, out []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkInit(); err != nil {
		return 0, err
	}
	return c.hashFinish(op, out)
}

func (c *Crypto) hashFinish(op *HashOperation, out []byte) (int, error) {
	if op == nil {
		return 0, fmt.Errorf("psa: %w: nil operation", types.ErrInvalidArgument)
	}
	if !op.Active() {
		return 0, fmt.Errorf("psa: %w: hash operation not set up", types.ErrBadState)
	}
	if size := op.alg.HashLength(); len(out) < size {
		return 0, fmt.Errorf("psa: %w: digest needs %d bytes, buffer has %d", types.ErrBufferTooSmall, size, len(out))
	}
	digest, err := op.op.Finish()
	op.reset()
	if err != nil {
		return 0, err
	}
	return copy(out, digest), nil
}

// HashVerify finishes the operation and compares the digest with hash in
// constant time. A mismatch is reported as types.ErrInvalidSignature.
func (c *Crypto) HashVerify(op *HashOperation, hash []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkInit(); err != nil {
		return err
	}
	return c.hashVerify(op, hash)
}

func (c *Crypto) hashVerify(op *HashOperation, hash []byte) error {
	var digest [types.MaxHashSize]byte
	n, err := c.hashFinish(op, digest[:])
	if err != nil {
		return err
	}
	if n != len(hash) || subtle.ConstantTimeCompare(digest[:n], hash) != 1 {
		return fmt.Errorf("psa: %w: digest mismatch", types.ErrInvalidSignature)
	}
	return nil
}

// HashAbort deactivates the operation. Aborting an inactive operation
// succeeds.
func (c *Crypto) HashAbort(op *HashOperation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkInit(); err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("psa: %w: nil operation", types.ErrInvalidArgument)
	}
	op.reset()
	return nil
}

// HashClone copies the state of an active operation into an inactive one.
func (c *Crypto) HashClone(src, dst *HashOperation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkInit(); err != nil {
		return err
	}
	if src == nil || dst == nil {
		return fmt.Errorf("psa: %w: nil operation", types.ErrInvalidArgument)
	}
	if !src.Active() || dst.Active() {
		return fmt.Errorf("psa: %w: clone needs an active source and an inactive target", types.ErrBadState)
	}
	inner, err := src.op.Clone()
	if err != nil {
		return err
	}
	*dst = HashOperation{alg: src.alg, op: inner}
	return nil
}

// HashCompute hashes input and writes the digest to out. It returns the
// digest length.
func (c *Crypto) HashCompute(alg types.Algorithm, input, out []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func(start time.Time) { c.observe(metrics.OpHash, types.LocationLocalStorage, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return 0, err
	}
	if !alg.IsHash() {
		return 0, fmt.Errorf("psa: %w: %s is not a hash", types.ErrInvalidArgument, alg)
	}
	if size := alg.HashLength(); len(out) < size {
		return 0, fmt.Errorf("psa: %w: digest needs %d bytes, buffer has %d", types.ErrBufferTooSmall, size, len(out))
	}
	var op HashOperation
	if err := c.hashSetup(&op, alg); err != nil {
		return 0, err
	}
	if err := c.hashUpdate(&op, input); err != nil {
		return 0, err
	}
	return c.hashFinish(&op, out)
}

// HashCompare hashes input and compares the digest with hash.
func (c *Crypto) HashCompare(alg types.Algorithm, input, hash []byte) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func(start time.Time) { c.observe(metrics.OpHash, types.LocationLocalStorage, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return err
	}
	var op HashOperation
	if err := c.hashSetup(&op, alg); err != nil {
		return err
	}
	if err := c.hashUpdate(&op, input); err != nil {
		return err
	}
	return c.hashVerify(&op, hash)
}
