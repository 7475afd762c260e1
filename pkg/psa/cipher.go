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
	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/metrics"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

func cipherUsage(dir types.Direction) types.KeyUsage {
	if dir == types.DirectionDecrypt {
		return types.UsageDecrypt
	}
	return types.UsageEncrypt
}

func cipherOp(dir types.Direction) string {
	if dir == types.DirectionDecrypt {
		return metrics.OpDecrypt
	}
	return metrics.OpEncrypt
}

// CipherEncrypt encrypts input under a fresh random IV and writes
// IV || ciphertext to out. It returns the number of bytes written.
func (c *Crypto) CipherEncrypt(id types.KeyID, alg types.Algorithm, input, out []byte) (int, error) {
	return c.cipherOneShot(id, alg, types.DirectionEncrypt, input, out)
}

// CipherDecrypt decrypts input, whose leading bytes are the IV, and writes
// the plaintext to out. It returns the number of bytes written.
func (c *Crypto) CipherDecrypt(id types.KeyID, alg types.Algorithm, input, out []byte) (int, error) {
	return c.cipherOneShot(id, alg, types.DirectionDecrypt, input, out)
}

func (c *Crypto) cipherOneShot(id types.KeyID, alg types.Algorithm, dir types.Direction, input, out []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	location := types.LocationLocalStorage
	defer func(start time.Time) { c.observe(cipherOp(dir), location, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return 0, err
	}
	if !alg.IsCipher() {
		return 0, fmt.Errorf("psa: %w: %s is not a cipher", types.ErrInvalidArgument, alg)
	}
	h, err := c.acquireWithPolicy(id, cipherUsage(dir), alg)
	if err != nil {
		return 0, err
	}
	defer c.release(h)

	attrs := h.Slot().Attributes()
	location = attrs.Lifetime.Location()
	ivLen := alg.IVLength(attrs.Type)

	if alg.IsBlockAligned() {
		bs := attrs.Type.BlockLength()
		if bs == 0 || len(input)%bs != 0 {
			return 0, fmt.Errorf("psa: %w: %d bytes is not a multiple of the %s block", types.ErrInvalidArgument, len(input), attrs.Type)
		}
	}

	if dir == types.DirectionEncrypt {
		if need := alg.CipherEncryptOutputSize(attrs.Type, len(input)); len(out) < need {
			return 0, fmt.Errorf("psa: %w: ciphertext needs %d bytes, buffer has %d", types.ErrBufferTooSmall, need, len(out))
		}
		iv := make([]byte, ivLen)
		if ivLen > 0 {
			if err := c.dispatch.GenerateRandom(iv); err != nil {
				return 0, err
			}
		}
		ct, err := c.dispatch.CipherEncrypt(h.Slot(), alg, iv, input)
		if err != nil {
			return 0, err
		}
		if len(out) < ivLen+len(ct) {
			return 0, fmt.Errorf("psa: %w: ciphertext needs %d bytes, buffer has %d", types.ErrBufferTooSmall, ivLen+len(ct), len(out))
		}
		copy(out, iv)
		return ivLen + copy(out[ivLen:], ct), nil
	}

	if len(input) < ivLen {
		return 0, fmt.Errorf("psa: %w: input shorter than the %d byte IV", types.ErrInvalidArgument, ivLen)
	}
	if need := len(input) - ivLen; len(out) < need && alg != types.AlgCBCPKCS7 {
		return 0, fmt.Errorf("psa: %w: plaintext needs %d bytes, buffer has %d", types.ErrBufferTooSmall, need, len(out))
	}
	pt, err := c.dispatch.CipherDecrypt(h.Slot(), alg, input[:ivLen], input[ivLen:])
	if err != nil {
		return 0, err
	}
	defer memguard.WipeBytes(pt)
	if len(out) < len(pt) {
		return 0, fmt.Errorf("psa: %w: plaintext needs %d bytes, buffer has %d", types.ErrBufferTooSmall, len(pt), len(out))
	}
	return copy(out, pt), nil
}

// CipherOperation is the state of a multi-part cipher operation. The zero
// value is inactive; CipherEncryptSetup or CipherDecryptSetup activates it.
type CipherOperation struct {
	op         backend.CipherOperation
	alg        types.Algorithm
	dir        types.Direction
	ivRequired bool
	ivSet      bool
	ivLength   int
}

// Active reports whether the operation has been set up and not finished
// or aborted.
func (o *CipherOperation) Active() bool { return o.op != nil }

func (o *CipherOperation) reset() {
	if o.op != nil {
		_ = o.op.Abort()
	}
	*o = CipherOperation{}
}

// CipherEncryptSetup starts a multi-part encryption with key id.
func (c *Crypto) CipherEncryptSetup(op *CipherOperation, id types.KeyID, alg types.Algorithm) error {
	return c.cipherSetup(op, id, alg, types.DirectionEncrypt)
}

// CipherDecryptSetup starts a multi-part decryption with key id.
func (c *Crypto) CipherDecryptSetup(op *CipherOperation, id types.KeyID, alg types.Algorithm) error {
	return c.cipherSetup(op, id, alg, types.DirectionDecrypt)
}

func (c *Crypto) cipherSetup(op *CipherOperation, id types.KeyID, alg types.Algorithm, dir types.Direction) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	location := types.LocationLocalStorage
	defer func(start time.Time) { c.observe(metrics.OpCipherSetup, location, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("psa: %w: nil operation", types.ErrInvalidArgument)
	}
	if op.Active() {
		return fmt.Errorf("psa: %w: cipher operation already active", types.ErrBadState)
	}
	if !alg.IsCipher() {
		return fmt.Errorf("psa: %w: %s is not a cipher", types.ErrInvalidArgument, alg)
	}

	h, err := c.acquireWithPolicy(id, cipherUsage(dir), alg)
	if err != nil {
		return err
	}
	defer c.release(h)

	s := h.Slot()
	attrs := s.Attributes()
	location = attrs.Lifetime.Location()

	inner, err := c.dispatch.CipherSetup(s, alg, dir)
	if err != nil {
		return err
	}
	*op = CipherOperation{
		op:         inner,
		alg:        alg,
		dir:        dir,
		ivRequired: alg != types.AlgECBNoPadding,
		ivLength:   alg.IVLength(attrs.Type),
	}
	if op.ivLength == 0 {
		op.ivRequired = false
	}
	return nil
}

func (c *Crypto) checkCipherOp(op *CipherOperation) error {
	if err := c.checkInit(); err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("psa: %w: nil operation", types.ErrInvalidArgument)
	}
	if !op.Active() {
		return fmt.Errorf("psa: %w: cipher operation not set up", types.ErrBadState)
	}
	return nil
}

// CipherGenerateIV creates a random IV, installs it in an encryption
// operation and writes it to iv. It returns the IV length.
func (c *Crypto) CipherGenerateIV(op *CipherOperation, iv []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkCipherOp(op); err != nil {
		return 0, err
	}
	if !op.ivRequired || op.ivSet || op.dir != types.DirectionEncrypt {
		return 0, fmt.Errorf("psa: %w: operation takes no generated IV", types.ErrBadState)
	}
	if len(iv) < op.ivLength {
		op.reset()
		return 0, fmt.Errorf("psa: %w: IV needs %d bytes, buffer has %d", types.ErrBufferTooSmall, op.ivLength, len(iv))
	}
	fresh := make([]byte, op.ivLength)
	if err := c.dispatch.GenerateRandom(fresh); err != nil {
		op.reset()
		return 0, err
	}
	if err := op.op.SetIV(fresh); err != nil {
		op.reset()
		return 0, err
	}
	op.ivSet = true
	return copy(iv, fresh), nil
}

// CipherSetIV installs a caller supplied IV.
func (c *Crypto) CipherSetIV(op *CipherOperation, iv []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkCipherOp(op); err != nil {
		return err
	}
	if !op.ivRequired || op.ivSet {
		return fmt.Errorf("psa: %w: operation takes no IV", types.ErrBadState)
	}
	if len(iv) != op.ivLength {
		op.reset()
		return fmt.Errorf("psa: %w: IV of %d bytes, want %d", types.ErrInvalidArgument, len(iv), op.ivLength)
	}
	if err := op.op.SetIV(iv); err != nil {
		op.reset()
		return err
	}
	op.ivSet = true
	return nil
}

// CipherUpdate processes input and writes the output produced so far to
// out. It returns the number of bytes written.
func (c *Crypto) CipherUpdate(op *CipherOperation, input, out []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkCipherOp(op); err != nil {
		return 0, err
	}
	if op.ivRequired && !op.ivSet {
		return 0, fmt.Errorf("psa: %w: IV not set", types.ErrBadState)
	}
	res, err := op.op.Update(input)
	if err != nil {
		op.reset()
		return 0, err
	}
	if len(out) < len(res) {
		op.reset()
		return 0, fmt.Errorf("psa: %w: output needs %d bytes, buffer has %d", types.ErrBufferTooSmall, len(res), len(out))
	}
	return copy(out, res), nil
}

// CipherFinish flushes the operation, writes the remaining output to out
// and deactivates the operation.
func (c *Crypto) CipherFinish(op *CipherOperation, out []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkCipherOp(op); err != nil {
		return 0, err
	}
	if op.ivRequired && !op.ivSet {
		return 0, fmt.Errorf("psa: %w: IV not set", types.ErrBadState)
	}
	res, err := op.op.Finish()
	op.op = nil
	op.reset()
	if err != nil {
		return 0, err
	}
	if len(out) < len(res) {
		return 0, fmt.Errorf("psa: %w: output needs %d bytes, buffer has %d", types.ErrBufferTooSmall, len(res), len(out))
	}
	return copy(out, res), nil
}

// CipherAbort deactivates the operation. Aborting an inactive operation
// succeeds.
func (c *Crypto) CipherAbort(op *CipherOperation) error {
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
