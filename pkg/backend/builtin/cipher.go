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

package builtin

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/subtle"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"golang.org/x/crypto/chacha20"
)

// newBlock returns the block cipher of a symmetric key.
func newBlock(t types.KeyType, key []byte) (cipher.Block, error) {
	var (
		block cipher.Block
		err   error
	)
	switch t {
	case types.KeyTypeAES:
		block, err = aes.NewCipher(key)
	case types.KeyTypeDES:
		switch len(key) {
		case 8:
			block, err = des.NewCipher(key)
		case 16:
			k := make([]byte, 0, 24)
			k = append(append(k, key...), key[:8]...)
			block, err = des.NewTripleDESCipher(k)
			memguard.WipeBytes(k)
		default:
			block, err = des.NewTripleDESCipher(key)
		}
	default:
		return nil, fmt.Errorf("builtin: %w: block cipher for %s", types.ErrNotSupported, t)
	}
	if err != nil {
		return nil, fmt.Errorf("builtin: %w: %w", types.ErrInvalidArgument, err)
	}
	return block, nil
}

// CipherEncrypt encrypts input in one shot with the given IV.
func (b *Backend) CipherEncrypt(key backend.Key, alg types.Algorithm, iv, input []byte) ([]byte, error) {
	return oneShot(key, alg, types.DirectionEncrypt, iv, input)
}

// CipherDecrypt decrypts input in one shot with the given IV.
func (b *Backend) CipherDecrypt(key backend.Key, alg types.Algorithm, iv, input []byte) ([]byte, error) {
	return oneShot(key, alg, types.DirectionDecrypt, iv, input)
}

func oneShot(key backend.Key, alg types.Algorithm, dir types.Direction, iv, input []byte) ([]byte, error) {
	op, err := newCipherOperation(key, alg, dir)
	if err != nil {
		return nil, err
	}
	defer op.Abort()
	if op.ivLen > 0 {
		if err := op.SetIV(iv); err != nil {
			return nil, err
		}
	}
	out, err := op.Update(input)
	if err != nil {
		return nil, err
	}
	last, err := op.Finish()
	if err != nil {
		return nil, err
	}
	return append(out, last...), nil
}

// CipherSetup starts a multi-part cipher operation.
func (b *Backend) CipherSetup(key backend.Key, alg types.Algorithm, dir types.Direction) (backend.CipherOperation, error) {
	return newCipherOperation(key, alg, dir)
}

type cipherOperation struct {
	alg   types.Algorithm
	dir   types.Direction
	key   []byte
	block cipher.Block
	ivLen int

	ivSet  bool
	done   bool
	stream cipher.Stream
	mode   cipher.BlockMode
	buf    []byte
}

func newCipherOperation(key backend.Key, alg types.Algorithm, dir types.Direction) (*cipherOperation, error) {
	if !alg.IsCipher() {
		return nil, fmt.Errorf("builtin: %w: %s is not a cipher", types.ErrInvalidArgument, alg)
	}
	t := key.Attrs.Type
	op := &cipherOperation{alg: alg, dir: dir, ivLen: alg.IVLength(t)}

	if alg == types.AlgStreamCipher {
		if t != types.KeyTypeChaCha20 {
			return nil, fmt.Errorf("builtin: %w: stream cipher with %s key", types.ErrNotSupported, t)
		}
		op.key = append([]byte(nil), key.Data...)
		return op, nil
	}

	switch alg {
	case types.AlgCBCNoPadding, types.AlgCBCPKCS7, types.AlgECBNoPadding,
		types.AlgCTR, types.AlgCFB, types.AlgOFB:
	default:
		return nil, fmt.Errorf("builtin: %w: cipher %s", types.ErrNotSupported, alg)
	}
	if t.BlockLength() <= 1 {
		return nil, fmt.Errorf("builtin: %w: %s with %s key", types.ErrInvalidArgument, alg, t)
	}
	block, err := newBlock(t, key.Data)
	if err != nil {
		return nil, err
	}
	op.block = block
	if alg == types.AlgECBNoPadding {
		op.ivSet = true
	}
	return op, nil
}

// SetIV sets the IV. It must be called once, before Update, for every mode
// except ECB.
func (op *cipherOperation) SetIV(iv []byte) error {
	if op.done || op.ivSet {
		return fmt.Errorf("builtin: %w: IV already set", types.ErrBadState)
	}
	if len(iv) != op.ivLen {
		return fmt.Errorf("builtin: %w: IV of %d bytes, want %d", types.ErrInvalidArgument, len(iv), op.ivLen)
	}

	switch op.alg {
	case types.AlgStreamCipher:
		s, err := chacha20.NewUnauthenticatedCipher(op.key, iv)
		if err != nil {
			return fmt.Errorf("builtin: %w: %w", types.ErrInvalidArgument, err)
		}
		op.stream = s
	case types.AlgCTR:
		op.stream = cipher.NewCTR(op.block, iv)
	case types.AlgOFB:
		op.stream = cipher.NewOFB(op.block, iv)
	case types.AlgCFB:
		if op.dir == types.DirectionEncrypt {
			op.stream = cipher.NewCFBEncrypter(op.block, iv)
		} else {
			op.stream = cipher.NewCFBDecrypter(op.block, iv)
		}
	case types.AlgCBCNoPadding, types.AlgCBCPKCS7:
		if op.dir == types.DirectionEncrypt {
			op.mode = cipher.NewCBCEncrypter(op.block, iv)
		} else {
			op.mode = cipher.NewCBCDecrypter(op.block, iv)
		}
	}
	op.ivSet = true
	return nil
}

func (op *cipherOperation) Update(input []byte) ([]byte, error) {
	if op.done {
		return nil, fmt.Errorf("builtin: %w: cipher operation is not active", types.ErrBadState)
	}
	if !op.ivSet {
		return nil, fmt.Errorf("builtin: %w: IV not set", types.ErrBadState)
	}
	if op.stream != nil {
		out := make([]byte, len(input))
		op.stream.XORKeyStream(out, input)
		return out, nil
	}

	bs := op.block.BlockSize()
	op.buf = append(op.buf, input...)
	n := len(op.buf) / bs * bs
	// padded decryption keeps the last block for Finish
	if op.alg == types.AlgCBCPKCS7 && op.dir == types.DirectionDecrypt && n == len(op.buf) && n > 0 {
		n -= bs
	}
	if n == 0 {
		return []byte{}, nil
	}
	out := make([]byte, n)
	op.crypt(out, op.buf[:n])
	rest := copy(op.buf, op.buf[n:])
	memguard.WipeBytes(op.buf[rest:])
	op.buf = op.buf[:rest]
	return out, nil
}

func (op *cipherOperation) crypt(dst, src []byte) {
	if op.mode != nil {
		op.mode.CryptBlocks(dst, src)
		return
	}
	bs := op.block.BlockSize()
	for i := 0; i < len(src); i += bs {
		if op.dir == types.DirectionEncrypt {
			op.block.Encrypt(dst[i:i+bs], src[i:i+bs])
		} else {
			op.block.Decrypt(dst[i:i+bs], src[i:i+bs])
		}
	}
}

func (op *cipherOperation) Finish() ([]byte, error) {
	if op.done {
		return nil, fmt.Errorf("builtin: %w: cipher operation is not active", types.ErrBadState)
	}
	if !op.ivSet {
		return nil, fmt.Errorf("builtin: %w: IV not set", types.ErrBadState)
	}
	defer op.Abort()
	if op.stream != nil {
		return []byte{}, nil
	}

	bs := op.block.BlockSize()
	switch {
	case op.alg != types.AlgCBCPKCS7:
		if len(op.buf) != 0 {
			return nil, fmt.Errorf("builtin: %w: input is not a multiple of the block size",
				types.ErrInvalidArgument)
		}
		return []byte{}, nil
	case op.dir == types.DirectionEncrypt:
		pad := bs - len(op.buf)
		block := make([]byte, bs)
		copy(block, op.buf)
		for i := len(op.buf); i < bs; i++ {
			block[i] = byte(pad)
		}
		op.crypt(block, block)
		return block, nil
	default:
		if len(op.buf) != bs {
			return nil, fmt.Errorf("builtin: %w: input is not a multiple of the block size",
				types.ErrInvalidArgument)
		}
		block := make([]byte, bs)
		op.crypt(block, op.buf)
		n, ok := unpad(block)
		if !ok {
			memguard.WipeBytes(block)
			return nil, fmt.Errorf("builtin: %w", types.ErrInvalidPadding)
		}
		return block[:n], nil
	}
}

// unpad validates PKCS#7 padding in constant time and returns the length of
// the data before it.
func unpad(block []byte) (int, bool) {
	bs := len(block)
	pad := int(block[bs-1])
	good := subtle.ConstantTimeLessOrEq(1, pad) & subtle.ConstantTimeLessOrEq(pad, bs)
	for i := 0; i < bs; i++ {
		inPad := subtle.ConstantTimeLessOrEq(bs-pad, i)
		eq := subtle.ConstantTimeByteEq(block[i], byte(pad))
		good &= eq | (inPad ^ 1)
	}
	if good != 1 {
		return 0, false
	}
	return bs - pad, true
}

func (op *cipherOperation) Abort() error {
	if op.key != nil {
		memguard.WipeBytes(op.key)
	}
	if op.buf != nil {
		memguard.WipeBytes(op.buf)
	}
	op.key, op.buf = nil, nil
	op.stream, op.mode, op.block = nil, nil, nil
	op.done = true
	return nil
}
