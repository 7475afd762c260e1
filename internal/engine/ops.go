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

package engine

import (
	"fmt"

	"github.com/jeremyhahn/go-psa/pkg/types"
)

// MaxRandom caps a single Random request.
const MaxRandom = 1 << 16

// The helpers below size the output buffer from the key attributes and
// return exactly the bytes the engine wrote.

// Export returns the key material, or the public key when public is set.
func (e *Engine) Export(id types.KeyID, public bool) ([]byte, error) {
	attrs, err := e.Crypto.GetKeyAttributes(id)
	if err != nil {
		return nil, err
	}
	if public {
		out := make([]byte, types.ExportPublicKeySize(attrs.Type, attrs.Bits))
		n, err := e.Crypto.ExportPublicKey(id, out)
		return out[:n], err
	}
	out := make([]byte, types.ExportKeySize(attrs.Type, attrs.Bits))
	n, err := e.Crypto.ExportKey(id, out)
	return out[:n], err
}

// Sign signs message, or a precomputed hash when prehashed is set.
func (e *Engine) Sign(id types.KeyID, alg types.Algorithm, input []byte, prehashed bool) ([]byte, error) {
	attrs, err := e.Crypto.GetKeyAttributes(id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, types.SignatureSize(attrs.Type, attrs.Bits, alg))
	var n int
	if prehashed {
		n, err = e.Crypto.SignHash(id, alg, input, out)
	} else {
		n, err = e.Crypto.SignMessage(id, alg, input, out)
	}
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// Verify checks a signature over message, or over a precomputed hash when
// prehashed is set.
func (e *Engine) Verify(id types.KeyID, alg types.Algorithm, input, signature []byte, prehashed bool) error {
	if prehashed {
		return e.Crypto.VerifyHash(id, alg, input, signature)
	}
	return e.Crypto.VerifyMessage(id, alg, input, signature)
}

// Encrypt runs a one-shot cipher or AEAD encryption. Unauthenticated
// ciphers return the IV prefixed to the ciphertext. For AEAD algorithms a
// random nonce is drawn when none is given; the nonce used is returned.
// A nonce already used with the key in this process is refused.
func (e *Engine) Encrypt(id types.KeyID, alg types.Algorithm, input, nonce, additionalData []byte) (out, usedNonce []byte, err error) {
	attrs, err := e.Crypto.GetKeyAttributes(id)
	if err != nil {
		return nil, nil, err
	}
	if !alg.IsAEAD() {
		out = make([]byte, alg.CipherEncryptOutputSize(attrs.Type, len(input)))
		n, err := e.Crypto.CipherEncrypt(id, alg, input, out)
		if err != nil {
			return nil, nil, err
		}
		return out[:n], nil, nil
	}

	if len(nonce) == 0 {
		nonce = make([]byte, alg.NonceLength(attrs.Type))
		if err := e.Crypto.GenerateRandom(nonce); err != nil {
			return nil, nil, err
		}
	}
	if err := e.nonces.Check(id, nonce); err != nil {
		return nil, nil, err
	}
	out = make([]byte, len(input)+alg.AEADTagLength())
	n, err := e.Crypto.AEADEncrypt(id, alg, nonce, additionalData, input, out)
	if err != nil {
		return nil, nil, err
	}
	e.nonces.Record(id, nonce)
	return out[:n], nonce, nil
}

// Destroy destroys the key and forgets the nonces it was used with.
func (e *Engine) Destroy(id types.KeyID) error {
	if err := e.Crypto.DestroyKey(id); err != nil {
		return err
	}
	e.nonces.Reset(id)
	return nil
}

// Decrypt reverses Encrypt. AEAD algorithms require the nonce.
func (e *Engine) Decrypt(id types.KeyID, alg types.Algorithm, input, nonce, additionalData []byte) ([]byte, error) {
	attrs, err := e.Crypto.GetKeyAttributes(id)
	if err != nil {
		return nil, err
	}
	var n int
	var out []byte
	if alg.IsAEAD() {
		out = make([]byte, len(input))
		n, err = e.Crypto.AEADDecrypt(id, alg, nonce, additionalData, input, out)
	} else {
		out = make([]byte, alg.CipherDecryptOutputSize(attrs.Type, len(input)))
		n, err = e.Crypto.CipherDecrypt(id, alg, input, out)
	}
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// MAC computes a MAC over input.
func (e *Engine) MAC(id types.KeyID, alg types.Algorithm, input []byte) ([]byte, error) {
	out := make([]byte, alg.MACLength())
	n, err := e.Crypto.MACCompute(id, alg, input, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// Hash computes a digest of input.
func (e *Engine) Hash(alg types.Algorithm, input []byte) ([]byte, error) {
	out := make([]byte, alg.HashLength())
	n, err := e.Crypto.HashCompute(alg, input, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// Random returns n random bytes.
func (e *Engine) Random(n int) ([]byte, error) {
	if n <= 0 || n > MaxRandom {
		return nil, fmt.Errorf("%w: random length must be between 1 and %d", types.ErrInvalidArgument, MaxRandom)
	}
	out := make([]byte, n)
	if err := e.Crypto.GenerateRandom(out); err != nil {
		return nil, err
	}
	return out, nil
}
