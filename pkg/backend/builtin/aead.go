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
	"crypto/cipher"
	"fmt"

	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"golang.org/x/crypto/chacha20poly1305"
)

func newAEAD(key backend.Key, alg types.Algorithm) (cipher.AEAD, error) {
	if !alg.IsAEAD() {
		return nil, fmt.Errorf("builtin: %w: %s is not an AEAD", types.ErrInvalidArgument, alg)
	}
	t := key.Attrs.Type
	tagLen := alg.AEADTagLength()

	switch alg.AEADDefault() {
	case types.AlgGCM:
		if t != types.KeyTypeAES {
			return nil, fmt.Errorf("builtin: %w: gcm with %s key", types.ErrInvalidArgument, t)
		}
		block, err := newBlock(t, key.Data)
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCMWithTagSize(block, tagLen)
		if err != nil {
			return nil, fmt.Errorf("builtin: %w: %w", types.ErrInvalidArgument, err)
		}
		return aead, nil
	case types.AlgChaCha20Poly1305:
		if t != types.KeyTypeChaCha20 {
			return nil, fmt.Errorf("builtin: %w: chacha20-poly1305 with %s key", types.ErrInvalidArgument, t)
		}
		if tagLen != chacha20poly1305.Overhead {
			return nil, fmt.Errorf("builtin: %w: chacha20-poly1305 tag of %d bytes", types.ErrNotSupported, tagLen)
		}
		aead, err := chacha20poly1305.New(key.Data)
		if err != nil {
			return nil, fmt.Errorf("builtin: %w: %w", types.ErrInvalidArgument, err)
		}
		return aead, nil
	}
	return nil, fmt.Errorf("builtin: %w: aead %s", types.ErrNotSupported, alg)
}

// AEADEncrypt seals plaintext. The tag is appended to the ciphertext.
func (b *Backend) AEADEncrypt(key backend.Key, alg types.Algorithm, nonce, additionalData, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key, alg)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("builtin: %w: nonce of %d bytes, want %d",
			types.ErrInvalidArgument, len(nonce), aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// AEADDecrypt opens ciphertext. An authentication failure is reported as
// ErrInvalidSignature.
func (b *Backend) AEADDecrypt(key backend.Key, alg types.Algorithm, nonce, additionalData, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key, alg)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("builtin: %w: nonce of %d bytes, want %d",
			types.ErrInvalidArgument, len(nonce), aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("builtin: %w: ciphertext shorter than the tag", types.ErrInvalidArgument)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("builtin: %w: %w", types.ErrInvalidSignature, err)
	}
	return plaintext, nil
}
