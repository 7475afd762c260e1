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

// Package backend defines the algorithm dispatcher used for keys held in
// local storage. The engine hands a backend the key material of a locked
// slot together with its attributes; the backend never retains it.
package backend

import (
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// Key is the key material of a local key as handed to a backend.
type Key struct {
	Attrs types.KeyAttributes

	// Data is the unstructured key, the private key of a key pair or the
	// public key of a public key type.
	Data []byte

	// Public is the public key of a key pair, empty otherwise.
	Public []byte
}

// PublicKey returns the public key of k: Public for key pairs, Data for
// public key types and nil otherwise.
func (k Key) PublicKey() []byte {
	switch {
	case k.Attrs.Type.IsKeyPair():
		return k.Public
	case k.Attrs.Type.IsPublicKey():
		return k.Data
	}
	return nil
}

// Backend performs cryptographic operations on local keys.
type Backend interface {
	// ImportKey validates data as a key with attrs and returns its size in
	// bits and, for key pairs, the derived public key. A non-zero attrs.Bits
	// must match the size of data.
	ImportKey(attrs types.KeyAttributes, data []byte) (bits uint16, public []byte, err error)

	// GenerateKey creates a random key with attrs. For key pairs it returns
	// the private key and the public key.
	GenerateKey(attrs types.KeyAttributes) (data, public []byte, err error)

	// ExportPublicKey returns the public key of a key pair or public key.
	ExportPublicKey(key Key) ([]byte, error)

	HashSetup(alg types.Algorithm) (HashOperation, error)

	MACCompute(key Key, alg types.Algorithm, input []byte) ([]byte, error)
	MACVerify(key Key, alg types.Algorithm, input, mac []byte) error

	// CipherEncrypt encrypts input with iv. The IV is not part of the output.
	CipherEncrypt(key Key, alg types.Algorithm, iv, input []byte) ([]byte, error)
	CipherDecrypt(key Key, alg types.Algorithm, iv, input []byte) ([]byte, error)
	CipherSetup(key Key, alg types.Algorithm, dir types.Direction) (CipherOperation, error)

	AEADEncrypt(key Key, alg types.Algorithm, nonce, additionalData, plaintext []byte) ([]byte, error)
	AEADDecrypt(key Key, alg types.Algorithm, nonce, additionalData, ciphertext []byte) ([]byte, error)

	SignHash(key Key, alg types.Algorithm, hash []byte) ([]byte, error)
	VerifyHash(key Key, alg types.Algorithm, hash, signature []byte) error
	SignMessage(key Key, alg types.Algorithm, message []byte) ([]byte, error)
	VerifyMessage(key Key, alg types.Algorithm, message, signature []byte) error

	GenerateRandom(out []byte) error
}

// HashOperation is a multi-part hash computation.
type HashOperation interface {
	Update(input []byte) error
	Finish() ([]byte, error)
	Clone() (HashOperation, error)
	Abort() error
}

// CipherOperation is a multi-part cipher operation. Output may be delayed
// until Finish for padded modes.
type CipherOperation interface {
	SetIV(iv []byte) error
	Update(input []byte) ([]byte, error)
	Finish() ([]byte, error)
	Abort() error
}
