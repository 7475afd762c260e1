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
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding"
	"fmt"
	"hash"

	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"golang.org/x/crypto/sha3"
)

// newHash returns the constructor of the hash embedded in alg.
func newHash(alg types.Algorithm) (func() hash.Hash, error) {
	switch alg.Hash() {
	case types.AlgMD5:
		return md5.New, nil
	case types.AlgSHA1:
		return sha1.New, nil
	case types.AlgSHA224:
		return sha256.New224, nil
	case types.AlgSHA256:
		return sha256.New, nil
	case types.AlgSHA384:
		return sha512.New384, nil
	case types.AlgSHA512:
		return sha512.New, nil
	case types.AlgSHA512_224:
		return sha512.New512_224, nil
	case types.AlgSHA512_256:
		return sha512.New512_256, nil
	case types.AlgSHA3_224:
		return sha3.New224, nil
	case types.AlgSHA3_256:
		return sha3.New256, nil
	case types.AlgSHA3_384:
		return sha3.New384, nil
	case types.AlgSHA3_512:
		return sha3.New512, nil
	}
	return nil, fmt.Errorf("builtin: %w: hash of %s", types.ErrNotSupported, alg)
}

type hashOperation struct {
	alg  types.Algorithm
	ctor func() hash.Hash
	h    hash.Hash
}

// HashSetup starts a multi-part hash.
func (b *Backend) HashSetup(alg types.Algorithm) (backend.HashOperation, error) {
	if !alg.IsHash() || alg == types.AlgAnyHash {
		return nil, fmt.Errorf("builtin: %w: %s is not a hash", types.ErrInvalidArgument, alg)
	}
	ctor, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	return &hashOperation{alg: alg, ctor: ctor, h: ctor()}, nil
}

func (op *hashOperation) Update(input []byte) error {
	if op.h == nil {
		return fmt.Errorf("builtin: %w: hash operation is not active", types.ErrBadState)
	}
	op.h.Write(input)
	return nil
}

func (op *hashOperation) Finish() ([]byte, error) {
	if op.h == nil {
		return nil, fmt.Errorf("builtin: %w: hash operation is not active", types.ErrBadState)
	}
	sum := op.h.Sum(nil)
	op.h = nil
	return sum, nil
}

// Clone copies the running state through its binary encoding.
func (op *hashOperation) Clone() (backend.HashOperation, error) {
	if op.h == nil {
		return nil, fmt.Errorf("builtin: %w: hash operation is not active", types.ErrBadState)
	}
	m, ok := op.h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("builtin: %w: cloning %s", types.ErrNotSupported, op.alg)
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("builtin: %w: %w", types.ErrGeneric, err)
	}
	h := op.ctor()
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, fmt.Errorf("builtin: %w: cloning %s", types.ErrNotSupported, op.alg)
	}
	if err := u.UnmarshalBinary(state); err != nil {
		return nil, fmt.Errorf("builtin: %w: %w", types.ErrGeneric, err)
	}
	return &hashOperation{alg: op.alg, ctor: op.ctor, h: h}, nil
}

func (op *hashOperation) Abort() error {
	op.h = nil
	return nil
}

// digest hashes message with the hash embedded in alg.
func digest(alg types.Algorithm, message []byte) ([]byte, error) {
	ctor, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	h := ctor()
	h.Write(message)
	return h.Sum(nil), nil
}
