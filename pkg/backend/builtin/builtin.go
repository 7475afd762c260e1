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

// Package builtin implements the local algorithm backend on top of the Go
// standard library and golang.org/x/crypto.
//
// Supported keys: AES, DES and 3DES, ChaCha20, HMAC, raw data and derive
// keys; ECC key pairs and public keys on secp256r1, secp384r1 and
// secp521r1, Ed25519 and X25519.
//
// Key formats follow the PSA export formats: the big-endian private scalar
// (or the 32 byte seed for Ed25519 and X25519) for key pairs and the
// uncompressed point 0x04||X||Y (or the 32 byte encoding for Ed25519 and
// X25519) for public keys. Signatures are r||s for ECDSA.
package builtin

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// Backend is the local algorithm backend.
type Backend struct {
	rand io.Reader
}

// Option configures a Backend.
type Option func(*Backend)

// WithRandom replaces the random source. It is used by key generation,
// randomized signatures and GenerateRandom.
func WithRandom(r io.Reader) Option {
	return func(b *Backend) {
		b.rand = r
	}
}

// New returns a backend reading randomness from crypto/rand unless
// WithRandom says otherwise.
func New(opts ...Option) *Backend {
	b := &Backend{rand: rand.Reader}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ backend.Backend = (*Backend)(nil)

// GenerateRandom fills out with random bytes.
func (b *Backend) GenerateRandom(out []byte) error {
	if _, err := io.ReadFull(b.rand, out); err != nil {
		memguard.WipeBytes(out)
		return fmt.Errorf("builtin: %w: %w", types.ErrInsufficientEntropy, err)
	}
	return nil
}

// symmetricSizeOK reports whether bits is a valid size for an unstructured
// key of type t.
func symmetricSizeOK(t types.KeyType, bits int) bool {
	if bits == 0 || bits%8 != 0 || bits/8 > types.MaxKeyDataSize {
		return false
	}
	switch t {
	case types.KeyTypeAES:
		return bits == 128 || bits == 192 || bits == 256
	case types.KeyTypeDES:
		return bits == 64 || bits == 128 || bits == 192
	case types.KeyTypeChaCha20:
		return bits == 256
	case types.KeyTypeHMAC, types.KeyTypeRawData, types.KeyTypeDerive,
		types.KeyTypePassword, types.KeyTypePasswordHash, types.KeyTypePepper:
		return true
	}
	return false
}

// secpCurve returns the curve of a secp-r1 key of size bits.
func secpCurve(bits uint16) (ecdh.Curve, bool) {
	switch bits {
	case 256:
		return ecdh.P256(), true
	case 384:
		return ecdh.P384(), true
	case 521:
		return ecdh.P521(), true
	}
	return nil, false
}

// secpBitsForPrivate maps a private scalar length to a curve size.
func secpBitsForPrivate(n int) uint16 {
	switch n {
	case 32:
		return 256
	case 48:
		return 384
	case 66:
		return 521
	}
	return 0
}

// secpBitsForPublic maps an uncompressed point length to a curve size.
func secpBitsForPublic(n int) uint16 {
	switch n {
	case 65:
		return 256
	case 97:
		return 384
	case 133:
		return 521
	}
	return 0
}

// ImportKey validates data and returns its size and, for key pairs, the
// public key.
func (b *Backend) ImportKey(attrs types.KeyAttributes, data []byte) (uint16, []byte, error) {
	t := attrs.Type
	var (
		bits   uint16
		public []byte
	)

	switch {
	case t.IsUnstructured():
		if len(data)*8 > 0xffff || !symmetricSizeOK(t, len(data)*8) {
			return 0, nil, fmt.Errorf("builtin: %w: %d byte %s key", types.ErrInvalidArgument, len(data), t)
		}
		bits = uint16(len(data) * 8)

	case t.IsECC():
		var err error
		bits, public, err = importECC(t, data)
		if err != nil {
			return 0, nil, err
		}

	default:
		return 0, nil, fmt.Errorf("builtin: %w: key type %s", types.ErrNotSupported, t)
	}

	if attrs.Bits != 0 && attrs.Bits != bits {
		return 0, nil, fmt.Errorf("builtin: %w: key has %d bits, attributes say %d",
			types.ErrInvalidArgument, bits, attrs.Bits)
	}
	return bits, public, nil
}

func importECC(t types.KeyType, data []byte) (uint16, []byte, error) {
	invalid := func(err error) (uint16, []byte, error) {
		if err == nil {
			return 0, nil, fmt.Errorf("builtin: %w: %d byte %s key", types.ErrInvalidArgument, len(data), t)
		}
		return 0, nil, fmt.Errorf("builtin: %w: %w", types.ErrInvalidArgument, err)
	}

	switch t.ECCFamily() {
	case types.ECCFamilySecpR1:
		if t.IsKeyPair() {
			bits := secpBitsForPrivate(len(data))
			curve, ok := secpCurve(bits)
			if !ok {
				return invalid(nil)
			}
			priv, err := curve.NewPrivateKey(data)
			if err != nil {
				return invalid(err)
			}
			return bits, priv.PublicKey().Bytes(), nil
		}
		bits := secpBitsForPublic(len(data))
		curve, ok := secpCurve(bits)
		if !ok {
			return invalid(nil)
		}
		if _, err := curve.NewPublicKey(data); err != nil {
			return invalid(err)
		}
		return bits, nil, nil

	case types.ECCFamilyTwistedEdwards:
		if len(data) != ed25519.SeedSize {
			return invalid(nil)
		}
		if t.IsKeyPair() {
			priv := ed25519.NewKeyFromSeed(data)
			pub := append([]byte(nil), priv.Public().(ed25519.PublicKey)...)
			memguard.WipeBytes(priv)
			return 255, pub, nil
		}
		return 255, nil, nil

	case types.ECCFamilyMontgomery:
		if t.IsKeyPair() {
			priv, err := ecdh.X25519().NewPrivateKey(data)
			if err != nil {
				return invalid(err)
			}
			return 255, priv.PublicKey().Bytes(), nil
		}
		if _, err := ecdh.X25519().NewPublicKey(data); err != nil {
			return invalid(err)
		}
		return 255, nil, nil
	}
	return 0, nil, fmt.Errorf("builtin: %w: key type %s", types.ErrNotSupported, t)
}

// GenerateKey creates a random key. Unstructured keys only need a valid
// size; key pairs need a supported curve.
func (b *Backend) GenerateKey(attrs types.KeyAttributes) ([]byte, []byte, error) {
	t := attrs.Type

	switch {
	case t.IsUnstructured():
		if !symmetricSizeOK(t, int(attrs.Bits)) {
			return nil, nil, fmt.Errorf("builtin: %w: %d bit %s key", types.ErrInvalidArgument, attrs.Bits, t)
		}
		key := make([]byte, attrs.Bits/8)
		if err := b.GenerateRandom(key); err != nil {
			return nil, nil, err
		}
		return key, nil, nil

	case t.IsECCKeyPair():
		return b.generateECC(t, attrs.Bits)
	}
	return nil, nil, fmt.Errorf("builtin: %w: generating %s keys", types.ErrNotSupported, t)
}

func (b *Backend) generateECC(t types.KeyType, bits uint16) ([]byte, []byte, error) {
	var curve ecdh.Curve
	switch t.ECCFamily() {
	case types.ECCFamilySecpR1:
		c, ok := secpCurve(bits)
		if !ok {
			return nil, nil, fmt.Errorf("builtin: %w: %d bit %s key", types.ErrNotSupported, bits, t)
		}
		curve = c
	case types.ECCFamilyMontgomery:
		if bits != 255 {
			return nil, nil, fmt.Errorf("builtin: %w: %d bit %s key", types.ErrNotSupported, bits, t)
		}
		curve = ecdh.X25519()
	case types.ECCFamilyTwistedEdwards:
		if bits != 255 {
			return nil, nil, fmt.Errorf("builtin: %w: %d bit %s key", types.ErrNotSupported, bits, t)
		}
		pub, priv, err := ed25519.GenerateKey(b.rand)
		if err != nil {
			return nil, nil, fmt.Errorf("builtin: %w: %w", types.ErrInsufficientEntropy, err)
		}
		seed := append([]byte(nil), priv.Seed()...)
		memguard.WipeBytes(priv)
		return seed, pub, nil
	default:
		return nil, nil, fmt.Errorf("builtin: %w: key type %s", types.ErrNotSupported, t)
	}

	priv, err := curve.GenerateKey(b.rand)
	if err != nil {
		return nil, nil, fmt.Errorf("builtin: %w: %w", types.ErrInsufficientEntropy, err)
	}
	return priv.Bytes(), priv.PublicKey().Bytes(), nil
}

// ExportPublicKey returns the public key of a key pair or public key.
func (b *Backend) ExportPublicKey(key backend.Key) ([]byte, error) {
	t := key.Attrs.Type
	if !t.IsAsymmetric() {
		return nil, fmt.Errorf("builtin: %w: %s has no public key", types.ErrInvalidArgument, t)
	}
	if pub := key.PublicKey(); len(pub) > 0 {
		return append([]byte(nil), pub...), nil
	}
	if !t.IsKeyPair() {
		return nil, fmt.Errorf("builtin: %w: empty public key", types.ErrDataInvalid)
	}
	_, pub, err := importECC(t, key.Data)
	if err != nil {
		return nil, err
	}
	return pub, nil
}
