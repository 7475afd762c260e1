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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

func ellipticCurve(bits uint16) elliptic.Curve {
	switch bits {
	case 256:
		return elliptic.P256()
	case 384:
		return elliptic.P384()
	case 521:
		return elliptic.P521()
	}
	return nil
}

// cryptoHash maps a hash algorithm onto crypto.Hash for deterministic ECDSA.
func cryptoHash(alg types.Algorithm) (crypto.Hash, bool) {
	switch alg.Hash() {
	case types.AlgSHA224:
		return crypto.SHA224, true
	case types.AlgSHA256:
		return crypto.SHA256, true
	case types.AlgSHA384:
		return crypto.SHA384, true
	case types.AlgSHA512:
		return crypto.SHA512, true
	}
	return 0, false
}

func ecdsaPublicKey(bits uint16, point []byte) (*ecdsa.PublicKey, error) {
	curve := ellipticCurve(bits)
	n := types.ECCCurveBytes(bits)
	if curve == nil || len(point) != 1+2*n || point[0] != 0x04 {
		return nil, fmt.Errorf("builtin: %w: malformed public key", types.ErrInvalidArgument)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(point[1 : 1+n]),
		Y:     new(big.Int).SetBytes(point[1+n:]),
	}, nil
}

func ecdsaPrivateKey(key backend.Key) (*ecdsa.PrivateKey, error) {
	pub := key.Public
	if len(pub) == 0 {
		_, p, err := importECC(key.Attrs.Type, key.Data)
		if err != nil {
			return nil, err
		}
		pub = p
	}
	pk, err := ecdsaPublicKey(key.Attrs.Bits, pub)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{PublicKey: *pk, D: new(big.Int).SetBytes(key.Data)}, nil
}

// checkSignKey validates the key type and algorithm combination.
func checkSignKey(key backend.Key, alg types.Algorithm, private bool) error {
	t := key.Attrs.Type
	if private && !t.IsKeyPair() {
		return fmt.Errorf("builtin: %w: signing needs a key pair, not %s", types.ErrInvalidArgument, t)
	}
	if !t.IsECC() {
		return fmt.Errorf("builtin: %w: signing with %s", types.ErrNotSupported, t)
	}
	switch {
	case alg.IsECDSA():
		if t.ECCFamily() != types.ECCFamilySecpR1 {
			return fmt.Errorf("builtin: %w: %s with %s", types.ErrInvalidArgument, alg, t)
		}
	case alg == types.AlgPureEdDSA || alg == types.AlgEd25519ph:
		if t.ECCFamily() != types.ECCFamilyTwistedEdwards {
			return fmt.Errorf("builtin: %w: %s with %s", types.ErrInvalidArgument, alg, t)
		}
	default:
		return fmt.Errorf("builtin: %w: signature algorithm %s", types.ErrNotSupported, alg)
	}
	return nil
}

func checkHashLength(alg types.Algorithm, hash []byte) error {
	if n := alg.HashLength(); n == 0 || len(hash) != n {
		return fmt.Errorf("builtin: %w: hash of %d bytes for %s", types.ErrInvalidArgument, len(hash), alg)
	}
	return nil
}

// SignHash signs an already computed hash.
func (b *Backend) SignHash(key backend.Key, alg types.Algorithm, hash []byte) ([]byte, error) {
	if err := checkSignKey(key, alg, true); err != nil {
		return nil, err
	}
	if alg == types.AlgPureEdDSA {
		return nil, fmt.Errorf("builtin: %w: %s signs messages, not hashes", types.ErrInvalidArgument, alg)
	}
	if err := checkHashLength(alg, hash); err != nil {
		return nil, err
	}

	if alg == types.AlgEd25519ph {
		priv := ed25519.NewKeyFromSeed(key.Data)
		sig, err := priv.Sign(nil, hash, &ed25519.Options{Hash: crypto.SHA512})
		if err != nil {
			return nil, fmt.Errorf("builtin: %w: %w", types.ErrGeneric, err)
		}
		return sig, nil
	}

	priv, err := ecdsaPrivateKey(key)
	if err != nil {
		return nil, err
	}
	n := types.ECCCurveBytes(key.Attrs.Bits)

	if alg.IsDeterministicECDSA() {
		h, ok := cryptoHash(alg)
		if !ok {
			return nil, fmt.Errorf("builtin: %w: %s", types.ErrNotSupported, alg)
		}
		der, err := priv.Sign(nil, hash, h)
		if err != nil {
			return nil, fmt.Errorf("builtin: %w: %w", types.ErrGeneric, err)
		}
		return rawSignature(der, n)
	}

	r, s, err := ecdsa.Sign(b.rand, priv, hash)
	if err != nil {
		return nil, fmt.Errorf("builtin: %w: %w", types.ErrInsufficientEntropy, err)
	}
	sig := make([]byte, 2*n)
	r.FillBytes(sig[:n])
	s.FillBytes(sig[n:])
	return sig, nil
}

// rawSignature converts an ASN.1 ECDSA signature into r||s.
func rawSignature(der []byte, n int) ([]byte, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, fmt.Errorf("builtin: %w: malformed ECDSA signature", types.ErrGeneric)
	}
	sig := make([]byte, 2*n)
	r.FillBytes(sig[:n])
	s.FillBytes(sig[n:])
	return sig, nil
}

// VerifyHash verifies a signature over an already computed hash.
func (b *Backend) VerifyHash(key backend.Key, alg types.Algorithm, hash, signature []byte) error {
	if err := checkSignKey(key, alg, false); err != nil {
		return err
	}
	if alg == types.AlgPureEdDSA {
		return fmt.Errorf("builtin: %w: %s verifies messages, not hashes", types.ErrInvalidArgument, alg)
	}
	if err := checkHashLength(alg, hash); err != nil {
		return err
	}
	pub := key.PublicKey()

	if alg == types.AlgEd25519ph {
		if len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("builtin: %w: malformed public key", types.ErrInvalidArgument)
		}
		if err := ed25519.VerifyWithOptions(pub, hash, signature, &ed25519.Options{Hash: crypto.SHA512}); err != nil {
			return fmt.Errorf("builtin: %w", types.ErrInvalidSignature)
		}
		return nil
	}

	pk, err := ecdsaPublicKey(key.Attrs.Bits, pub)
	if err != nil {
		return err
	}
	n := types.ECCCurveBytes(key.Attrs.Bits)
	if len(signature) != 2*n {
		return fmt.Errorf("builtin: %w: signature of %d bytes", types.ErrInvalidSignature, len(signature))
	}
	r := new(big.Int).SetBytes(signature[:n])
	s := new(big.Int).SetBytes(signature[n:])
	if !ecdsa.Verify(pk, hash, r, s) {
		return fmt.Errorf("builtin: %w", types.ErrInvalidSignature)
	}
	return nil
}

// SignMessage signs a message, hashing it first unless alg is pure EdDSA.
func (b *Backend) SignMessage(key backend.Key, alg types.Algorithm, message []byte) ([]byte, error) {
	if alg == types.AlgPureEdDSA {
		if err := checkSignKey(key, alg, true); err != nil {
			return nil, err
		}
		return ed25519.Sign(ed25519.NewKeyFromSeed(key.Data), message), nil
	}
	if !alg.IsSignHash() {
		return nil, fmt.Errorf("builtin: %w: signature algorithm %s", types.ErrNotSupported, alg)
	}
	h, err := digest(alg, message)
	if err != nil {
		return nil, err
	}
	return b.SignHash(key, alg, h)
}

// VerifyMessage verifies a signature over a message.
func (b *Backend) VerifyMessage(key backend.Key, alg types.Algorithm, message, signature []byte) error {
	if alg == types.AlgPureEdDSA {
		if err := checkSignKey(key, alg, false); err != nil {
			return err
		}
		pub := key.PublicKey()
		if len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("builtin: %w: malformed public key", types.ErrInvalidArgument)
		}
		if !ed25519.Verify(pub, message, signature) {
			return fmt.Errorf("builtin: %w", types.ErrInvalidSignature)
		}
		return nil
	}
	if !alg.IsSignHash() {
		return fmt.Errorf("builtin: %w: signature algorithm %s", types.ErrNotSupported, alg)
	}
	h, err := digest(alg, message)
	if err != nil {
		return err
	}
	return b.VerifyHash(key, alg, h, signature)
}
