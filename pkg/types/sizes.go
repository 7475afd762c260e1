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

package types

// Fixed upper bounds of the buffers held by key slots and of the outputs
// produced by the engine. They are sized for the largest key supported by
// the local backend: HMAC keys up to one SHA-512 block, P-521 and Ed25519.
const (
	// MaxKeyDataSize is the largest single key: an HMAC key of one SHA3-224
	// block, which also holds an uncompressed P-521 public key.
	MaxKeyDataSize = 144

	// MaxPrivateKeySize is the largest private key: a P-521 scalar.
	MaxPrivateKeySize = 66

	// MaxExportPublicKeySize is the largest public key: an uncompressed
	// P-521 point.
	MaxExportPublicKeySize = 1 + 2*66

	// MaxHashSize is the largest digest.
	MaxHashSize = 64

	// MaxHashBlockSize is the largest hash input block (SHA3-224).
	MaxHashBlockSize = 144

	// MaxMACSize is the largest MAC output.
	MaxMACSize = MaxHashSize

	// MinMACSize is the shortest MAC the engine accepts.
	MinMACSize = 4

	// MaxBlockSize is the largest cipher block.
	MaxBlockSize = 16

	// MaxIVSize is the largest cipher IV.
	MaxIVSize = 16

	// MaxSignatureSize is the largest signature: P-521 r||s.
	MaxSignatureSize = 2 * 66

	// MaxAEADTagSize is the largest AEAD tag.
	MaxAEADTagSize = 16
)

// ECCCurveBytes returns the size in bytes of a curve element for the given
// key size in bits.
func ECCCurveBytes(bits uint16) int {
	return (int(bits) + 7) / 8
}

// SignatureSize returns the signature length produced by alg with a key of
// type t and size bits, or 0 when the combination is not a signature.
func SignatureSize(t KeyType, bits uint16, alg Algorithm) int {
	switch {
	case t.IsECC() && t.ECCFamily() == ECCFamilyTwistedEdwards:
		return 2 * ECCCurveBytes(bits+1)
	case t.IsECC() && alg.IsECDSA():
		return 2 * ECCCurveBytes(bits)
	case t.IsRSA():
		return ECCCurveBytes(bits)
	}
	return 0
}

// ExportPublicKeySize returns the size of the exported public key of type t
// and size bits, or 0 when unknown.
func ExportPublicKeySize(t KeyType, bits uint16) int {
	if !t.IsECC() {
		return 0
	}
	switch t.ECCFamily() {
	case ECCFamilyMontgomery, ECCFamilyTwistedEdwards:
		return ECCCurveBytes(bits)
	}
	return 1 + 2*ECCCurveBytes(bits)
}

// ExportKeySize returns the size of the exported key material of type t and
// size bits.
func ExportKeySize(t KeyType, bits uint16) int {
	switch {
	case t.IsUnstructured():
		return ECCCurveBytes(bits)
	case t.IsECCKeyPair():
		return ECCCurveBytes(bits)
	case t.IsECCPublicKey():
		return ExportPublicKeySize(t, bits)
	}
	return 0
}
