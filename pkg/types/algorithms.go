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

import (
	"fmt"
	"strings"
)

// Algorithm identifies a cryptographic algorithm and, for parameterized
// families, its parameters (for example the hash of an HMAC).
type Algorithm uint32

// =============================================================================
// Algorithm Categories
// =============================================================================

const (
	algCategoryMask          Algorithm = 0x7f000000
	algCategoryHash          Algorithm = 0x02000000
	algCategoryMAC           Algorithm = 0x03000000
	algCategoryCipher        Algorithm = 0x04000000
	algCategoryAEAD          Algorithm = 0x05000000
	algCategorySign          Algorithm = 0x06000000
	algCategoryAsymEncrypt   Algorithm = 0x07000000
	algCategoryKeyDerivation Algorithm = 0x08000000
	algCategoryKeyAgreement  Algorithm = 0x09000000

	algHashMask             Algorithm = 0x000000ff
	algMACSubcategoryMask   Algorithm = 0x00c00000
	algHMACBase             Algorithm = 0x03800000
	algMACTruncationMask    Algorithm = 0x003f0000
	algMACTruncationOffset            = 16
	algCipherStreamFlag     Algorithm = 0x00800000
	algAEADTagLengthMask    Algorithm = 0x003f0000
	algAEADTagLengthOffset            = 16
	algECDSABase            Algorithm = 0x06000600
	algDeterministicECDSA   Algorithm = 0x06000700
	algRSAPKCS1v15SignBase  Algorithm = 0x06000200
	algRSAPSSBase           Algorithm = 0x06000300
	algHashEdDSABase        Algorithm = 0x06000900
	algHKDFBase             Algorithm = 0x08000100
	algCategoryMaskKeepBase Algorithm = ^algHashMask
)

// =============================================================================
// Algorithm Constants
// =============================================================================

const (
	AlgNone Algorithm = 0

	AlgMD5        Algorithm = 0x02000003
	AlgSHA1       Algorithm = 0x02000005
	AlgSHA224     Algorithm = 0x02000008
	AlgSHA256     Algorithm = 0x02000009
	AlgSHA384     Algorithm = 0x0200000a
	AlgSHA512     Algorithm = 0x0200000b
	AlgSHA512_224 Algorithm = 0x0200000c
	AlgSHA512_256 Algorithm = 0x0200000d
	AlgSHA3_224   Algorithm = 0x02000010
	AlgSHA3_256   Algorithm = 0x02000011
	AlgSHA3_384   Algorithm = 0x02000012
	AlgSHA3_512   Algorithm = 0x02000013
	AlgAnyHash    Algorithm = 0x020000ff

	AlgCBCNoPadding     Algorithm = 0x04404000
	AlgCBCPKCS7         Algorithm = 0x04404100
	AlgECBNoPadding     Algorithm = 0x04404400
	AlgCTR              Algorithm = 0x04c01000
	AlgCFB              Algorithm = 0x04c01100
	AlgOFB              Algorithm = 0x04c01200
	AlgStreamCipher     Algorithm = 0x04800100
	AlgCCM              Algorithm = 0x05500100
	AlgGCM              Algorithm = 0x05500200
	AlgChaCha20Poly1305 Algorithm = 0x05100500

	AlgPureEdDSA Algorithm = 0x06000800
	AlgEd25519ph Algorithm = 0x0600090b
	AlgEd448ph   Algorithm = 0x06000915

	AlgECDH Algorithm = 0x09020000
)

// AlgHMAC returns the HMAC algorithm over hash h.
func AlgHMAC(h Algorithm) Algorithm {
	return algHMACBase | h&algHashMask
}

// AlgECDSA returns randomized ECDSA over hash h.
func AlgECDSA(h Algorithm) Algorithm {
	return algECDSABase | h&algHashMask
}

// AlgDeterministicECDSA returns deterministic ECDSA over hash h.
func AlgDeterministicECDSA(h Algorithm) Algorithm {
	return algDeterministicECDSA | h&algHashMask
}

// AlgRSAPKCS1v15Sign returns RSA PKCS#1 v1.5 signature over hash h.
func AlgRSAPKCS1v15Sign(h Algorithm) Algorithm {
	return algRSAPKCS1v15SignBase | h&algHashMask
}

// AlgRSAPSS returns RSA-PSS signature over hash h.
func AlgRSAPSS(h Algorithm) Algorithm {
	return algRSAPSSBase | h&algHashMask
}

// AlgHKDF returns HKDF over hash h.
func AlgHKDF(h Algorithm) Algorithm {
	return algHKDFBase | h&algHashMask
}

// AlgTruncatedMAC returns mac truncated to length bytes.
func AlgTruncatedMAC(mac Algorithm, length int) Algorithm {
	return mac&^algMACTruncationMask | Algorithm(length)<<algMACTruncationOffset&algMACTruncationMask
}

// =============================================================================
// Predicates
// =============================================================================

func (a Algorithm) IsHash() bool          { return a&algCategoryMask == algCategoryHash }
func (a Algorithm) IsMAC() bool           { return a&algCategoryMask == algCategoryMAC }
func (a Algorithm) IsCipher() bool        { return a&algCategoryMask == algCategoryCipher }
func (a Algorithm) IsAEAD() bool          { return a&algCategoryMask == algCategoryAEAD }
func (a Algorithm) IsSign() bool          { return a&algCategoryMask == algCategorySign }
func (a Algorithm) IsAsymEncrypt() bool   { return a&algCategoryMask == algCategoryAsymEncrypt }
func (a Algorithm) IsKeyDerivation() bool { return a&algCategoryMask == algCategoryKeyDerivation }
func (a Algorithm) IsKeyAgreement() bool  { return a&algCategoryMask == algCategoryKeyAgreement }

// IsHMAC reports whether a is an HMAC algorithm, truncated or not.
func (a Algorithm) IsHMAC() bool {
	return a&(algCategoryMask|algMACSubcategoryMask) == algHMACBase
}

// IsStreamCipher reports whether a processes its input one byte at a time.
func (a Algorithm) IsStreamCipher() bool {
	return a&(algCategoryMask|algCipherStreamFlag) == algCategoryCipher|algCipherStreamFlag
}

// IsBlockAligned reports whether a cipher requires block aligned input.
func (a Algorithm) IsBlockAligned() bool {
	return a == AlgCBCNoPadding || a == AlgECBNoPadding
}

// IsECDSA reports whether a is randomized or deterministic ECDSA.
func (a Algorithm) IsECDSA() bool {
	base := a & algCategoryMaskKeepBase
	return base == algECDSABase || base == algDeterministicECDSA
}

// IsDeterministicECDSA reports whether a is deterministic ECDSA.
func (a Algorithm) IsDeterministicECDSA() bool {
	return a&algCategoryMaskKeepBase == algDeterministicECDSA
}

// IsRSAPKCS1v15Sign reports whether a is RSA PKCS#1 v1.5 signature.
func (a Algorithm) IsRSAPKCS1v15Sign() bool {
	return a&algCategoryMaskKeepBase == algRSAPKCS1v15SignBase
}

// IsRSAPSS reports whether a is RSA-PSS signature.
func (a Algorithm) IsRSAPSS() bool {
	return a&algCategoryMaskKeepBase == algRSAPSSBase
}

// IsHashEdDSA reports whether a is a pre-hashed EdDSA variant.
func (a Algorithm) IsHashEdDSA() bool {
	return a&algCategoryMaskKeepBase == algHashEdDSABase
}

// IsSignHash reports whether a signs an already computed hash.
func (a Algorithm) IsSignHash() bool {
	return a.IsRSAPSS() || a.IsRSAPKCS1v15Sign() || a.IsECDSA() || a.IsHashEdDSA()
}

// IsSignMessage reports whether a can sign a full message.
func (a Algorithm) IsSignMessage() bool {
	return a.IsSignHash() || a == AlgPureEdDSA
}

// IsHKDF reports whether a is HKDF.
func (a Algorithm) IsHKDF() bool {
	return a&algCategoryMaskKeepBase == algHKDFBase
}

// IsWildcard reports whether a policy algorithm matches several hashes.
func (a Algorithm) IsWildcard() bool {
	return (a.IsSignHash() || a.IsHMAC()) && a&algHashMask == algHashMask
}

// Hash returns the hash algorithm embedded in a parameterized algorithm, or
// AlgNone when a carries no hash. For a hash algorithm it returns a itself.
func (a Algorithm) Hash() Algorithm {
	switch {
	case a.IsHash():
		return a
	case a.IsHMAC(), a.IsSignHash(), a.IsHKDF():
		if h := a & algHashMask; h != 0 {
			return algCategoryHash | h
		}
	}
	return AlgNone
}

// WithHash returns a with its embedded hash replaced by h. Algorithms
// that carry no hash are returned unchanged.
func (a Algorithm) WithHash(h Algorithm) Algorithm {
	if a.Hash() == AlgNone && !a.IsWildcard() {
		return a
	}
	return a&^algHashMask | h&algHashMask
}

// FullLengthMAC strips the truncation from a MAC algorithm.
func (a Algorithm) FullLengthMAC() Algorithm {
	return a &^ algMACTruncationMask
}

// MACTruncation returns the truncated MAC length, or 0 for a full length MAC.
func (a Algorithm) MACTruncation() int {
	return int((a & algMACTruncationMask) >> algMACTruncationOffset)
}

// AEADTagLength returns the tag length encoded in an AEAD algorithm, or the
// default of 16 bytes when none is encoded.
func (a Algorithm) AEADTagLength() int {
	if n := int((a & algAEADTagLengthMask) >> algAEADTagLengthOffset); n != 0 {
		return n
	}
	return 16
}

// AEADDefault returns the AEAD algorithm with its default 16-byte tag.
func (a Algorithm) AEADDefault() Algorithm {
	return (a &^ algAEADTagLengthMask) | (16 << algAEADTagLengthOffset)
}

// AlgAEADWithShortenedTag returns aead with a tag of tagLen bytes.
func AlgAEADWithShortenedTag(aead Algorithm, tagLen int) Algorithm {
	return (aead &^ algAEADTagLengthMask) | (Algorithm(tagLen)<<algAEADTagLengthOffset)&algAEADTagLengthMask
}

// =============================================================================
// Sizes
// =============================================================================

// HashLength returns the digest size of a hash (or hash parameterized)
// algorithm, or 0 when unknown.
func (a Algorithm) HashLength() int {
	switch a.Hash() {
	case AlgMD5:
		return 16
	case AlgSHA1:
		return 20
	case AlgSHA224, AlgSHA512_224, AlgSHA3_224:
		return 28
	case AlgSHA256, AlgSHA512_256, AlgSHA3_256:
		return 32
	case AlgSHA384, AlgSHA3_384:
		return 48
	case AlgSHA512, AlgSHA3_512:
		return 64
	}
	return 0
}

// HashBlockLength returns the input block size of the embedded hash, or 0.
func (a Algorithm) HashBlockLength() int {
	switch a.Hash() {
	case AlgMD5, AlgSHA1, AlgSHA224, AlgSHA256:
		return 64
	case AlgSHA384, AlgSHA512, AlgSHA512_224, AlgSHA512_256:
		return 128
	case AlgSHA3_224:
		return 144
	case AlgSHA3_256:
		return 136
	case AlgSHA3_384:
		return 104
	case AlgSHA3_512:
		return 72
	}
	return 0
}

// MACLength returns the output length of a MAC algorithm, or 0 when unknown.
func (a Algorithm) MACLength() int {
	if !a.IsHMAC() {
		return 0
	}
	if n := a.MACTruncation(); n != 0 {
		return n
	}
	return a.HashLength()
}

// IVLength returns the IV or nonce length of a cipher algorithm for a key
// type, or 0 when the algorithm takes no IV.
func (a Algorithm) IVLength(t KeyType) int {
	switch {
	case a == AlgECBNoPadding:
		return 0
	case a == AlgStreamCipher && t == KeyTypeChaCha20:
		return 12
	case a.IsCipher() && t.BlockLength() > 1:
		return t.BlockLength()
	}
	return 0
}

// NonceLength returns the default nonce length of an AEAD algorithm.
func (a Algorithm) NonceLength(t KeyType) int {
	switch a.AEADDefault() {
	case AlgGCM, AlgChaCha20Poly1305:
		return 12
	case AlgCCM:
		return 13
	}
	return 0
}

// CipherEncryptOutputSize returns the buffer size needed by a one-shot
// encryption of inputLen bytes, including the prefixed IV.
func (a Algorithm) CipherEncryptOutputSize(t KeyType, inputLen int) int {
	iv := a.IVLength(t)
	if a == AlgCBCPKCS7 {
		bs := t.BlockLength()
		return iv + (inputLen/bs+1)*bs
	}
	return iv + inputLen
}

// CipherDecryptOutputSize returns the buffer size needed by a one-shot
// decryption of inputLen bytes whose first bytes are the IV.
func (a Algorithm) CipherDecryptOutputSize(t KeyType, inputLen int) int {
	n := inputLen - a.IVLength(t)
	if n < 0 {
		return 0
	}
	return n
}

// =============================================================================
// Names
// =============================================================================

var algNames = map[Algorithm]string{
	AlgNone:             "none",
	AlgMD5:              "md5",
	AlgSHA1:             "sha-1",
	AlgSHA224:           "sha-224",
	AlgSHA256:           "sha-256",
	AlgSHA384:           "sha-384",
	AlgSHA512:           "sha-512",
	AlgSHA512_224:       "sha-512/224",
	AlgSHA512_256:       "sha-512/256",
	AlgSHA3_224:         "sha3-224",
	AlgSHA3_256:         "sha3-256",
	AlgSHA3_384:         "sha3-384",
	AlgSHA3_512:         "sha3-512",
	AlgAnyHash:          "any-hash",
	AlgCBCNoPadding:     "cbc-no-padding",
	AlgCBCPKCS7:         "cbc-pkcs7",
	AlgECBNoPadding:     "ecb-no-padding",
	AlgCTR:              "ctr",
	AlgCFB:              "cfb",
	AlgOFB:              "ofb",
	AlgStreamCipher:     "stream-cipher",
	AlgCCM:              "ccm",
	AlgGCM:              "gcm",
	AlgChaCha20Poly1305: "chacha20-poly1305",
	AlgPureEdDSA:        "pure-eddsa",
	AlgEd25519ph:        "ed25519ph",
	AlgEd448ph:          "ed448ph",
	AlgECDH:             "ecdh",
}

var algFamilies = []struct {
	name string
	ctor func(Algorithm) Algorithm
	is   func(Algorithm) bool
}{
	{"hmac", AlgHMAC, Algorithm.IsHMAC},
	{"deterministic-ecdsa", AlgDeterministicECDSA, Algorithm.IsDeterministicECDSA},
	{"ecdsa", AlgECDSA, Algorithm.IsECDSA},
	{"rsa-pkcs1v15", AlgRSAPKCS1v15Sign, Algorithm.IsRSAPKCS1v15Sign},
	{"rsa-pss", AlgRSAPSS, Algorithm.IsRSAPSS},
	{"hkdf", AlgHKDF, Algorithm.IsHKDF},
}

// String returns the canonical name, for example "hmac(sha-256)".
func (a Algorithm) String() string {
	if name, ok := algNames[a]; ok {
		return name
	}
	for _, f := range algFamilies {
		if f.is(a) && a.MACTruncation() == 0 {
			h := algCategoryHash | a&algHashMask
			return f.name + "(" + h.String() + ")"
		}
	}
	return fmt.Sprintf("0x%08x", uint32(a))
}

// ParseAlgorithm parses a name as produced by String.
func ParseAlgorithm(s string) (Algorithm, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range algNames {
		if name == s {
			return a, nil
		}
	}
	for _, f := range algFamilies {
		prefix := f.name + "("
		if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, ")") {
			continue
		}
		h, err := ParseAlgorithm(s[len(prefix) : len(s)-1])
		if err != nil || !h.IsHash() {
			break
		}
		return f.ctor(h), nil
	}
	return AlgNone, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidArgument, s)
}
