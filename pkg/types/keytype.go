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

// KeyType identifies the kind of key material.
type KeyType uint16

// ECCFamily identifies an elliptic curve family.
type ECCFamily uint8

const (
	keyTypeVendorFlag         KeyType = 0x8000
	keyTypeCategoryMask       KeyType = 0x7000
	keyTypeCategoryRaw        KeyType = 0x1000
	keyTypeCategorySymmetric  KeyType = 0x2000
	keyTypeCategoryPublicKey  KeyType = 0x4000
	keyTypeCategoryKeyPair    KeyType = 0x7000
	keyTypeCategoryFlagPair   KeyType = 0x3000
	keyTypeECCKeyPairBase     KeyType = 0x7100
	keyTypeECCPublicKeyBase   KeyType = 0x4100
	keyTypeECCCurveMask       KeyType = 0x00ff
	keyTypeDHKeyPairBase      KeyType = 0x7200
	keyTypeDHPublicKeyBase    KeyType = 0x4200
	keyTypeDHGroupMask        KeyType = 0x00ff
	keyTypeBlockCipherLenMask KeyType = 0x0700
)

const (
	KeyTypeNone         KeyType = 0x0000
	KeyTypeRawData      KeyType = 0x1001
	KeyTypeHMAC         KeyType = 0x1100
	KeyTypeDerive       KeyType = 0x1200
	KeyTypePassword     KeyType = 0x1203
	KeyTypePasswordHash KeyType = 0x1205
	KeyTypePepper       KeyType = 0x1206
	KeyTypeAES          KeyType = 0x2400
	KeyTypeARIA         KeyType = 0x2406
	KeyTypeDES          KeyType = 0x2301
	KeyTypeCamellia     KeyType = 0x2403
	KeyTypeSM4          KeyType = 0x2405
	KeyTypeARC4         KeyType = 0x2002
	KeyTypeChaCha20     KeyType = 0x2004
	KeyTypeRSAKeyPair   KeyType = 0x7001
	KeyTypeRSAPublicKey KeyType = 0x4001
)

const (
	ECCFamilySecpK1         ECCFamily = 0x17
	ECCFamilySecpR1         ECCFamily = 0x12
	ECCFamilySecpR2         ECCFamily = 0x1b
	ECCFamilySectK1         ECCFamily = 0x27
	ECCFamilySectR1         ECCFamily = 0x22
	ECCFamilySectR2         ECCFamily = 0x2b
	ECCFamilyBrainpoolPR1   ECCFamily = 0x30
	ECCFamilyFRP            ECCFamily = 0x33
	ECCFamilyMontgomery     ECCFamily = 0x41
	ECCFamilyTwistedEdwards ECCFamily = 0x42
)

// KeyTypeECCKeyPair returns the key pair type for the given curve family.
func KeyTypeECCKeyPair(f ECCFamily) KeyType {
	return keyTypeECCKeyPairBase | KeyType(f)
}

// KeyTypeECCPublicKey returns the public key type for the given curve family.
func KeyTypeECCPublicKey(f ECCFamily) KeyType {
	return keyTypeECCPublicKeyBase | KeyType(f)
}

// IsVendorDefined reports whether t is a vendor defined key type.
func (t KeyType) IsVendorDefined() bool {
	return t&keyTypeVendorFlag != 0
}

// IsUnstructured reports whether t is a raw or symmetric key type whose key
// material is an arbitrary byte string.
func (t KeyType) IsUnstructured() bool {
	c := t & keyTypeCategoryMask
	return c == keyTypeCategoryRaw || c == keyTypeCategorySymmetric
}

// IsAsymmetric reports whether t is a public key or key pair type.
func (t KeyType) IsAsymmetric() bool {
	return t&keyTypeCategoryMask&^keyTypeCategoryFlagPair == keyTypeCategoryPublicKey
}

// IsPublicKey reports whether t is a public key type.
func (t KeyType) IsPublicKey() bool {
	return t&keyTypeCategoryMask == keyTypeCategoryPublicKey
}

// IsKeyPair reports whether t is a key pair type.
func (t KeyType) IsKeyPair() bool {
	return t&keyTypeCategoryMask == keyTypeCategoryKeyPair
}

// PublicKeyOf returns the public key type matching a key pair type.
func (t KeyType) PublicKeyOf() KeyType {
	return t &^ keyTypeCategoryFlagPair
}

// KeyPairOf returns the key pair type matching a public key type.
func (t KeyType) KeyPairOf() KeyType {
	return t | keyTypeCategoryFlagPair
}

// IsRSA reports whether t is an RSA key type.
func (t KeyType) IsRSA() bool {
	return t.PublicKeyOf() == KeyTypeRSAPublicKey
}

// IsECC reports whether t is an elliptic curve key type.
func (t KeyType) IsECC() bool {
	return t.PublicKeyOf()&^keyTypeECCCurveMask == keyTypeECCPublicKeyBase
}

// IsECCKeyPair reports whether t is an elliptic curve key pair type.
func (t KeyType) IsECCKeyPair() bool {
	return t&^keyTypeECCCurveMask == keyTypeECCKeyPairBase
}

// IsECCPublicKey reports whether t is an elliptic curve public key type.
func (t KeyType) IsECCPublicKey() bool {
	return t&^keyTypeECCCurveMask == keyTypeECCPublicKeyBase
}

// IsDH reports whether t is a finite field Diffie-Hellman key type.
func (t KeyType) IsDH() bool {
	return t.PublicKeyOf()&^keyTypeDHGroupMask == keyTypeDHPublicKeyBase
}

// ECCFamily returns the curve family of an ECC key type, or 0.
func (t KeyType) ECCFamily() ECCFamily {
	if !t.IsECC() {
		return 0
	}
	return ECCFamily(t & keyTypeECCCurveMask)
}

// BlockLength returns the block size in bytes of a block cipher key type,
// 1 for stream cipher key types and 0 for non-symmetric types.
func (t KeyType) BlockLength() int {
	if t&keyTypeCategoryMask != keyTypeCategorySymmetric {
		return 0
	}
	return 1 << ((t & keyTypeBlockCipherLenMask) >> 8)
}

var keyTypeNames = map[KeyType]string{
	KeyTypeNone:         "none",
	KeyTypeRawData:      "raw",
	KeyTypeHMAC:         "hmac",
	KeyTypeDerive:       "derive",
	KeyTypePassword:     "password",
	KeyTypePasswordHash: "password-hash",
	KeyTypePepper:       "pepper",
	KeyTypeAES:          "aes",
	KeyTypeARIA:         "aria",
	KeyTypeDES:          "des",
	KeyTypeCamellia:     "camellia",
	KeyTypeSM4:          "sm4",
	KeyTypeARC4:         "arc4",
	KeyTypeChaCha20:     "chacha20",
	KeyTypeRSAKeyPair:   "rsa-key-pair",
	KeyTypeRSAPublicKey: "rsa-public-key",
}

var eccFamilyNames = map[ECCFamily]string{
	ECCFamilySecpK1:         "secp-k1",
	ECCFamilySecpR1:         "secp-r1",
	ECCFamilySecpR2:         "secp-r2",
	ECCFamilySectK1:         "sect-k1",
	ECCFamilySectR1:         "sect-r1",
	ECCFamilySectR2:         "sect-r2",
	ECCFamilyBrainpoolPR1:   "brainpool-p-r1",
	ECCFamilyFRP:            "frp",
	ECCFamilyMontgomery:     "montgomery",
	ECCFamilyTwistedEdwards: "twisted-edwards",
}

// String returns the canonical name of the key type.
func (t KeyType) String() string {
	if name, ok := keyTypeNames[t]; ok {
		return name
	}
	if t.IsECC() {
		fam, ok := eccFamilyNames[t.ECCFamily()]
		if !ok {
			fam = fmt.Sprintf("0x%02x", uint8(t.ECCFamily()))
		}
		if t.IsKeyPair() {
			return "ecc-key-pair(" + fam + ")"
		}
		return "ecc-public-key(" + fam + ")"
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// ParseKeyType parses a name as produced by String.
func ParseKeyType(s string) (KeyType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range keyTypeNames {
		if name == s {
			return t, nil
		}
	}
	for _, prefix := range []struct {
		name string
		ctor func(ECCFamily) KeyType
	}{
		{"ecc-key-pair(", KeyTypeECCKeyPair},
		{"ecc-public-key(", KeyTypeECCPublicKey},
	} {
		if strings.HasPrefix(s, prefix.name) && strings.HasSuffix(s, ")") {
			fam := strings.TrimSuffix(strings.TrimPrefix(s, prefix.name), ")")
			for f, name := range eccFamilyNames {
				if name == fam {
					return prefix.ctor(f), nil
				}
			}
		}
	}
	return KeyTypeNone, fmt.Errorf("%w: unknown key type %q", ErrInvalidArgument, s)
}
