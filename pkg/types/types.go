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

// Package types contains the shared type definitions used across the engine:
// key identifiers, lifetimes, key types, algorithms, usage flags, key
// attributes and the status taxonomy. All numeric encodings follow the
// PSA Crypto API 1.1 so that identifiers and persisted records are
// interchangeable with other PSA implementations.
//
// This package has no dependencies on any other package of the module to
// prevent import cycles.
package types

import (
	"fmt"
	"strings"
)

// =============================================================================
// Key Identifiers
// =============================================================================

// KeyID identifies a key. Volatile identifiers are assigned by the engine,
// persistent identifiers are chosen by the application.
type KeyID uint32

const (
	// KeyIDNull is the null key identifier. It never names a key.
	KeyIDNull KeyID = 0

	// KeyIDUserMin is the lowest identifier an application may choose.
	KeyIDUserMin KeyID = 0x00000001

	// KeyIDUserMax is the highest identifier an application may choose.
	KeyIDUserMax KeyID = 0x3fffffff

	// KeyIDVendorMin is the lowest vendor-reserved persistent identifier.
	KeyIDVendorMin KeyID = 0x40000000

	// KeyIDVendorMax is the highest vendor-reserved persistent identifier.
	// The top of the vendor space is carved out for volatile keys.
	KeyIDVendorMax KeyID = 0x7ffeffff

	// KeyIDVolatileMin is the first identifier handed out to volatile keys.
	KeyIDVolatileMin KeyID = 0x7fff0000

	// KeyIDVolatileMax is the last identifier handed out to volatile keys.
	KeyIDVolatileMax KeyID = 0x7fffffff
)

// IsVolatile reports whether the identifier lies in the volatile range.
func (id KeyID) IsVolatile() bool {
	return id >= KeyIDVolatileMin && id <= KeyIDVolatileMax
}

// IsUser reports whether the identifier lies in the application range.
func (id KeyID) IsUser() bool {
	return id >= KeyIDUserMin && id <= KeyIDUserMax
}

// IsVendor reports whether the identifier lies in the vendor range.
func (id KeyID) IsVendor() bool {
	return id >= KeyIDVendorMin && id <= KeyIDVendorMax
}

// IsValidPersistent reports whether id may name a persistent key. Vendor
// identifiers are accepted only when vendorOK is set.
func (id KeyID) IsValidPersistent(vendorOK bool) bool {
	if id.IsUser() {
		return true
	}
	return vendorOK && id.IsVendor()
}

// String returns the identifier in hexadecimal notation.
func (id KeyID) String() string {
	return fmt.Sprintf("0x%08x", uint32(id))
}

// StorageName returns the storage key under which the persisted record for
// this identifier is kept.
func (id KeyID) StorageName() string {
	return fmt.Sprintf("keys/%08x", uint32(id))
}

// =============================================================================
// Lifetimes
// =============================================================================

// KeyPersistence is the persistence level encoded in the low byte of a lifetime.
type KeyPersistence uint8

// KeyLocation is the location encoded in the upper 24 bits of a lifetime.
type KeyLocation uint32

// KeyLifetime encodes a persistence level and a location:
// lifetime = location<<8 | persistence.
type KeyLifetime uint32

const (
	// PersistenceVolatile keys live in memory only.
	PersistenceVolatile KeyPersistence = 0x00

	// PersistenceDefault keys are written to persistent storage.
	PersistenceDefault KeyPersistence = 0x01

	// PersistenceReadOnly keys cannot be created or destroyed through the API.
	PersistenceReadOnly KeyPersistence = 0xff
)

const (
	// LocationLocalStorage keeps key material in the engine's own memory.
	LocationLocalStorage KeyLocation = 0x000000

	// LocationPrimarySecureElement is the conventional location of the first
	// secure element.
	LocationPrimarySecureElement KeyLocation = 0x000001

	// LocationVendorFlag marks vendor defined locations.
	LocationVendorFlag KeyLocation = 0x800000

	// LocationSEMin is the lowest vendor location reserved for secure elements.
	LocationSEMin KeyLocation = LocationVendorFlag

	// LocationSEMax is the highest location a secure element may be registered at.
	LocationSEMax KeyLocation = 0x8000ff
)

const (
	// LifetimeVolatile is a volatile key in local storage.
	LifetimeVolatile KeyLifetime = 0x00000000

	// LifetimePersistent is a persistent key in local storage.
	LifetimePersistent KeyLifetime = 0x00000001
)

// LifetimeFromPersistenceAndLocation builds a lifetime value.
func LifetimeFromPersistenceAndLocation(p KeyPersistence, l KeyLocation) KeyLifetime {
	return KeyLifetime(uint32(l)<<8 | uint32(p))
}

// Persistence extracts the persistence level.
func (l KeyLifetime) Persistence() KeyPersistence {
	return KeyPersistence(l & 0xff)
}

// Location extracts the location.
func (l KeyLifetime) Location() KeyLocation {
	return KeyLocation(l >> 8)
}

// IsVolatile reports whether keys with this lifetime live in memory only.
func (l KeyLifetime) IsVolatile() bool {
	return l.Persistence() == PersistenceVolatile
}

// IsExternal reports whether the key material lives outside local storage.
func (l KeyLifetime) IsExternal() bool {
	return l.Location() != LocationLocalStorage
}

// String returns a readable form of the lifetime.
func (l KeyLifetime) String() string {
	p := "persistent"
	switch l.Persistence() {
	case PersistenceVolatile:
		p = "volatile"
	case PersistenceReadOnly:
		p = "read-only"
	}
	return fmt.Sprintf("%s@0x%06x", p, uint32(l.Location()))
}

// =============================================================================
// Usage Flags
// =============================================================================

// KeyUsage is a bitmask of permitted operations.
type KeyUsage uint32

const (
	UsageExport        KeyUsage = 0x00000001
	UsageCopy          KeyUsage = 0x00000002
	UsageEncrypt       KeyUsage = 0x00000100
	UsageDecrypt       KeyUsage = 0x00000200
	UsageSignMessage   KeyUsage = 0x00000400
	UsageVerifyMessage KeyUsage = 0x00000800
	UsageSignHash      KeyUsage = 0x00001000
	UsageVerifyHash    KeyUsage = 0x00002000
	UsageDerive        KeyUsage = 0x00004000

	// UsageAll is the union of every defined usage flag.
	UsageAll = UsageExport | UsageCopy | UsageEncrypt | UsageDecrypt |
		UsageSignMessage | UsageVerifyMessage | UsageSignHash |
		UsageVerifyHash | UsageDerive
)

var usageNames = []struct {
	flag KeyUsage
	name string
}{
	{UsageExport, "export"},
	{UsageCopy, "copy"},
	{UsageEncrypt, "encrypt"},
	{UsageDecrypt, "decrypt"},
	{UsageSignMessage, "sign-message"},
	{UsageVerifyMessage, "verify-message"},
	{UsageSignHash, "sign-hash"},
	{UsageVerifyHash, "verify-hash"},
	{UsageDerive, "derive"},
}

// Has reports whether every flag of want is set in u.
func (u KeyUsage) Has(want KeyUsage) bool {
	return u&want == want
}

// IsValid reports whether u contains only defined flags.
func (u KeyUsage) IsValid() bool {
	return u&^UsageAll == 0
}

// String returns the flags as a comma separated list.
func (u KeyUsage) String() string {
	if u == 0 {
		return "none"
	}
	var parts []string
	for _, n := range usageNames {
		if u&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := u &^ UsageAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, ",")
}

// ParseKeyUsage parses a comma separated list as produced by String.
func ParseKeyUsage(s string) (KeyUsage, error) {
	var u KeyUsage
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" || part == "none" {
			continue
		}
		found := false
		for _, n := range usageNames {
			if n.name == part {
				u |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown usage flag %q", ErrInvalidArgument, part)
		}
	}
	return u, nil
}

// =============================================================================
// Key Attributes
// =============================================================================

// KeyPolicy binds the permitted usage and algorithm to a key.
type KeyPolicy struct {
	Usage     KeyUsage
	Algorithm Algorithm
}

// KeyAttributes describes a key. Attributes are fixed when the key is created.
type KeyAttributes struct {
	ID       KeyID
	Type     KeyType
	Bits     uint16
	Lifetime KeyLifetime
	Policy   KeyPolicy
}

// String returns a readable summary of the attributes.
func (a KeyAttributes) String() string {
	return fmt.Sprintf("id=%s type=%s bits=%d lifetime=%s usage=%s alg=%s",
		a.ID, a.Type, a.Bits, a.Lifetime, a.Policy.Usage, a.Policy.Algorithm)
}

// IsPersistent reports whether the key is written to persistent storage.
func (a KeyAttributes) IsPersistent() bool {
	return !a.Lifetime.IsVolatile()
}

// Direction selects encryption or decryption.
type Direction uint8

const (
	DirectionEncrypt Direction = iota
	DirectionDecrypt
)

// String returns "encrypt" or "decrypt".
func (d Direction) String() string {
	if d == DirectionDecrypt {
		return "decrypt"
	}
	return "encrypt"
}
