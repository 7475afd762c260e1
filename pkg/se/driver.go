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

// Package se defines the secure element driver contract and the registry
// that maps key locations to registered drivers.
//
// A driver exposes its capabilities as optional groups. A group accessor
// returning nil means every method of the group is unsupported; a method of
// a supported group may still return ErrMethodNotSupported. Key material of
// a key held by a secure element never enters the engine: the engine only
// records the opaque slot number returned by the driver.
package se

import (
	"fmt"

	"github.com/jeremyhahn/go-psa/pkg/types"
)

const (
	// HALVersion is the driver interface version a driver must declare.
	HALVersion uint32 = 0x00000005

	// MaxPersistentDataSize is the largest persistent data area a driver
	// may declare.
	MaxPersistentDataSize = 16

	// DefaultMaxDrivers is the default registry capacity.
	DefaultMaxDrivers = 4
)

// ErrMethodNotSupported is returned by a driver for an individual method it
// does not implement.
var ErrMethodNotSupported = fmt.Errorf("se: method not supported: %w", types.ErrNotSupported)

// SlotNumber names a key inside a secure element.
type SlotNumber uint64

// CreationMethod tells the driver how a key is being created.
type CreationMethod uint8

const (
	CreationImport CreationMethod = iota
	CreationGenerate
	CreationDerive
	CreationCopy
)

// String returns the method name.
func (m CreationMethod) String() string {
	switch m {
	case CreationImport:
		return "import"
	case CreationGenerate:
		return "generate"
	case CreationDerive:
		return "derive"
	case CreationCopy:
		return "copy"
	}
	return fmt.Sprintf("creation(%d)", uint8(m))
}

// Context is the per-driver context handed to every driver call.
type Context struct {
	// Location the driver is registered at.
	Location types.KeyLocation

	// PersistentData has exactly the size declared by the driver. Only
	// Init, Allocate, ValidateSlotNumber and Destroy may modify it.
	PersistentData []byte

	// Transient is supplied at registration and never touched by the engine.
	Transient any
}

// Driver is a secure element driver.
type Driver interface {
	// HALVersion must return HALVersion.
	HALVersion() uint32

	// PersistentDataSize is the size of the persistent data area.
	PersistentDataSize() int

	KeyManagement() KeyManagement
	MAC() MAC
	Cipher() Cipher
	Asymmetric() Asymmetric
	AEAD() AEAD
	KeyDerivation() KeyDerivation
}

// Initializer is implemented by drivers that need to run once when they
// are registered.
type Initializer interface {
	Init(ctx *Context) error
}

// KeyManagement creates, destroys and exports keys.
type KeyManagement interface {
	// Allocate picks a free slot on the element for a key with attrs.
	Allocate(ctx *Context, attrs types.KeyAttributes, method CreationMethod) (SlotNumber, error)

	// ValidateSlotNumber checks a caller chosen slot number.
	ValidateSlotNumber(ctx *Context, attrs types.KeyAttributes, method CreationMethod, slot SlotNumber) error

	// Import stores data in slot and returns the key size in bits.
	Import(ctx *Context, slot SlotNumber, attrs types.KeyAttributes, data []byte) (uint16, error)

	// Generate creates a key in slot. For key pairs the driver may return
	// the public key; a nil public key means it is exported on demand.
	Generate(ctx *Context, slot SlotNumber, attrs types.KeyAttributes) ([]byte, error)

	// Destroy erases slot.
	Destroy(ctx *Context, slot SlotNumber) error

	// Export returns the key material of slot.
	Export(ctx *Context, slot SlotNumber) ([]byte, error)

	// ExportPublic returns the public key of a key pair in slot.
	ExportPublic(ctx *Context, slot SlotNumber) ([]byte, error)
}

// MAC computes and verifies message authentication codes.
type MAC interface {
	Setup(ctx *Context, slot SlotNumber, alg types.Algorithm) (MACOperation, error)
	Generate(ctx *Context, slot SlotNumber, alg types.Algorithm, input []byte) ([]byte, error)
	Verify(ctx *Context, slot SlotNumber, alg types.Algorithm, input, mac []byte) error
}

// MACOperation is a multi-part MAC computation.
type MACOperation interface {
	Update(input []byte) error
	Finish() ([]byte, error)
	FinishVerify(mac []byte) error
	Abort() error
}

// Cipher runs symmetric ciphers.
type Cipher interface {
	Setup(ctx *Context, slot SlotNumber, alg types.Algorithm, dir types.Direction) (CipherOperation, error)
	ECB(ctx *Context, slot SlotNumber, alg types.Algorithm, dir types.Direction, input []byte) ([]byte, error)
}

// CipherOperation is a multi-part cipher operation.
type CipherOperation interface {
	SetIV(iv []byte) error
	Update(input []byte) ([]byte, error)
	Finish() ([]byte, error)
	Abort() error
}

// Asymmetric signs, verifies, encrypts and decrypts with key pairs.
type Asymmetric interface {
	Sign(ctx *Context, slot SlotNumber, alg types.Algorithm, hash []byte) ([]byte, error)
	Verify(ctx *Context, slot SlotNumber, alg types.Algorithm, hash, signature []byte) error
	Encrypt(ctx *Context, slot SlotNumber, alg types.Algorithm, input, salt []byte) ([]byte, error)
	Decrypt(ctx *Context, slot SlotNumber, alg types.Algorithm, input, salt []byte) ([]byte, error)
}

// AEAD runs authenticated encryption.
type AEAD interface {
	Encrypt(ctx *Context, slot SlotNumber, alg types.Algorithm, nonce, additionalData, plaintext []byte) ([]byte, error)
	Decrypt(ctx *Context, slot SlotNumber, alg types.Algorithm, nonce, additionalData, ciphertext []byte) ([]byte, error)
}

// KeyDerivation derives keys inside the element.
type KeyDerivation interface {
	Setup(ctx *Context, slot SlotNumber, alg types.Algorithm) (KeyDerivationOperation, error)
}

// KeyDerivationOperation is an in-progress derivation.
type KeyDerivationOperation interface {
	Collateral(step uint32, data []byte) error
	Derive(dest SlotNumber) (uint16, error)
	Export(length int) ([]byte, error)
	Abort() error
}

// Base is embedded by drivers to declare the current HAL version, no
// persistent data and no capabilities. Drivers override what they support.
type Base struct{}

func (Base) HALVersion() uint32           { return HALVersion }
func (Base) PersistentDataSize() int      { return 0 }
func (Base) KeyManagement() KeyManagement { return nil }
func (Base) MAC() MAC                     { return nil }
func (Base) Cipher() Cipher               { return nil }
func (Base) Asymmetric() Asymmetric       { return nil }
func (Base) AEAD() AEAD                   { return nil }
func (Base) KeyDerivation() KeyDerivation { return nil }
