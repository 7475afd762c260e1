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

package slot

import (
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// Shape is the payload layout of a slot. It is fixed when the pools are
// built and never changes.
type Shape uint8

const (
	// ShapeSingleKey holds one unstructured key.
	ShapeSingleKey Shape = iota
	// ShapeKeyPair holds a private key and its public key.
	ShapeKeyPair
	// ShapeProtected holds a reference to a key inside a secure element and,
	// for key pairs, a cached copy of its public key.
	ShapeProtected

	numShapes = 3
)

// String returns the shape name.
func (s Shape) String() string {
	switch s {
	case ShapeSingleKey:
		return "single-key"
	case ShapeKeyPair:
		return "key-pair"
	case ShapeProtected:
		return "protected"
	}
	return fmt.Sprintf("shape(%d)", uint8(s))
}

// ShapeFor returns the shape of the slot needed to hold a key with attrs:
// protected when the key lives outside local storage, key pair for key pair
// types and single key otherwise.
func ShapeFor(attrs types.KeyAttributes) Shape {
	switch {
	case attrs.Lifetime.IsExternal():
		return ShapeProtected
	case attrs.Type.IsKeyPair():
		return ShapeKeyPair
	}
	return ShapeSingleKey
}

// Slot is one entry of the key store. Slots are allocated once by the store
// and recycled; a slot is only handed out locked.
type Slot struct {
	attrs     types.KeyAttributes
	lockCount int
	shape     Shape
	inUse     bool

	// in-use list membership
	prev, next *Slot

	// single key: key; key pair: key (private) and pub; protected: pub cache
	key    []byte
	keyLen int
	pub    []byte
	pubLen int

	slotNumber uint64
}

func newSlot(shape Shape) Slot {
	s := Slot{shape: shape}
	switch shape {
	case ShapeSingleKey:
		s.key = make([]byte, types.MaxKeyDataSize)
	case ShapeKeyPair:
		s.key = make([]byte, types.MaxPrivateKeySize)
		s.pub = make([]byte, types.MaxExportPublicKeySize)
	case ShapeProtected:
		s.pub = make([]byte, types.MaxExportPublicKeySize)
	}
	return s
}

// Shape returns the payload layout.
func (s *Slot) Shape() Shape { return s.shape }

// Attributes returns a copy of the key attributes.
func (s *Slot) Attributes() types.KeyAttributes { return s.attrs }

// ID returns the key identifier.
func (s *Slot) ID() types.KeyID { return s.attrs.ID }

// LockCount returns the number of outstanding locks.
func (s *Slot) LockCount() int { return s.lockCount }

// SetBits records the key size. It is used by key creation when the size
// is only known once the key material has been processed.
func (s *Slot) SetBits(bits uint16) { s.attrs.Bits = bits }

// Key returns the unstructured key of a single key slot or the private key
// of a key pair slot. The returned slice aliases the slot buffer.
func (s *Slot) Key() []byte {
	return s.key[:s.keyLen]
}

// SetKey copies data into the key buffer.
func (s *Slot) SetKey(data []byte) error {
	if s.shape == ShapeProtected {
		return fmt.Errorf("%w: %s slot holds no key material", types.ErrInvalidArgument, s.shape)
	}
	if len(data) > len(s.key) {
		return fmt.Errorf("%w: key of %d bytes exceeds %s slot capacity %d",
			types.ErrBufferTooSmall, len(data), s.shape, len(s.key))
	}
	memguard.WipeBytes(s.key)
	s.keyLen = copy(s.key, data)
	return nil
}

// KeyCapacity returns the size of the key buffer.
func (s *Slot) KeyCapacity() int { return len(s.key) }

// PublicKey returns the public key of a key pair slot or the cached public
// key of a protected slot. It is empty when none is held.
func (s *Slot) PublicKey() []byte {
	if s.pub == nil {
		return nil
	}
	return s.pub[:s.pubLen]
}

// SetPublicKey copies data into the public key buffer.
func (s *Slot) SetPublicKey(data []byte) error {
	if s.shape == ShapeSingleKey {
		return fmt.Errorf("%w: %s slot holds no public key", types.ErrInvalidArgument, s.shape)
	}
	if len(data) > len(s.pub) {
		return fmt.Errorf("%w: public key of %d bytes exceeds %s slot capacity %d",
			types.ErrBufferTooSmall, len(data), s.shape, len(s.pub))
	}
	memguard.WipeBytes(s.pub)
	s.pubLen = copy(s.pub, data)
	return nil
}

// SlotNumber returns the secure element slot number of a protected slot.
func (s *Slot) SlotNumber() uint64 { return s.slotNumber }

// SetSlotNumber records the secure element slot number.
func (s *Slot) SetSlotNumber(n uint64) { s.slotNumber = n }

// wipe zeroes every buffer and the bookkeeping, keeping the buffers and the
// shape for reuse.
func (s *Slot) wipe() {
	if s.key != nil {
		memguard.WipeBytes(s.key)
	}
	if s.pub != nil {
		memguard.WipeBytes(s.pub)
	}
	key, pub, shape := s.key, s.pub, s.shape
	*s = Slot{shape: shape, key: key, pub: pub}
}
