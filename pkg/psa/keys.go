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

package psa

import (
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/metrics"
	"github.com/jeremyhahn/go-psa/pkg/se"
	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// creation tracks a key between allocation and finish.
type creation struct {
	handle *slot.Handle
	entry  *se.Entry

	// onElement is set once a slot number has been allocated on entry.
	onElement bool
}

func (cr *creation) slot() *slot.Slot { return cr.handle.Slot() }

// validateAttributes checks the attributes of a key about to be created and
// resolves the driver of its location.
func (c *Crypto) validateAttributes(attrs types.KeyAttributes) (*se.Entry, error) {
	var entry *se.Entry
	if attrs.Lifetime.IsExternal() {
		entry = c.registry.DriverFor(attrs.Lifetime)
		if entry == nil {
			return nil, fmt.Errorf("psa: %w: no secure element at location 0x%06x",
				types.ErrInvalidArgument, uint32(attrs.Lifetime.Location()))
		}
	}

	switch p := attrs.Lifetime.Persistence(); {
	case p == types.PersistenceVolatile:
		if attrs.ID != types.KeyIDNull {
			return nil, fmt.Errorf("psa: %w: volatile key with identifier %s", types.ErrInvalidArgument, attrs.ID)
		}
	case p == types.PersistenceReadOnly:
		return nil, fmt.Errorf("psa: %w: read-only keys cannot be created", types.ErrInvalidArgument)
	default:
		if c.storage == nil {
			return nil, fmt.Errorf("psa: %w: persistent keys without storage", types.ErrNotSupported)
		}
		if !attrs.ID.IsValidPersistent(true) {
			return nil, fmt.Errorf("psa: %w: %s is not a persistent key identifier", types.ErrInvalidArgument, attrs.ID)
		}
	}

	if !attrs.Policy.Usage.IsValid() {
		return nil, fmt.Errorf("psa: %w: unknown usage flags in %s", types.ErrInvalidArgument, attrs.Policy.Usage)
	}
	return entry, nil
}

// validateGeneration checks that the local backend can generate a key of
// the given type and size.
func validateGeneration(t types.KeyType, bits uint16) error {
	switch {
	case t == types.KeyTypeAES:
		if bits != 128 && bits != 192 && bits != 256 {
			return fmt.Errorf("psa: %w: %d bit AES key", types.ErrInvalidArgument, bits)
		}
	case t == types.KeyTypeHMAC:
		if bits%8 != 0 {
			return fmt.Errorf("psa: %w: %d bit HMAC key", types.ErrInvalidArgument, bits)
		}
	case t.IsUnstructured():
		// sizes of the remaining unstructured types are the backend's call
	case t.IsECCKeyPair():
		if !eccSizeValid(t.ECCFamily(), bits) {
			return fmt.Errorf("psa: %w: %d bit %s key", types.ErrInvalidArgument, bits, t)
		}
	default:
		return fmt.Errorf("psa: %w: generating %s keys", types.ErrNotSupported, t)
	}
	return nil
}

func eccSizeValid(f types.ECCFamily, bits uint16) bool {
	switch f {
	case types.ECCFamilySecpR1:
		return bits == 256 || bits == 384 || bits == 521
	case types.ECCFamilyMontgomery, types.ECCFamilyTwistedEdwards:
		return bits == 255
	}
	return false
}

// startCreation validates attrs, allocates a locked slot and, for keys on a
// secure element, a slot number on the element.
func (c *Crypto) startCreation(method se.CreationMethod, attrs types.KeyAttributes) (*creation, error) {
	entry, err := c.validateAttributes(attrs)
	if err != nil {
		return nil, err
	}
	if attrs.IsPersistent() && !c.store.IsResident(attrs.ID) {
		exists, err := c.keys.exists(attrs.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("psa: %w: key %s", types.ErrAlreadyExists, attrs.ID)
		}
	}

	_, s, err := c.store.AllocateEmpty(attrs)
	if err != nil {
		return nil, err
	}
	cr := &creation{handle: c.store.Guard(s), entry: entry}

	if entry != nil {
		n, err := se.AllocateSlot(s.Attributes(), method, entry)
		if err != nil {
			c.failCreation(cr, err)
			return nil, err
		}
		s.SetSlotNumber(uint64(n))
		cr.onElement = true
	}
	return cr, nil
}

// finishCreation persists a persistent key and releases the creation lock.
// It returns the identifier of the new key.
func (c *Crypto) finishCreation(cr *creation) (types.KeyID, error) {
	s := cr.slot()
	if s.Attributes().IsPersistent() {
		if err := c.keys.write(s); err != nil {
			c.failCreation(cr, err)
			return types.KeyIDNull, err
		}
	}
	id := s.ID()
	if err := cr.handle.Release(); err != nil {
		return types.KeyIDNull, err
	}
	c.rec.SlotStats(c.store.Stats())
	return id, nil
}

// failCreation rolls back a creation. Cleanup errors are logged; the
// caller returns the error that caused the rollback.
func (c *Crypto) failCreation(cr *creation, cause error) {
	s := cr.slot()
	id := s.ID()
	if cr.onElement {
		err := se.DestroyOnElement(cr.entry, se.SlotNumber(s.SlotNumber()))
		if err != nil && !errors.Is(err, types.ErrNotPermitted) {
			c.log.Warn("secure element cleanup failed",
				logger.Stringer("key_id", id),
				logger.Uint64("slot_number", s.SlotNumber()),
				logger.Error(err))
		}
	}
	if err := cr.handle.Wipe(); err != nil {
		c.log.Error("wipe after failed key creation", logger.Stringer("key_id", id), logger.Error(err))
	}
	c.rec.Rollback()
	c.log.Debug("key creation rolled back",
		logger.Stringer("key_id", id),
		logger.String("status", types.StatusString(cause)),
		logger.Error(cause))
}

// ImportKey creates a key with attrs from data and returns its identifier.
// A zero attrs.Bits is filled in from data; a non-zero one must match it.
func (c *Crypto) ImportKey(attrs types.KeyAttributes, data []byte) (id types.KeyID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func(start time.Time) { c.observe(metrics.OpImport, attrs.Lifetime.Location(), start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return types.KeyIDNull, err
	}
	if len(data) == 0 {
		return types.KeyIDNull, fmt.Errorf("psa: %w: empty key data", types.ErrNotSupported)
	}
	if attrs.Bits != 0 && int(attrs.Bits) > 8*len(data) {
		return types.KeyIDNull, fmt.Errorf("psa: %w: %d bits from %d bytes", types.ErrInvalidArgument, attrs.Bits, len(data))
	}

	cr, err := c.startCreation(se.CreationImport, attrs)
	if err != nil {
		return types.KeyIDNull, err
	}
	bits, err := c.dispatch.ImportKey(cr.slot(), data)
	if err != nil {
		c.failCreation(cr, err)
		return types.KeyIDNull, err
	}
	switch {
	case attrs.Bits == 0:
		cr.slot().SetBits(bits)
	case bits != 0 && bits != attrs.Bits:
		err = fmt.Errorf("psa: %w: key has %d bits, attributes say %d", types.ErrInvalidArgument, bits, attrs.Bits)
		c.failCreation(cr, err)
		return types.KeyIDNull, err
	}
	return c.finishCreation(cr)
}

// GenerateKey creates a random key with attrs and returns its identifier.
func (c *Crypto) GenerateKey(attrs types.KeyAttributes) (id types.KeyID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func(start time.Time) { c.observe(metrics.OpGenerate, attrs.Lifetime.Location(), start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return types.KeyIDNull, err
	}
	if attrs.Bits == 0 {
		return types.KeyIDNull, fmt.Errorf("psa: %w: key size required", types.ErrInvalidArgument)
	}
	if !attrs.Lifetime.IsExternal() {
		if err := validateGeneration(attrs.Type, attrs.Bits); err != nil {
			return types.KeyIDNull, err
		}
	}

	cr, err := c.startCreation(se.CreationGenerate, attrs)
	if err != nil {
		return types.KeyIDNull, err
	}
	if err := c.dispatch.GenerateKey(cr.slot()); err != nil {
		c.failCreation(cr, err)
		return types.KeyIDNull, err
	}
	return c.finishCreation(cr)
}

// DestroyKey erases a key from memory, from its secure element and from
// persistent storage. It fails when another operation holds the key.
func (c *Crypto) DestroyKey(id types.KeyID) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	location := types.LocationLocalStorage
	defer func(start time.Time) { c.observe(metrics.OpDestroy, location, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return err
	}
	h, err := c.store.Acquire(id)
	if err != nil {
		return err
	}
	s := h.Slot()
	attrs := s.Attributes()
	location = attrs.Lifetime.Location()

	if n := s.LockCount(); n > 1 {
		c.release(h)
		return fmt.Errorf("psa: %w: key %s is in use by %d operations", types.ErrCorruptionDetected, id, n-1)
	}
	if attrs.Lifetime.Persistence() == types.PersistenceReadOnly {
		c.release(h)
		return fmt.Errorf("psa: %w: key %s is read-only", types.ErrNotPermitted, id)
	}

	if attrs.Lifetime.IsExternal() {
		if entry := c.registry.DriverFor(attrs.Lifetime); entry != nil {
			if err := se.DestroyOnElement(entry, se.SlotNumber(s.SlotNumber())); err != nil {
				c.log.Warn("secure element destroy failed",
					logger.Stringer("key_id", id),
					logger.Uint64("slot_number", s.SlotNumber()),
					logger.Error(err))
			}
		}
	}

	if attrs.IsPersistent() && c.keys != nil {
		if err := c.keys.remove(id); err != nil {
			c.release(h)
			c.log.Error("persistent key destruction failed", logger.Stringer("key_id", id), logger.Error(err))
			return fmt.Errorf("psa: %w: %w", types.ErrStorageFailure, err)
		}
	}

	if err := h.Wipe(); err != nil {
		return err
	}
	c.rec.SlotStats(c.store.Stats())
	c.log.Debug("key destroyed", logger.Stringer("key_id", id))
	return nil
}

// PurgeKey removes a persistent key from memory. Its record stays in
// storage and it is reloaded on next use. Purging a volatile key or a key
// that is not resident does nothing.
func (c *Crypto) PurgeKey(id types.KeyID) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func(start time.Time) { c.observe(metrics.OpPurge, types.LocationLocalStorage, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return err
	}
	if id == types.KeyIDNull {
		return fmt.Errorf("psa: %w: null key identifier", types.ErrInvalidArgument)
	}
	if !c.store.IsResident(id) {
		if id.IsVolatile() || c.keys == nil {
			return fmt.Errorf("psa: %w: key %s", types.ErrDoesNotExist, id)
		}
		exists, err := c.keys.exists(id)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("psa: %w: key %s", types.ErrDoesNotExist, id)
		}
		return nil
	}

	h, err := c.store.Acquire(id)
	if err != nil {
		return err
	}
	s := h.Slot()
	if !s.Attributes().IsPersistent() {
		c.release(h)
		return nil
	}
	if n := s.LockCount(); n > 1 {
		c.release(h)
		return fmt.Errorf("psa: %w: key %s is in use by %d operations", types.ErrCorruptionDetected, id, n-1)
	}
	if err := c.keys.write(s); err != nil {
		c.release(h)
		return err
	}
	if err := h.Wipe(); err != nil {
		return err
	}
	c.rec.SlotStats(c.store.Stats())
	c.log.Debug("key purged", logger.Stringer("key_id", id))
	return nil
}

// GetKeyAttributes returns the attributes of a key.
func (c *Crypto) GetKeyAttributes(id types.KeyID) (attrs types.KeyAttributes, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkInit(); err != nil {
		return types.KeyAttributes{}, err
	}
	h, err := c.store.Acquire(id)
	if err != nil {
		return types.KeyAttributes{}, err
	}
	defer c.release(h)
	return h.Slot().Attributes(), nil
}

// ExportKey writes the key material of id to out and returns its length.
// The key needs the export usage unless it is a public key. Keys on a
// secure element cannot be exported.
func (c *Crypto) ExportKey(id types.KeyID, out []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	location := types.LocationLocalStorage
	defer func(start time.Time) { c.observe(metrics.OpExport, location, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return 0, err
	}
	h, err := c.acquireWithPolicy(id, types.UsageExport, types.AlgNone)
	if err != nil {
		return 0, err
	}
	defer c.release(h)

	attrs := h.Slot().Attributes()
	location = attrs.Lifetime.Location()
	if attrs.Lifetime.IsExternal() {
		return 0, fmt.Errorf("psa: %w: export of key %s from a secure element", types.ErrNotSupported, id)
	}

	data, err := c.dispatch.ExportKey(h.Slot())
	if err != nil {
		return 0, err
	}
	defer memguard.WipeBytes(data)
	if len(out) < len(data) {
		return 0, fmt.Errorf("psa: %w: key needs %d bytes, buffer has %d", types.ErrBufferTooSmall, len(data), len(out))
	}
	return copy(out, data), nil
}

// ExportPublicKey writes the public key of an asymmetric key to out and
// returns its length. Exporting a public key needs no usage flag.
func (c *Crypto) ExportPublicKey(id types.KeyID, out []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	location := types.LocationLocalStorage
	defer func(start time.Time) { c.observe(metrics.OpExportPublic, location, start, err) }(time.Now())

	if err := c.checkInit(); err != nil {
		return 0, err
	}
	h, err := c.acquireWithPolicy(id, 0, types.AlgNone)
	if err != nil {
		return 0, err
	}
	defer c.release(h)

	attrs := h.Slot().Attributes()
	location = attrs.Lifetime.Location()
	if !attrs.Type.IsAsymmetric() {
		return 0, fmt.Errorf("psa: %w: %s has no public key", types.ErrInvalidArgument, attrs.Type)
	}
	if size := types.ExportPublicKeySize(attrs.Type, attrs.Bits); len(out) == 0 || len(out) < size {
		return 0, fmt.Errorf("psa: %w: public key needs %d bytes, buffer has %d", types.ErrBufferTooSmall, size, len(out))
	}

	pub, err := c.dispatch.ExportPublicKey(h.Slot())
	if err != nil {
		return 0, err
	}
	if len(out) < len(pub) {
		return 0, fmt.Errorf("psa: %w: public key needs %d bytes, buffer has %d", types.ErrBufferTooSmall, len(pub), len(out))
	}
	return copy(out, pub), nil
}
