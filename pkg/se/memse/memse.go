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

// Package memse is a secure element driver that keeps its keys in process
// memory. It implements every capability group except key derivation and
// serves as the reference driver for tests and for the CLI and server when
// no hardware is attached.
//
// Slot occupancy is tracked in the driver's persistent data as a bitmap,
// one bit per slot, so the engine owns the allocation state the same way it
// would for a hardware element.
package memse

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/backend/builtin"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/se"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

const (
	// PersistentDataSize holds the 64 bit occupancy bitmap.
	PersistentDataSize = 8

	// MaxSlots is the largest capacity the bitmap can track.
	MaxSlots = 64

	// DefaultSlots is the default capacity.
	DefaultSlots = 16
)

// Driver is the in-memory secure element.
type Driver struct {
	se.Base

	mu       sync.Mutex
	backend  backend.Backend
	capacity int
	keys     map[se.SlotNumber]backend.Key
	log      logger.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithCapacity sets the number of slots, capped at MaxSlots.
func WithCapacity(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.capacity = min(n, MaxSlots)
		}
	}
}

// WithBackend sets the algorithm backend that runs the operations.
func WithBackend(b backend.Backend) Option {
	return func(d *Driver) { d.backend = b }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// New creates a driver backed by the builtin algorithms.
func New(opts ...Option) *Driver {
	d := &Driver{
		capacity: DefaultSlots,
		keys:     make(map[se.SlotNumber]backend.Key),
		log:      logger.NewNoOp(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.backend == nil {
		d.backend = builtin.New()
	}
	return d
}

var (
	_ se.Driver      = (*Driver)(nil)
	_ se.Initializer = (*Driver)(nil)
)

// Capacity returns the number of slots.
func (d *Driver) Capacity() int { return d.capacity }

// Len returns the number of slots holding a key.
func (d *Driver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

func (d *Driver) PersistentDataSize() int          { return PersistentDataSize }
func (d *Driver) KeyManagement() se.KeyManagement { return keyManagement{d} }
func (d *Driver) MAC() se.MAC                     { return mac{d} }
func (d *Driver) Cipher() se.Cipher               { return cipher{d} }
func (d *Driver) Asymmetric() se.Asymmetric       { return asymmetric{d} }
func (d *Driver) AEAD() se.AEAD                   { return aead{d} }

// Init rebuilds the occupancy bitmap from the keys the element holds.
// Volatile keys do not survive; persistent keys keep their slots so records
// loaded from storage still point at them.
func (d *Driver) Init(ctx *se.Context) error {
	if _, err := bitmap(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var used uint64
	for n, k := range d.keys {
		if k.Attrs.Lifetime.IsVolatile() || int(n) >= d.capacity {
			wipeKey(k)
			delete(d.keys, n)
			continue
		}
		used |= 1 << n
	}
	setBitmap(ctx, used)
	d.log.Debug("memory secure element initialized",
		logger.Uint64("location", uint64(ctx.Location)),
		logger.Int("capacity", d.capacity),
		logger.Int("keys", len(d.keys)))
	return nil
}

func bitmap(ctx *se.Context) (uint64, error) {
	if ctx == nil || len(ctx.PersistentData) != PersistentDataSize {
		return 0, fmt.Errorf("memse: %w: persistent data not set up", types.ErrBadState)
	}
	return binary.LittleEndian.Uint64(ctx.PersistentData), nil
}

func setBitmap(ctx *se.Context, v uint64) {
	binary.LittleEndian.PutUint64(ctx.PersistentData, v)
}

func (d *Driver) checkSlot(ctx *se.Context, slot se.SlotNumber) error {
	used, err := bitmap(ctx)
	if err != nil {
		return err
	}
	if slot >= se.SlotNumber(d.capacity) || used&(1<<slot) == 0 {
		return fmt.Errorf("memse: %w: slot %d is not allocated", types.ErrDoesNotExist, slot)
	}
	return nil
}

func (d *Driver) key(slot se.SlotNumber) (backend.Key, error) {
	k, ok := d.keys[slot]
	if !ok {
		return backend.Key{}, fmt.Errorf("memse: %w: slot %d holds no key", types.ErrDoesNotExist, slot)
	}
	return k, nil
}

func (d *Driver) store(slot se.SlotNumber, attrs types.KeyAttributes, data, public []byte) {
	if old, ok := d.keys[slot]; ok {
		wipeKey(old)
	}
	d.keys[slot] = backend.Key{
		Attrs:  attrs,
		Data:   append([]byte(nil), data...),
		Public: append([]byte(nil), public...),
	}
}

func wipeKey(k backend.Key) {
	memguard.WipeBytes(k.Data)
	memguard.WipeBytes(k.Public)
}

// =============================================================================
// Key management
// =============================================================================

type keyManagement struct{ d *Driver }

func (km keyManagement) Allocate(ctx *se.Context, attrs types.KeyAttributes, method se.CreationMethod) (se.SlotNumber, error) {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	used, err := bitmap(ctx)
	if err != nil {
		return 0, err
	}
	free := ^used
	if d.capacity < MaxSlots {
		free &= 1<<d.capacity - 1
	}
	if free == 0 {
		return 0, fmt.Errorf("memse: %w: all %d slots in use", types.ErrInsufficientStorage, d.capacity)
	}
	slot := se.SlotNumber(bits.TrailingZeros64(free))
	setBitmap(ctx, used|1<<slot)
	d.log.Debug("slot allocated",
		logger.Uint64("slot", uint64(slot)),
		logger.Stringer("method", method),
		logger.Stringer("key_type", attrs.Type))
	return slot, nil
}

func (km keyManagement) ValidateSlotNumber(ctx *se.Context, _ types.KeyAttributes, _ se.CreationMethod, slot se.SlotNumber) error {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	used, err := bitmap(ctx)
	if err != nil {
		return err
	}
	if slot >= se.SlotNumber(d.capacity) {
		return fmt.Errorf("memse: %w: slot %d out of range", types.ErrInvalidArgument, slot)
	}
	if used&(1<<slot) != 0 {
		return fmt.Errorf("memse: %w: slot %d", types.ErrAlreadyExists, slot)
	}
	setBitmap(ctx, used|1<<slot)
	return nil
}

func (km keyManagement) Import(ctx *se.Context, slot se.SlotNumber, attrs types.KeyAttributes, data []byte) (uint16, error) {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkSlot(ctx, slot); err != nil {
		return 0, err
	}
	keyBits, public, err := d.backend.ImportKey(attrs, data)
	if err != nil {
		return 0, err
	}
	attrs.Bits = keyBits
	d.store(slot, attrs, data, public)
	return keyBits, nil
}

func (km keyManagement) Generate(ctx *se.Context, slot se.SlotNumber, attrs types.KeyAttributes) ([]byte, error) {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkSlot(ctx, slot); err != nil {
		return nil, err
	}
	data, public, err := d.backend.GenerateKey(attrs)
	if err != nil {
		return nil, err
	}
	d.store(slot, attrs, data, public)
	memguard.WipeBytes(data)
	if len(public) == 0 {
		return nil, nil
	}
	return public, nil
}

// Destroy frees slot. A slot that was allocated but never filled is freed
// as well, which is what the engine relies on when it rolls back a failed
// creation.
func (km keyManagement) Destroy(ctx *se.Context, slot se.SlotNumber) error {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkSlot(ctx, slot); err != nil {
		return err
	}
	if k, ok := d.keys[slot]; ok {
		wipeKey(k)
		delete(d.keys, slot)
	}
	used, _ := bitmap(ctx)
	setBitmap(ctx, used&^(1<<slot))
	d.log.Debug("slot destroyed", logger.Uint64("slot", uint64(slot)))
	return nil
}

// Export returns unstructured keys and public keys. Private keys never
// leave the element.
func (km keyManagement) Export(_ *se.Context, slot se.SlotNumber) ([]byte, error) {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	k, err := d.key(slot)
	if err != nil {
		return nil, err
	}
	if k.Attrs.Type.IsKeyPair() {
		return nil, fmt.Errorf("memse: %w: private key export", types.ErrNotPermitted)
	}
	return append([]byte(nil), k.Data...), nil
}

func (km keyManagement) ExportPublic(_ *se.Context, slot se.SlotNumber) ([]byte, error) {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	k, err := d.key(slot)
	if err != nil {
		return nil, err
	}
	if len(k.Public) > 0 {
		return append([]byte(nil), k.Public...), nil
	}
	return d.backend.ExportPublicKey(k)
}

// =============================================================================
// Operations
// =============================================================================

type mac struct{ d *Driver }

func (mac) Setup(*se.Context, se.SlotNumber, types.Algorithm) (se.MACOperation, error) {
	return nil, se.ErrMethodNotSupported
}

func (m mac) Generate(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, input []byte) ([]byte, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	k, err := m.d.key(slot)
	if err != nil {
		return nil, err
	}
	return m.d.backend.MACCompute(k, alg, input)
}

func (m mac) Verify(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, input, tag []byte) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	k, err := m.d.key(slot)
	if err != nil {
		return err
	}
	return m.d.backend.MACVerify(k, alg, input, tag)
}

type cipher struct{ d *Driver }

func (c cipher) Setup(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, dir types.Direction) (se.CipherOperation, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	k, err := c.d.key(slot)
	if err != nil {
		return nil, err
	}
	return c.d.backend.CipherSetup(k, alg, dir)
}

func (c cipher) ECB(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, dir types.Direction, input []byte) ([]byte, error) {
	if alg != types.AlgECBNoPadding {
		return nil, fmt.Errorf("memse: %w: %s is not ECB", types.ErrInvalidArgument, alg)
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	k, err := c.d.key(slot)
	if err != nil {
		return nil, err
	}
	if dir == types.DirectionDecrypt {
		return c.d.backend.CipherDecrypt(k, alg, nil, input)
	}
	return c.d.backend.CipherEncrypt(k, alg, nil, input)
}

type asymmetric struct{ d *Driver }

func (a asymmetric) Sign(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, hash []byte) ([]byte, error) {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	k, err := a.d.key(slot)
	if err != nil {
		return nil, err
	}
	return a.d.backend.SignHash(k, alg, hash)
}

func (a asymmetric) Verify(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, hash, signature []byte) error {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	k, err := a.d.key(slot)
	if err != nil {
		return err
	}
	return a.d.backend.VerifyHash(k, alg, hash, signature)
}

func (asymmetric) Encrypt(*se.Context, se.SlotNumber, types.Algorithm, []byte, []byte) ([]byte, error) {
	return nil, se.ErrMethodNotSupported
}

func (asymmetric) Decrypt(*se.Context, se.SlotNumber, types.Algorithm, []byte, []byte) ([]byte, error) {
	return nil, se.ErrMethodNotSupported
}

type aead struct{ d *Driver }

func (a aead) Encrypt(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, nonce, additionalData, plaintext []byte) ([]byte, error) {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	k, err := a.d.key(slot)
	if err != nil {
		return nil, err
	}
	return a.d.backend.AEADEncrypt(k, alg, nonce, additionalData, plaintext)
}

func (a aead) Decrypt(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, nonce, additionalData, ciphertext []byte) ([]byte, error) {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	k, err := a.d.key(slot)
	if err != nil {
		return nil, err
	}
	return a.d.backend.AEADDecrypt(k, alg, nonce, additionalData, ciphertext)
}
