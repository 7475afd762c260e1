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
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/jeremyhahn/go-psa/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aesAttrs(lifetime types.KeyLifetime, id types.KeyID) types.KeyAttributes {
	return types.KeyAttributes{
		ID:       id,
		Type:     types.KeyTypeAES,
		Bits:     128,
		Lifetime: lifetime,
		Policy:   types.KeyPolicy{Usage: types.UsageEncrypt, Algorithm: types.AlgCBCNoPadding},
	}
}

func newTestStore(t *testing.T, cfg Config, opts ...Option) *Store {
	t.Helper()
	st := NewStore(cfg, opts...)
	st.Init()
	return st
}

// fakeStorage implements Persister and Loader over a map of key bytes.
type fakeStorage struct {
	records   map[types.KeyID][]byte
	attrs     map[types.KeyID]types.KeyAttributes
	persisted []types.KeyID
	failPut   bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		records: make(map[types.KeyID][]byte),
		attrs:   make(map[types.KeyID]types.KeyAttributes),
	}
}

func (f *fakeStorage) Persist(s *Slot) error {
	if f.failPut {
		return errors.New("disk full")
	}
	f.persisted = append(f.persisted, s.ID())
	f.records[s.ID()] = append([]byte(nil), s.Key()...)
	f.attrs[s.ID()] = s.Attributes()
	return nil
}

func (f *fakeStorage) LoadAttributes(id types.KeyID) (types.KeyAttributes, []byte, error) {
	rec, ok := f.records[id]
	if !ok {
		return types.KeyAttributes{}, nil, fmt.Errorf("%w: %s", types.ErrDoesNotExist, id)
	}
	return f.attrs[id], rec, nil
}

func (f *fakeStorage) LoadKeyData(record []byte, s *Slot) error {
	return s.SetKey(record)
}

// =============================================================================
// Init and Allocation
// =============================================================================

func TestStore_InitIsIdempotent(t *testing.T) {
	st := newTestStore(t, DefaultConfig())
	_, s, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)
	require.NoError(t, s.SetKey([]byte{1, 2, 3}))

	st.Init()

	assert.Equal(t, 1, st.Stats().InUse[ShapeSingleKey])
	assert.Equal(t, []byte{1, 2, 3}, s.Key())
}

func TestStore_NotInitialized(t *testing.T) {
	st := NewStore(DefaultConfig())
	_, _, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	assert.ErrorIs(t, err, types.ErrBadState)
	_, err = st.GetAndLock(1)
	assert.ErrorIs(t, err, types.ErrBadState)
}

func TestStore_AllocateVolatileIDsStrictlyIncrease(t *testing.T) {
	st := newTestStore(t, Config{SingleKeySlots: 2})

	id1, s1, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)
	id2, _, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)

	assert.Equal(t, types.KeyIDVolatileMin, id1)
	assert.Greater(t, id2, id1)
	assert.True(t, id1.IsVolatile())
	assert.Equal(t, 1, s1.LockCount())

	// freeing a slot never recycles its identifier
	require.NoError(t, st.Wipe(s1))
	id3, _, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)
	assert.Greater(t, id3, id2)
}

func TestStore_AllocatePersistentKeepsCallerID(t *testing.T) {
	st := newTestStore(t, DefaultConfig())

	id, s, err := st.AllocateEmpty(aesAttrs(types.LifetimePersistent, 0x10000003))
	require.NoError(t, err)
	assert.Equal(t, types.KeyID(0x10000003), id)
	assert.Equal(t, id, s.ID())

	_, _, err = st.AllocateEmpty(aesAttrs(types.LifetimePersistent, 0x10000003))
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
}

func TestStore_ShapeSelection(t *testing.T) {
	st := newTestStore(t, DefaultConfig())

	pair := types.KeyAttributes{
		Type:     types.KeyTypeECCKeyPair(types.ECCFamilySecpR1),
		Bits:     256,
		Lifetime: types.LifetimeVolatile,
	}
	seKey := aesAttrs(types.LifetimeFromPersistenceAndLocation(types.PersistenceVolatile, types.LocationPrimarySecureElement), 0)

	_, s1, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)
	_, s2, err := st.AllocateEmpty(pair)
	require.NoError(t, err)
	_, s3, err := st.AllocateEmpty(seKey)
	require.NoError(t, err)

	assert.Equal(t, ShapeSingleKey, s1.Shape())
	assert.Equal(t, ShapeKeyPair, s2.Shape())
	assert.Equal(t, ShapeProtected, s3.Shape())

	stats := st.Stats()
	assert.Equal(t, [numShapes]int{1, 1, 1}, stats.InUse)
	assert.Equal(t, [numShapes]int{4, 4, 4}, stats.Empty)
}

func TestStore_AllocationUniqueness(t *testing.T) {
	st := newTestStore(t, Config{SingleKeySlots: 5})
	seen := make(map[*Slot]bool)
	for i := 0; i < 5; i++ {
		_, s, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
		require.NoError(t, err)
		assert.False(t, seen[s], "slot handed out twice")
		seen[s] = true
	}
}

// =============================================================================
// Capacity
// =============================================================================

func TestStore_CapacityExhaustedWithoutEviction(t *testing.T) {
	st := newTestStore(t, Config{SingleKeySlots: 1, KeyPairSlots: 1})

	_, s, err := st.AllocateEmpty(aesAttrs(types.LifetimePersistent, 1))
	require.NoError(t, err)
	require.NoError(t, st.Unlock(s))

	_, _, err = st.AllocateEmpty(aesAttrs(types.LifetimePersistent, 2))
	assert.ErrorIs(t, err, types.ErrInsufficientStorage)
}

func TestStore_CapacityExhaustedWithEviction(t *testing.T) {
	fs := newFakeStorage()
	st := newTestStore(t, Config{SingleKeySlots: 2}, WithPersister(fs), WithLoader(fs))

	// a locked volatile key and an unlocked persistent key fill the pool
	_, vol, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)
	_, p1, err := st.AllocateEmpty(aesAttrs(types.LifetimePersistent, 1))
	require.NoError(t, err)
	require.NoError(t, p1.SetKey(bytes.Repeat([]byte{0xAA}, 16)))
	require.NoError(t, st.Unlock(p1))

	_, p2, err := st.AllocateEmpty(aesAttrs(types.LifetimePersistent, 2))
	require.NoError(t, err)
	assert.Equal(t, []types.KeyID{1}, fs.persisted)
	assert.False(t, st.IsResident(1))
	assert.True(t, st.IsResident(2))
	assert.Same(t, p1, p2, "evicted slot is reused")

	// volatile keys are never evicted
	require.NoError(t, st.Unlock(vol))
	require.NoError(t, st.Unlock(p2))
	require.NoError(t, st.Wipe(mustLock(t, st, 2)))
	_, _, err = st.AllocateEmpty(aesAttrs(types.LifetimePersistent, 3))
	require.NoError(t, err)
	_, _, err = st.AllocateEmpty(aesAttrs(types.LifetimePersistent, 4))
	assert.ErrorIs(t, err, types.ErrInsufficientStorage)
}

func TestStore_EvictionPersistFailure(t *testing.T) {
	fs := newFakeStorage()
	fs.failPut = true
	st := newTestStore(t, Config{SingleKeySlots: 1}, WithPersister(fs))

	_, s, err := st.AllocateEmpty(aesAttrs(types.LifetimePersistent, 1))
	require.NoError(t, err)
	require.NoError(t, st.Unlock(s))

	_, _, err = st.AllocateEmpty(aesAttrs(types.LifetimePersistent, 2))
	assert.ErrorIs(t, err, types.ErrStorageFailure)
	assert.True(t, st.IsResident(1))
}

func TestStore_ReloadAfterEviction(t *testing.T) {
	fs := newFakeStorage()
	st := newTestStore(t, Config{SingleKeySlots: 1}, WithPersister(fs), WithLoader(fs))

	key := bytes.Repeat([]byte{0x42}, 16)
	_, s, err := st.AllocateEmpty(aesAttrs(types.LifetimePersistent, 1))
	require.NoError(t, err)
	require.NoError(t, s.SetKey(key))
	require.NoError(t, st.Unlock(s))

	_, s2, err := st.AllocateEmpty(aesAttrs(types.LifetimePersistent, 2))
	require.NoError(t, err)
	require.NoError(t, st.Unlock(s2))

	reloaded, err := st.GetAndLock(1)
	require.NoError(t, err)
	assert.Equal(t, key, reloaded.Key())
	assert.Equal(t, types.KeyID(1), reloaded.ID())
	assert.Equal(t, 1, reloaded.LockCount())
	assert.False(t, st.IsResident(2))
}

func mustLock(t *testing.T, st *Store, id types.KeyID) *Slot {
	t.Helper()
	s, err := st.GetAndLock(id)
	require.NoError(t, err)
	return s
}

func TestStore_VolatileIDExhaustion(t *testing.T) {
	st := newTestStore(t, Config{SingleKeySlots: 1})
	st.nextVolatile = types.KeyIDVolatileMax

	_, s, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)
	require.NoError(t, st.Wipe(s))

	_, _, err = st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	assert.ErrorIs(t, err, types.ErrInsufficientStorage)
}

// =============================================================================
// Locking
// =============================================================================

func TestStore_LockBalance(t *testing.T) {
	st := newTestStore(t, DefaultConfig())
	id, s, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)
	require.NoError(t, st.Unlock(s))

	for i := 0; i < 3; i++ {
		h, err := st.Acquire(id)
		require.NoError(t, err)
		assert.Equal(t, 1, h.Slot().LockCount())
		require.NoError(t, h.Release())
		require.NoError(t, h.Release(), "second release is a no-op")
		assert.Equal(t, 0, s.LockCount())
	}

	assert.ErrorIs(t, st.Unlock(s), types.ErrCorruptionDetected)
	assert.NoError(t, st.Unlock(nil))
}

func TestStore_GetAndLockMissing(t *testing.T) {
	st := newTestStore(t, DefaultConfig())
	_, err := st.GetAndLock(types.KeyIDVolatileMin)
	assert.ErrorIs(t, err, types.ErrDoesNotExist)
	_, err = st.GetAndLock(1)
	assert.ErrorIs(t, err, types.ErrDoesNotExist)

	fs := newFakeStorage()
	st = newTestStore(t, DefaultConfig(), WithLoader(fs))
	_, err = st.Acquire(1)
	assert.ErrorIs(t, err, types.ErrDoesNotExist)
}

func TestStore_LoadRejectsMismatchedRecord(t *testing.T) {
	fs := newFakeStorage()
	fs.records[5] = []byte{1}
	fs.attrs[5] = aesAttrs(types.LifetimePersistent, 6)
	st := newTestStore(t, DefaultConfig(), WithLoader(fs))

	_, err := st.GetAndLock(5)
	assert.ErrorIs(t, err, types.ErrDataInvalid)
	assert.Equal(t, 0, st.Stats().InUse[ShapeSingleKey])
}

func TestStore_LoadKeyDataFailureWipes(t *testing.T) {
	fs := newFakeStorage()
	fs.records[5] = bytes.Repeat([]byte{1}, types.MaxKeyDataSize+1)
	fs.attrs[5] = aesAttrs(types.LifetimePersistent, 5)
	st := newTestStore(t, DefaultConfig(), WithLoader(fs))

	_, err := st.GetAndLock(5)
	assert.ErrorIs(t, err, types.ErrBufferTooSmall)
	assert.False(t, st.IsResident(5))
}

// =============================================================================
// Wipe
// =============================================================================

func TestStore_WipeCompleteness(t *testing.T) {
	st := newTestStore(t, DefaultConfig())
	pair := types.KeyAttributes{
		Type:     types.KeyTypeECCKeyPair(types.ECCFamilySecpR1),
		Bits:     256,
		Lifetime: types.LifetimeVolatile,
		Policy:   types.KeyPolicy{Usage: types.UsageSignHash},
	}
	_, s, err := st.AllocateEmpty(pair)
	require.NoError(t, err)
	require.NoError(t, s.SetKey(bytes.Repeat([]byte{0xFF}, 32)))
	require.NoError(t, s.SetPublicKey(bytes.Repeat([]byte{0xEE}, 65)))
	s.SetSlotNumber(9)

	require.NoError(t, st.Wipe(s))

	assert.Equal(t, types.KeyAttributes{}, s.Attributes())
	assert.Equal(t, 0, s.LockCount())
	assert.Empty(t, s.Key())
	assert.Empty(t, s.PublicKey())
	assert.Equal(t, uint64(0), s.SlotNumber())
	assert.Equal(t, make([]byte, types.MaxPrivateKeySize), s.key)
	assert.Equal(t, make([]byte, types.MaxExportPublicKeySize), s.pub)
	assert.Equal(t, ShapeKeyPair, s.Shape())
	assert.Equal(t, 5, st.Stats().Empty[ShapeKeyPair])
}

func TestStore_WipeWhileLocked(t *testing.T) {
	st := newTestStore(t, DefaultConfig())
	id, s, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)

	h, err := st.Acquire(id)
	require.NoError(t, err)
	assert.ErrorIs(t, st.Wipe(s), types.ErrCorruptionDetected)
	assert.True(t, st.IsResident(id))

	require.NoError(t, h.Release())
	require.NoError(t, st.Wipe(s))
	assert.ErrorIs(t, st.Wipe(s), types.ErrDoesNotExist)
}

func TestStore_HandleWipe(t *testing.T) {
	st := newTestStore(t, DefaultConfig())
	_, s, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)

	h := st.Guard(s)
	require.NoError(t, h.Wipe())
	require.NoError(t, h.Release())
	assert.ErrorIs(t, h.Wipe(), types.ErrBadState)
}

func TestStore_WipeAllAndReset(t *testing.T) {
	st := newTestStore(t, DefaultConfig())
	for i := 0; i < 3; i++ {
		_, _, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
		require.NoError(t, err)
	}
	assert.Len(t, st.InUse(), 3)

	st.WipeAll()
	assert.Empty(t, st.InUse())
	assert.Equal(t, 5, st.Stats().Empty[ShapeSingleKey])

	st.Reset()
	assert.False(t, st.Initialized())
	st.Init()
	id, _, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)
	assert.Equal(t, types.KeyIDVolatileMin, id)
}

// =============================================================================
// Slot payload
// =============================================================================

func TestSlot_PayloadBounds(t *testing.T) {
	st := newTestStore(t, DefaultConfig())
	_, single, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)

	assert.ErrorIs(t, single.SetKey(make([]byte, types.MaxKeyDataSize+1)), types.ErrBufferTooSmall)
	assert.ErrorIs(t, single.SetPublicKey([]byte{1}), types.ErrInvalidArgument)
	assert.Nil(t, single.PublicKey())
	assert.Equal(t, types.MaxKeyDataSize, single.KeyCapacity())

	se := aesAttrs(types.LifetimeFromPersistenceAndLocation(types.PersistenceVolatile, types.LocationPrimarySecureElement), 0)
	_, prot, err := st.AllocateEmpty(se)
	require.NoError(t, err)
	assert.ErrorIs(t, prot.SetKey([]byte{1}), types.ErrInvalidArgument)
	require.NoError(t, prot.SetPublicKey([]byte{4, 1, 2}))
	assert.Equal(t, []byte{4, 1, 2}, prot.PublicKey())
}

func TestSlot_SetKeyOverwritesPrevious(t *testing.T) {
	st := newTestStore(t, DefaultConfig())
	_, s, err := st.AllocateEmpty(aesAttrs(types.LifetimeVolatile, 0))
	require.NoError(t, err)

	require.NoError(t, s.SetKey(bytes.Repeat([]byte{9}, 32)))
	require.NoError(t, s.SetKey([]byte{1, 2}))
	assert.Equal(t, []byte{1, 2}, s.Key())
	assert.Equal(t, make([]byte, 30), s.key[2:32])
}

func TestShape_String(t *testing.T) {
	assert.Equal(t, "single-key", ShapeSingleKey.String())
	assert.Equal(t, "key-pair", ShapeKeyPair.String())
	assert.Equal(t, "protected", ShapeProtected.String())
	assert.Equal(t, "shape(7)", Shape(7).String())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{SingleKeySlots: -1, KeyPairSlots: 2}.Validate(), types.ErrInvalidArgument)
	assert.ErrorIs(t, Config{}.Validate(), types.ErrInvalidArgument)
}
