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

// Package slot implements the key slot store: three fixed pools of slots,
// one per payload shape, each with an empty list and an in-use list. Slots
// are handed out locked and are reference counted with plain lock counts;
// the store is not safe for concurrent use and relies on the caller to
// serialize access.
package slot

import (
	"fmt"
	"math"

	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// Default pool sizes.
const (
	DefaultSingleKeySlots = 5
	DefaultKeyPairSlots   = 5
	DefaultProtectedSlots = 5
)

// Config sets the size of each pool.
type Config struct {
	SingleKeySlots int `yaml:"single_key" json:"single_key"`
	KeyPairSlots   int `yaml:"key_pair" json:"key_pair"`
	ProtectedSlots int `yaml:"protected" json:"protected"`
}

// DefaultConfig returns the default pool sizes.
func DefaultConfig() Config {
	return Config{
		SingleKeySlots: DefaultSingleKeySlots,
		KeyPairSlots:   DefaultKeyPairSlots,
		ProtectedSlots: DefaultProtectedSlots,
	}
}

// Validate checks the pool sizes.
func (c Config) Validate() error {
	if c.SingleKeySlots < 0 || c.KeyPairSlots < 0 || c.ProtectedSlots < 0 {
		return fmt.Errorf("%w: negative slot pool size", types.ErrInvalidArgument)
	}
	if c.SingleKeySlots+c.KeyPairSlots+c.ProtectedSlots == 0 {
		return fmt.Errorf("%w: no key slots configured", types.ErrInvalidArgument)
	}
	return nil
}

func (c Config) size(shape Shape) int {
	switch shape {
	case ShapeSingleKey:
		return c.SingleKeySlots
	case ShapeKeyPair:
		return c.KeyPairSlots
	}
	return c.ProtectedSlots
}

// Persister writes a slot to persistent storage. It is consulted before a
// persistent key is evicted to make room for another key.
type Persister interface {
	Persist(s *Slot) error
}

// Loader rebuilds persistent keys that are not resident. Loading is two
// phase: the attributes decide the shape of the slot to allocate, then the
// key data is decoded into that slot.
type Loader interface {
	// LoadAttributes returns the attributes and the raw record of the key,
	// or an error wrapping types.ErrDoesNotExist.
	LoadAttributes(id types.KeyID) (types.KeyAttributes, []byte, error)

	// LoadKeyData decodes the key data of record into s.
	LoadKeyData(record []byte, s *Slot) error
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	InUse [numShapes]int
	Empty [numShapes]int
}

// Option configures a Store.
type Option func(*Store)

// WithPersister enables eviction of persistent keys when a pool is full.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLoader enables transparent reload of persistent keys.
func WithLoader(l Loader) Option {
	return func(s *Store) { s.loader = l }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

type pool struct {
	slots []Slot
	empty []*Slot
	head  *Slot
	tail  *Slot
}

func (p *pool) pushInUse(s *Slot) {
	s.inUse = true
	s.prev, s.next = p.tail, nil
	if p.tail != nil {
		p.tail.next = s
	} else {
		p.head = s
	}
	p.tail = s
}

func (p *pool) removeInUse(s *Slot) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		p.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		p.tail = s.prev
	}
	s.prev, s.next, s.inUse = nil, nil, false
}

func (p *pool) popEmpty() *Slot {
	n := len(p.empty)
	if n == 0 {
		return nil
	}
	s := p.empty[n-1]
	p.empty = p.empty[:n-1]
	return s
}

// Store is the key slot store.
type Store struct {
	cfg          Config
	pools        [numShapes]pool
	initialized  bool
	nextVolatile types.KeyID
	persister    Persister
	loader       Loader
	log          logger.Logger
}

// NewStore builds a store. Init must be called before use.
func NewStore(cfg Config, opts ...Option) *Store {
	s := &Store{cfg: cfg, log: logger.NewNoOp()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init zeroes every pool and places every slot on its empty list. A second
// call is a no-op.
func (st *Store) Init() {
	if st.initialized {
		return
	}
	for shape := Shape(0); shape < numShapes; shape++ {
		n := st.cfg.size(shape)
		p := &st.pools[shape]
		p.slots = make([]Slot, n)
		p.empty = make([]*Slot, 0, n)
		p.head, p.tail = nil, nil
		// reverse order so that slot 0 is handed out first
		for i := n - 1; i >= 0; i-- {
			p.slots[i] = newSlot(shape)
			p.empty = append(p.empty, &p.slots[i])
		}
	}
	st.nextVolatile = types.KeyIDVolatileMin
	st.initialized = true
}

// Initialized reports whether Init has run.
func (st *Store) Initialized() bool { return st.initialized }

// Reset wipes every slot and returns the store to its uninitialized state.
func (st *Store) Reset() {
	if !st.initialized {
		return
	}
	st.WipeAll()
	st.initialized = false
}

func (st *Store) find(id types.KeyID) *Slot {
	for shape := range st.pools {
		for s := st.pools[shape].head; s != nil; s = s.next {
			if s.attrs.ID == id {
				return s
			}
		}
	}
	return nil
}

// IsResident reports whether the key is held in a slot.
func (st *Store) IsResident(id types.KeyID) bool {
	return st.find(id) != nil
}

// AllocateEmpty takes an empty slot of the shape required by attrs, assigns
// the key identifier (a fresh volatile id for volatile lifetimes, attrs.ID
// otherwise) and returns the slot locked once. When the pool is exhausted
// and a Persister is configured, the first unlocked persistent key of the
// pool is written back and evicted.
func (st *Store) AllocateEmpty(attrs types.KeyAttributes) (types.KeyID, *Slot, error) {
	if !st.initialized {
		return types.KeyIDNull, nil, fmt.Errorf("%w: key slot store not initialized", types.ErrBadState)
	}

	volatile := attrs.Lifetime.IsVolatile()
	if volatile {
		if st.nextVolatile > types.KeyIDVolatileMax || st.nextVolatile < types.KeyIDVolatileMin {
			return types.KeyIDNull, nil, fmt.Errorf("%w: volatile key identifiers exhausted", types.ErrInsufficientStorage)
		}
	} else if st.find(attrs.ID) != nil {
		return types.KeyIDNull, nil, fmt.Errorf("%w: key %s", types.ErrAlreadyExists, attrs.ID)
	}

	shape := ShapeFor(attrs)
	p := &st.pools[shape]
	s := p.popEmpty()
	if s == nil {
		var err error
		if s, err = st.evict(shape); err != nil {
			return types.KeyIDNull, nil, err
		}
	}

	if volatile {
		attrs.ID = st.nextVolatile
		st.nextVolatile++
	}
	s.attrs = attrs
	s.lockCount = 1
	p.pushInUse(s)
	return attrs.ID, s, nil
}

// evict frees the first unlocked persistent slot of the given shape and
// returns it removed from both lists.
func (st *Store) evict(shape Shape) (*Slot, error) {
	if st.persister == nil {
		return nil, fmt.Errorf("%w: no free %s slot", types.ErrInsufficientStorage, shape)
	}
	p := &st.pools[shape]
	for s := p.head; s != nil; s = s.next {
		if s.lockCount != 0 || s.attrs.Lifetime.IsVolatile() {
			continue
		}
		if err := st.persister.Persist(s); err != nil {
			return nil, fmt.Errorf("%w: persist %s before eviction: %w", types.ErrStorageFailure, s.attrs.ID, err)
		}
		st.log.Debug("evicted persistent key",
			logger.Stringer("key_id", s.attrs.ID),
			logger.Stringer("shape", shape))
		p.removeInUse(s)
		s.wipe()
		return s, nil
	}
	return nil, fmt.Errorf("%w: no free or evictable %s slot", types.ErrInsufficientStorage, shape)
}

// GetAndLock returns the slot holding id locked once. A persistent key that
// is not resident is reloaded through the Loader.
func (st *Store) GetAndLock(id types.KeyID) (*Slot, error) {
	if !st.initialized {
		return nil, fmt.Errorf("%w: key slot store not initialized", types.ErrBadState)
	}
	if s := st.find(id); s != nil {
		if err := st.Lock(s); err != nil {
			return nil, err
		}
		return s, nil
	}
	if id == types.KeyIDNull || id.IsVolatile() || st.loader == nil {
		return nil, fmt.Errorf("%w: key %s", types.ErrDoesNotExist, id)
	}
	return st.load(id)
}

func (st *Store) load(id types.KeyID) (*Slot, error) {
	attrs, record, err := st.loader.LoadAttributes(id)
	if err != nil {
		return nil, err
	}
	if attrs.ID != id || attrs.Lifetime.IsVolatile() {
		return nil, fmt.Errorf("%w: record of key %s names key %s", types.ErrDataInvalid, id, attrs.ID)
	}
	_, s, err := st.AllocateEmpty(attrs)
	if err != nil {
		return nil, err
	}
	if err := st.loader.LoadKeyData(record, s); err != nil {
		if werr := st.Wipe(s); werr != nil {
			st.log.Warn("wipe after failed load", logger.Stringer("key_id", id), logger.Error(werr))
		}
		return nil, err
	}
	st.log.Debug("loaded persistent key", logger.Stringer("key_id", id))
	return s, nil
}

// Lock increments the lock count.
func (st *Store) Lock(s *Slot) error {
	if s.lockCount == math.MaxInt {
		return fmt.Errorf("%w: lock count overflow on key %s", types.ErrCorruptionDetected, s.attrs.ID)
	}
	s.lockCount++
	return nil
}

// Unlock decrements the lock count. Unlocking a nil slot is a no-op.
func (st *Store) Unlock(s *Slot) error {
	if s == nil {
		return nil
	}
	if s.lockCount == 0 {
		return fmt.Errorf("%w: unlock of unlocked key %s", types.ErrCorruptionDetected, s.attrs.ID)
	}
	s.lockCount--
	return nil
}

// Wipe zeroes a slot and returns it to its empty list. The caller may hold
// at most one lock on it.
func (st *Store) Wipe(s *Slot) error {
	if s == nil || !s.inUse {
		return fmt.Errorf("%w: slot is not in use", types.ErrDoesNotExist)
	}
	if s.lockCount > 1 {
		return fmt.Errorf("%w: key %s is locked %d times", types.ErrCorruptionDetected, s.attrs.ID, s.lockCount)
	}
	st.release(s)
	return nil
}

func (st *Store) release(s *Slot) {
	p := &st.pools[s.shape]
	p.removeInUse(s)
	s.wipe()
	p.empty = append(p.empty, s)
}

// WipeAll wipes every in-use slot regardless of its lock count.
func (st *Store) WipeAll() {
	for shape := range st.pools {
		p := &st.pools[shape]
		for p.head != nil {
			st.release(p.head)
		}
	}
}

// Stats returns pool occupancy.
func (st *Store) Stats() Stats {
	var stats Stats
	for shape := range st.pools {
		p := &st.pools[shape]
		stats.Empty[shape] = len(p.empty)
		for s := p.head; s != nil; s = s.next {
			stats.InUse[shape]++
		}
	}
	return stats
}

// InUse returns the attributes of every resident key.
func (st *Store) InUse() []types.KeyAttributes {
	var out []types.KeyAttributes
	for shape := range st.pools {
		for s := st.pools[shape].head; s != nil; s = s.next {
			out = append(out, s.attrs)
		}
	}
	return out
}

// =============================================================================
// Handle
// =============================================================================

// Handle is a scope guard over one lock of a slot.
type Handle struct {
	store    *Store
	slot     *Slot
	released bool
}

// Acquire locks the slot holding id and returns a guard for the lock.
func (st *Store) Acquire(id types.KeyID) (*Handle, error) {
	s, err := st.GetAndLock(id)
	if err != nil {
		return nil, err
	}
	return &Handle{store: st, slot: s}, nil
}

// Guard wraps a slot that is already locked once by the caller.
func (st *Store) Guard(s *Slot) *Handle {
	return &Handle{store: st, slot: s}
}

// Slot returns the guarded slot.
func (h *Handle) Slot() *Slot { return h.slot }

// Release drops the lock. Only the first call has an effect.
func (h *Handle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	return h.store.Unlock(h.slot)
}

// Wipe releases the slot back to the store, consuming the guarded lock.
func (h *Handle) Wipe() error {
	if h.released {
		return fmt.Errorf("%w: handle already released", types.ErrBadState)
	}
	if err := h.store.Wipe(h.slot); err != nil {
		return err
	}
	h.released = true
	return nil
}
