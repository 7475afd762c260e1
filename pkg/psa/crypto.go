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

// Package psa is the public face of the engine. It owns the key slot store,
// the secure element registry and the location dispatcher, checks key
// policies, runs the key creation protocol and serializes every call behind
// one mutex.
package psa

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/backend/builtin"
	"github.com/jeremyhahn/go-psa/pkg/dispatch"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/se"
	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/storage"
	"github.com/jeremyhahn/go-psa/pkg/storage/memory"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// Config sizes the engine.
type Config struct {
	// Slots sets the size of each slot pool.
	Slots slot.Config

	// MaxSecureElements caps the number of registered drivers.
	MaxSecureElements int
}

// DefaultConfig returns the default sizing.
func DefaultConfig() Config {
	return Config{
		Slots:             slot.DefaultConfig(),
		MaxSecureElements: se.DefaultMaxDrivers,
	}
}

// Recorder receives operation outcomes. metrics.Recorder implements it.
type Recorder interface {
	Operation(op string, location types.KeyLocation, err error, d time.Duration)
	SlotStats(stats slot.Stats)
	Eviction()
	Rollback()
	SecureElements(n int)
}

type noopRecorder struct{}

func (noopRecorder) Operation(string, types.KeyLocation, error, time.Duration) {}
func (noopRecorder) SlotStats(slot.Stats)                                      {}
func (noopRecorder) Eviction()                                                 {}
func (noopRecorder) Rollback()                                                 {}
func (noopRecorder) SecureElements(int)                                        {}

// Option configures a Crypto.
type Option func(*Crypto)

// WithStorage sets the backend persistent keys are written to. A nil
// backend disables persistent keys.
func WithStorage(s storage.Backend) Option {
	return func(c *Crypto) {
		c.storage = s
		c.storageSet = true
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Crypto) { c.log = l }
}

// WithBackend replaces the local algorithm backend.
func WithBackend(b backend.Backend) Option {
	return func(c *Crypto) { c.backend = b }
}

// WithMetrics sets the recorder operation outcomes are reported to.
func WithMetrics(r Recorder) Option {
	return func(c *Crypto) { c.rec = r }
}

// Crypto is a key management and cryptography engine instance.
type Crypto struct {
	mu sync.Mutex

	cfg        Config
	log        logger.Logger
	rec        Recorder
	backend    backend.Backend
	storage    storage.Backend
	storageSet bool

	registry *se.Registry
	store    *slot.Store
	dispatch *dispatch.Dispatcher
	keys     *keystore

	initialized bool
}

// New builds an engine. Init must be called before any other method.
// Without WithStorage persistent keys are kept in an in-memory store.
func New(cfg Config, opts ...Option) (*Crypto, error) {
	if err := cfg.Slots.Validate(); err != nil {
		return nil, err
	}
	c := &Crypto{
		cfg: cfg,
		log: logger.NewNoOp(),
		rec: noopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backend == nil {
		c.backend = builtin.New()
	}
	if !c.storageSet {
		c.storage = memory.New()
	}

	c.registry = se.NewRegistry(cfg.MaxSecureElements)
	c.dispatch = dispatch.New(c.registry, c.backend, dispatch.WithLogger(c.log))

	storeOpts := []slot.Option{slot.WithLogger(c.log)}
	if c.storage != nil {
		c.keys = &keystore{storage: c.storage, rec: c.rec, log: c.log}
		storeOpts = append(storeOpts, slot.WithPersister(c.keys), slot.WithLoader(c.keys))
	}
	c.store = slot.NewStore(cfg.Slots, storeOpts...)
	return c, nil
}

// Init prepares the slot store. A second call is a no-op.
func (c *Crypto) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}
	c.store.Init()
	c.initialized = true
	c.rec.SlotStats(c.store.Stats())
	c.log.Info("psa engine initialized",
		logger.Int("single_key_slots", c.cfg.Slots.SingleKeySlots),
		logger.Int("key_pair_slots", c.cfg.Slots.KeyPairSlots),
		logger.Int("protected_slots", c.cfg.Slots.ProtectedSlots),
		logger.Bool("persistent_storage", c.storage != nil))
	return nil
}

// Reset wipes every resident key, removes every secure element driver and
// returns the engine to its uninitialized state. Persisted records are kept.
func (c *Crypto) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil
	}
	c.store.Reset()
	c.registry.Reset()
	c.initialized = false
	c.rec.SlotStats(c.store.Stats())
	c.rec.SecureElements(0)
	c.log.Info("psa engine reset")
	return nil
}

// Close resets the engine and closes its storage.
func (c *Crypto) Close() error {
	if err := c.Reset(); err != nil {
		return err
	}
	if c.storage != nil {
		return c.storage.Close()
	}
	return nil
}

func (c *Crypto) checkInit() error {
	if !c.initialized {
		return fmt.Errorf("psa: %w: library not initialized", types.ErrBadState)
	}
	return nil
}

// observe reports the outcome of an operation on a key at location.
func (c *Crypto) observe(op string, location types.KeyLocation, start time.Time, err error) {
	c.rec.Operation(op, location, err, time.Since(start))
	if err != nil {
		c.log.Debug("operation failed",
			logger.String("operation", op),
			logger.String("status", types.StatusString(err)),
			logger.Error(err))
	}
}

// RegisterSecureElement installs driver at location. transient is handed
// to the driver unchanged in its context.
func (c *Crypto) RegisterSecureElement(location types.KeyLocation, driver se.Driver, transient any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkInit(); err != nil {
		return err
	}
	if err := c.registry.Register(location, driver, transient); err != nil {
		return err
	}
	c.rec.SecureElements(c.registry.Len())
	c.log.Info("secure element registered",
		logger.String("location", fmt.Sprintf("0x%06x", uint32(location))),
		logger.Int("drivers", c.registry.Len()))
	return nil
}

// SecureElements returns the locations of the registered drivers.
func (c *Crypto) SecureElements() []types.KeyLocation {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.registry.Entries()
	out := make([]types.KeyLocation, len(entries))
	for i, e := range entries {
		out[i] = e.Location
	}
	return out
}

// Stats returns the occupancy of the slot pools.
func (c *Crypto) Stats() slot.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.store.Stats()
	c.rec.SlotStats(stats)
	return stats
}

// ListKeys returns the attributes of every resident key and of every
// persisted key, ordered by identifier.
func (c *Crypto) ListKeys() ([]types.KeyAttributes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkInit(); err != nil {
		return nil, err
	}

	seen := make(map[types.KeyID]bool)
	out := c.store.InUse()
	for _, a := range out {
		seen[a.ID] = true
	}
	if c.storage != nil {
		ids, err := storage.ListKeys(c.storage)
		if err != nil {
			return nil, fmt.Errorf("psa: %w: list keys: %w", types.ErrStorageFailure, err)
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			attrs, _, err := c.keys.LoadAttributes(id)
			if err != nil {
				c.log.Warn("skipping unreadable key record",
					logger.Stringer("key_id", id), logger.Error(err))
				continue
			}
			out = append(out, attrs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
