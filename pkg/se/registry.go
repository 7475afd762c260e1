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

package se

import (
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-psa/pkg/types"
)

// Entry is a registered driver together with its context.
type Entry struct {
	Location types.KeyLocation
	Driver   Driver
	Context  *Context
}

// Registry maps locations to drivers. It is not synchronized; the caller
// serializes access.
type Registry struct {
	max     int
	entries []*Entry
}

// NewRegistry returns a registry holding at most max drivers. A max of zero
// or less selects DefaultMaxDrivers.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = DefaultMaxDrivers
	}
	return &Registry{max: max, entries: make([]*Entry, 0, max)}
}

// Capacity returns the maximum number of drivers.
func (r *Registry) Capacity() int { return r.max }

// Register installs driver at location. transient is stored in the driver
// context unchanged. A driver implementing Initializer is initialized before
// it is installed and is not installed when Init fails.
func (r *Registry) Register(location types.KeyLocation, driver Driver, transient any) error {
	if driver == nil {
		return fmt.Errorf("se: %w: nil driver", types.ErrInvalidArgument)
	}
	if v := driver.HALVersion(); v != HALVersion {
		return fmt.Errorf("se: %w: driver HAL version %d, want %d", types.ErrNotSupported, v, HALVersion)
	}
	if location == types.LocationLocalStorage || location > types.LocationSEMax {
		return fmt.Errorf("se: %w: location 0x%06x cannot hold a secure element",
			types.ErrInvalidArgument, uint32(location))
	}
	size := driver.PersistentDataSize()
	if size < 0 || size > MaxPersistentDataSize {
		return fmt.Errorf("se: %w: persistent data size %d exceeds %d",
			types.ErrNotSupported, size, MaxPersistentDataSize)
	}
	for _, e := range r.entries {
		if e.Location == location {
			return fmt.Errorf("se: %w: location 0x%06x", types.ErrAlreadyExists, uint32(location))
		}
	}
	if len(r.entries) >= r.max {
		return fmt.Errorf("se: %w: registry holds %d drivers", types.ErrInsufficientMemory, r.max)
	}

	entry := &Entry{
		Location: location,
		Driver:   driver,
		Context: &Context{
			Location:       location,
			PersistentData: make([]byte, size),
			Transient:      transient,
		},
	}
	if init, ok := driver.(Initializer); ok {
		if err := init.Init(entry.Context); err != nil {
			return fmt.Errorf("se: init driver at 0x%06x: %w", uint32(location), Normalize(err))
		}
	}
	r.entries = append(r.entries, entry)
	return nil
}

// DriverFor returns the entry registered for the location of lifetime, or
// nil when the location is local or has no driver.
func (r *Registry) DriverFor(lifetime types.KeyLifetime) *Entry {
	location := lifetime.Location()
	if location == types.LocationLocalStorage {
		return nil
	}
	for _, e := range r.entries {
		if e.Location == location {
			return e
		}
	}
	return nil
}

// Entries returns the registered entries in registration order.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered drivers.
func (r *Registry) Len() int { return len(r.entries) }

// Reset removes every driver.
func (r *Registry) Reset() {
	for i := range r.entries {
		r.entries[i] = nil
	}
	r.entries = r.entries[:0]
}

// AllocateSlot asks the driver of entry for a free slot to hold a key with
// attrs.
func AllocateSlot(attrs types.KeyAttributes, method CreationMethod, entry *Entry) (SlotNumber, error) {
	if entry == nil {
		return 0, fmt.Errorf("se: %w: no driver", types.ErrInvalidArgument)
	}
	km := entry.Driver.KeyManagement()
	if km == nil {
		return 0, fmt.Errorf("se: %w: driver at 0x%06x has no key management",
			types.ErrNotSupported, uint32(entry.Location))
	}
	n, err := km.Allocate(entry.Context, attrs, method)
	if err != nil {
		return 0, Normalize(err)
	}
	return n, nil
}

// DestroyOnElement erases slot on the element of entry.
func DestroyOnElement(entry *Entry, slot SlotNumber) error {
	if entry == nil {
		return fmt.Errorf("se: %w: no driver", types.ErrInvalidArgument)
	}
	km := entry.Driver.KeyManagement()
	if km == nil {
		return fmt.Errorf("se: %w: driver at 0x%06x cannot destroy keys",
			types.ErrNotPermitted, uint32(entry.Location))
	}
	if err := km.Destroy(entry.Context, slot); err != nil {
		if errors.Is(err, ErrMethodNotSupported) {
			return fmt.Errorf("se: %w: driver at 0x%06x cannot destroy keys",
				types.ErrNotPermitted, uint32(entry.Location))
		}
		return Normalize(err)
	}
	return nil
}
