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

	"github.com/jeremyhahn/go-psa/pkg/codec"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/storage"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// keystore moves key slots between the slot store and the storage backend
// through the record codec.
type keystore struct {
	storage storage.Backend
	rec     Recorder
	log     logger.Logger
}

var (
	_ slot.Persister = (*keystore)(nil)
	_ slot.Loader    = (*keystore)(nil)
)

// write encodes s and stores it under its key path.
func (k *keystore) write(s *slot.Slot) error {
	data, err := codec.Encode(s)
	if err != nil {
		return err
	}
	if err := k.storage.Put(storage.KeyPath(s.ID()), data, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("psa: %w: write key %s: %w", types.ErrStorageFailure, s.ID(), err)
	}
	return nil
}

// exists reports whether a record for id is stored.
func (k *keystore) exists(id types.KeyID) (bool, error) {
	ok, err := k.storage.Exists(storage.KeyPath(id))
	if err != nil {
		return false, fmt.Errorf("psa: %w: look up key %s: %w", types.ErrStorageFailure, id, err)
	}
	return ok, nil
}

// remove deletes the record of id. A missing record is not an error.
func (k *keystore) remove(id types.KeyID) error {
	err := k.storage.Delete(storage.KeyPath(id))
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("psa: %w: delete key %s: %w", types.ErrStorageFailure, id, err)
}

// Persist writes s back before the slot store evicts it.
func (k *keystore) Persist(s *slot.Slot) error {
	if err := k.write(s); err != nil {
		return err
	}
	k.rec.Eviction()
	return nil
}

// LoadAttributes reads the record of id and decodes its attributes.
func (k *keystore) LoadAttributes(id types.KeyID) (types.KeyAttributes, []byte, error) {
	data, err := k.storage.Get(storage.KeyPath(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.KeyAttributes{}, nil, fmt.Errorf("psa: %w: key %s", types.ErrDoesNotExist, id)
		}
		return types.KeyAttributes{}, nil, fmt.Errorf("psa: %w: read key %s: %w", types.ErrStorageFailure, id, err)
	}
	attrs, err := codec.DecodeAttributes(data)
	if err != nil {
		return types.KeyAttributes{}, nil, err
	}
	return attrs, data, nil
}

// LoadKeyData decodes the key data of record into s.
func (k *keystore) LoadKeyData(record []byte, s *slot.Slot) error {
	return codec.DecodeKeyData(record, s)
}
