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

package engine

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-psa/pkg/types"
)

// nonceTracker remembers the AEAD nonces each key has encrypted under for
// the lifetime of the engine, so a caller supplied nonce cannot be
// replayed against the same key.
type nonceTracker struct {
	// Map of key id -> set of used nonces (hex-encoded)
	nonces map[types.KeyID]map[string]struct{}

	mu sync.Mutex
}

func newNonceTracker() *nonceTracker {
	return &nonceTracker{nonces: make(map[types.KeyID]map[string]struct{})}
}

// Check fails with ErrNotPermitted when nonce was already used with id.
func (t *nonceTracker) Check(id types.KeyID, nonce []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, used := t.nonces[id][hex.EncodeToString(nonce)]; used {
		return fmt.Errorf("engine: %w: nonce reused with key %s", types.ErrNotPermitted, id)
	}
	return nil
}

// Record marks nonce as used with id.
func (t *nonceTracker) Record(id types.KeyID, nonce []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nonces[id] == nil {
		t.nonces[id] = make(map[string]struct{})
	}
	t.nonces[id][hex.EncodeToString(nonce)] = struct{}{}
}

// Reset forgets every nonce recorded for id.
func (t *nonceTracker) Reset(id types.KeyID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nonces, id)
}

// Len returns the number of nonces recorded for id.
func (t *nonceTracker) Len(id types.KeyID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nonces[id])
}
