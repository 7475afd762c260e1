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

package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jeremyhahn/go-psa/pkg/types"
)

// KeyPrefix is the namespace of persistent key records.
const KeyPrefix = "keys/"

// KeyPath returns the storage path of the record of id.
// The path follows the convention: keys/{id as 8 hex digits}
func KeyPath(id types.KeyID) string {
	return id.StorageName()
}

// ParseKeyPath returns the key identifier encoded in a record path.
func ParseKeyPath(path string) (types.KeyID, error) {
	name, ok := strings.CutPrefix(path, KeyPrefix)
	if !ok || len(name) != 8 {
		return 0, fmt.Errorf("%w: %q is not a key record path", ErrInvalidKey, path)
	}
	v, err := strconv.ParseUint(name, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidKey, path, err)
	}
	return types.KeyID(v), nil
}

// ListKeys returns the identifiers of all key records in backend. Entries
// under the key prefix that are not key records are skipped.
func ListKeys(backend Backend) ([]types.KeyID, error) {
	paths, err := backend.List(KeyPrefix)
	if err != nil {
		return nil, err
	}

	ids := make([]types.KeyID, 0, len(paths))
	for _, p := range paths {
		id, err := ParseKeyPath(p)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
