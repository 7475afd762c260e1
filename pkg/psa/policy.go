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
	"fmt"

	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// permits reports whether a key policy allows the requested algorithm. A
// policy naming a wildcard hash allows the same algorithm over any hash.
func permits(policy types.KeyPolicy, requested types.Algorithm) error {
	if requested == types.AlgNone {
		return fmt.Errorf("psa: %w: no algorithm requested", types.ErrInvalidArgument)
	}
	if policy.Algorithm == requested {
		return nil
	}
	if policy.Algorithm.IsWildcard() {
		h := requested.Hash()
		if h != types.AlgNone && h != types.AlgAnyHash && policy.Algorithm.WithHash(h) == requested {
			return nil
		}
	}
	return fmt.Errorf("psa: %w: policy allows %s, not %s",
		types.ErrNotPermitted, policy.Algorithm, requested)
}

// acquireWithPolicy locks the key id and checks that its policy covers
// usage and, when alg is not AlgNone, the algorithm. Export is always
// permitted for public keys. On error no lock is held.
func (c *Crypto) acquireWithPolicy(id types.KeyID, usage types.KeyUsage, alg types.Algorithm) (*slot.Handle, error) {
	h, err := c.store.Acquire(id)
	if err != nil {
		return nil, err
	}
	attrs := h.Slot().Attributes()

	if attrs.Type.IsPublicKey() {
		usage &^= types.UsageExport
	}
	if !attrs.Policy.Usage.Has(usage) {
		c.release(h)
		return nil, fmt.Errorf("psa: %w: key %s usage %s does not allow %s",
			types.ErrNotPermitted, id, attrs.Policy.Usage, usage)
	}
	if alg != types.AlgNone {
		if err := permits(attrs.Policy, alg); err != nil {
			c.release(h)
			return nil, err
		}
	}
	return h, nil
}

// release drops a lock, logging the corruption a failed unlock reports.
func (c *Crypto) release(h *slot.Handle) {
	if err := h.Release(); err != nil {
		c.log.Error("unlock failed", logger.Error(err))
	}
}
