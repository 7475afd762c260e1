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

package builtin

import (
	"crypto/hmac"
	"fmt"

	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// MACCompute computes an HMAC, truncated when alg says so.
func (b *Backend) MACCompute(key backend.Key, alg types.Algorithm, input []byte) ([]byte, error) {
	if !alg.IsHMAC() {
		return nil, fmt.Errorf("builtin: %w: mac %s", types.ErrNotSupported, alg)
	}
	if key.Attrs.Type != types.KeyTypeHMAC {
		return nil, fmt.Errorf("builtin: %w: %s key cannot compute %s",
			types.ErrInvalidArgument, key.Attrs.Type, alg)
	}
	ctor, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	length := alg.MACLength()
	if length == 0 || length > alg.FullLengthMAC().MACLength() {
		return nil, fmt.Errorf("builtin: %w: mac length %d for %s",
			types.ErrInvalidArgument, alg.MACTruncation(), alg)
	}
	m := hmac.New(ctor, key.Data)
	m.Write(input)
	return m.Sum(nil)[:length], nil
}

// MACVerify recomputes the MAC and compares it in constant time.
func (b *Backend) MACVerify(key backend.Key, alg types.Algorithm, input, mac []byte) error {
	want, err := b.MACCompute(key, alg, input)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, mac) {
		return fmt.Errorf("builtin: %w: mac mismatch", types.ErrInvalidSignature)
	}
	return nil
}
