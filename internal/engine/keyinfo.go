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
	"fmt"
	"strconv"
	"strings"

	"github.com/jeremyhahn/go-psa/pkg/types"
)

// KeySpec is the textual form of key attributes accepted by psactl and the
// REST API.
type KeySpec struct {
	ID          uint32 `json:"id,omitempty"`
	Type        string `json:"type"`
	Bits        uint16 `json:"bits,omitempty"`
	Persistence string `json:"persistence,omitempty"` // volatile, persistent
	Location    uint32 `json:"location,omitempty"`
	Usage       string `json:"usage,omitempty"`
	Algorithm   string `json:"algorithm,omitempty"`
}

// Attributes builds key attributes from s. An empty persistence is volatile.
func (s KeySpec) Attributes() (types.KeyAttributes, error) {
	var attrs types.KeyAttributes

	keyType, err := types.ParseKeyType(s.Type)
	if err != nil {
		return attrs, err
	}
	usage, err := types.ParseKeyUsage(s.Usage)
	if err != nil {
		return attrs, err
	}
	alg := types.AlgNone
	if s.Algorithm != "" {
		if alg, err = types.ParseAlgorithm(s.Algorithm); err != nil {
			return attrs, err
		}
	}

	var persistence types.KeyPersistence
	switch strings.ToLower(s.Persistence) {
	case "", "volatile":
		persistence = types.PersistenceVolatile
	case "persistent", "default":
		persistence = types.PersistenceDefault
	default:
		return attrs, fmt.Errorf("%w: unknown persistence %q", types.ErrInvalidArgument, s.Persistence)
	}

	attrs = types.KeyAttributes{
		ID:       types.KeyID(s.ID),
		Type:     keyType,
		Bits:     s.Bits,
		Lifetime: types.LifetimeFromPersistenceAndLocation(persistence, types.KeyLocation(s.Location)),
		Policy: types.KeyPolicy{
			Usage:     usage,
			Algorithm: alg,
		},
	}
	return attrs, nil
}

// KeyInfo is the textual form of key attributes returned by psactl and the
// REST API.
type KeyInfo struct {
	ID        uint32 `json:"id"`
	Handle    string `json:"handle"`
	Type      string `json:"type"`
	Bits      uint16 `json:"bits"`
	Lifetime  string `json:"lifetime"`
	Location  uint32 `json:"location"`
	Volatile  bool   `json:"volatile"`
	Usage     string `json:"usage"`
	Algorithm string `json:"algorithm"`
}

// Describe converts attributes to their textual form.
func Describe(attrs types.KeyAttributes) KeyInfo {
	return KeyInfo{
		ID:        uint32(attrs.ID),
		Handle:    attrs.ID.String(),
		Type:      attrs.Type.String(),
		Bits:      attrs.Bits,
		Lifetime:  attrs.Lifetime.String(),
		Location:  uint32(attrs.Lifetime.Location()),
		Volatile:  attrs.Lifetime.IsVolatile(),
		Usage:     attrs.Policy.Usage.String(),
		Algorithm: attrs.Policy.Algorithm.String(),
	}
}

// ParseKeyID accepts decimal or 0x prefixed hexadecimal identifiers.
func ParseKeyID(s string) (types.KeyID, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	id, err := strconv.ParseUint(s, base, 32)
	if err != nil || id == 0 {
		return types.KeyIDNull, fmt.Errorf("%w: invalid key id %q", types.ErrInvalidArgument, s)
	}
	return types.KeyID(id), nil
}
