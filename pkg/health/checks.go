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

package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/storage"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// SlotCheck reports degraded when a configured slot pool has no empty
// slot left. Creation still succeeds while persistent keys can be evicted.
func SlotCheck(stats func() slot.Stats) CheckFunc {
	return func(context.Context) CheckResult {
		s := stats()
		var full []string
		for shape := slot.ShapeSingleKey; shape <= slot.ShapeProtected; shape++ {
			if s.InUse[shape]+s.Empty[shape] > 0 && s.Empty[shape] == 0 {
				full = append(full, shape.String())
			}
		}
		if len(full) > 0 {
			return CheckResult{
				Name:    "slots",
				Status:  StatusDegraded,
				Message: "slot pools full: " + strings.Join(full, ", "),
			}
		}
		return CheckResult{Name: "slots", Status: StatusHealthy}
	}
}

// StorageCheck lists the persisted key records.
func StorageCheck(backend storage.Backend) CheckFunc {
	return func(context.Context) CheckResult {
		keys, err := backend.List("keys/")
		if err != nil {
			return CheckResult{
				Name:   "storage",
				Status: StatusUnhealthy,
				Error:  err.Error(),
			}
		}
		return CheckResult{
			Name:    "storage",
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d persisted keys", len(keys)),
		}
	}
}

// SecureElementCheck reports unhealthy when fewer drivers are registered
// than configured.
func SecureElementCheck(registered func() []types.KeyLocation, want int) CheckFunc {
	return func(context.Context) CheckResult {
		got := len(registered())
		if got < want {
			return CheckResult{
				Name:    "secure_elements",
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%d of %d secure elements registered", got, want),
			}
		}
		return CheckResult{
			Name:    "secure_elements",
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d secure elements registered", got),
		}
	}
}
