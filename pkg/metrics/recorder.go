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

package metrics

import (
	"fmt"
	"time"

	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// LocationLocal is the location label of keys in local storage.
const LocationLocal = "local"

// Recorder feeds engine events into the package collectors. The zero value
// is ready to use.
type Recorder struct{}

// NewRecorder returns a Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// LocationLabel returns the metric label of a key location.
func LocationLabel(l types.KeyLocation) string {
	if l == types.LocationLocalStorage {
		return LocationLocal
	}
	return fmt.Sprintf("0x%06x", uint32(l))
}

// Operation records the outcome of one engine operation.
func (*Recorder) Operation(op string, location types.KeyLocation, err error, d time.Duration) {
	label := LocationLabel(location)
	status := StatusSuccess
	if err != nil {
		status = StatusError
		RecordError(op, label, types.StatusString(err))
	}
	RecordOperation(op, label, status, d.Seconds())
}

// SlotStats publishes pool occupancy.
func (*Recorder) SlotStats(stats slot.Stats) {
	for i := range stats.InUse {
		SetSlotOccupancy(slot.Shape(i).String(), stats.InUse[i], stats.Empty[i])
	}
}

// Eviction records an evicted persistent key.
func (*Recorder) Eviction() { RecordEviction() }

// Rollback records a rolled back key creation.
func (*Recorder) Rollback() { RecordRollback() }

// SecureElements records the number of registered drivers.
func (*Recorder) SecureElements(n int) { SetSecureElements(n) }
