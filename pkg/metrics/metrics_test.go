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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsEnabled(t *testing.T) {
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled by default")
	}

	Disable()
	if IsEnabled() {
		t.Error("Expected metrics to be disabled after Disable()")
	}

	Enable()
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled after Enable()")
	}
}

func TestRecordOperation(t *testing.T) {
	Enable()
	OperationsTotal.Reset()
	OperationDuration.Reset()

	RecordOperation(OpGenerate, LocationLocal, StatusSuccess, 0.5)
	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues(OpGenerate, LocationLocal, StatusSuccess)); got != 1 {
		t.Errorf("Expected 1 operation recorded, got %v", got)
	}
	if count := testutil.CollectAndCount(OperationDuration); count != 1 {
		t.Errorf("Expected 1 histogram series, got %d", count)
	}

	RecordOperation(OpSign, "0x000001", StatusError, 0.1)
	if count := testutil.CollectAndCount(OperationsTotal); count != 2 {
		t.Errorf("Expected 2 series, got %d", count)
	}
}

func TestRecordOperationWhenDisabled(t *testing.T) {
	Disable()
	defer Enable()
	OperationsTotal.Reset()

	RecordOperation(OpGenerate, LocationLocal, StatusSuccess, 0.5)
	RecordError(OpGenerate, LocationLocal, "PSA_ERROR_GENERIC_ERROR")
	RecordEviction()

	if count := testutil.CollectAndCount(OperationsTotal); count != 0 {
		t.Errorf("Expected 0 operations when disabled, got %d", count)
	}
}

func TestRecorder_Operation(t *testing.T) {
	Enable()
	OperationsTotal.Reset()
	ErrorsTotal.Reset()

	r := NewRecorder()
	r.Operation(OpSign, types.LocationLocalStorage, nil, time.Millisecond)
	r.Operation(OpVerify, types.LocationPrimarySecureElement, fmt.Errorf("wrapped: %w", types.ErrInvalidSignature), time.Millisecond)

	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues(OpSign, "local", StatusSuccess)); got != 1 {
		t.Errorf("sign success = %v", got)
	}
	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues(OpVerify, "0x000001", StatusError)); got != 1 {
		t.Errorf("verify error = %v", got)
	}
	if got := testutil.ToFloat64(ErrorsTotal.WithLabelValues(OpVerify, "0x000001", "PSA_ERROR_INVALID_SIGNATURE")); got != 1 {
		t.Errorf("verify error type = %v", got)
	}

	r.Operation(OpImport, types.LocationLocalStorage, errors.New("opaque"), 0)
	if got := testutil.ToFloat64(ErrorsTotal.WithLabelValues(OpImport, "local", "PSA_ERROR_GENERIC_ERROR")); got != 1 {
		t.Errorf("generic error type = %v", got)
	}
}

func TestRecorder_SlotStats(t *testing.T) {
	Enable()
	SlotsInUse.Reset()
	SlotsEmpty.Reset()

	var stats slot.Stats
	stats.InUse[slot.ShapeKeyPair] = 3
	stats.Empty[slot.ShapeKeyPair] = 2
	stats.Empty[slot.ShapeSingleKey] = 5

	NewRecorder().SlotStats(stats)

	if got := testutil.ToFloat64(SlotsInUse.WithLabelValues("key-pair")); got != 3 {
		t.Errorf("key-pair in use = %v", got)
	}
	if got := testutil.ToFloat64(SlotsEmpty.WithLabelValues("single-key")); got != 5 {
		t.Errorf("single-key empty = %v", got)
	}
	if count := testutil.CollectAndCount(SlotsInUse); count != 3 {
		t.Errorf("Expected a series per shape, got %d", count)
	}
}

func TestRecorder_Counters(t *testing.T) {
	Enable()
	r := NewRecorder()

	before := testutil.ToFloat64(EvictionsTotal)
	r.Eviction()
	if got := testutil.ToFloat64(EvictionsTotal); got != before+1 {
		t.Errorf("evictions = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(RollbacksTotal)
	r.Rollback()
	if got := testutil.ToFloat64(RollbacksTotal); got != before+1 {
		t.Errorf("rollbacks = %v, want %v", got, before+1)
	}

	r.SecureElements(2)
	if got := testutil.ToFloat64(SecureElements); got != 2 {
		t.Errorf("secure elements = %v", got)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	Enable()
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/keys/{id}/sign", func(w http.ResponseWriter, r *http.Request) {
			if chi.URLParam(r, "id") == "0x00000009" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte("ok"))
		})
	})

	for _, path := range []string{"/v1/keys/1/sign", "/v1/keys/0x2a/sign", "/v1/keys/0x00000009/sign"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/v1/keys/{id}/sign", "200")); got != 2 {
		t.Errorf("sign 200 count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/v1/keys/{id}/sign", "404")); got != 1 {
		t.Errorf("sign 404 count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", RouteUnmatched, "404")); got != 1 {
		t.Errorf("unmatched count = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(HTTPRequestsTotal); got != 3 {
		t.Errorf("series = %d, want 3: key ids must not become labels", got)
	}
}

func TestHTTPMiddlewareWithoutRouter(t *testing.T) {
	Enable()
	HTTPRequestsTotal.Reset()

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", RouteUnmatched, "200")); got != 1 {
		t.Errorf("200 count = %v", got)
	}
}

func TestResourceCollector(t *testing.T) {
	Enable()
	Goroutines.Set(0)
	SlotsInUse.Reset()

	var stats slot.Stats
	stats.InUse[slot.ShapeProtected] = 1
	ctx, cancel := context.WithCancel(context.Background())
	collector := NewResourceCollector(ctx, time.Hour, WithSlotStats(func() slot.Stats { return stats }))

	done := make(chan struct{})
	go func() {
		collector.Start()
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(Goroutines) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if testutil.ToFloat64(Goroutines) == 0 {
		t.Fatal("collector did not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
	if got := testutil.ToFloat64(SlotsInUse.WithLabelValues("protected")); got != 1 {
		t.Errorf("protected in use = %v", got)
	}
}

func TestCollectOnceWhenDisabled(t *testing.T) {
	Disable()
	defer Enable()
	Goroutines.Set(0)
	CollectOnce()
	if got := testutil.ToFloat64(Goroutines); got != 0 {
		t.Errorf("Goroutines updated while disabled: %v", got)
	}
}

func TestLocationLabel(t *testing.T) {
	if got := LocationLabel(types.LocationLocalStorage); got != "local" {
		t.Errorf("LocationLabel(local) = %q", got)
	}
	if got := LocationLabel(types.LocationSEMax); !strings.HasPrefix(got, "0x8000ff") {
		t.Errorf("LocationLabel(max) = %q", got)
	}
}
