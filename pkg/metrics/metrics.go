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

// Package metrics provides Prometheus instrumentation for the crypto engine.
// It exposes operation counters and latency histograms per key location,
// slot pool occupancy gauges, error counters keyed by status, and the HTTP
// and process metrics of the server.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all engine metrics
	Namespace = "psa"

	// Label names
	LabelOperation  = "operation"
	LabelLocation   = "location"
	LabelStatus     = "status"
	LabelErrorType  = "error_type"
	LabelProtocol   = "protocol"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"
	LabelRoute      = "route"
	LabelShape      = "shape"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpImport        = "import"
	OpGenerate      = "generate"
	OpDestroy       = "destroy"
	OpPurge         = "purge"
	OpExport        = "export"
	OpExportPublic  = "export_public"
	OpSign          = "sign"
	OpVerify        = "verify"
	OpEncrypt       = "encrypt"
	OpDecrypt       = "decrypt"
	OpMAC           = "mac"
	OpMACVerify     = "mac_verify"
	OpAEADEncrypt   = "aead_encrypt"
	OpAEADDecrypt   = "aead_decrypt"
	OpCipherSetup   = "cipher_setup"
	OpHash          = "hash"
	OpRandom        = "random"
	OpGetAttributes = "get_attributes"
)

var (
	// OperationsTotal tracks the total number of engine operations by type, location, and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of engine operations by type, key location, and status",
		},
		[]string{LabelOperation, LabelLocation, LabelStatus},
	)

	// OperationDuration tracks the duration of engine operations in seconds.
	// Buckets cover local operations and secure element round trips.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{LabelOperation, LabelLocation},
	)

	// ErrorsTotal tracks failed operations by status name
	// (e.g. "PSA_ERROR_NOT_PERMITTED").
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation, key location, and status",
		},
		[]string{LabelOperation, LabelLocation, LabelErrorType},
	)

	// SlotsInUse tracks occupied key slots per pool.
	SlotsInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "slots",
			Name:      "in_use",
			Help:      "Number of occupied key slots by shape",
		},
		[]string{LabelShape},
	)

	// SlotsEmpty tracks free key slots per pool.
	SlotsEmpty = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "slots",
			Name:      "empty",
			Help:      "Number of free key slots by shape",
		},
		[]string{LabelShape},
	)

	// EvictionsTotal counts persistent keys written out to free a slot.
	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "slots",
			Name:      "evictions_total",
			Help:      "Total number of persistent keys evicted to free a slot",
		},
	)

	// RollbacksTotal counts key creations undone after a failure.
	RollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "creation_rollbacks_total",
			Help:      "Total number of key creations rolled back after a failure",
		},
	)

	// SecureElements tracks the number of registered secure element drivers.
	SecureElements = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "secure_elements",
			Help:      "Number of registered secure element drivers",
		},
	)

	// ActiveConnections tracks the number of active connections by protocol.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_connections",
			Help:      "Number of active connections by protocol",
		},
		[]string{LabelProtocol},
	)

	// HTTPRequestsTotal tracks the total number of HTTP requests by method,
	// route pattern and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route pattern and status code",
		},
		[]string{LabelMethod, LabelRoute, LabelStatusCode},
	)

	// HTTPRequestDuration tracks the duration of HTTP requests in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds by route pattern",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelRoute},
	)

	// Goroutines tracks the current number of goroutines.
	// Updated periodically by the resource collector.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap objects.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// MemorySysBytes tracks the total bytes of memory obtained from the OS.
	MemorySysBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_sys_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	// GCPauseTotalSeconds tracks the cumulative time spent in GC stop-the-world pauses.
	GCPauseTotalSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "gc_pause_total_seconds",
			Help:      "Cumulative time spent in GC stop-the-world pauses",
		},
	)

	// ServerUptime tracks the server uptime in seconds since startup.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation records an engine operation with its duration and status.
//
// Parameters:
//   - operation: The operation name (use Op* constants)
//   - location: The key location, "local" or the secure element location
//   - status: The operation status (use Status* constants)
//   - duration: The operation duration in seconds
func RecordOperation(operation, location, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, location, status).Inc()
	OperationDuration.WithLabelValues(operation, location).Observe(duration)
}

// RecordError records a failed operation under its status name.
func RecordError(operation, location, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, location, errorType).Inc()
}

// SetSlotOccupancy sets the pool gauges of one slot shape.
func SetSlotOccupancy(shape string, inUse, empty int) {
	if !enabled.Load() {
		return
	}
	SlotsInUse.WithLabelValues(shape).Set(float64(inUse))
	SlotsEmpty.WithLabelValues(shape).Set(float64(empty))
}

// RecordEviction counts one evicted persistent key.
func RecordEviction() {
	if !enabled.Load() {
		return
	}
	EvictionsTotal.Inc()
}

// RecordRollback counts one rolled back key creation.
func RecordRollback() {
	if !enabled.Load() {
		return
	}
	RollbacksTotal.Inc()
}

// SetSecureElements sets the number of registered drivers.
func SetSecureElements(n int) {
	if !enabled.Load() {
		return
	}
	SecureElements.Set(float64(n))
}

// RecordHTTPRequest records an HTTP request with its duration and status.
// route is the router pattern, never the raw path, so key ids do not
// become label values.
func RecordHTTPRequest(method, route, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}

// IncrementActiveConnections increments the active connection count for a protocol.
func IncrementActiveConnections(protocol string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(protocol).Inc()
}

// DecrementActiveConnections decrements the active connection count for a protocol.
func DecrementActiveConnections(protocol string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(protocol).Dec()
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
