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
	"runtime"
	"time"

	"github.com/jeremyhahn/go-psa/pkg/slot"
)

// ResourceCollector periodically updates the process gauges and, when a
// stats source is set, the slot pool gauges.
type ResourceCollector struct {
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	started  time.Time
	stats    func() slot.Stats
}

// CollectorOption configures a ResourceCollector.
type CollectorOption func(*ResourceCollector)

// WithSlotStats polls pool occupancy from fn on every cycle. fn must be
// safe to call from the collector goroutine.
func WithSlotStats(fn func() slot.Stats) CollectorOption {
	return func(rc *ResourceCollector) { rc.stats = fn }
}

// NewResourceCollector creates a new resource collector that updates metrics
// at the specified interval.
//
// Example:
//
//	collector := metrics.NewResourceCollector(ctx, 30*time.Second,
//	    metrics.WithSlotStats(engine.Stats))
//	go collector.Start()
//	defer collector.Stop()
func NewResourceCollector(ctx context.Context, interval time.Duration, opts ...CollectorOption) *ResourceCollector {
	collectorCtx, cancel := context.WithCancel(ctx)
	rc := &ResourceCollector{
		ctx:      collectorCtx,
		cancel:   cancel,
		interval: interval,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Start collects at the configured interval until Stop is called or the
// parent context is cancelled. It blocks.
func (rc *ResourceCollector) Start() {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	rc.collect()

	for {
		select {
		case <-rc.ctx.Done():
			return
		case <-ticker.C:
			rc.collect()
		}
	}
}

// Stop halts the resource collector gracefully.
func (rc *ResourceCollector) Stop() {
	rc.cancel()
}

func (rc *ResourceCollector) collect() {
	if !IsEnabled() {
		return
	}
	CollectOnce()
	ServerUptime.Set(time.Since(rc.started).Seconds())
	if rc.stats != nil {
		(&Recorder{}).SlotStats(rc.stats())
	}
}

// CollectOnce updates the process gauges immediately.
func CollectOnce() {
	if !IsEnabled() {
		return
	}

	Goroutines.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	MemoryAllocBytes.Set(float64(memStats.Alloc))
	MemorySysBytes.Set(float64(memStats.Sys))
	GCPauseTotalSeconds.Set(float64(memStats.PauseTotalNs) / 1e9)
}

// StartResourceCollector creates a collector and runs it in the background
// until ctx is cancelled.
func StartResourceCollector(ctx context.Context, interval time.Duration, opts ...CollectorOption) *ResourceCollector {
	collector := NewResourceCollector(ctx, interval, opts...)
	go collector.Start()
	return collector
}
