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

// Package ratelimit throttles REST clients with one token bucket per client
// address.
package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps a token bucket per client.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	rate     rate.Limit
	burst    int
	enabled  bool

	cleanupInterval time.Duration
	maxIdle         time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// Config holds rate limiter settings.
type Config struct {
	// Enabled turns rate limiting on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// RequestsPerMinute is the sustained rate per client.
	RequestsPerMinute int `yaml:"requests_per_min" json:"requests_per_min"`

	// Burst is the bucket size. Zero means RequestsPerMinute.
	Burst int `yaml:"burst" json:"burst"`

	// CleanupInterval is how often idle clients are dropped. Defaults to
	// 10 minutes.
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`

	// MaxIdle is how long a client may stay quiet before it is dropped.
	// Defaults to 30 minutes.
	MaxIdle time.Duration `yaml:"max_idle" json:"max_idle"`
}

// New creates a limiter. A nil or disabled config allows everything.
func New(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = &Config{}
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = cfg.RequestsPerMinute
	}
	cleanup := cfg.CleanupInterval
	if cleanup == 0 {
		cleanup = 10 * time.Minute
	}
	maxIdle := cfg.MaxIdle
	if maxIdle == 0 {
		maxIdle = 30 * time.Minute
	}

	l := &Limiter{
		limiters:        make(map[string]*rate.Limiter),
		lastSeen:        make(map[string]time.Time),
		rate:            rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:           burst,
		enabled:         cfg.Enabled && cfg.RequestsPerMinute > 0,
		cleanupInterval: cleanup,
		maxIdle:         maxIdle,
		stop:            make(chan struct{}),
	}
	if l.enabled {
		go l.cleanupWorker()
	}
	return l
}

func (l *Limiter) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[client]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[client] = lim
	}
	l.lastSeen[client] = time.Now()
	return lim
}

// Allow reports whether client may make a request now.
func (l *Limiter) Allow(client string) bool {
	if !l.enabled {
		return true
	}
	return l.get(client).Allow()
}

// Wait blocks until client may make a request or ctx is done.
func (l *Limiter) Wait(ctx context.Context, client string) error {
	if !l.enabled {
		return nil
	}
	return l.get(client).Wait(ctx)
}

// retryAfter returns how long client has to wait for its next token.
func (l *Limiter) retryAfter(client string) time.Duration {
	r := l.get(client).Reserve()
	defer r.Cancel()
	return r.Delay()
}

func (l *Limiter) cleanupWorker() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for client, seen := range l.lastSeen {
		if now.Sub(seen) > l.maxIdle {
			delete(l.limiters, client)
			delete(l.lastSeen, client)
		}
	}
}

// Stop ends the cleanup worker. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Enabled reports whether requests are being limited.
func (l *Limiter) Enabled() bool { return l.enabled }

// Stats is a snapshot of the limiter.
type Stats struct {
	Enabled       bool    `json:"enabled"`
	ActiveClients int     `json:"active_clients"`
	RatePerMinute float64 `json:"rate_per_min"`
	Burst         int     `json:"burst"`
}

// Stats returns the current limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Enabled:       l.enabled,
		ActiveClients: len(l.limiters),
		RatePerMinute: float64(l.rate) * 60,
		Burst:         l.burst,
	}
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header. Clients are told apart by ClientIP.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ClientIP(r)
			if l.Allow(client) {
				next.ServeHTTP(w, r)
				return
			}
			secs := int(math.Ceil(l.retryAfter(client).Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
		})
	}
}

// ClientIP returns the address a request came from: the first entry of
// X-Forwarded-For, then X-Real-IP, then the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
