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

package server

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jeremyhahn/go-psa/internal/config"
	"github.com/jeremyhahn/go-psa/internal/engine"
	"github.com/jeremyhahn/go-psa/internal/rest"
	"github.com/jeremyhahn/go-psa/internal/testutil"
	"github.com/jeremyhahn/go-psa/pkg/health"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func start(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, engine.WithLogger(logger.NewNoOp()))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.StartOn(ln)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestServerLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.SecureElements = []config.SecureElementConfig{{Location: 1, Driver: config.DriverMemSE}}
	s := start(t, cfg)

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + s.Addr().String()

	resp, err := client.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body rest.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, health.StatusHealthy, body.Status)
	assert.Equal(t, []uint32{1}, body.SecureElements)
	names := make([]string, 0, len(body.Checks))
	for _, c := range body.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"secure_elements", "slots", "storage"}, names)

	startup, err := client.Get(base + "/health/startup")
	require.NoError(t, err)
	startup.Body.Close()
	assert.Equal(t, http.StatusOK, startup.StatusCode)
	assert.True(t, s.HealthChecker().IsStarted())

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())
	s.WaitForShutdown()
	assert.False(t, s.HealthChecker().IsStarted())

	_, err = client.Get(base + "/health")
	assert.Error(t, err)
}

func TestServerTLS(t *testing.T) {
	files := testutil.WriteServerFiles(t)
	cfg := config.Default()
	cfg.TLS = config.TLSConfig{Enabled: true, CertFile: files.CertFile, KeyFile: files.KeyFile}
	s := start(t, cfg)

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: files.CA.Pool(), MinVersion: tls.VersionTLS12}},
	}
	resp, err := client.Get("https://" + s.Addr().String() + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerMinute = 1
	cfg.RateLimit.Burst = 1
	s := start(t, cfg)

	client := &http.Client{Timeout: 5 * time.Second}
	url := "http://" + s.Addr().String() + "/v1/keys"
	first, err := client.Get(url)
	require.NoError(t, err)
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second, err := client.Get(url)
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestNewErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 0
	_, err := New(cfg, engine.WithLogger(logger.NewNoOp()))
	assert.Error(t, err)

	cfg = config.Default()
	cfg.TLS = config.TLSConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}
	_, err = New(cfg, engine.WithLogger(logger.NewNoOp()))
	assert.Error(t, err)
}

func TestGetBuildVersion(t *testing.T) {
	assert.NotEmpty(t, getBuildVersion())
}
