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

package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/jeremyhahn/go-psa/pkg/correlation"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

func TestLoggingMiddlewareRouteFields(t *testing.T) {
	var buf bytes.Buffer
	s := &Server{logger: logger.NewSlogAdapter(&logger.SlogConfig{Output: &buf, Level: logger.LevelInfo, Format: "json"})}

	r := chi.NewRouter()
	r.Use(s.LoggingMiddleware())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/keys/{id}", func(w http.ResponseWriter, r *http.Request) {
			recordStatus(r, types.ErrDoesNotExist)
			w.WriteHeader(http.StatusNotFound)
		})
		r.Post("/keys/{id}/sign", func(w http.ResponseWriter, r *http.Request) {
			recordStatus(r, types.ErrHardwareFailure)
			w.WriteHeader(http.StatusInternalServerError)
		})
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/keys/0x2a", nil))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected one log line, got %d: %s", len(lines), buf.String())
	}
	for _, want := range []string{
		`"level":"INFO"`,
		`"route":"/v1/keys/{id}"`,
		`"key_id":"0x2a"`,
		`"status":404`,
		`"psa_status":"PSA_ERROR_DOES_NOT_EXIST"`,
	} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("Expected log to contain %s, got %s", want, lines[0])
		}
	}

	buf.Reset()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/keys/7/sign", nil))
	out := buf.String()
	for _, want := range []string{`"level":"ERROR"`, `"route":"/v1/keys/{id}/sign"`, `"psa_status":"PSA_ERROR_HARDWARE_FAILURE"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log to contain %s, got %s", want, out)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	s := &Server{logger: logger.NewNoOp()}
	handler := s.RecoveryMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/keys", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Message != "An unexpected error occurred" {
		t.Errorf("Unexpected message %q", resp.Message)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	s := &Server{logger: logger.NewSlogAdapter(&logger.SlogConfig{Output: &buf, Level: logger.LevelInfo, Format: "json"})}

	handler := correlation.Middleware(s.LoggingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/random", nil)
	req.Header.Set(correlation.CorrelationIDHeader, "req-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{`"msg":"Request completed"`, `"status":418`, `"path":"/v1/random"`, `"correlation_id":"req-42"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log to contain %s, got %s", want, out)
		}
	}
	if strings.Contains(out, "Request started") {
		t.Errorf("Debug entry logged at info level: %s", out)
	}
}
