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

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/jeremyhahn/go-psa/pkg/correlation"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("Level.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": LevelDebug, "INFO": LevelInfo, "": LevelInfo,
		"warning": LevelWarn, "error": LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
}

func TestNewSlogAdapter_NilConfig(t *testing.T) {
	adapter := NewSlogAdapter(nil)
	if adapter == nil || adapter.logger == nil {
		t.Fatal("NewSlogAdapter() returned an unusable adapter")
	}
}

func TestSlogAdapter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(&SlogConfig{Level: LevelDebug, Output: &buf})

	adapter.Debug("slot evicted", Stringer("key_id", types.KeyID(0x10000003)), Int("lock_count", 0))

	output := buf.String()
	for _, want := range []string{"DEBUG", "slot evicted", "key_id=0x10000003", "lock_count=0"} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %q, got: %s", want, output)
		}
	}
}

func TestSlogAdapter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(&SlogConfig{Level: LevelInfo, Format: "json", Output: &buf})

	adapter.Warn("cleanup failed", Error(errors.New("boom")), Bool("secure_element", true))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "cleanup failed" || entry["error"] != "boom" || entry["secure_element"] != true {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestSlogAdapter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(&SlogConfig{Level: LevelWarn, Output: &buf})

	adapter.Debug("hidden")
	adapter.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("records below the level should be dropped, got: %s", buf.String())
	}
	adapter.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("error record missing, got: %s", buf.String())
	}
}

func TestSlogAdapter_With(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	adapter := NewSlogAdapter(&SlogConfig{Handler: handler})

	child := adapter.With(String("component", "slot"))
	child.Info("allocated", Uint64("slot_number", 7))

	output := buf.String()
	if !strings.Contains(output, "component=slot") || !strings.Contains(output, "slot_number=7") {
		t.Errorf("child fields missing, got: %s", output)
	}
}

func TestSlogAdapter_ContextAwareLogging(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	adapter := NewSlogAdapter(&SlogConfig{Logger: slog.New(handler)})

	ctx := correlation.WithCorrelationID(context.Background(), "corr-12345")

	tests := []struct {
		name    string
		logFunc func()
		message string
	}{
		{"Debug", func() { adapter.DebugContext(ctx, "debug message") }, "debug message"},
		{"Info", func() { adapter.InfoContext(ctx, "info message") }, "info message"},
		{"Warn", func() { adapter.WarnContext(ctx, "warn message") }, "warn message"},
		{"Error", func() { adapter.ErrorContext(ctx, "error message") }, "error message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc()

			var entry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("Failed to parse log output as JSON: %v", err)
			}
			if entry["msg"] != tt.message {
				t.Errorf("Expected message %q, got %v", tt.message, entry["msg"])
			}
			if entry["correlation_id"] != "corr-12345" {
				t.Errorf("Expected correlation_id, got %v", entry["correlation_id"])
			}
		})
	}
}

func TestNoOp(t *testing.T) {
	l := NewNoOp()
	l.Debug("x")
	l.ErrorContext(context.Background(), "x", Error(errors.New("y")))
	if l.With(String("a", "b")) == nil {
		t.Error("With should return a logger")
	}
}
