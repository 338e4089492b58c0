// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11engine.
//
// go-p11engine is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewSlogAdapter_NilConfig(t *testing.T) {
	adapter := NewSlogAdapter(nil)
	if adapter == nil || adapter.logger == nil {
		t.Fatal("NewSlogAdapter() returned an unusable adapter")
	}
}

func TestNewSlogAdapter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(&SlogConfig{Format: "json", Writer: &buf})

	adapter.Info("looking in slots", String("object", "server-key"), Uint("slot", 3), Bool("login", true))

	out := buf.String()
	for _, want := range []string{`"msg":"looking in slots"`, `"object":"server-key"`, `"slot":3`, `"login":true`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}
}

func TestSlogAdapter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(&SlogConfig{Level: LevelWarn, Writer: &buf})

	adapter.Debug("debug message")
	adapter.Info("info message")
	adapter.Warn("warn message")
	adapter.Error("error message", Error(errors.New("boom")))

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below warn should be filtered: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error=boom") {
		t.Errorf("missing warn or error output: %s", out)
	}
}

func TestSlogAdapter_WithDoesNotDuplicateFields(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	adapter := NewSlogAdapter(&SlogConfig{Handler: handler})

	child := adapter.With(String("lookup_id", "abc"))
	child.Info("first")

	if n := strings.Count(buf.String(), "lookup_id=abc"); n != 1 {
		t.Errorf("expected field once, got %d: %s", n, buf.String())
	}

	buf.Reset()
	adapter.Info("parent")
	if strings.Contains(buf.String(), "lookup_id") {
		t.Errorf("parent logger must not inherit child fields: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
	if l.With(String("k", "v")) == nil {
		t.Error("With() returned nil")
	}
}
