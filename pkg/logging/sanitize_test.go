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
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "server-key", "server-key"},
		{"newline injection", "key\nlevel=ERROR msg=forged", "keylevel=ERROR msg=forged"},
		{"nul and del", "a\x00b\x7fc", "abc"},
		{"unicode kept", "clé", "clé"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	long := Sanitize(strings.Repeat("x", 1000))
	if !strings.HasSuffix(long, "...[truncated]") || len(long) != maxValueLength+len("...[truncated]") {
		t.Errorf("long value not truncated: %d bytes", len(long))
	}
}

func TestLabel(t *testing.T) {
	f := Label("label", "a\tb")
	if f.Key != "label" || f.Value != "ab" {
		t.Errorf("Label() = %+v", f)
	}
}
