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

import "strings"

// maxValueLength bounds a single sanitized value.
const maxValueLength = 256

// Sanitize strips control characters and bounds the length of a value
// read from a token, such as a label or slot description, before it is
// logged.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
	if len(s) > maxValueLength {
		s = s[:maxValueLength] + "...[truncated]"
	}
	return s
}

// Label returns a string field whose value is sanitized.
func Label(key, value string) Field {
	return String(key, Sanitize(value))
}
