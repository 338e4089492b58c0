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

package uri

import (
	"fmt"
	"strings"
)

const upperHex = "0123456789ABCDEF"

// HexToBin decodes a hex string into at most capacity bytes.
//
// Digits are consumed two at a time. A colon ends the current byte early
// and is skipped, so "1:02:3" decodes to 0x01 0x02 0x03. An empty input
// yields an empty result and no error. Any non-hex character fails the
// whole decode and nothing is returned.
func HexToBin(in string, capacity int) ([]byte, error) {
	if in == "" {
		return []byte{}, nil
	}

	out := make([]byte, 0, min(capacity, (len(in)+1)/2))
	i := 0
	for i < len(in) {
		var b byte
		for n := 0; n < 2 && i < len(in) && in[i] != ':'; n++ {
			v, ok := nibble(in[i])
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrInvalidHex, in[i])
			}
			b = b<<4 | v
			i++
		}
		if i < len(in) && in[i] == ':' {
			i++
		}
		if len(out) == capacity {
			return nil, ErrHexTooLong
		}
		out = append(out, b)
	}
	return out, nil
}

// PercentDecode copies literal bytes and decodes %XX escapes one output
// byte at a time. Filling capacity is only a success when the input is
// exhausted at the same moment.
func PercentDecode(in string, capacity int) ([]byte, error) {
	out := make([]byte, 0, min(capacity, len(in)))
	for len(in) > 0 && len(out) < capacity {
		if in[0] != '%' {
			out = append(out, in[0])
			in = in[1:]
			continue
		}
		if len(in) < 3 {
			return nil, ErrPercentEncoding
		}
		hi, ok1 := nibble(in[1])
		lo, ok2 := nibble(in[2])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: %q", ErrPercentEncoding, in[:3])
		}
		out = append(out, hi<<4|lo)
		in = in[3:]
	}
	if len(in) > 0 {
		return nil, ErrValueTooLong
	}
	return out, nil
}

// PercentEncode escapes every byte outside the RFC 3986 unreserved set.
func PercentEncode(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for _, c := range b {
		if unreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperHex[c>>4])
		sb.WriteByte(upperHex[c&0x0f])
	}
	return sb.String()
}

// FormatHex renders b as contiguous upper-case hex, the form used in
// diagnostics.
func FormatHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = upperHex[c>>4]
		out[i*2+1] = upperHex[c&0x0f]
	}
	return string(out)
}

func nibble(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func unreserved(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

func isHexString(s string) bool {
	for i := 0; i < len(s); i++ {
		if _, ok := nibble(s[i]); !ok {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
