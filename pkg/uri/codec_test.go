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
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexToBin(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		capacity int
		want     []byte
		wantErr  error
	}{
		{name: "empty", in: "", capacity: 16, want: []byte{}},
		{name: "empty with zero capacity", in: "", capacity: 0, want: []byte{}},
		{name: "plain", in: "0102ab", capacity: 16, want: []byte{0x01, 0x02, 0xab}},
		{name: "upper case", in: "DEADBEEF", capacity: 4, want: []byte{0xde, 0xad, 0xbe, 0xef}},
		{name: "colon separated", in: "01:02:ab", capacity: 16, want: []byte{0x01, 0x02, 0xab}},
		{name: "single nibble groups", in: "1:2:3", capacity: 16, want: []byte{0x01, 0x02, 0x03}},
		{name: "odd length", in: "abc", capacity: 16, want: []byte{0xab, 0x0c}},
		{name: "exact capacity", in: "0102", capacity: 2, want: []byte{0x01, 0x02}},
		{name: "overflow", in: "010203", capacity: 2, wantErr: ErrHexTooLong},
		{name: "invalid char", in: "zz", capacity: 16, wantErr: ErrInvalidHex},
		{name: "invalid after valid", in: "01g2", capacity: 16, wantErr: ErrInvalidHex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HexToBin(tt.in, tt.capacity)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrParse)
				assert.Len(t, got, 0)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPercentDecode(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		capacity int
		want     string
		wantErr  error
	}{
		{name: "literal", in: "server-key", capacity: 64, want: "server-key"},
		{name: "escapes", in: "my%20key%2Fone", capacity: 64, want: "my key/one"},
		{name: "binary", in: "%00%01%ff", capacity: 3, want: "\x00\x01\xff"},
		{name: "exact capacity", in: "abc", capacity: 3, want: "abc"},
		{name: "empty", in: "", capacity: 0, want: ""},
		{name: "truncated escape", in: "ab%4", capacity: 64, wantErr: ErrPercentEncoding},
		{name: "bad escape", in: "%zz", capacity: 64, wantErr: ErrPercentEncoding},
		{name: "capacity exhausted with input left", in: "abcd", capacity: 3, wantErr: ErrValueTooLong},
		{name: "capacity exhausted before escape", in: "ab%41", capacity: 2, wantErr: ErrValueTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PercentDecode(tt.in, tt.capacity)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestPercentRoundTrip(t *testing.T) {
	f := func(b []byte) bool {
		enc := PercentEncode(b)
		dec, err := PercentDecode(enc, len(b))
		if err != nil {
			return false
		}
		return string(dec) == string(b)
	}
	require.NoError(t, quick.Check(f, &quick.Config{MaxCount: 500}))

	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	assert.True(t, f(all))
}

func TestFormatHex(t *testing.T) {
	assert.Equal(t, "0102AB", FormatHex([]byte{0x01, 0x02, 0xab}))
	assert.Equal(t, "", FormatHex(nil))
}
