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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func pinString(t *testing.T, sel *Selector) string {
	t.Helper()
	if sel.PIN == nil {
		return ""
	}
	var out string
	require.NoError(t, sel.PIN.Use(func(p []byte) error {
		out = string(p)
		return nil
	}))
	return out
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		check   func(t *testing.T, sel *Selector)
		wantErr error
	}{
		{
			name: "full example",
			in:   "pkcs11:token=Demo;object=server-key;type=private;pin-value=1234",
			check: func(t *testing.T, sel *Selector) {
				assert.Equal(t, NoSlot, sel.Slot)
				require.NotNil(t, sel.Token)
				assert.Equal(t, strp("Demo"), sel.Token.Label)
				assert.Nil(t, sel.Token.Manufacturer)
				assert.Equal(t, strp("server-key"), sel.Label)
				assert.Equal(t, TypePrivate, sel.Type)
				assert.True(t, sel.PINSet)
				assert.Equal(t, "1234", pinString(t, sel))
			},
		},
		{
			name: "scheme is case insensitive",
			in:   "PKCS11:object=k",
			check: func(t *testing.T, sel *Selector) {
				assert.Equal(t, strp("k"), sel.Label)
			},
		},
		{
			name: "empty uri has empty token filter",
			in:   "pkcs11:",
			check: func(t *testing.T, sel *Selector) {
				require.NotNil(t, sel.Token)
				assert.True(t, sel.Token.Empty())
				assert.False(t, sel.HasID())
				assert.Nil(t, sel.Label)
			},
		},
		{
			name: "all token attributes and query delimiter",
			in:   "pkcs11:model=PKCS%2315;manufacturer=ACME%20Inc;serial=0042;token=T1?pin-value=9999",
			check: func(t *testing.T, sel *Selector) {
				assert.Equal(t, strp("PKCS#15"), sel.Token.Model)
				assert.Equal(t, strp("ACME Inc"), sel.Token.Manufacturer)
				assert.Equal(t, strp("0042"), sel.Token.Serial)
				assert.Equal(t, strp("T1"), sel.Token.Label)
				assert.Equal(t, "9999", pinString(t, sel))
			},
		},
		{
			name: "percent encoded id",
			in:   "pkcs11:id=%01%02;object-type=cert",
			check: func(t *testing.T, sel *Selector) {
				assert.Equal(t, []byte{0x01, 0x02}, sel.ID)
				assert.Equal(t, TypeCertificate, sel.Type)
			},
		},
		{
			name: "ampersand delimiter and trailing separator",
			in:   "pkcs11:object=a&type=public;",
			check: func(t *testing.T, sel *Selector) {
				assert.Equal(t, strp("a"), sel.Label)
				assert.Equal(t, TypePublic, sel.Type)
			},
		},
		{
			name: "empty pin value is ignored",
			in:   "pkcs11:object=a;pin-value=",
			check: func(t *testing.T, sel *Selector) {
				assert.True(t, sel.PINSet)
				assert.Nil(t, sel.PIN)
			},
		},
		{name: "unknown attribute", in: "pkcs11:object=a;slot-id=1", wantErr: ErrUnknownAttribute},
		{name: "empty segment", in: "pkcs11:object=a;;type=cert", wantErr: ErrUnknownAttribute},
		{name: "missing equals", in: "pkcs11:object", wantErr: ErrUnknownAttribute},
		{name: "unknown type", in: "pkcs11:type=secret-key", wantErr: ErrUnknownObjectType},
		{name: "duplicate pin value", in: "pkcs11:pin-value=1234;pin-value=5678", wantErr: ErrDuplicatePIN},
		{name: "duplicate pin after empty", in: "pkcs11:pin-value=;pin-value=5678", wantErr: ErrDuplicatePIN},
		{name: "pin value and source", in: "pkcs11:pin-value=1234;pin-source=/nonexistent", wantErr: ErrDuplicatePIN},
		{name: "piped pin source", in: "pkcs11:pin-source=|/bin/echo%201234", wantErr: ErrPINSource},
		{name: "missing pin file", in: "pkcs11:pin-source=file:/nonexistent/pin", wantErr: ErrPINSource},
		{name: "bad escape", in: "pkcs11:object=%zz", wantErr: ErrPercentEncoding},
		{name: "pin too long", in: "pkcs11:pin-value=" + strings.Repeat("1", 300), wantErr: ErrValueTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := Parse(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrParse)
				assert.Nil(t, sel)
				return
			}
			require.NoError(t, err)
			defer sel.Clear()
			tt.check(t, sel)
		})
	}
}

func TestParseURI_PINSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pin.txt")
	require.NoError(t, os.WriteFile(path, []byte("5555\nsecond-line\n"), 0600))

	for _, in := range []string{
		"pkcs11:object=k;pin-source=" + path,
		"pkcs11:object=k;pin-source=file:" + path,
		"pkcs11:object=k;pin-source=FILE:" + path,
		"pkcs11:object=k?pin-source=file:" + PercentEncode([]byte(path)),
	} {
		sel, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, "5555", pinString(t, sel), in)
		sel.Clear()
	}
}

func TestReadPINFile(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content []byte
		want    string
	}{
		{name: "trailing newline", content: []byte("1234\n"), want: "1234"},
		{name: "crlf", content: []byte("1234\r\n"), want: "1234"},
		{name: "no newline", content: []byte("1234"), want: "1234"},
		{name: "first line only", content: []byte("1234\n5678\n"), want: "1234"},
		{name: "empty", content: []byte{}, want: ""},
		{name: "truncated to max", content: bytes.Repeat([]byte("7"), 400), want: strings.Repeat("7", 256)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_"))
			require.NoError(t, os.WriteFile(path, tt.content, 0600))
			got, err := ReadPINFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestParseLegacy(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantSlot  int
		wantID    []byte
		wantLabel *string
		wantErr   error
	}{
		{name: "pure hex", in: "0102ab", wantSlot: NoSlot, wantID: []byte{0x01, 0x02, 0xab}},
		{name: "pure hex digits only", in: "45", wantSlot: NoSlot, wantID: []byte{0x45}},
		{name: "empty", in: "", wantSlot: NoSlot, wantID: []byte{}},
		{name: "slot colon id", in: "3:0a0b", wantSlot: 3, wantID: []byte{0x0a, 0x0b}},
		{name: "slot colon only", in: "12:", wantSlot: 12},
		{name: "id prefix", in: "id_cafe", wantSlot: NoSlot, wantID: []byte{0xca, 0xfe}},
		{name: "label prefix", in: "label_server-key", wantSlot: NoSlot, wantLabel: strp("server-key")},
		{name: "slot only", in: "slot_7", wantSlot: 7},
		{name: "slot and id", in: "slot_0-id_0102", wantSlot: 0, wantID: []byte{0x01, 0x02}},
		{name: "slot and label", in: "slot_2-label_my key", wantSlot: 2, wantLabel: strp("my key")},
		{name: "slot colon non hex", in: "3:xyz", wantErr: ErrFormat},
		{name: "slot without colon", in: "3x", wantErr: ErrFormat},
		{name: "signed slot", in: "-1:01", wantErr: ErrFormat},
		{name: "id prefix non hex", in: "id_zz", wantErr: ErrFormat},
		{name: "unknown shape", in: "foo", wantErr: ErrFormat},
		{name: "slot without number", in: "slot_x", wantErr: ErrSlotNumber},
		{name: "slot bad separator", in: "slot_1_id_01", wantErr: ErrFormat},
		{name: "slot bad suffix", in: "slot_1-foo_01", wantErr: ErrFormat},
		{name: "slot id non hex", in: "slot_1-id_0g", wantErr: ErrFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := Parse(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrParse)
				return
			}
			require.NoError(t, err)
			assert.Nil(t, sel.Token, "legacy forms carry no token filter")
			assert.Equal(t, tt.wantSlot, sel.Slot)
			if tt.wantID == nil {
				assert.False(t, sel.HasID())
			} else {
				assert.Equal(t, tt.wantID, sel.ID)
			}
			assert.Equal(t, tt.wantLabel, sel.Label)
		})
	}
}

func TestParseLegacy_PureHexProperty(t *testing.T) {
	for _, in := range []string{"00", "ff", "0123456789abcdef", "ABCDEF", "a"} {
		sel, err := Parse(in)
		require.NoError(t, err)
		want, err := HexToBin(in, len(in))
		require.NoError(t, err)
		assert.Equal(t, NoSlot, sel.Slot)
		assert.Equal(t, want, sel.ID)
	}
}

func TestParseLimited_IDTooLong(t *testing.T) {
	for _, in := range []string{"010203", "1:010203", "id_010203", "slot_1-id_010203", "01020"} {
		_, err := ParseLimited(in, 2)
		assert.ErrorIs(t, err, ErrIDTooLong, in)
	}

	sel, err := ParseLimited("0102", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, sel.ID)

	_, err = ParseLimited("pkcs11:id=%01%02%03", 2)
	assert.ErrorIs(t, err, ErrIDTooLong)
	assert.ErrorIs(t, err, ErrParse)

	sel, err = ParseLimited("pkcs11:id=%01%02", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, sel.ID)
}

func TestSelector_ClearZeroesPIN(t *testing.T) {
	sel, err := Parse("pkcs11:object=k;pin-value=1234")
	require.NoError(t, err)
	buf := sel.PIN
	require.NotNil(t, buf)

	sel.Clear()
	assert.Nil(t, sel.PIN)
	assert.True(t, buf.Destroyed())

	var nilSel *Selector
	nilSel.Clear()
}

func TestSelector_String(t *testing.T) {
	sel, err := Parse("pkcs11:token=Demo;id=%01%02;object=k;type=cert;pin-value=1234")
	require.NoError(t, err)
	defer sel.Clear()

	s := sel.String()
	assert.Equal(t, "token=Demo id=0102 label=k type=cert", s)
	assert.NotContains(t, s, "1234")

	legacy, err := Parse("slot_4-id_ff")
	require.NoError(t, err)
	assert.Equal(t, "slot=4 id=FF", legacy.String())
}
