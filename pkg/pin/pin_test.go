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

package pin

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allZero(b []byte) bool {
	return bytes.Count(b, []byte{0}) == len(b)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{name: "valid pin", input: []byte("1234")},
		{name: "single byte", input: []byte("x")},
		{name: "max length", input: bytes.Repeat([]byte("9"), MaxLength)},
		{name: "empty", input: []byte{}, wantErr: ErrEmpty},
		{name: "nil", input: nil, wantErr: ErrEmpty},
		{name: "too long", input: bytes.Repeat([]byte("9"), MaxLength+1), wantErr: ErrTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, b)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.input), b.Len())
		})
	}
}

func TestNew_CopiesInput(t *testing.T) {
	in := []byte("1234")
	b, err := New(in)
	require.NoError(t, err)

	in[0] = 'X'
	err = b.Use(func(p []byte) error {
		assert.Equal(t, "1234", string(p))
		return nil
	})
	require.NoError(t, err)
}

func TestDestroy_ZeroesBackingArray(t *testing.T) {
	b, err := FromString("secret-pin")
	require.NoError(t, err)

	backing := b.pin
	require.False(t, allZero(backing))

	b.Destroy()

	assert.True(t, allZero(backing), "backing array must be zeroed")
	assert.True(t, b.Destroyed())
	assert.Equal(t, 0, b.Len())

	// Second destroy and nil receiver are no-ops.
	b.Destroy()
	var nilBuf *Buffer
	nilBuf.Destroy()
}

func TestUse_ZeroesTemporaryCopy(t *testing.T) {
	b, err := FromString("4321")
	require.NoError(t, err)

	var seen []byte
	err = b.Use(func(p []byte) error {
		seen = p
		return nil
	})
	require.NoError(t, err)
	assert.True(t, allZero(seen))

	// Original remains usable.
	assert.Equal(t, 4, b.Len())
}

func TestUse_ZeroesOnError(t *testing.T) {
	b, err := FromString("4321")
	require.NoError(t, err)

	boom := errors.New("boom")
	var seen []byte
	err = b.Use(func(p []byte) error {
		seen = p
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, allZero(seen))
}

func TestUse_ZeroesOnPanic(t *testing.T) {
	b, err := FromString("4321")
	require.NoError(t, err)

	var seen []byte
	assert.Panics(t, func() {
		_ = b.Use(func(p []byte) error {
			seen = p
			panic("token library crashed")
		})
	})
	assert.True(t, allZero(seen))
}

func TestUse_Destroyed(t *testing.T) {
	b, err := FromString("1234")
	require.NoError(t, err)
	b.Destroy()

	called := false
	err = b.Use(func([]byte) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.False(t, called)

	var nilBuf *Buffer
	assert.ErrorIs(t, nilBuf.Use(func([]byte) error { return nil }), ErrDestroyed)
}

func TestClone(t *testing.T) {
	b, err := FromString(strings.Repeat("7", 8))
	require.NoError(t, err)

	c, err := b.Clone()
	require.NoError(t, err)
	assert.True(t, b.Equal(c))

	b.Destroy()
	assert.Equal(t, 8, c.Len())
	assert.False(t, b.Equal(c))
}

func TestEqual(t *testing.T) {
	a, _ := FromString("1234")
	b, _ := FromString("1234")
	c, _ := FromString("5678")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestZero(t *testing.T) {
	p := []byte("abcdef")
	Zero(p)
	assert.True(t, allZero(p))
	Zero(nil)
}
