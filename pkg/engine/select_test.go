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

package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-p11engine/pkg/token"
	"github.com/jeremyhahn/go-p11engine/pkg/token/mocks"
	"github.com/jeremyhahn/go-p11engine/pkg/uri"
)

func strptr(s string) *string { return &s }

func testCertificate(t *testing.T, id []byte, label string, notAfter time.Time) *token.Certificate {
	t.Helper()
	x, err := mocks.NewCertificate(label, time.Now().UnixNano(), notAfter)
	require.NoError(t, err)
	return &token.Certificate{ID: id, Label: label, Raw: x.Raw, Certificate: x}
}

func TestSelectCertificate_LongestExpiryWins(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	early := testCertificate(t, []byte{1}, "srv", now.Add(24*time.Hour))
	late := testCertificate(t, []byte{1}, "srv", now.Add(48*time.Hour))
	other := testCertificate(t, []byte{2}, "srv", now.Add(96*time.Hour))

	sel := &uri.Selector{Slot: uri.NoSlot, ID: []byte{1}}
	for _, order := range [][]*token.Certificate{
		{early, late, other},
		{late, other, early},
		{other, early, late},
	} {
		got, which := selectCertificate(order, sel)
		assert.Same(t, late, got)
		assert.Equal(t, "longest expiry matching", which)
	}
}

func TestSelectCertificate_TieBreakIsOrderIndependent(t *testing.T) {
	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	a := testCertificate(t, []byte{7}, "dup", expires)
	b := testCertificate(t, []byte{7}, "dup", expires)
	sel := &uri.Selector{Slot: uri.NoSlot, Label: strptr("dup")}

	first, _ := selectCertificate([]*token.Certificate{a, b}, sel)
	second, _ := selectCertificate([]*token.Certificate{b, a}, sel)
	require.NotNil(t, first)
	assert.Same(t, first, second)
}

func TestSelectCertificate_UnparsedLoses(t *testing.T) {
	good := testCertificate(t, []byte{1}, "c", time.Now().Add(time.Hour))
	broken := &token.Certificate{ID: []byte{1}, Label: "c", Raw: []byte{0x30}}

	got, _ := selectCertificate([]*token.Certificate{good, broken}, &uri.Selector{Slot: uri.NoSlot, ID: []byte{1}})
	assert.Same(t, good, got)
	got, _ = selectCertificate([]*token.Certificate{broken, good}, &uri.Selector{Slot: uri.NoSlot, ID: []byte{1}})
	assert.Same(t, good, got)
}

func TestSelectCertificate_NoCriteria(t *testing.T) {
	noID := testCertificate(t, nil, "a", time.Now().Add(time.Hour))
	withID := testCertificate(t, []byte{9}, "b", time.Now().Add(time.Hour))
	sel := &uri.Selector{Slot: uri.NoSlot}

	got, which := selectCertificate([]*token.Certificate{noID, withID}, sel)
	assert.Same(t, withID, got)
	assert.Equal(t, "first (with id present)", which)

	got, which = selectCertificate([]*token.Certificate{noID}, sel)
	assert.Same(t, noID, got)
	assert.Equal(t, "first", which)

	got, _ = selectCertificate(nil, sel)
	assert.Nil(t, got)
}

func TestSelectCertificate_NoMatch(t *testing.T) {
	c := testCertificate(t, []byte{1}, "a", time.Now().Add(time.Hour))
	got, _ := selectCertificate([]*token.Certificate{c}, &uri.Selector{Slot: uri.NoSlot, Label: strptr("b")})
	assert.Nil(t, got)
}

func TestSelectKey(t *testing.T) {
	k1 := &token.Key{ID: []byte{1}, Label: "k"}
	k2 := &token.Key{ID: []byte{1}, Label: "k"}
	k3 := &token.Key{ID: []byte{2}, Label: "k"}
	keys := []*token.Key{k1, k2, k3}

	tests := []struct {
		name  string
		sel   *uri.Selector
		want  *token.Key
		which string
	}{
		{"no criteria takes first", &uri.Selector{Slot: uri.NoSlot}, k1, "first"},
		{"id takes last match", &uri.Selector{Slot: uri.NoSlot, ID: []byte{1}}, k2, "last matching"},
		{"label takes last match", &uri.Selector{Slot: uri.NoSlot, Label: strptr("k")}, k3, "last matching"},
		{"id and label", &uri.Selector{Slot: uri.NoSlot, ID: []byte{2}, Label: strptr("k")}, k3, "last matching"},
		{"no match", &uri.Selector{Slot: uri.NoSlot, ID: []byte{3}}, nil, "last matching"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, which := selectKey(keys, tt.sel)
			assert.Same(t, tt.want, got)
			assert.Equal(t, tt.which, which)
		})
	}
}

func TestMatchSlots(t *testing.T) {
	demo := &token.Slot{ID: 0, Description: "reader 0", Token: mocks.ReadyToken("Demo")}
	other := &token.Slot{ID: 1, Description: "reader 1", Token: mocks.ReadyToken("Other")}
	phantom := &token.Slot{ID: 2, Description: "empty reader"}
	slots := []*token.Slot{demo, other, phantom}

	tests := []struct {
		name    string
		sel     *uri.Selector
		slots   []*token.Slot
		want    []*token.Slot
		wantErr error
	}{
		{
			name:  "token label",
			sel:   &uri.Selector{Slot: uri.NoSlot, Token: &uri.TokenFilter{Label: strptr("Other")}},
			slots: slots,
			want:  []*token.Slot{other},
		},
		{
			name:  "empty filter matches every token",
			sel:   &uri.Selector{Slot: uri.NoSlot, Token: &uri.TokenFilter{}},
			slots: slots,
			want:  []*token.Slot{demo, other},
		},
		{
			name:  "slot number",
			sel:   &uri.Selector{Slot: 1},
			slots: slots,
			want:  []*token.Slot{other},
		},
		{
			name:  "slot and filter intersect",
			sel:   &uri.Selector{Slot: 1, Token: &uri.TokenFilter{Label: strptr("Other")}},
			slots: slots,
			want:  []*token.Slot{other},
		},
		{
			name:    "slot and filter disjoint",
			sel:     &uri.Selector{Slot: 0, Token: &uri.TokenFilter{Label: strptr("Other")}},
			slots:   slots,
			wantErr: ErrNoMatchingToken,
		},
		{
			name:    "phantom slot is skipped",
			sel:     &uri.Selector{Slot: 2},
			slots:   slots,
			wantErr: ErrSlotNotFound,
		},
		{
			name:  "single token used implicitly",
			sel:   &uri.Selector{Slot: uri.NoSlot},
			slots: []*token.Slot{phantom, demo},
			want:  []*token.Slot{demo},
		},
		{
			name:    "no tokens",
			sel:     &uri.Selector{Slot: uri.NoSlot},
			slots:   []*token.Slot{phantom},
			wantErr: ErrNoTokens,
		},
		{
			name:    "ambiguous",
			sel:     &uri.Selector{Slot: uri.NoSlot},
			slots:   slots,
			wantErr: ErrAmbiguousToken,
		},
		{
			name:    "manufacturer mismatch",
			sel:     &uri.Selector{Slot: uri.NoSlot, Token: &uri.TokenFilter{Manufacturer: strptr("Nobody")}},
			slots:   slots,
			wantErr: ErrNoMatchingToken,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := matchSlots(tt.sel, tt.slots)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.True(t, errors.Is(err, ErrMatch))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartition(t *testing.T) {
	ready := &token.Slot{ID: 0, Token: mocks.ReadyToken("a")}
	blank := &token.Slot{ID: 1, Token: &token.Token{Label: "b"}}

	in, out := partition([]*token.Slot{blank, ready})
	assert.Equal(t, []*token.Slot{ready}, in)
	assert.Equal(t, []*token.Slot{blank}, out)
}

func TestTokenLabel(t *testing.T) {
	assert.Equal(t, "no label", tokenLabel(&token.Slot{}))
	assert.Equal(t, "no label", tokenLabel(&token.Slot{Token: &token.Token{}}))
	assert.Equal(t, "Demo", tokenLabel(&token.Slot{Token: &token.Token{Label: "Demo"}}))
	assert.Equal(t, "no token", slotFlags(&token.Slot{}))
}
