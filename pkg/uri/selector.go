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

	"github.com/jeremyhahn/go-p11engine/pkg/pin"
)

// NoSlot marks a Selector that does not name a slot number.
const NoSlot = -1

// ObjectType is the value of the type/object-type URI attribute.
type ObjectType string

const (
	TypeAny         ObjectType = ""
	TypeCertificate ObjectType = "cert"
	TypePublic      ObjectType = "public"
	TypePrivate     ObjectType = "private"
)

// TokenFilter restricts matching to tokens whose attributes equal every
// non-nil field.
type TokenFilter struct {
	Label        *string
	Manufacturer *string
	Serial       *string
	Model        *string
}

// Empty reports whether the filter constrains nothing.
func (f *TokenFilter) Empty() bool {
	return f == nil || (f.Label == nil && f.Manufacturer == nil && f.Serial == nil && f.Model == nil)
}

// Selector is the parsed form of an object identifier.
//
// A Selector is owned by whoever parsed it and must be cleared with Clear
// once the lookup it drives has finished.
type Selector struct {
	// Slot is the requested slot number, or NoSlot.
	Slot int

	// ID is the object ID. Empty means unspecified.
	ID []byte

	// Label is the object label. Nil means unspecified.
	Label *string

	// Token is non-nil for the URI form, even when no token attribute was
	// present, and nil for the legacy forms.
	Token *TokenFilter

	// Type is informational; selection is driven by the loader called.
	Type ObjectType

	// PIN holds a pin-value or pin-source PIN. Nil when none was given or
	// the given value was empty.
	PIN *pin.Buffer

	// PINSet is true when a PIN attribute was present at all.
	PINSet bool
}

// HasSlot reports whether a slot number was given.
func (s *Selector) HasSlot() bool {
	return s.Slot != NoSlot
}

// HasID reports whether an object ID was given.
func (s *Selector) HasID() bool {
	return len(s.ID) > 0
}

// Clear destroys the PIN held by the selector.
func (s *Selector) Clear() {
	if s == nil {
		return
	}
	s.PIN.Destroy()
	s.PIN = nil
}

// String describes the selector for diagnostics. The PIN is never included.
func (s *Selector) String() string {
	var parts []string
	if s.HasSlot() {
		parts = append(parts, fmt.Sprintf("slot=%d", s.Slot))
	}
	if f := s.Token; f != nil {
		for _, kv := range []struct {
			k string
			v *string
		}{
			{"token", f.Label},
			{"manufacturer", f.Manufacturer},
			{"serial", f.Serial},
			{"model", f.Model},
		} {
			if kv.v != nil {
				parts = append(parts, kv.k+"="+*kv.v)
			}
		}
	}
	if s.HasID() {
		parts = append(parts, "id="+FormatHex(s.ID))
	}
	if s.Label != nil {
		parts = append(parts, "label="+*s.Label)
	}
	if s.Type != TypeAny {
		parts = append(parts, "type="+string(s.Type))
	}
	return strings.Join(parts, " ")
}
