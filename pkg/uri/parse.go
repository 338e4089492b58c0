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

// Package uri parses PKCS#11 object identifiers.
//
// Two syntaxes are accepted. The RFC 7512 form starts with "pkcs11:" and
// carries ';', '?' or '&' separated attributes:
//
//	pkcs11:token=Demo;object=server-key;type=private?pin-value=1234
//
// Anything else is parsed with the legacy positional grammar:
//
//	0102ab              object id, any slot
//	3:0102ab            slot 3, object id
//	id_0102ab           object id, any slot
//	label_server-key    object label, any slot
//	slot_3              slot 3
//	slot_3-id_0102ab    slot 3, object id
//	slot_3-label_key    slot 3, object label
package uri

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-p11engine/pkg/pin"
)

// Scheme is the RFC 7512 URI scheme, matched case-insensitively.
const Scheme = "pkcs11:"

// Parse parses an identifier in either syntax. The object ID capacity is
// derived from the identifier length, so only malformed input fails.
func Parse(s string) (*Selector, error) {
	return ParseLimited(s, len(s)+1)
}

// ParseLimited parses an identifier, failing with ErrIDTooLong when the
// decoded object ID would exceed maxID bytes.
func ParseLimited(s string, maxID int) (*Selector, error) {
	if HasScheme(s) {
		return parseURI(s, maxID)
	}
	return parseLegacy(s, maxID)
}

// HasScheme reports whether s uses the RFC 7512 form.
func HasScheme(s string) bool {
	return len(s) >= len(Scheme) && strings.EqualFold(s[:len(Scheme)], Scheme)
}

func parseURI(s string, maxID int) (*Selector, error) {
	sel := &Selector{
		Slot:  NoSlot,
		Token: &TokenFilter{},
	}

	rest := s[len(Scheme):]
	for rest != "" {
		attr := rest
		if i := strings.IndexAny(rest, ";?&"); i >= 0 {
			attr, rest = rest[:i], rest[i+1:]
		} else {
			rest = ""
		}

		key, value, ok := strings.Cut(attr, "=")
		if !ok {
			sel.Clear()
			return nil, fmt.Errorf("%w: %q", ErrUnknownAttribute, attr)
		}

		var err error
		switch key {
		case "model":
			sel.Token.Model, err = decodeString(value)
		case "manufacturer":
			sel.Token.Manufacturer, err = decodeString(value)
		case "token":
			sel.Token.Label, err = decodeString(value)
		case "serial":
			sel.Token.Serial, err = decodeString(value)
		case "object":
			sel.Label, err = decodeString(value)
		case "id":
			sel.ID, err = decodeAttrID(value, maxID)
		case "pin-value":
			err = sel.setPIN(func() ([]byte, error) {
				return PercentDecode(value, pin.MaxLength)
			})
		case "pin-source":
			err = sel.setPIN(func() ([]byte, error) {
				return readPINSource(value)
			})
		case "type", "object-type":
			sel.Type, err = parseObjectType(value)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownAttribute, key)
		}
		if err != nil {
			sel.Clear()
			return nil, fmt.Errorf("failed to parse attribute %q: %w", key, err)
		}
	}
	return sel, nil
}

// setPIN installs a PIN produced by read. A second PIN attribute is an
// error even when the first was empty.
func (s *Selector) setPIN(read func() ([]byte, error)) error {
	if s.PINSet {
		return ErrDuplicatePIN
	}
	s.PINSet = true

	p, err := read()
	if err != nil {
		return err
	}
	defer pin.Zero(p)
	if len(p) == 0 || p[0] == 0 {
		return nil
	}
	s.PIN, err = pin.New(p)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValueTooLong, err)
	}
	return nil
}

// decodeAttrID reports an oversize id the same way the legacy forms do.
func decodeAttrID(value string, maxID int) ([]byte, error) {
	id, err := PercentDecode(value, maxID)
	if errors.Is(err, ErrValueTooLong) {
		return nil, ErrIDTooLong
	}
	return id, err
}

func decodeString(value string) (*string, error) {
	b, err := PercentDecode(value, len(value))
	if err != nil {
		return nil, err
	}
	str := string(b)
	return &str, nil
}

func parseObjectType(value string) (ObjectType, error) {
	switch t := ObjectType(value); t {
	case TypeCertificate, TypePublic, TypePrivate:
		return t, nil
	}
	return TypeAny, fmt.Errorf("%w: %q", ErrUnknownObjectType, value)
}
