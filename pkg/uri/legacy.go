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
	"strconv"
	"strings"
)

func parseLegacy(s string, maxID int) (*Selector, error) {
	sel := &Selector{Slot: NoSlot}

	// Pure hex: object id on any slot.
	if isHexString(s) {
		id, err := decodeID(s, maxID)
		if err != nil {
			return nil, err
		}
		sel.ID = id
		return sel, nil
	}

	// <slot>:<hex id>
	if startsWithInt(s) {
		digits := leadingDigits(s)
		if digits == "" || len(s) == len(digits) || s[len(digits)] != ':' {
			return nil, fmt.Errorf("%w: %q", ErrFormat, s)
		}
		n, err := slotNumber(digits)
		if err != nil {
			return nil, err
		}
		sel.Slot = n
		hexID := s[len(digits)+1:]
		if !isHexString(hexID) {
			return nil, fmt.Errorf("%w: %q", ErrFormat, s)
		}
		if sel.ID, err = decodeID(hexID, maxID); err != nil {
			return nil, err
		}
		return sel, nil
	}

	if rest, ok := strings.CutPrefix(s, "id_"); ok {
		if !isHexString(rest) {
			return nil, fmt.Errorf("%w: %q", ErrFormat, s)
		}
		id, err := decodeID(rest, maxID)
		if err != nil {
			return nil, err
		}
		sel.ID = id
		return sel, nil
	}

	if rest, ok := strings.CutPrefix(s, "label_"); ok {
		sel.Label = &rest
		return sel, nil
	}

	rest, ok := strings.CutPrefix(s, "slot_")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFormat, s)
	}
	digits := leadingDigits(rest)
	n, err := slotNumber(digits)
	if err != nil {
		return nil, err
	}
	sel.Slot = n

	rest = rest[len(digits):]
	if rest == "" {
		return sel, nil
	}
	rest, ok = strings.CutPrefix(rest, "-")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFormat, s)
	}

	if hexID, ok := strings.CutPrefix(rest, "id_"); ok {
		if !isHexString(hexID) {
			return nil, fmt.Errorf("%w: %q", ErrFormat, s)
		}
		if sel.ID, err = decodeID(hexID, maxID); err != nil {
			return nil, err
		}
		return sel, nil
	}
	if label, ok := strings.CutPrefix(rest, "label_"); ok {
		sel.Label = &label
		return sel, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrFormat, s)
}

// decodeID checks the hex length against capacity before decoding so an
// oversize id is reported as such rather than as a hex overflow.
func decodeID(hexID string, maxID int) ([]byte, error) {
	if (len(hexID)+1)/2 > maxID {
		return nil, ErrIDTooLong
	}
	return HexToBin(hexID, maxID)
}

func slotNumber(digits string) (int, error) {
	if digits == "" {
		return 0, ErrSlotNumber
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSlotNumber, err)
	}
	return n, nil
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

// startsWithInt reports whether s begins with an optionally signed
// decimal integer, allowing leading white space.
func startsWithInt(s string) bool {
	s = strings.TrimLeft(s, " \t\n\v\f\r")
	if s != "" && (s[0] == '+' || s[0] == '-') {
		s = s[1:]
	}
	return s != "" && s[0] >= '0' && s[0] <= '9'
}
