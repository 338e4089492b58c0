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
	"errors"
	"fmt"
)

var (
	// ErrParse is the root of every identifier parsing failure. Use
	// errors.Is(err, ErrParse) to classify a malformed identifier.
	ErrParse = errors.New("uri: invalid identifier")

	// ErrInvalidHex is returned when a hex string contains a non-hex character.
	ErrInvalidHex = fmt.Errorf("%w: invalid character in hex string", ErrParse)

	// ErrHexTooLong is returned when decoded hex does not fit the output capacity.
	ErrHexTooLong = fmt.Errorf("%w: hex string too long", ErrParse)

	// ErrIDTooLong is returned when an object ID exceeds the caller's capacity.
	ErrIDTooLong = fmt.Errorf("%w: ID string too long", ErrParse)

	// ErrPercentEncoding is returned for a truncated or malformed %XX escape.
	ErrPercentEncoding = fmt.Errorf("%w: malformed percent encoding", ErrParse)

	// ErrValueTooLong is returned when a decoded attribute value overflows its buffer.
	ErrValueTooLong = fmt.Errorf("%w: attribute value too long", ErrParse)

	// ErrUnknownAttribute is returned for any URI attribute outside the supported set.
	ErrUnknownAttribute = fmt.Errorf("%w: unknown attribute", ErrParse)

	// ErrUnknownObjectType is returned when type/object-type is not cert, public or private.
	ErrUnknownObjectType = fmt.Errorf("%w: unknown object type", ErrParse)

	// ErrDuplicatePIN is returned when pin-value and/or pin-source appear more than once.
	ErrDuplicatePIN = fmt.Errorf("%w: two PINs specified", ErrParse)

	// ErrPINSource is returned for an unsupported or unreadable pin-source.
	ErrPINSource = fmt.Errorf("%w: unsupported pin-source", ErrParse)

	// ErrFormat is returned when a legacy identifier matches none of the known shapes.
	ErrFormat = fmt.Errorf("%w: format not recognized", ErrParse)

	// ErrSlotNumber is returned when the legacy slot number cannot be decoded.
	ErrSlotNumber = fmt.Errorf("%w: could not decode slot number", ErrParse)
)
