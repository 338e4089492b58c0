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
	"fmt"
)

var (
	// ErrMatch is the root of every failure to find a token, slot or object.
	ErrMatch = errors.New("engine: no match")

	// ErrNoMatchingToken is returned when a token filter matched no slot.
	ErrNoMatchingToken = fmt.Errorf("%w: no matching token was found", ErrMatch)

	// ErrSlotNotFound is returned when the requested slot number has no token.
	ErrSlotNotFound = fmt.Errorf("%w: slot not found", ErrMatch)

	// ErrNoTokens is returned when no slot holds a token.
	ErrNoTokens = fmt.Errorf("%w: no tokens found", ErrMatch)

	// ErrAmbiguousToken is returned when more than one slot holds a token
	// and the identifier does not say which. It is also ErrNoTokens: no
	// single token could be picked.
	ErrAmbiguousToken = fmt.Errorf("%w: multiple tokens present", ErrNoTokens)

	// ErrObjectNotFound is returned when no object satisfied the identifier.
	ErrObjectNotFound = fmt.Errorf("%w: object not found", ErrMatch)

	// ErrAuth is the root of every authentication failure.
	ErrAuth = errors.New("engine: authentication failed")

	// ErrLoginFailed is returned when the token rejected the login.
	ErrLoginFailed = fmt.Errorf("%w: login failed", ErrAuth)

	// ErrNoPIN is returned when a PIN is needed and none can be obtained.
	ErrNoPIN = fmt.Errorf("%w: no PIN code was entered", ErrAuth)

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("engine: context closed")
)
