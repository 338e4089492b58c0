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

// Package dispatch routes private-key operations to the implementation
// registered for the key's algorithm.
//
// The process-wide Registry starts with the native method for RSA and
// ECDSA and installs the RSA interceptor in front of it, so a token-bound
// RSA key signs PSS and decrypts PKCS#1/OAEP on the token while every
// other key and padding falls through unchanged.
package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is the root of every unsupported digest, padding or
	// mechanism error.
	ErrUnsupported = errors.New("dispatch: unsupported operation")

	// ErrNotApplicable tells the interceptor to hand the call to the method
	// it wraps. It never escapes a Method.
	ErrNotApplicable = errors.New("dispatch: not applicable")

	// ErrUnsupportedDigest is returned for a hash with no token mechanism.
	ErrUnsupportedDigest = fmt.Errorf("%w: digest algorithm", ErrUnsupported)

	// ErrSaltLength is returned when the PSS salt does not fit the key.
	ErrSaltLength = fmt.Errorf("%w: PSS salt length", ErrUnsupported)

	// ErrUnsupportedKey is returned for a key type no method handles.
	ErrUnsupportedKey = fmt.Errorf("%w: key type", ErrUnsupported)

	// ErrOutputTooLarge is returned when the token produced more bytes than
	// the key size allows.
	ErrOutputTooLarge = errors.New("dispatch: token output exceeds expected size")

	// ErrInit is returned when the token refused to start an operation,
	// either at mechanism init or at context-specific login. No primitive
	// was issued, so the interceptor may still use the software path.
	ErrInit = errors.New("dispatch: token operation not started")

	// ErrOperationDone is returned by Final on a finished or aborted operation.
	ErrOperationDone = errors.New("dispatch: operation already finished")
)
