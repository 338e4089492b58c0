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

// Package pin provides a scoped buffer for token PINs.
//
// A Buffer owns a private copy of the PIN. Every path that releases the
// PIN (Destroy, replacement, failed login) overwrites the bytes before the
// slice is dropped, and callers only ever see short-lived copies through
// Use, which are zeroed when the callback returns.
package pin

import (
	"crypto/subtle"
	"errors"
	"sync"
)

// MaxLength is the largest PIN accepted, in bytes.
const MaxLength = 256

var (
	// ErrEmpty is returned when an empty PIN is provided.
	ErrEmpty = errors.New("pin: PIN cannot be empty")

	// ErrTooLong is returned when a PIN exceeds MaxLength.
	ErrTooLong = errors.New("pin: PIN exceeds maximum length")

	// ErrDestroyed is returned when a destroyed buffer is used.
	ErrDestroyed = errors.New("pin: PIN has been destroyed")
)

// Buffer holds a PIN in memory until Destroy is called.
type Buffer struct {
	mu  sync.Mutex
	pin []byte
}

// New copies p into a new Buffer. The caller keeps ownership of p and
// should zero it when done.
func New(p []byte) (*Buffer, error) {
	if len(p) == 0 {
		return nil, ErrEmpty
	}
	if len(p) > MaxLength {
		return nil, ErrTooLong
	}
	b := make([]byte, len(p))
	copy(b, p)
	return &Buffer{pin: b}, nil
}

// FromString creates a Buffer from a string PIN.
func FromString(s string) (*Buffer, error) {
	return New([]byte(s))
}

// Len returns the PIN length, or zero once destroyed.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pin)
}

// Destroyed reports whether the PIN has been released.
func (b *Buffer) Destroyed() bool {
	return b.Len() == 0
}

// Use calls fn with a temporary copy of the PIN. The copy is zeroed when
// fn returns, including when it panics, so fn must not retain it.
func (b *Buffer) Use(fn func(pin []byte) error) error {
	if b == nil {
		return ErrDestroyed
	}
	b.mu.Lock()
	if b.pin == nil {
		b.mu.Unlock()
		return ErrDestroyed
	}
	tmp := make([]byte, len(b.pin))
	copy(tmp, b.pin)
	b.mu.Unlock()

	defer Zero(tmp)
	return fn(tmp)
}

// Clone returns an independent copy of the buffer.
func (b *Buffer) Clone() (*Buffer, error) {
	var c *Buffer
	err := b.Use(func(p []byte) error {
		var err error
		c, err = New(p)
		return err
	})
	return c, err
}

// Equal compares two buffers in constant time.
func (b *Buffer) Equal(other *Buffer) bool {
	var equal bool
	_ = b.Use(func(p []byte) error {
		return other.Use(func(q []byte) error {
			equal = subtle.ConstantTimeCompare(p, q) == 1
			return nil
		})
	})
	return equal
}

// Destroy zeroes the PIN and releases it. It is safe to call on a nil
// or already destroyed buffer.
func (b *Buffer) Destroy() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pin != nil {
		Zero(b.pin)
		b.pin = nil
	}
}

// Zero overwrites p with zeros.
func Zero(p []byte) {
	if len(p) == 0 {
		return
	}
	for i := range p {
		p[i] = 0
	}
	// Keeps the compiler from treating the loop above as a dead store.
	subtle.ConstantTimeCopy(1, p, make([]byte, len(p)))
}
