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

// Package token defines the records and the capability set the engine
// needs from a PKCS#11 provider.
//
// Provider implementations own the slot, certificate and key records they
// return. Callers borrow them for the duration of a lookup and must not
// mutate them.
package token

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrProtocol is the root of every failure reported by the token
	// access layer.
	ErrProtocol = errors.New("token: protocol error")

	// ErrNoToken is returned when an operation needs a token the slot lacks.
	ErrNoToken = fmt.Errorf("%w: no token present in slot", ErrProtocol)

	// ErrSlotNotFound is returned for a slot ID the provider does not know.
	ErrSlotNotFound = fmt.Errorf("%w: slot not found", ErrProtocol)

	// ErrClosed is returned after Close.
	ErrClosed = fmt.Errorf("%w: provider closed", ErrProtocol)
)

// Flags mirrors the token flags the engine makes decisions on.
type Flags struct {
	Initialized   bool
	LoginRequired bool
	SecureLogin   bool
	ReadOnly      bool
	UserPINSet    bool
}

// String renders the flags the way the slot listing prints them.
func (f Flags) String() string {
	var parts []string
	if !f.Initialized {
		parts = append(parts, "uninitialized")
	} else if !f.UserPINSet {
		parts = append(parts, "no pin")
	}
	if f.LoginRequired {
		parts = append(parts, "login")
	}
	if f.ReadOnly {
		parts = append(parts, "ro")
	}
	return strings.Join(parts, ", ")
}

// Token describes the token present in a slot.
type Token struct {
	Label        string
	Manufacturer string
	SerialNumber string
	Model        string
	Flags
}

// Slot is a token access point. Token is nil when the slot is empty.
type Slot struct {
	ID          uint
	Description string
	Token       *Token
}

// Certificate is a certificate object found on a token.
type Certificate struct {
	SlotID uint
	Handle uint
	ID     []byte
	Label  string

	// Raw is the DER encoding; Certificate is nil when it does not parse.
	Raw         []byte
	Certificate *x509.Certificate
}

// NotAfter returns the certificate expiry, or the zero time.
func (c *Certificate) NotAfter() time.Time {
	if c == nil || c.Certificate == nil {
		return time.Time{}
	}
	return c.Certificate.NotAfter
}

// Key is a public or private key object found on a token.
type Key struct {
	SlotID uint
	Handle uint
	ID     []byte
	Label  string

	Private            bool
	AlwaysAuthenticate bool

	// Public is the public half when the token exposes it, otherwise nil.
	Public crypto.PublicKey
}

// Template pre-filters object enumeration. Nil fields match anything.
type Template struct {
	ID      []byte
	Label   *string
	Private bool
}

// Provider is the capability set of a PKCS#11 module.
//
// Implementations must be safe for concurrent use. SignInit/Sign and
// DecryptInit/Decrypt are two halves of one token operation; callers
// serialize them per key.
type Provider interface {
	// Slots enumerates every slot with fresh token information.
	Slots() ([]*Slot, error)

	// IsLoggedIn queries the current login state of the slot.
	IsLoggedIn(slot *Slot) (bool, error)

	// Login authenticates the user. A nil pin requests protected
	// authentication path entry on the device itself.
	Login(slot *Slot, pin []byte) error

	// Logout ends the user session on the slot.
	Logout(slot *Slot) error

	// ContextLogin performs the per-operation authentication required by
	// keys with CKA_ALWAYS_AUTHENTICATE.
	ContextLogin(key *Key, pin []byte) error

	// Certificates enumerates certificate objects matching tmpl.
	Certificates(slot *Slot, tmpl *Template) ([]*Certificate, error)

	// Keys enumerates key objects matching tmpl.
	Keys(slot *Slot, tmpl *Template) ([]*Key, error)

	SignInit(key *Key, mech *Mechanism) error
	Sign(key *Key, data []byte) ([]byte, error)

	DecryptInit(key *Key, mech *Mechanism) error
	Decrypt(key *Key, data []byte) ([]byte, error)

	// Reinitialize drops every session and re-initializes the module, as
	// required in a child process after fork.
	Reinitialize() error

	Close() error
}
