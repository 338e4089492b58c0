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

package dispatch

import (
	"crypto"
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-p11engine/pkg/metrics"
	"github.com/jeremyhahn/go-p11engine/pkg/token"
)

// Binding ties a key object to the token that holds it.
type Binding struct {
	Provider token.Provider
	Key      *token.Key

	// Lock serializes init..final sequences of the owning context.
	Lock sync.Locker

	// Authenticate performs context-specific login for keys that require
	// it on every operation. May be nil.
	Authenticate func(key *token.Key) error
}

// Public returns the public half recorded on the key object.
func (b *Binding) Public() crypto.PublicKey {
	if b == nil || b.Key == nil {
		return nil
	}
	return b.Key.Public
}

// Bound is implemented by private keys that live on a token.
type Bound interface {
	TokenBinding() *Binding
}

// bindingOf returns the usable binding of key, or nil.
func bindingOf(key crypto.PrivateKey) *Binding {
	bk, ok := key.(Bound)
	if !ok {
		return nil
	}
	b := bk.TokenBinding()
	if b == nil || b.Provider == nil || b.Key == nil || b.Lock == nil {
		return nil
	}
	return b
}

// Operation is an initialized token operation holding the binding's lock.
//
// Begin acquires the lock and returns an Operation. Size leaves it held.
// Final and Abort release it. An Operation is used by one goroutine.
type Operation struct {
	binding *Binding
	mech    *token.Mechanism
	decrypt bool
	maxLen  int
	held    bool
}

// Begin locks the binding, initializes mech on the token, and performs
// context-specific login when the key demands it. On error the lock is
// released, no Operation is returned and the error wraps ErrInit.
func Begin(b *Binding, mech *token.Mechanism, decrypt bool, maxLen int) (*Operation, error) {
	b.Lock.Lock()

	var err error
	if decrypt {
		err = b.Provider.DecryptInit(b.Key, mech)
	} else {
		err = b.Provider.SignInit(b.Key, mech)
	}
	if err == nil && b.Key.AlwaysAuthenticate && b.Authenticate != nil {
		if err = b.Authenticate(b.Key); err != nil {
			cancel(b, decrypt)
		}
	}
	if err != nil {
		b.Lock.Unlock()
		metrics.RecordOperation(opName(decrypt), metrics.PathToken, metrics.StatusError)
		return nil, fmt.Errorf("%w: %s init: %w", ErrInit, mech, err)
	}
	return &Operation{binding: b, mech: mech, decrypt: decrypt, maxLen: maxLen, held: true}, nil
}

// cancel ends an initialized operation that will never reach its primitive.
// miekg/pkcs11 has no C_SessionCancel, and a C_Sign or C_Decrypt call that
// fails terminates the active operation, so an empty final is issued and
// its outcome discarded.
func cancel(b *Binding, decrypt bool) {
	if decrypt {
		_, _ = b.Provider.Decrypt(b.Key, nil)
		return
	}
	_, _ = b.Provider.Sign(b.Key, nil)
}

// Size reports the largest output Final can produce. The lock stays held.
func (op *Operation) Size() int {
	return op.maxLen
}

// Held reports whether the operation still owns the lock.
func (op *Operation) Held() bool {
	return op.held
}

// Final runs the token primitive and releases the lock on every path.
func (op *Operation) Final(data []byte) ([]byte, error) {
	if !op.held {
		return nil, ErrOperationDone
	}
	defer op.release()

	var (
		out []byte
		err error
	)
	if op.decrypt {
		out, err = op.binding.Provider.Decrypt(op.binding.Key, data)
	} else {
		out, err = op.binding.Provider.Sign(op.binding.Key, data)
	}
	if err == nil && op.maxLen > 0 && len(out) > op.maxLen {
		err = fmt.Errorf("%w: got %d, want at most %d", ErrOutputTooLarge, len(out), op.maxLen)
		out = nil
	}
	metrics.RecordOperation(opName(op.decrypt), metrics.PathToken, metrics.Status(err))
	if err != nil {
		return nil, fmt.Errorf("dispatch: %s: %w", op.mech, err)
	}
	return out, nil
}

// Abort releases the lock without running the primitive. It is safe to
// call more than once and after Final.
func (op *Operation) Abort() {
	if op.held {
		op.release()
	}
}

func (op *Operation) release() {
	op.held = false
	op.binding.Lock.Unlock()
}

// run is Begin followed by Final.
func run(b *Binding, mech *token.Mechanism, decrypt bool, maxLen int, data []byte) ([]byte, error) {
	op, err := Begin(b, mech, decrypt, maxLen)
	if err != nil {
		return nil, err
	}
	return op.Final(data)
}

func opName(decrypt bool) string {
	if decrypt {
		return metrics.OpDecrypt
	}
	return metrics.OpSign
}
