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
	"bytes"
	"context"
	"crypto"
	"fmt"
	"io"
	"sync"

	"github.com/jeremyhahn/go-p11engine/pkg/dispatch"
	"github.com/jeremyhahn/go-p11engine/pkg/logging"
	"github.com/jeremyhahn/go-p11engine/pkg/token"
	"github.com/jeremyhahn/go-p11engine/pkg/uri"
)

// PrivateKey is a private key object that stays on the token. Sign and
// Decrypt go through the context's dispatch registry, so the RSA
// interceptor and the native method decide how each operation runs.
type PrivateKey struct {
	ctx *Context

	mu         sync.Mutex
	binding    *dispatch.Binding
	generation uint64
}

func (c *Context) newPrivateKey(found *token.Key) *PrivateKey {
	key := *found
	key.ID = bytes.Clone(found.ID)
	return &PrivateKey{
		ctx:        c,
		binding:    c.bind(&key),
		generation: c.generation.Load(),
	}
}

func (c *Context) bind(key *token.Key) *dispatch.Binding {
	return &dispatch.Binding{
		Provider:     c.provider,
		Key:          key,
		Lock:         &c.opMu,
		Authenticate: c.authenticateKey,
	}
}

// TokenBinding returns the current binding. A new binding replaces the
// old one after the module is re-initialized.
func (k *PrivateKey) TokenBinding() *dispatch.Binding {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.binding
}

func (k *PrivateKey) object() *token.Key {
	return k.TokenBinding().Key
}

// Public returns the public half.
func (k *PrivateKey) Public() crypto.PublicKey {
	return k.object().Public
}

// ID returns the CKA_ID of the key object.
func (k *PrivateKey) ID() []byte {
	return bytes.Clone(k.object().ID)
}

// Label returns the CKA_LABEL of the key object.
func (k *PrivateKey) Label() string {
	return k.object().Label
}

// SlotID returns the slot holding the key.
func (k *PrivateKey) SlotID() uint {
	return k.object().SlotID
}

// AlwaysAuthenticate reports whether every operation needs a fresh login.
func (k *PrivateKey) AlwaysAuthenticate() bool {
	return k.object().AlwaysAuthenticate
}

// Sign implements crypto.Signer.
func (k *PrivateKey) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if err := k.revalidate(); err != nil {
		return nil, err
	}
	return k.ctx.registry.Sign(k.Public(), k, rand, digest, opts)
}

// Decrypt implements crypto.Decrypter.
func (k *PrivateKey) Decrypt(rand io.Reader, msg []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	if err := k.revalidate(); err != nil {
		return nil, err
	}
	return k.ctx.registry.Decrypt(k.Public(), k, rand, msg, opts)
}

// revalidate finds the key again when the module was re-initialized
// since the key was loaded, because object handles do not survive it.
func (k *PrivateKey) revalidate() error {
	if err := k.ctx.ensureProcess(); err != nil {
		return err
	}
	gen := k.ctx.generation.Load()

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.generation == gen {
		return nil
	}

	old := k.binding.Key
	log := k.ctx.log().With(logging.String("object", "private_key"), logging.Uint("slot_id", old.SlotID))
	slot := k.ctx.slotByID(old.SlotID)
	if slot == nil || slot.Token == nil {
		return fmt.Errorf("%w: slot %d", ErrSlotNotFound, old.SlotID)
	}
	if err := k.ctx.login(context.Background(), log, slot); err != nil {
		return err
	}

	sel := &uri.Selector{Slot: uri.NoSlot, ID: old.ID}
	if old.Label != "" {
		label := old.Label
		sel.Label = &label
	}
	keys, err := k.ctx.provider.Keys(slot, template(sel, true))
	if err != nil {
		return fmt.Errorf("engine: re-acquire key: %w", err)
	}
	found, _ := selectKey(keys, sel)
	if found == nil {
		return fmt.Errorf("%w: private key %s after reinitialization", ErrObjectNotFound, uri.FormatHex(old.ID))
	}

	key := *found
	key.ID = bytes.Clone(found.ID)
	if key.Public == nil {
		key.Public = old.Public
	}
	log.Debug("re-acquired key handle", logging.Uint("old_handle", old.Handle), logging.Uint("handle", key.Handle))
	k.binding = k.ctx.bind(&key)
	k.generation = gen
	return nil
}

var (
	_ crypto.Signer    = (*PrivateKey)(nil)
	_ crypto.Decrypter = (*PrivateKey)(nil)
	_ dispatch.Bound   = (*PrivateKey)(nil)
)
