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
	"context"
	"fmt"

	"github.com/jeremyhahn/go-p11engine/pkg/logging"
	"github.com/jeremyhahn/go-p11engine/pkg/metrics"
	"github.com/jeremyhahn/go-p11engine/pkg/pin"
	"github.com/jeremyhahn/go-p11engine/pkg/token"
)

// minPromptLength is the shortest PIN accepted at the prompt.
const minPromptLength = 4

// login authenticates the user on slot when the token needs it.
func (c *Context) login(ctx context.Context, log logging.Logger, slot *token.Slot) error {
	tok := slot.Token

	c.authMu.Lock()
	defer c.authMu.Unlock()

	if !c.forceLogin && !tok.LoginRequired {
		return nil
	}
	in, err := c.provider.IsLoggedIn(slot)
	if err != nil {
		log.Warn("unable to check if already logged in", logging.Uint("slot_id", slot.ID), logging.Error(err))
		in = false
	}
	if in && !c.forceLogin {
		return nil
	}

	protected := tok.SecureLogin && !c.forcedPIN
	if protected {
		// The PIN is entered on the device keypad.
		c.destroyPINLocked()
	} else if c.pin == nil {
		if err := c.promptLocked(tok.Label); err != nil {
			metrics.RecordLogin(metrics.StatusError)
			log.Error("no PIN code was entered", logging.Label("token", tok.Label), logging.Error(err))
			return err
		}
	}

	if err := c.wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}

	if protected {
		err = c.provider.Login(slot, nil)
	} else {
		err = c.pin.Use(func(p []byte) error {
			return c.provider.Login(slot, p)
		})
	}
	if err != nil {
		c.destroyPINLocked()
		metrics.RecordLogin(metrics.StatusError)
		log.Error("login to token failed", logging.Label("token", tok.Label), logging.Error(err))
		return fmt.Errorf("%w: token %q: %w", ErrLoginFailed, tok.Label, err)
	}
	metrics.RecordLogin(metrics.StatusSuccess)
	log.Debug("logged in", logging.Uint("slot_id", slot.ID), logging.Label("token", tok.Label))
	return nil
}

// promptLocked asks for a PIN and caches it as a prompted PIN.
func (c *Context) promptLocked(label string) error {
	if c.prompter == nil {
		return ErrNoPIN
	}
	entered, err := c.prompter.PromptPIN(fmt.Sprintf("Enter PKCS#11 token PIN for %s", label), minPromptLength, pin.MaxLength)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoPIN, err)
	}
	defer pin.Zero(entered)

	buf, err := pin.New(entered)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoPIN, err)
	}
	c.destroyPINLocked()
	c.pin = buf
	return nil
}

// authenticateKey performs the context-specific login a key with
// CKA_ALWAYS_AUTHENTICATE needs before each operation. It runs with the
// operation lock held.
func (c *Context) authenticateKey(key *token.Key) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	slot := c.slotByID(key.SlotID)
	label := key.Label
	protected := false
	if slot != nil && slot.Token != nil {
		label = slot.Token.Label
		protected = slot.Token.SecureLogin && !c.forcedPIN
	}

	var err error
	switch {
	case protected:
		err = c.provider.ContextLogin(key, nil)
	default:
		if c.pin == nil {
			if err := c.promptLocked(label); err != nil {
				return err
			}
		}
		err = c.pin.Use(func(p []byte) error {
			return c.provider.ContextLogin(key, p)
		})
	}
	if err != nil {
		c.destroyPINLocked()
		return fmt.Errorf("%w: context login for %q: %w", ErrLoginFailed, key.Label, err)
	}
	return nil
}
