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

// Package engine resolves PKCS#11 identifiers to certificates and keys.
//
// A Context owns one token provider. Each lookup parses the identifier,
// matches it against a fresh slot snapshot, logs in when a single token
// is unambiguous, and selects exactly one object. Private keys come back
// as *PrivateKey, which implements crypto.Signer and crypto.Decrypter by
// dispatching through a dispatch.Registry.
//
// Thread Safety:
// A Context is safe for concurrent use. The cached PIN is guarded by the
// authentication lock, token operations are serialized by the operation
// lock for their whole init..final sequence, and the slot snapshot is
// replaced atomically on refresh so readers never see a partial list.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/jeremyhahn/go-p11engine/pkg/dispatch"
	"github.com/jeremyhahn/go-p11engine/pkg/logging"
	"github.com/jeremyhahn/go-p11engine/pkg/metrics"
	"github.com/jeremyhahn/go-p11engine/pkg/pin"
	"github.com/jeremyhahn/go-p11engine/pkg/prompt"
	"github.com/jeremyhahn/go-p11engine/pkg/token"
)

// Config configures a Context.
type Config struct {
	// Provider is the token access layer. Required.
	Provider token.Provider

	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger logging.Logger

	// Prompter asks for a PIN when none is cached. Nil disables prompting.
	Prompter prompt.Prompter

	// ForceLogin logs in before every lookup, even for public objects.
	ForceLogin bool

	// LoginLimiter spaces consecutive login attempts. Nil means unlimited.
	LoginLimiter *rate.Limiter

	// Registry dispatches private-key operations. Defaults to dispatch.Default().
	Registry *dispatch.Registry

	// Getpid returns the current process ID. Defaults to os.Getpid.
	Getpid func() int
}

// Context is a resolution engine bound to one provider.
type Context struct {
	provider token.Provider
	logger   atomic.Pointer[logging.Logger]
	prompter prompt.Prompter
	limiter  *rate.Limiter
	registry *dispatch.Registry
	getpid   func() int

	// authMu guards pin, forcedPIN and forceLogin.
	authMu     sync.Mutex
	pin        *pin.Buffer
	forcedPIN  bool
	forceLogin bool

	// opMu is held from token init to final.
	opMu sync.Mutex

	slots      atomic.Pointer[[]*token.Slot]
	refreshMu  sync.Mutex
	pid        atomic.Int64
	generation atomic.Uint64
	closed     atomic.Bool
}

// New creates a Context. It does not enumerate slots until first use.
func New(config *Config) (*Context, error) {
	if config == nil || config.Provider == nil {
		return nil, errors.New("engine: provider is required")
	}
	c := &Context{
		provider:   config.Provider,
		prompter:   config.Prompter,
		limiter:    config.LoginLimiter,
		registry:   config.Registry,
		getpid:     config.Getpid,
		forceLogin: config.ForceLogin,
	}
	if c.registry == nil {
		c.registry = dispatch.Default()
	}
	if c.getpid == nil {
		c.getpid = os.Getpid
	}
	c.SetLogger(config.Logger)
	c.pid.Store(int64(c.getpid()))
	return c, nil
}

// SetLogger replaces the logger. A nil logger silences the context.
func (c *Context) SetLogger(l logging.Logger) {
	if l == nil {
		l = logging.NewNop()
	}
	c.logger.Store(&l)
}

func (c *Context) log() logging.Logger {
	return *c.logger.Load()
}

// SetPIN installs an explicit PIN. The previous PIN is destroyed. The
// caller keeps ownership of p and should zero it.
func (c *Context) SetPIN(p []byte) error {
	buf, err := pin.New(p)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	c.installPIN(buf)
	return nil
}

// installPIN takes ownership of buf as the forced PIN.
func (c *Context) installPIN(buf *pin.Buffer) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.pin.Destroy()
	c.pin = buf
	c.forcedPIN = true
}

// ForceLogin makes every following lookup log in first.
func (c *Context) ForceLogin() {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.forceLogin = true
}

func (c *Context) forced() bool {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.forceLogin
}

// Slots returns the current slot snapshot, enumerating on first use. The
// returned slice and its records must not be modified.
func (c *Context) Slots() ([]*token.Slot, error) {
	if err := c.ensureProcess(); err != nil {
		return nil, err
	}
	if s := c.slots.Load(); s != nil {
		return *s, nil
	}
	return c.Refresh()
}

// Refresh re-enumerates the slots and publishes a new snapshot. Slices
// handed out earlier stay valid.
func (c *Context) Refresh() ([]*token.Slot, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked()
}

func (c *Context) refreshLocked() ([]*token.Slot, error) {
	slots, err := c.provider.Slots()
	if err != nil {
		return nil, fmt.Errorf("engine: enumerate slots: %w", err)
	}
	c.slots.Store(&slots)
	return slots, nil
}

// ListSlots refreshes the snapshot and logs one line per slot.
func (c *Context) ListSlots() ([]*token.Slot, error) {
	if err := c.ensureProcess(); err != nil {
		return nil, err
	}
	slots, err := c.Refresh()
	if err != nil {
		return nil, err
	}
	dumpSlots(c.log(), slots, logging.LevelInfo)
	return slots, nil
}

// ensureProcess re-initializes the provider when the process ID changed
// since the last call, as happens in a child after fork.
func (c *Context) ensureProcess() error {
	if c.closed.Load() {
		return ErrClosed
	}
	cur := int64(c.getpid())
	if c.pid.Load() == cur {
		return nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.pid.Load() == cur {
		return nil
	}
	c.log().Warn("process changed, reinitializing module",
		logging.Int("old_pid", int(c.pid.Load())), logging.Int("pid", int(cur)))
	// Wait for any init..final sequence to finish before handles go stale.
	c.opMu.Lock()
	err := c.provider.Reinitialize()
	c.opMu.Unlock()
	if err != nil {
		return fmt.Errorf("engine: reinitialize after fork: %w", err)
	}
	c.slots.Store(nil)
	if _, err := c.refreshLocked(); err != nil {
		return err
	}
	c.generation.Add(1)
	c.pid.Store(cur)
	metrics.RecordFork()
	return nil
}

// Logout destroys the cached PIN and logs out every slot that reports a
// logged-in user.
func (c *Context) Logout() error {
	if err := c.ensureProcess(); err != nil {
		return err
	}
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.destroyPINLocked()

	s := c.slots.Load()
	if s == nil {
		return nil
	}
	var errs []error
	for _, slot := range *s {
		if slot.Token == nil {
			continue
		}
		in, err := c.provider.IsLoggedIn(slot)
		if err != nil || !in {
			continue
		}
		if err := c.provider.Logout(slot); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", slot.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close destroys the cached PIN and closes the provider.
func (c *Context) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.authMu.Lock()
	c.destroyPINLocked()
	c.authMu.Unlock()
	return c.provider.Close()
}

func (c *Context) destroyPINLocked() {
	c.pin.Destroy()
	c.pin = nil
	c.forcedPIN = false
}

func (c *Context) slotByID(id uint) *token.Slot {
	s := c.slots.Load()
	if s == nil {
		return nil
	}
	for _, slot := range *s {
		if slot.ID == id {
			return slot
		}
	}
	return nil
}

func (c *Context) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}
