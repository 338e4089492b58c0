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

// Package p11 implements token.Provider on top of a PKCS#11 shared
// library loaded through github.com/miekg/pkcs11.
package p11

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-p11engine/pkg/logging"
	"github.com/jeremyhahn/go-p11engine/pkg/token"
)

// findBatch is the number of handles requested per C_FindObjects call.
const findBatch = 64

// Module is a loaded PKCS#11 library.
//
// One session is kept per slot. PKCS#11 sessions are not safe for
// concurrent use, so every call on a session holds that session's mutex.
type Module struct {
	config *Config
	ctx    *pkcs11.Ctx

	mu       sync.Mutex
	sessions map[uint]*session
	closed   bool
}

type session struct {
	mu     sync.Mutex
	handle pkcs11.SessionHandle
}

// New loads and initializes the library named by config.
func New(config *Config) (*Module, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx := pkcs11.New(config.Library)
	if ctx == nil {
		return nil, fmt.Errorf("%w: %s", ErrLibraryLoad, config.Library)
	}
	if err := initialize(ctx); err != nil {
		ctx.Destroy()
		return nil, err
	}

	return &Module{
		config:   config,
		ctx:      ctx,
		sessions: make(map[uint]*session),
	}, nil
}

func initialize(ctx *pkcs11.Ctx) error {
	if err := ctx.Initialize(); err != nil && !isRV(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		return protocolError("C_Initialize", err)
	}
	return nil
}

// Slots enumerates all slots. A slot whose token information cannot be
// read is reported without a token.
func (m *Module) Slots() ([]*token.Slot, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := m.ctx.GetSlotList(false)
	if err != nil {
		return nil, protocolError("C_GetSlotList", err)
	}

	slots := make([]*token.Slot, 0, len(ids))
	for _, id := range ids {
		info, err := m.ctx.GetSlotInfo(id)
		if err != nil {
			return nil, protocolError("C_GetSlotInfo", err)
		}
		slot := &token.Slot{
			ID:          id,
			Description: trim(info.SlotDescription),
		}
		if info.Flags&pkcs11.CKF_TOKEN_PRESENT != 0 {
			if ti, err := m.ctx.GetTokenInfo(id); err == nil {
				slot.Token = tokenFromInfo(ti)
			}
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func tokenFromInfo(ti pkcs11.TokenInfo) *token.Token {
	return &token.Token{
		Label:        trim(ti.Label),
		Manufacturer: trim(ti.ManufacturerID),
		SerialNumber: trim(ti.SerialNumber),
		Model:        trim(ti.Model),
		Flags: token.Flags{
			Initialized:   ti.Flags&pkcs11.CKF_TOKEN_INITIALIZED != 0,
			LoginRequired: ti.Flags&pkcs11.CKF_LOGIN_REQUIRED != 0,
			SecureLogin:   ti.Flags&pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH != 0,
			ReadOnly:      ti.Flags&pkcs11.CKF_WRITE_PROTECTED != 0,
			UserPINSet:    ti.Flags&pkcs11.CKF_USER_PIN_INITIALIZED != 0,
		},
	}
}

// IsLoggedIn reports whether the slot's session is in a user state.
func (m *Module) IsLoggedIn(slot *token.Slot) (bool, error) {
	var loggedIn bool
	err := m.withSession(slot.ID, func(h pkcs11.SessionHandle) error {
		info, err := m.ctx.GetSessionInfo(h)
		if err != nil {
			return protocolError("C_GetSessionInfo", err)
		}
		loggedIn = info.State == pkcs11.CKS_RO_USER_FUNCTIONS ||
			info.State == pkcs11.CKS_RW_USER_FUNCTIONS
		return nil
	})
	return loggedIn, err
}

// Login logs the user in. CKR_USER_ALREADY_LOGGED_IN is success.
func (m *Module) Login(slot *token.Slot, pin []byte) error {
	return m.withSession(slot.ID, func(h pkcs11.SessionHandle) error {
		// miekg/pkcs11 takes the PIN as a string, a copy that cannot be zeroed.
		err := m.ctx.Login(h, pkcs11.CKU_USER, string(pin))
		if err != nil && !isRV(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			return protocolError("C_Login", err)
		}
		return nil
	})
}

// Logout logs the user out. CKR_USER_NOT_LOGGED_IN is success.
func (m *Module) Logout(slot *token.Slot) error {
	return m.withSession(slot.ID, func(h pkcs11.SessionHandle) error {
		err := m.ctx.Logout(h)
		if err != nil && !isRV(err, pkcs11.CKR_USER_NOT_LOGGED_IN) {
			return protocolError("C_Logout", err)
		}
		return nil
	})
}

// ContextLogin performs a CKU_CONTEXT_SPECIFIC login for the key's
// pending operation.
func (m *Module) ContextLogin(key *token.Key, pin []byte) error {
	return m.withSession(key.SlotID, func(h pkcs11.SessionHandle) error {
		// Same string copy as in Login.
		if err := m.ctx.Login(h, pkcs11.CKU_CONTEXT_SPECIFIC, string(pin)); err != nil {
			return protocolError("C_Login(CKU_CONTEXT_SPECIFIC)", err)
		}
		return nil
	})
}

// SignInit starts a signature operation on the key's slot session.
func (m *Module) SignInit(key *token.Key, mech *token.Mechanism) error {
	return m.withSession(key.SlotID, func(h pkcs11.SessionHandle) error {
		if err := m.ctx.SignInit(h, mech.PKCS11(), pkcs11.ObjectHandle(key.Handle)); err != nil {
			return protocolError("C_SignInit", err)
		}
		return nil
	})
}

// Sign completes the signature operation started by SignInit.
func (m *Module) Sign(key *token.Key, data []byte) ([]byte, error) {
	var sig []byte
	err := m.withSession(key.SlotID, func(h pkcs11.SessionHandle) error {
		var err error
		if sig, err = m.ctx.Sign(h, data); err != nil {
			return protocolError("C_Sign", err)
		}
		return nil
	})
	return sig, err
}

// DecryptInit starts a decryption operation on the key's slot session.
func (m *Module) DecryptInit(key *token.Key, mech *token.Mechanism) error {
	return m.withSession(key.SlotID, func(h pkcs11.SessionHandle) error {
		if err := m.ctx.DecryptInit(h, mech.PKCS11(), pkcs11.ObjectHandle(key.Handle)); err != nil {
			return protocolError("C_DecryptInit", err)
		}
		return nil
	})
}

// Decrypt completes the decryption operation started by DecryptInit.
func (m *Module) Decrypt(key *token.Key, data []byte) ([]byte, error) {
	var out []byte
	err := m.withSession(key.SlotID, func(h pkcs11.SessionHandle) error {
		var err error
		if out, err = m.ctx.Decrypt(h, data); err != nil {
			return protocolError("C_Decrypt", err)
		}
		return nil
	})
	return out, err
}

// Reinitialize forgets every session and re-runs C_Initialize. Session
// handles inherited from a parent process are never closed, only dropped.
func (m *Module) Reinitialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return token.ErrClosed
	}
	m.sessions = make(map[uint]*session)
	return m.restart(m.ctx.Finalize, func() error { return initialize(m.ctx) })
}

// restart finalizes and initializes the library again. Finalize fails in
// a child whose parent owned the library state; that is logged and the
// new initialization decides the outcome.
func (m *Module) restart(finalize, init func() error) error {
	if err := finalize(); err != nil {
		m.log().Warn("C_Finalize failed before re-initialization",
			logging.String("library", m.config.Library), logging.Error(err))
	}
	return init()
}

func (m *Module) log() logging.Logger {
	if m.config == nil || m.config.Logger == nil {
		return logging.NewNop()
	}
	return m.config.Logger
}

// Close closes all sessions and unloads the library.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for id, s := range m.sessions {
		if err := m.ctx.CloseSession(s.handle); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", id, protocolError("C_CloseSession", err)))
		}
	}
	m.sessions = nil
	if err := m.ctx.Finalize(); err != nil {
		errs = append(errs, protocolError("C_Finalize", err))
	}
	m.ctx.Destroy()
	return errors.Join(errs...)
}

func (m *Module) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return token.ErrClosed
	}
	return nil
}

// withSession runs fn on the slot's session, opening it on first use. A
// session the library reports as gone is dropped so the next call reopens it.
func (m *Module) withSession(slotID uint, fn func(pkcs11.SessionHandle) error) error {
	s, err := m.session(slotID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = fn(s.handle)
	s.mu.Unlock()

	if isRV(err, pkcs11.CKR_SESSION_HANDLE_INVALID) || isRV(err, pkcs11.CKR_SESSION_CLOSED) {
		m.mu.Lock()
		if m.sessions[slotID] == s {
			delete(m.sessions, slotID)
		}
		m.mu.Unlock()
	}
	return err
}

func (m *Module) session(slotID uint) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, token.ErrClosed
	}
	if s, ok := m.sessions[slotID]; ok {
		return s, nil
	}

	flags := uint(pkcs11.CKF_SERIAL_SESSION)
	if m.config.ReadWrite {
		flags |= pkcs11.CKF_RW_SESSION
	}
	h, err := m.ctx.OpenSession(slotID, flags)
	if err != nil {
		return nil, fmt.Errorf("slot %d: %w", slotID, protocolError("C_OpenSession", err))
	}
	s := &session{handle: h}
	m.sessions[slotID] = s
	return s, nil
}

func protocolError(call string, err error) error {
	return fmt.Errorf("%w: %s: %w", token.ErrProtocol, call, err)
}

func isRV(err error, rv uint) bool {
	var e pkcs11.Error
	return errors.As(err, &e) && uint(e) == rv
}

func trim(s string) string {
	return strings.TrimRight(s, " \x00")
}

var _ token.Provider = (*Module)(nil)
