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

package mocks

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-p11engine/pkg/token"
)

// LoginCall records a Login or ContextLogin call. PIN is the exact slice
// the caller passed, not a copy, so tests can verify it was zeroed.
type LoginCall struct {
	SlotID uint
	PIN    []byte
	Error  error
}

// MechanismCall records a SignInit or DecryptInit call.
type MechanismCall struct {
	Handle    uint
	Mechanism token.Mechanism
	Error     error
}

// DataCall records a Sign or Decrypt call.
type DataCall struct {
	Handle uint
	Data   []byte
	Error  error
}

type fixtureKey struct {
	key    *token.Key
	signer crypto.Signer
}

type slotState struct {
	slot     *token.Slot
	pin      []byte
	loggedIn bool
	certs    []*token.Certificate
	keys     []*fixtureKey
}

type pendingOp struct {
	mech       token.Mechanism
	decrypt    bool
	contextPIN bool
}

// Provider is an in-memory token.Provider for testing.
//
// It behaves like a PKCS#11 module holding real key material: private
// keys are hidden until login on tokens that require it, PINs are checked,
// and sign/decrypt follow the init-then-final protocol.
//
// Every method can be overridden with its Func field for error injection.
//
// Example usage:
//
//	p := mocks.NewProvider()
//	slot := p.AddSlot(0, "Demo slot", &token.Token{Label: "Demo", Flags: token.Flags{Initialized: true, LoginRequired: true, UserPINSet: true}})
//	p.SetUserPIN(slot.ID, "1234")
//	p.AddKey(slot.ID, []byte{1}, "server-key", rsaKey, true)
type Provider struct {
	mu sync.RWMutex

	// SlotsFunc overrides Slots.
	SlotsFunc func() ([]*token.Slot, error)

	// IsLoggedInFunc overrides IsLoggedIn.
	IsLoggedInFunc func(slot *token.Slot) (bool, error)

	// LoginFunc overrides the PIN check in Login.
	LoginFunc func(slot *token.Slot, pin []byte) error

	// CertificatesFunc overrides Certificates.
	CertificatesFunc func(slot *token.Slot, tmpl *token.Template) ([]*token.Certificate, error)

	// KeysFunc overrides Keys.
	KeysFunc func(slot *token.Slot, tmpl *token.Template) ([]*token.Key, error)

	// SignInitFunc and DecryptInitFunc inject init failures.
	SignInitFunc    func(key *token.Key, mech *token.Mechanism) error
	DecryptInitFunc func(key *token.Key, mech *token.Mechanism) error

	// SignFunc and DecryptFunc override the primitive call.
	SignFunc    func(key *token.Key, data []byte) ([]byte, error)
	DecryptFunc func(key *token.Key, data []byte) ([]byte, error)

	// ReinitializeFunc overrides Reinitialize.
	ReinitializeFunc func() error

	// Call tracking
	SlotsCalls        int
	LoginCalls        []LoginCall
	LogoutCalls       []uint
	ContextLoginCalls []LoginCall
	CertificateCalls  []token.Template
	KeyCalls          []token.Template
	SignInitCalls     []MechanismCall
	SignCalls         []DataCall
	DecryptInitCalls  []MechanismCall
	DecryptCalls      []DataCall
	ReinitializeCalls int
	CloseCalls        int

	slots      []*slotState
	pending    map[uint]*pendingOp
	nextHandle uint
}

// NewProvider creates an empty Provider.
func NewProvider() *Provider {
	return &Provider{
		pending:    make(map[uint]*pendingOp),
		nextHandle: 1,
	}
}

// AddSlot adds a slot. Pass a nil token for an empty slot.
func (p *Provider) AddSlot(id uint, description string, tok *token.Token) *token.Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := &token.Slot{ID: id, Description: description, Token: tok}
	p.slots = append(p.slots, &slotState{slot: slot})
	return slot
}

// SetUserPIN sets the PIN Login accepts for the slot.
func (p *Provider) SetUserPIN(slotID uint, pin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.state(slotID); s != nil {
		s.pin = []byte(pin)
	}
}

// SetLoggedIn forces the login state of a slot.
func (p *Provider) SetLoggedIn(slotID uint, loggedIn bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.state(slotID); s != nil {
		s.loggedIn = loggedIn
	}
}

// LoggedIn reports the login state of a slot.
func (p *Provider) LoggedIn(slotID uint) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.state(slotID)
	return s != nil && s.loggedIn
}

// AddCertificate stores a certificate object on the slot.
func (p *Provider) AddCertificate(slotID uint, id []byte, label string, cert *x509.Certificate) *token.Certificate {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &token.Certificate{
		SlotID:      slotID,
		Handle:      p.handle(),
		ID:          id,
		Label:       label,
		Raw:         cert.Raw,
		Certificate: cert,
	}
	if s := p.state(slotID); s != nil {
		s.certs = append(s.certs, c)
	}
	return c
}

// AddKey stores a key object on the slot. A private object signs and
// decrypts with signer, which may be nil for a key that only exists to be
// found. A public object only exposes signer.Public().
func (p *Provider) AddKey(slotID uint, id []byte, label string, signer crypto.Signer, private bool) *token.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := &token.Key{
		SlotID:  slotID,
		Handle:  p.handle(),
		ID:      id,
		Label:   label,
		Private: private,
	}
	if signer != nil {
		k.Public = signer.Public()
	}
	if s := p.state(slotID); s != nil {
		s.keys = append(s.keys, &fixtureKey{key: k, signer: signer})
	}
	return k
}

// Slots returns copies of the configured slots.
func (p *Provider) Slots() ([]*token.Slot, error) {
	p.mu.Lock()
	p.SlotsCalls++
	fn := p.SlotsFunc
	p.mu.Unlock()
	if fn != nil {
		return fn()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*token.Slot, 0, len(p.slots))
	for _, s := range p.slots {
		cp := *s.slot
		if s.slot.Token != nil {
			tok := *s.slot.Token
			cp.Token = &tok
		}
		out = append(out, &cp)
	}
	return out, nil
}

// IsLoggedIn reports the tracked login state.
func (p *Provider) IsLoggedIn(slot *token.Slot) (bool, error) {
	if p.IsLoggedInFunc != nil {
		return p.IsLoggedInFunc(slot)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.state(slot.ID)
	if s == nil {
		return false, token.ErrSlotNotFound
	}
	return s.loggedIn, nil
}

// Login checks pin against the configured user PIN. A nil pin is
// accepted as protected authentication path entry.
func (p *Provider) Login(slot *token.Slot, pin []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	s := p.state(slot.ID)
	switch {
	case p.LoginFunc != nil:
		err = p.LoginFunc(slot, pin)
	case s == nil:
		err = token.ErrSlotNotFound
	case pin != nil && !bytes.Equal(pin, s.pin):
		err = rv("C_Login", pkcs11.CKR_PIN_INCORRECT)
	}
	if err == nil && s != nil {
		s.loggedIn = true
	}
	p.LoginCalls = append(p.LoginCalls, LoginCall{SlotID: slot.ID, PIN: pin, Error: err})
	return err
}

// Logout clears the login state.
func (p *Provider) Logout(slot *token.Slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LogoutCalls = append(p.LogoutCalls, slot.ID)
	if s := p.state(slot.ID); s != nil {
		s.loggedIn = false
	}
	return nil
}

// ContextLogin authorizes the key's pending operation.
func (p *Provider) ContextLogin(key *token.Key, pin []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	s := p.state(key.SlotID)
	op := p.pending[key.Handle]
	switch {
	case s == nil:
		err = token.ErrSlotNotFound
	case op == nil:
		err = rv("C_Login", pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	case pin != nil && !bytes.Equal(pin, s.pin):
		err = rv("C_Login", pkcs11.CKR_PIN_INCORRECT)
	default:
		op.contextPIN = true
	}
	p.ContextLoginCalls = append(p.ContextLoginCalls, LoginCall{SlotID: key.SlotID, PIN: pin, Error: err})
	return err
}

// Certificates returns the slot's certificates matching tmpl, in
// insertion order.
func (p *Provider) Certificates(slot *token.Slot, tmpl *token.Template) ([]*token.Certificate, error) {
	p.mu.Lock()
	p.CertificateCalls = append(p.CertificateCalls, templateValue(tmpl))
	fn := p.CertificatesFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(slot, tmpl)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.state(slot.ID)
	if s == nil {
		return nil, token.ErrSlotNotFound
	}
	var out []*token.Certificate
	for _, c := range s.certs {
		if matches(tmpl, c.ID, c.Label) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Keys returns the slot's keys of the requested class matching tmpl, in
// insertion order. Private keys are hidden until login when the token
// requires it.
func (p *Provider) Keys(slot *token.Slot, tmpl *token.Template) ([]*token.Key, error) {
	p.mu.Lock()
	p.KeyCalls = append(p.KeyCalls, templateValue(tmpl))
	fn := p.KeysFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(slot, tmpl)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.state(slot.ID)
	if s == nil {
		return nil, token.ErrSlotNotFound
	}
	private := tmpl != nil && tmpl.Private
	if private && s.slot.Token != nil && s.slot.Token.LoginRequired && !s.loggedIn {
		return nil, nil
	}
	var out []*token.Key
	for _, k := range s.keys {
		if k.key.Private == private && matches(tmpl, k.key.ID, k.key.Label) {
			out = append(out, k.key)
		}
	}
	return out, nil
}

// SignInit records the mechanism for the following Sign.
func (p *Provider) SignInit(key *token.Key, mech *token.Mechanism) error {
	return p.init(key, mech, false)
}

// DecryptInit records the mechanism for the following Decrypt.
func (p *Provider) DecryptInit(key *token.Key, mech *token.Mechanism) error {
	return p.init(key, mech, true)
}

func (p *Provider) init(key *token.Key, mech *token.Mechanism, decrypt bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn := p.SignInitFunc
	if decrypt {
		fn = p.DecryptInitFunc
	}
	var err error
	if fn != nil {
		err = fn(key, mech)
	} else if _, ok := p.pending[key.Handle]; ok {
		err = rv("C_SignInit", pkcs11.CKR_OPERATION_ACTIVE)
	}
	if err == nil {
		p.pending[key.Handle] = &pendingOp{mech: *mech, decrypt: decrypt}
	}

	call := MechanismCall{Handle: key.Handle, Mechanism: *mech, Error: err}
	if decrypt {
		p.DecryptInitCalls = append(p.DecryptInitCalls, call)
	} else {
		p.SignInitCalls = append(p.SignInitCalls, call)
	}
	return err
}

// Sign finishes the pending signature with the fixture key.
func (p *Provider) Sign(key *token.Key, data []byte) ([]byte, error) {
	out, err := p.final(key, data, false)
	p.mu.Lock()
	p.SignCalls = append(p.SignCalls, DataCall{Handle: key.Handle, Data: bytes.Clone(data), Error: err})
	p.mu.Unlock()
	return out, err
}

// Decrypt finishes the pending decryption with the fixture key.
func (p *Provider) Decrypt(key *token.Key, data []byte) ([]byte, error) {
	out, err := p.final(key, data, true)
	p.mu.Lock()
	p.DecryptCalls = append(p.DecryptCalls, DataCall{Handle: key.Handle, Data: bytes.Clone(data), Error: err})
	p.mu.Unlock()
	return out, err
}

func (p *Provider) final(key *token.Key, data []byte, decrypt bool) ([]byte, error) {
	p.mu.Lock()
	op := p.pending[key.Handle]
	delete(p.pending, key.Handle)
	fk := p.fixture(key)
	fn := p.SignFunc
	if decrypt {
		fn = p.DecryptFunc
	}
	p.mu.Unlock()

	switch {
	case op == nil || op.decrypt != decrypt:
		return nil, rv("C_Sign", pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	case key.AlwaysAuthenticate && !op.contextPIN:
		return nil, rv("C_Sign", pkcs11.CKR_USER_NOT_LOGGED_IN)
	case fn != nil:
		return fn(key, data)
	case fk == nil || fk.signer == nil:
		return nil, rv("C_Sign", pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	if decrypt {
		return decryptWith(fk.signer, &op.mech, data)
	}
	return signWith(fk.signer, &op.mech, data)
}

// Reinitialize drops pending operations and login state.
func (p *Provider) Reinitialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReinitializeCalls++
	if p.ReinitializeFunc != nil {
		return p.ReinitializeFunc()
	}
	p.pending = make(map[uint]*pendingOp)
	for _, s := range p.slots {
		s.loggedIn = false
	}
	return nil
}

// Close records the call.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCalls++
	return nil
}

// Pending reports whether the key has an unfinished operation.
func (p *Provider) Pending(key *token.Key) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.pending[key.Handle]
	return ok
}

func (p *Provider) state(slotID uint) *slotState {
	for _, s := range p.slots {
		if s.slot.ID == slotID {
			return s
		}
	}
	return nil
}

func (p *Provider) fixture(key *token.Key) *fixtureKey {
	s := p.state(key.SlotID)
	if s == nil {
		return nil
	}
	for _, k := range s.keys {
		if k.key.Handle == key.Handle {
			return k
		}
	}
	return nil
}

func (p *Provider) handle() uint {
	h := p.nextHandle
	p.nextHandle++
	return h
}

func matches(tmpl *token.Template, id []byte, label string) bool {
	if tmpl == nil {
		return true
	}
	if len(tmpl.ID) > 0 && !bytes.Equal(tmpl.ID, id) {
		return false
	}
	if tmpl.Label != nil && *tmpl.Label != label {
		return false
	}
	return true
}

func templateValue(tmpl *token.Template) token.Template {
	if tmpl == nil {
		return token.Template{}
	}
	return *tmpl
}

func rv(call string, code uint) error {
	return fmt.Errorf("%w: %s: %w", token.ErrProtocol, call, pkcs11.Error(code))
}

var _ token.Provider = (*Provider)(nil)
