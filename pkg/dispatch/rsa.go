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
	"crypto/rsa"
	"errors"
	"io"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-p11engine/pkg/token"
)

// rsaInterceptor runs PSS signatures and PKCS#1/OAEP decryption on the
// token for bound keys and hands everything else to the wrapped method.
// A token that refuses the mechanism at init is also handed over; once the
// primitive has been issued its result is final.
type rsaInterceptor struct {
	next Method
}

// NewRSAInterceptor wraps next with the token-backed RSA path.
func NewRSAInterceptor(next Method) Method {
	return &rsaInterceptor{next: next}
}

func (m *rsaInterceptor) Sign(key crypto.PrivateKey, rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	sig, err := m.trySign(key, digest, opts)
	if errors.Is(err, ErrNotApplicable) || errors.Is(err, ErrInit) {
		return m.next.Sign(key, rand, digest, opts)
	}
	return sig, err
}

func (m *rsaInterceptor) Decrypt(key crypto.PrivateKey, rand io.Reader, msg []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	out, err := m.tryDecrypt(key, msg, opts)
	if errors.Is(err, ErrNotApplicable) || errors.Is(err, ErrInit) {
		return m.next.Decrypt(key, rand, msg, opts)
	}
	return out, err
}

func (m *rsaInterceptor) trySign(key crypto.PrivateKey, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	b, pub := rsaBinding(key)
	if b == nil {
		return nil, ErrNotApplicable
	}
	pss, ok := opts.(*rsa.PSSOptions)
	if !ok || pss == nil {
		return nil, ErrNotApplicable
	}
	if h := pss.HashFunc(); !h.Available() || len(digest) != h.Size() {
		return nil, ErrNotApplicable
	}
	mech, err := PSSMechanism(pub, pss)
	if err != nil {
		return nil, err
	}
	return run(b, mech, false, pub.Size(), digest)
}

func (m *rsaInterceptor) tryDecrypt(key crypto.PrivateKey, msg []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	b, pub := rsaBinding(key)
	if b == nil {
		return nil, ErrNotApplicable
	}

	var mech *token.Mechanism
	switch o := opts.(type) {
	case nil:
		mech = token.NewMechanism(pkcs11.CKM_RSA_PKCS)
	case *rsa.PKCS1v15DecryptOptions:
		if o != nil && o.SessionKeyLen > 0 {
			return nil, ErrNotApplicable
		}
		mech = token.NewMechanism(pkcs11.CKM_RSA_PKCS)
	case *rsa.OAEPOptions:
		var err error
		if mech, err = OAEPMechanism(o); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNotApplicable
	}
	return run(b, mech, true, pub.Size(), msg)
}

// rsaBinding returns the binding of a token RSA key with a known modulus.
func rsaBinding(key crypto.PrivateKey) (*Binding, *rsa.PublicKey) {
	b := bindingOf(key)
	if b == nil {
		return nil, nil
	}
	pub, ok := b.Public().(*rsa.PublicKey)
	if !ok || pub == nil || pub.N == nil {
		return nil, nil
	}
	return b, pub
}
