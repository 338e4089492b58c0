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
	"crypto/ecdsa"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"math/big"

	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jeremyhahn/go-p11engine/pkg/metrics"
	"github.com/jeremyhahn/go-p11engine/pkg/token"
)

// Native is the method a key carries on its own. Software keys use their
// own Sign and Decrypt. Token keys sign PKCS#1 v1.5 with CKM_RSA_PKCS and
// ECDSA with CKM_ECDSA. RSA-PSS signatures and every RSA decryption pad in
// software around a raw CKM_RSA_X_509 operation on the token.
var Native Method = nativeMethod{}

type nativeMethod struct{}

func (nativeMethod) Sign(key crypto.PrivateKey, rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if b := bindingOf(key); b != nil {
		return tokenSign(b, rand, digest, opts)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T cannot sign", ErrUnsupportedKey, key)
	}
	sig, err := signer.Sign(rand, digest, opts)
	metrics.RecordOperation(metrics.OpSign, metrics.PathSoftware, metrics.Status(err))
	return sig, err
}

func (nativeMethod) Decrypt(key crypto.PrivateKey, rand io.Reader, msg []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	if b := bindingOf(key); b != nil {
		return tokenDecrypt(b, rand, msg, opts)
	}
	dec, ok := key.(crypto.Decrypter)
	if !ok {
		return nil, fmt.Errorf("%w: %T cannot decrypt", ErrUnsupportedKey, key)
	}
	out, err := dec.Decrypt(rand, msg, opts)
	metrics.RecordOperation(metrics.OpDecrypt, metrics.PathSoftware, metrics.Status(err))
	return out, err
}

func tokenSign(b *Binding, rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	switch pub := b.Public().(type) {
	case *rsa.PublicKey:
		if pss, ok := opts.(*rsa.PSSOptions); ok && pss != nil {
			return tokenSignPSS(b, pub, rand, digest, pss)
		}
		var h crypto.Hash
		if opts != nil {
			h = opts.HashFunc()
		}
		data, err := digestInfo(h, digest)
		if err != nil {
			return nil, err
		}
		return run(b, token.NewMechanism(pkcs11.CKM_RSA_PKCS), false, pub.Size(), data)

	case *ecdsa.PublicKey:
		size := (pub.Curve.Params().BitSize + 7) / 8
		raw, err := run(b, token.NewMechanism(pkcs11.CKM_ECDSA), false, 2*size, digest)
		if err != nil {
			return nil, err
		}
		return ecdsaASN1(raw)
	}
	return nil, fmt.Errorf("%w: %T on token key %s", ErrUnsupportedKey, b.Public(), b.Key.Label)
}

func tokenSignPSS(b *Binding, pub *rsa.PublicKey, rand io.Reader, digest []byte, opts *rsa.PSSOptions) ([]byte, error) {
	h := opts.HashFunc()
	if !h.Available() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDigest, h)
	}
	salt, err := SaltLength(pub, h, opts.SaltLength)
	if err != nil {
		return nil, err
	}
	em, err := emsaPSSEncode(digest, pub.N.BitLen()-1, int(salt), h, rand)
	if err != nil {
		return nil, err
	}
	k := pub.Size()
	sig, err := run(b, token.NewMechanism(pkcs11.CKM_RSA_X_509), false, k, leftPad(em, k))
	if err != nil {
		return nil, err
	}
	return leftPad(sig, k), nil
}

func tokenDecrypt(b *Binding, rand io.Reader, msg []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	pub, ok := b.Public().(*rsa.PublicKey)
	if !ok || pub == nil || pub.N == nil {
		return nil, fmt.Errorf("%w: decrypt with %T on token key %s", ErrUnsupportedKey, b.Public(), b.Key.Label)
	}
	switch opts.(type) {
	case nil, *rsa.PKCS1v15DecryptOptions, *rsa.OAEPOptions:
	default:
		return nil, fmt.Errorf("%w: decrypt with %T options on token key %s", ErrUnsupported, opts, b.Key.Label)
	}
	k := pub.Size()
	if len(msg) > k {
		return nil, rsa.ErrDecryption
	}
	em, err := run(b, token.NewMechanism(pkcs11.CKM_RSA_X_509), true, k, msg)
	if err != nil {
		return nil, err
	}
	em = leftPad(em, k)

	switch o := opts.(type) {
	case *rsa.OAEPOptions:
		if o == nil {
			return nil, fmt.Errorf("%w: nil OAEP options", ErrUnsupported)
		}
		return oaepUnpad(o, em)
	case *rsa.PKCS1v15DecryptOptions:
		if o != nil && o.SessionKeyLen > 0 {
			return sessionKey(rand, em, o.SessionKeyLen)
		}
	}
	return pkcs1v15Unpad(em)
}

// sessionKey returns the decrypted key when it has the expected length and
// random bytes otherwise, so padding failures are indistinguishable.
func sessionKey(rand io.Reader, em []byte, size int) ([]byte, error) {
	key := make([]byte, size)
	if rand == nil {
		rand = cryptorand.Reader
	}
	if _, err := io.ReadFull(rand, key); err != nil {
		return nil, err
	}
	out, err := pkcs1v15Unpad(em)
	if err == nil && len(out) == size {
		copy(key, out)
	}
	return key, nil
}

// ecdsaASN1 converts the token's r||s into an ASN.1 ECDSA-Sig-Value.
func ecdsaASN1(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: malformed ECDSA signature of %d bytes", token.ErrProtocol, len(raw))
	}
	half := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:half])
	s := new(big.Int).SetBytes(raw[half:])

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}
