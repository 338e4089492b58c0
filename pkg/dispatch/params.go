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
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-p11engine/pkg/token"
)

// SaltLengthMax requests the largest salt the key and digest allow.
// rsa.PSSSaltLengthAuto is treated the same way.
const SaltLengthMax = -2

var digestMechanisms = map[crypto.Hash]uint{
	crypto.SHA1:   pkcs11.CKM_SHA_1,
	crypto.SHA224: pkcs11.CKM_SHA224,
	crypto.SHA256: pkcs11.CKM_SHA256,
	crypto.SHA384: pkcs11.CKM_SHA384,
	crypto.SHA512: pkcs11.CKM_SHA512,
}

var mgf1Generators = map[crypto.Hash]uint{
	crypto.SHA1:   pkcs11.CKG_MGF1_SHA1,
	crypto.SHA224: pkcs11.CKG_MGF1_SHA224,
	crypto.SHA256: pkcs11.CKG_MGF1_SHA256,
	crypto.SHA384: pkcs11.CKG_MGF1_SHA384,
	crypto.SHA512: pkcs11.CKG_MGF1_SHA512,
}

// DigestInfo DER prefixes for PKCS#1 v1.5 signatures made with CKM_RSA_PKCS.
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA224: {0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c},
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// DigestMechanism maps a hash to its CKM_SHA* mechanism.
func DigestMechanism(h crypto.Hash) (uint, error) {
	m, ok := digestMechanisms[h]
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedDigest, h)
	}
	return m, nil
}

// MGF1 maps a hash to its CKG_MGF1_* generator.
func MGF1(h crypto.Hash) (uint, error) {
	g, ok := mgf1Generators[h]
	if !ok {
		return 0, fmt.Errorf("%w: MGF1 with %v", ErrUnsupportedDigest, h)
	}
	return g, nil
}

// SaltLength resolves a requested PSS salt length against the key.
// rsa.PSSSaltLengthEqualsHash (-1) yields the digest size; SaltLengthMax
// (-2) and rsa.PSSSaltLengthAuto (0) yield the maximum the modulus allows.
func SaltLength(pub *rsa.PublicKey, h crypto.Hash, requested int) (uint, error) {
	hLen := h.Size()
	switch {
	case requested == rsa.PSSSaltLengthEqualsHash:
		return uint(hLen), nil
	case requested == SaltLengthMax || requested == rsa.PSSSaltLengthAuto:
		bits := pub.N.BitLen()
		salt := (bits+7)/8 - hLen - 2
		if (bits-1)&7 == 0 {
			salt--
		}
		if salt < 0 {
			return 0, fmt.Errorf("%w: %d-bit key too small for %v", ErrSaltLength, bits, h)
		}
		return uint(salt), nil
	case requested < 0:
		return 0, fmt.Errorf("%w: %d", ErrSaltLength, requested)
	}
	return uint(requested), nil
}

// PSSMechanism translates PSS options into CKM_RSA_PKCS_PSS.
func PSSMechanism(pub *rsa.PublicKey, opts *rsa.PSSOptions) (*token.Mechanism, error) {
	h := opts.HashFunc()
	hashMech, err := DigestMechanism(h)
	if err != nil {
		return nil, err
	}
	mgf, err := MGF1(h)
	if err != nil {
		return nil, err
	}
	salt, err := SaltLength(pub, h, opts.SaltLength)
	if err != nil {
		return nil, err
	}
	return &token.Mechanism{
		Type: pkcs11.CKM_RSA_PKCS_PSS,
		PSS:  &token.PSSParams{Hash: hashMech, MGF: mgf, SaltLength: salt},
	}, nil
}

// OAEPMechanism translates OAEP options into CKM_RSA_PKCS_OAEP. A zero
// MGFHash means the OAEP hash. Labels are not supported and report
// ErrNotApplicable.
func OAEPMechanism(opts *rsa.OAEPOptions) (*token.Mechanism, error) {
	if len(opts.Label) > 0 {
		return nil, ErrNotApplicable
	}
	hashMech, err := DigestMechanism(opts.Hash)
	if err != nil {
		return nil, err
	}
	mgfHash := opts.MGFHash
	if mgfHash == 0 {
		mgfHash = opts.Hash
	}
	mgf, err := MGF1(mgfHash)
	if err != nil {
		return nil, err
	}
	return &token.Mechanism{
		Type: pkcs11.CKM_RSA_PKCS_OAEP,
		OAEP: &token.OAEPParams{Hash: hashMech, MGF: mgf, Source: pkcs11.CKZ_DATA_SPECIFIED},
	}, nil
}

// digestInfo prepends the DigestInfo header for h. A zero hash signs the
// input as is.
func digestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	if h == 0 {
		return digest, nil
	}
	prefix, ok := digestInfoPrefixes[h]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDigest, h)
	}
	if len(digest) != h.Size() {
		return nil, fmt.Errorf("%w: digest length %d for %v", ErrUnsupported, len(digest), h)
	}
	out := make([]byte, 0, len(prefix)+len(digest))
	out = append(out, prefix...)
	return append(out, digest...), nil
}
