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
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-p11engine/pkg/token"
)

var mechanismHashes = map[uint]crypto.Hash{
	pkcs11.CKM_SHA_1:  crypto.SHA1,
	pkcs11.CKM_SHA224: crypto.SHA224,
	pkcs11.CKM_SHA256: crypto.SHA256,
	pkcs11.CKM_SHA384: crypto.SHA384,
	pkcs11.CKM_SHA512: crypto.SHA512,
}

func signWith(signer crypto.Signer, mech *token.Mechanism, data []byte) ([]byte, error) {
	switch mech.Type {
	case pkcs11.CKM_RSA_PKCS_PSS:
		priv, ok := signer.(*rsa.PrivateKey)
		if !ok || mech.PSS == nil {
			return nil, rv("C_Sign", pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		hash, ok := mechanismHashes[mech.PSS.Hash]
		if !ok {
			return nil, rv("C_Sign", pkcs11.CKR_MECHANISM_PARAM_INVALID)
		}
		return rsa.SignPSS(rand.Reader, priv, hash, data, &rsa.PSSOptions{
			SaltLength: int(mech.PSS.SaltLength),
			Hash:       hash,
		})

	case pkcs11.CKM_RSA_PKCS:
		priv, ok := signer.(*rsa.PrivateKey)
		if !ok {
			return nil, rv("C_Sign", pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		// Hash 0 signs the DigestInfo the caller already prepended.
		return rsa.SignPKCS1v15(nil, priv, 0, data)

	case pkcs11.CKM_RSA_X_509:
		priv, ok := signer.(*rsa.PrivateKey)
		if !ok {
			return nil, rv("C_Sign", pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		return rawRSA(priv, data, "C_Sign")

	case pkcs11.CKM_ECDSA:
		priv, ok := signer.(*ecdsa.PrivateKey)
		if !ok {
			return nil, rv("C_Sign", pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		r, s, err := ecdsa.Sign(rand.Reader, priv, data)
		if err != nil {
			return nil, err
		}
		size := (priv.Curve.Params().BitSize + 7) / 8
		out := make([]byte, 2*size)
		r.FillBytes(out[:size])
		s.FillBytes(out[size:])
		return out, nil
	}
	return nil, rv("C_Sign", pkcs11.CKR_MECHANISM_INVALID)
}

func decryptWith(signer crypto.Signer, mech *token.Mechanism, data []byte) ([]byte, error) {
	priv, ok := signer.(*rsa.PrivateKey)
	if !ok {
		return nil, rv("C_Decrypt", pkcs11.CKR_KEY_TYPE_INCONSISTENT)
	}

	switch mech.Type {
	case pkcs11.CKM_RSA_PKCS:
		out, err := rsa.DecryptPKCS1v15(nil, priv, data)
		if err != nil {
			return nil, rv("C_Decrypt", pkcs11.CKR_ENCRYPTED_DATA_INVALID)
		}
		return out, nil

	case pkcs11.CKM_RSA_X_509:
		return rawRSA(priv, data, "C_Decrypt")

	case pkcs11.CKM_RSA_PKCS_OAEP:
		if mech.OAEP == nil {
			return nil, rv("C_Decrypt", pkcs11.CKR_MECHANISM_PARAM_INVALID)
		}
		hash, ok := mechanismHashes[mech.OAEP.Hash]
		if !ok {
			return nil, rv("C_Decrypt", pkcs11.CKR_MECHANISM_PARAM_INVALID)
		}
		mgf, ok := mgfHashes[mech.OAEP.MGF]
		if !ok {
			return nil, rv("C_Decrypt", pkcs11.CKR_MECHANISM_PARAM_INVALID)
		}
		out, err := priv.Decrypt(nil, data, &rsa.OAEPOptions{Hash: hash, MGFHash: mgf, Label: mech.OAEP.Label})
		if err != nil {
			return nil, rv("C_Decrypt", pkcs11.CKR_ENCRYPTED_DATA_INVALID)
		}
		return out, nil
	}
	return nil, rv("C_Decrypt", pkcs11.CKR_MECHANISM_INVALID)
}

var mgfHashes = map[uint]crypto.Hash{
	pkcs11.CKG_MGF1_SHA1:   crypto.SHA1,
	pkcs11.CKG_MGF1_SHA224: crypto.SHA224,
	pkcs11.CKG_MGF1_SHA256: crypto.SHA256,
	pkcs11.CKG_MGF1_SHA384: crypto.SHA384,
	pkcs11.CKG_MGF1_SHA512: crypto.SHA512,
}

func rawRSA(priv *rsa.PrivateKey, data []byte, call string) ([]byte, error) {
	c := new(big.Int).SetBytes(data)
	if len(data) == 0 || c.Cmp(priv.N) >= 0 {
		return nil, rv(call, pkcs11.CKR_DATA_LEN_RANGE)
	}
	m := new(big.Int).Exp(c, priv.D, priv.N)
	return m.FillBytes(make([]byte, priv.Size())), nil
}
