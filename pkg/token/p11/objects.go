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

package p11

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-p11engine/pkg/token"
)

// Certificates enumerates X.509 certificate objects matching tmpl.
// Objects whose attributes cannot be read are skipped.
func (m *Module) Certificates(slot *token.Slot, tmpl *token.Template) ([]*token.Certificate, error) {
	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
	}
	attrs = appendTemplate(attrs, tmpl)

	var certs []*token.Certificate
	err := m.withSession(slot.ID, func(h pkcs11.SessionHandle) error {
		handles, err := m.findObjects(h, attrs)
		if err != nil {
			return err
		}
		for _, oh := range handles {
			values, err := m.ctx.GetAttributeValue(h, oh, []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
				pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
				pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			})
			if err != nil {
				continue
			}
			cert := &token.Certificate{
				SlotID: slot.ID,
				Handle: uint(oh),
				ID:     attrValue(values, pkcs11.CKA_ID),
				Label:  string(attrValue(values, pkcs11.CKA_LABEL)),
				Raw:    attrValue(values, pkcs11.CKA_VALUE),
			}
			if parsed, err := x509.ParseCertificate(cert.Raw); err == nil {
				cert.Certificate = parsed
			}
			certs = append(certs, cert)
		}
		return nil
	})
	return certs, err
}

// Keys enumerates private or public key objects matching tmpl, reading the
// public material of RSA and EC keys where the token exposes it.
func (m *Module) Keys(slot *token.Slot, tmpl *token.Template) ([]*token.Key, error) {
	class := uint(pkcs11.CKO_PUBLIC_KEY)
	if tmpl != nil && tmpl.Private {
		class = pkcs11.CKO_PRIVATE_KEY
	}
	attrs := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, class)}
	attrs = appendTemplate(attrs, tmpl)

	var keys []*token.Key
	err := m.withSession(slot.ID, func(h pkcs11.SessionHandle) error {
		handles, err := m.findObjects(h, attrs)
		if err != nil {
			return err
		}
		for _, oh := range handles {
			values, err := m.ctx.GetAttributeValue(h, oh, []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
				pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
				pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
			})
			if err != nil {
				continue
			}
			key := &token.Key{
				SlotID:  slot.ID,
				Handle:  uint(oh),
				ID:      attrValue(values, pkcs11.CKA_ID),
				Label:   string(attrValue(values, pkcs11.CKA_LABEL)),
				Private: class == pkcs11.CKO_PRIVATE_KEY,
			}
			if key.Private {
				key.AlwaysAuthenticate = m.boolAttr(h, oh, pkcs11.CKA_ALWAYS_AUTHENTICATE)
			}
			switch ulong(attrValue(values, pkcs11.CKA_KEY_TYPE)) {
			case pkcs11.CKK_RSA:
				key.Public = m.rsaPublic(h, oh)
			case pkcs11.CKK_EC:
				key.Public = m.ecPublic(h, oh, key)
			}
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

func (m *Module) findObjects(h pkcs11.SessionHandle, attrs []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := m.ctx.FindObjectsInit(h, attrs); err != nil {
		return nil, protocolError("C_FindObjectsInit", err)
	}
	var all []pkcs11.ObjectHandle
	for {
		batch, _, err := m.ctx.FindObjects(h, findBatch)
		if err != nil {
			_ = m.ctx.FindObjectsFinal(h)
			return nil, protocolError("C_FindObjects", err)
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}
	if err := m.ctx.FindObjectsFinal(h); err != nil {
		return nil, protocolError("C_FindObjectsFinal", err)
	}
	return all, nil
}

func (m *Module) rsaPublic(h pkcs11.SessionHandle, oh pkcs11.ObjectHandle) crypto.PublicKey {
	values, err := m.ctx.GetAttributeValue(h, oh, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return nil
	}
	n := attrValue(values, pkcs11.CKA_MODULUS)
	e := new(big.Int).SetBytes(attrValue(values, pkcs11.CKA_PUBLIC_EXPONENT))
	if len(n) == 0 || !e.IsInt64() || e.Int64() <= 0 || e.Int64() > 1<<31-1 {
		return nil
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(e.Int64())}
}

// ecPublic reads CKA_EC_PARAMS and CKA_EC_POINT. Private EC keys rarely
// carry the point, so the public key object sharing the ID is consulted.
func (m *Module) ecPublic(h pkcs11.SessionHandle, oh pkcs11.ObjectHandle, key *token.Key) crypto.PublicKey {
	values, err := m.ctx.GetAttributeValue(h, oh, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err == nil {
		if pub, err := parseECPublicKey(attrValue(values, pkcs11.CKA_EC_PARAMS), attrValue(values, pkcs11.CKA_EC_POINT)); err == nil {
			return pub
		}
	}
	if !key.Private || len(key.ID) == 0 {
		return nil
	}

	handles, err := m.findObjects(h, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, key.ID),
	})
	if err != nil || len(handles) == 0 {
		return nil
	}
	values, err = m.ctx.GetAttributeValue(h, handles[0], []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil
	}
	pub, err := parseECPublicKey(attrValue(values, pkcs11.CKA_EC_PARAMS), attrValue(values, pkcs11.CKA_EC_POINT))
	if err != nil {
		return nil
	}
	return pub
}

func (m *Module) boolAttr(h pkcs11.SessionHandle, oh pkcs11.ObjectHandle, typ uint) bool {
	values, err := m.ctx.GetAttributeValue(h, oh, []*pkcs11.Attribute{pkcs11.NewAttribute(typ, nil)})
	if err != nil {
		return false
	}
	v := attrValue(values, typ)
	return len(v) > 0 && v[0] != 0
}

func appendTemplate(attrs []*pkcs11.Attribute, tmpl *token.Template) []*pkcs11.Attribute {
	if tmpl == nil {
		return attrs
	}
	if len(tmpl.ID) > 0 {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_ID, tmpl.ID))
	}
	if tmpl.Label != nil {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_LABEL, *tmpl.Label))
	}
	return attrs
}

func attrValue(attrs []*pkcs11.Attribute, typ uint) []byte {
	for _, a := range attrs {
		if a.Type == typ {
			return bytes.Clone(a.Value)
		}
	}
	return nil
}

// ulong decodes a CK_ULONG attribute, which the library returns in host
// byte order.
func ulong(b []byte) uint {
	switch len(b) {
	case 8:
		return uint(binary.NativeEndian.Uint64(b))
	case 4:
		return uint(binary.NativeEndian.Uint32(b))
	case 2:
		return uint(binary.NativeEndian.Uint16(b))
	case 1:
		return uint(b[0])
	}
	return 0
}
