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

package token

import (
	"fmt"

	"github.com/miekg/pkcs11"
)

// PSSParams are the CK_RSA_PKCS_PSS_PARAMS of a CKM_RSA_PKCS_PSS operation.
type PSSParams struct {
	Hash       uint
	MGF        uint
	SaltLength uint
}

// OAEPParams are the CK_RSA_PKCS_OAEP_PARAMS of a CKM_RSA_PKCS_OAEP operation.
type OAEPParams struct {
	Hash   uint
	MGF    uint
	Source uint
	Label  []byte
}

// Mechanism describes a token operation and its parameters. At most one
// of PSS and OAEP is set.
type Mechanism struct {
	Type uint
	PSS  *PSSParams
	OAEP *OAEPParams
}

// NewMechanism returns a parameterless mechanism.
func NewMechanism(typ uint) *Mechanism {
	return &Mechanism{Type: typ}
}

// PKCS11 converts the descriptor into the miekg/pkcs11 form.
func (m *Mechanism) PKCS11() []*pkcs11.Mechanism {
	switch {
	case m.PSS != nil:
		return []*pkcs11.Mechanism{pkcs11.NewMechanism(m.Type,
			pkcs11.NewPSSParams(m.PSS.Hash, m.PSS.MGF, m.PSS.SaltLength))}
	case m.OAEP != nil:
		return []*pkcs11.Mechanism{pkcs11.NewMechanism(m.Type,
			pkcs11.NewOAEPParams(m.OAEP.Hash, m.OAEP.MGF, m.OAEP.Source, m.OAEP.Label))}
	default:
		return []*pkcs11.Mechanism{pkcs11.NewMechanism(m.Type, nil)}
	}
}

// String names the mechanism for diagnostics.
func (m *Mechanism) String() string {
	name, ok := mechanismNames[m.Type]
	if !ok {
		name = fmt.Sprintf("CKM_0x%08X", m.Type)
	}
	switch {
	case m.PSS != nil:
		return fmt.Sprintf("%s(hash=0x%X mgf=0x%X salt=%d)", name, m.PSS.Hash, m.PSS.MGF, m.PSS.SaltLength)
	case m.OAEP != nil:
		return fmt.Sprintf("%s(hash=0x%X mgf=0x%X)", name, m.OAEP.Hash, m.OAEP.MGF)
	}
	return name
}

var mechanismNames = map[uint]string{
	pkcs11.CKM_RSA_PKCS:      "CKM_RSA_PKCS",
	pkcs11.CKM_RSA_X_509:     "CKM_RSA_X_509",
	pkcs11.CKM_RSA_PKCS_PSS:  "CKM_RSA_PKCS_PSS",
	pkcs11.CKM_RSA_PKCS_OAEP: "CKM_RSA_PKCS_OAEP",
	pkcs11.CKM_ECDSA:         "CKM_ECDSA",
}
