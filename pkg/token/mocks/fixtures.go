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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/jeremyhahn/go-p11engine/pkg/token"
)

// ReadyToken returns an initialized token that requires login and has a
// user PIN set, the common shape of a personalized smart card.
func ReadyToken(label string) *token.Token {
	return &token.Token{
		Label:        label,
		Manufacturer: "ACME",
		SerialNumber: "0000" + label,
		Model:        "Mock v1",
		Flags: token.Flags{
			Initialized:   true,
			LoginRequired: true,
			UserPINSet:    true,
		},
	}
}

// NewCertificate creates a self-signed certificate valid until notAfter.
func NewCertificate(cn string, serial int64, notAfter time.Time) (*x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}
