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
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"sync"
)

// Method is one algorithm's private-key operation table.
type Method interface {
	Sign(key crypto.PrivateKey, rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error)
	Decrypt(key crypto.PrivateKey, rand io.Reader, msg []byte, opts crypto.DecrypterOpts) ([]byte, error)
}

// Registry maps a public key algorithm to its Method.
type Registry struct {
	mu      sync.RWMutex
	methods map[x509.PublicKeyAlgorithm]Method
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[x509.PublicKeyAlgorithm]Method)}
}

// Register installs m for alg, replacing any previous method.
func (r *Registry) Register(alg x509.PublicKeyAlgorithm, m Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[alg] = m
}

// Method returns the method registered for alg.
func (r *Registry) Method(alg x509.PublicKeyAlgorithm) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[alg]
	return m, ok
}

// Intercept replaces the method for alg with wrap(current). When nothing
// is registered yet, Native is wrapped.
func (r *Registry) Intercept(alg x509.PublicKeyAlgorithm, wrap func(Method) Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.methods[alg]
	if !ok {
		current = Native
	}
	r.methods[alg] = wrap(current)
}

// Sign dispatches on the algorithm of pub.
func (r *Registry) Sign(pub crypto.PublicKey, key crypto.PrivateKey, rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	m, err := r.lookup(pub)
	if err != nil {
		return nil, err
	}
	return m.Sign(key, rand, digest, opts)
}

// Decrypt dispatches on the algorithm of pub.
func (r *Registry) Decrypt(pub crypto.PublicKey, key crypto.PrivateKey, rand io.Reader, msg []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	m, err := r.lookup(pub)
	if err != nil {
		return nil, err
	}
	return m.Decrypt(key, rand, msg, opts)
}

func (r *Registry) lookup(pub crypto.PublicKey) (Method, error) {
	alg := AlgorithmOf(pub)
	m, ok := r.Method(alg)
	if !ok {
		return nil, fmt.Errorf("%w: no method for %s", ErrUnsupportedKey, alg)
	}
	return m, nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, building it on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()
		r.Register(x509.RSA, Native)
		r.Register(x509.ECDSA, Native)
		r.Register(x509.Ed25519, Native)
		r.Intercept(x509.RSA, NewRSAInterceptor)
		defaultRegistry = r
	})
	return defaultRegistry
}

// AlgorithmOf classifies a public key.
func AlgorithmOf(pub crypto.PublicKey) x509.PublicKeyAlgorithm {
	switch pub.(type) {
	case *rsa.PublicKey:
		return x509.RSA
	case *ecdsa.PublicKey:
		return x509.ECDSA
	case ed25519.PublicKey:
		return x509.Ed25519
	}
	return x509.UnknownPublicKeyAlgorithm
}
