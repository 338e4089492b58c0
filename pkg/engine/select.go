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

package engine

import (
	"bytes"

	"github.com/jeremyhahn/go-p11engine/pkg/token"
	"github.com/jeremyhahn/go-p11engine/pkg/uri"
)

// selectCertificate picks one certificate. With an ID and/or label only
// exact matches qualify and the one expiring last wins. Without either,
// the first certificate carrying an ID is used, else the first one.
func selectCertificate(certs []*token.Certificate, sel *uri.Selector) (*token.Certificate, string) {
	if len(certs) == 0 {
		return nil, ""
	}
	if sel.HasID() || sel.Label != nil {
		var best *token.Certificate
		for _, c := range certs {
			if objectMatches(sel, c.ID, c.Label) {
				best = betterCertificate(best, c)
			}
		}
		return best, "longest expiry matching"
	}
	for _, c := range certs {
		if len(c.ID) > 0 {
			return c, "first (with id present)"
		}
	}
	return certs[0], "first"
}

// betterCertificate returns whichever of a and b expires later. Equal
// expiry is broken by comparing the DER encodings so the choice does not
// depend on enumeration order.
func betterCertificate(a, b *token.Certificate) *token.Certificate {
	if a == nil || a.Certificate == nil {
		return b
	}
	if b == nil || b.Certificate == nil {
		return a
	}
	ta, tb := a.NotAfter(), b.NotAfter()
	switch {
	case ta.After(tb):
		return a
	case tb.After(ta):
		return b
	}
	if bytes.Compare(a.Raw, b.Raw) < 1 {
		return b
	}
	return a
}

// selectKey returns the first key when neither ID nor label is given,
// otherwise the last key matching them.
func selectKey(keys []*token.Key, sel *uri.Selector) (*token.Key, string) {
	if len(keys) == 0 {
		return nil, ""
	}
	if !sel.HasID() && sel.Label == nil {
		return keys[0], "first"
	}
	var last *token.Key
	for _, k := range keys {
		if objectMatches(sel, k.ID, k.Label) {
			last = k
		}
	}
	return last, "last matching"
}

func objectMatches(sel *uri.Selector, id []byte, label string) bool {
	if sel.Label != nil && *sel.Label != label {
		return false
	}
	if sel.HasID() && !bytes.Equal(sel.ID, id) {
		return false
	}
	return true
}
