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
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-p11engine/pkg/correlation"
	"github.com/jeremyhahn/go-p11engine/pkg/logging"
	"github.com/jeremyhahn/go-p11engine/pkg/metrics"
	"github.com/jeremyhahn/go-p11engine/pkg/token"
	"github.com/jeremyhahn/go-p11engine/pkg/uri"
)

// matcher looks for one object on a slot. It reports false with a nil
// error when the slot has nothing suitable.
type matcher[T any] func(log logging.Logger, slot *token.Slot, sel *uri.Selector) (T, bool, error)

// LoadCertificate resolves identifier to a certificate. The result is an
// independent copy.
func (c *Context) LoadCertificate(ctx context.Context, identifier string) (*x509.Certificate, error) {
	cert, err := lookup(ctx, c, metrics.ObjectCertificate, identifier, c.matchCertificate)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParseCertificate(bytes.Clone(cert.Raw))
	if err != nil {
		return nil, fmt.Errorf("engine: certificate %q: %w", cert.Label, err)
	}
	return parsed, nil
}

// LoadPublicKey resolves identifier to a public key. Public key objects
// are preferred; the public half of a private key object is used when the
// token has no public object.
func (c *Context) LoadPublicKey(ctx context.Context, identifier string) (crypto.PublicKey, error) {
	key, err := lookup(ctx, c, metrics.ObjectPublicKey, identifier, c.matchPublicKey)
	if err != nil {
		return nil, err
	}
	if key.Public == nil {
		return nil, fmt.Errorf("engine: key %q exposes no public key material", key.Label)
	}
	return key.Public, nil
}

// LoadPrivateKey resolves identifier to a token-resident private key.
func (c *Context) LoadPrivateKey(ctx context.Context, identifier string) (*PrivateKey, error) {
	key, err := lookup(ctx, c, metrics.ObjectPrivateKey, identifier, c.keyMatcher(true))
	if err != nil {
		return nil, err
	}
	return c.newPrivateKey(key), nil
}

func lookup[T any](ctx context.Context, c *Context, object, identifier string, match matcher[T]) (T, error) {
	start := time.Now()
	obj, err := resolve(ctx, c, object, identifier, match)

	status := metrics.Status(err)
	if errors.Is(err, ErrObjectNotFound) {
		status = metrics.StatusNotFound
	}
	metrics.RecordLookup(object, status, time.Since(start).Seconds())
	return obj, err
}

// resolve tries without login first, unless login is forced, and then
// with login.
func resolve[T any](ctx context.Context, c *Context, object, identifier string, match matcher[T]) (T, error) {
	var zero T
	if err := c.ensureProcess(); err != nil {
		return zero, err
	}

	ctx, lookupID := correlation.Ensure(ctx)
	log := c.log().With(logging.String(correlation.LogField, lookupID), logging.String("object", object))

	sel, err := uri.Parse(identifier)
	if err != nil {
		log.Error("identifier is neither a PKCS#11 URI nor a legacy ID", logging.Error(err))
		return zero, err
	}
	defer sel.Clear()

	if sel.PIN != nil {
		buf, err := sel.PIN.Clone()
		if err != nil {
			return zero, fmt.Errorf("%w: %w", ErrAuth, err)
		}
		c.installPIN(buf)
	}

	slots, err := c.Refresh()
	if err != nil {
		return zero, err
	}

	if !c.forced() {
		obj, found, err := try(ctx, c, log, sel, slots, false, match)
		if err != nil && !errors.Is(err, ErrMatch) {
			return zero, err
		}
		if found {
			return obj, nil
		}
	}

	obj, found, err := try(ctx, c, log, sel, slots, true, match)
	if err != nil {
		return zero, err
	}
	if !found {
		log.Error("object was not found", logging.String("selector", sel.String()))
		return zero, fmt.Errorf("%w: %s at %q", ErrObjectNotFound, object, sel.String())
	}
	return obj, nil
}

// try runs one lookup pass. Without login every matched slot is searched
// and enumeration errors only skip the slot. With login, a single
// initialized token is logged into and searched; errors against it are
// fatal. Several initialized tokens are never logged into.
func try[T any](ctx context.Context, c *Context, log logging.Logger, sel *uri.Selector, slots []*token.Slot, login bool, match matcher[T]) (T, bool, error) {
	var zero T

	dumpSlots(log, slots, logging.LevelDebug)
	matched, err := matchSlots(sel, slots)
	if err != nil {
		log.Error("no slot matched", logging.String("selector", sel.String()), logging.Error(err))
		return zero, false, err
	}
	log.Info("looking in slots",
		logging.String("selector", sel.String()),
		logging.Bool("login", login),
		logging.Int("matched", len(matched)))

	if !login {
		return scan(log, matched, sel, match)
	}

	target := matched[0]
	if len(matched) > 1 {
		initialized, uninitialized := partition(matched)
		if len(initialized) != 1 {
			if len(initialized) > 1 {
				candidates := make([]string, 0, len(initialized))
				for _, slot := range initialized {
					candidates = append(candidates, logging.Sanitize(fmt.Sprintf("[%d] %s: %s", slot.ID, slot.Description, tokenLabel(slot))))
				}
				log.Warn("multiple matching slots, will not try to login",
					logging.Int("count", len(initialized)),
					logging.Strings("candidates", candidates))
			}
			return scan(log, uninitialized, sel, match)
		}
		target = initialized[0]
	}

	log.Info("found token",
		logging.Uint("slot_id", target.ID),
		logging.Label("description", target.Description),
		logging.Label("token", tokenLabel(target)))
	if err := c.login(ctx, log, target); err != nil {
		return zero, false, err
	}
	obj, ok, err := match(log, target, sel)
	if err != nil {
		return zero, false, fmt.Errorf("engine: slot %d: %w", target.ID, err)
	}
	return obj, ok, nil
}

func scan[T any](log logging.Logger, slots []*token.Slot, sel *uri.Selector, match matcher[T]) (T, bool, error) {
	var zero T
	for _, slot := range slots {
		obj, ok, err := match(log, slot, sel)
		if err != nil {
			log.Warn("unable to enumerate objects", logging.Uint("slot_id", slot.ID), logging.Error(err))
			continue
		}
		if ok {
			return obj, true, nil
		}
	}
	return zero, false, nil
}

func template(sel *uri.Selector, private bool) *token.Template {
	return &token.Template{ID: sel.ID, Label: sel.Label, Private: private}
}

func (c *Context) matchCertificate(log logging.Logger, slot *token.Slot, sel *uri.Selector) (*token.Certificate, bool, error) {
	certs, err := c.provider.Certificates(slot, template(sel, false))
	if err != nil {
		return nil, false, err
	}
	if len(certs) == 0 {
		log.Debug("no certificate found", logging.Uint("slot_id", slot.ID))
		return nil, false, nil
	}
	for i, cert := range certs {
		log.Debug("certificate", objectFields(cert.ID, cert.Label, expiry(cert), logging.Int("index", i+1))...)
	}
	best, which := selectCertificate(certs, sel)
	if best == nil {
		log.Debug("no matching certificate", logging.Uint("slot_id", slot.ID))
		return nil, false, nil
	}
	log.Info("returning certificate", objectFields(best.ID, best.Label, expiry(best), logging.String("which", which))...)
	return best, true, nil
}

func (c *Context) keyMatcher(private bool) matcher[*token.Key] {
	kind := "public"
	if private {
		kind = "private"
	}
	return func(log logging.Logger, slot *token.Slot, sel *uri.Selector) (*token.Key, bool, error) {
		keys, err := c.provider.Keys(slot, template(sel, private))
		if err != nil {
			return nil, false, err
		}
		if len(keys) == 0 {
			log.Debug("no key found", logging.String("class", kind), logging.Uint("slot_id", slot.ID))
			return nil, false, nil
		}
		for i, k := range keys {
			log.Debug("key", objectFields(k.ID, k.Label, "", logging.Int("index", i+1))...)
		}
		key, which := selectKey(keys, sel)
		if key == nil {
			log.Debug("no matching key", logging.String("class", kind), logging.Uint("slot_id", slot.ID))
			return nil, false, nil
		}
		log.Info("returning key", objectFields(key.ID, key.Label, "",
			logging.String("which", which), logging.String("class", kind))...)
		return key, true, nil
	}
}

func (c *Context) matchPublicKey(log logging.Logger, slot *token.Slot, sel *uri.Selector) (*token.Key, bool, error) {
	key, ok, err := c.keyMatcher(false)(log, slot, sel)
	if err != nil || ok {
		return key, ok, err
	}
	key, ok, err = c.keyMatcher(true)(log, slot, sel)
	if err != nil || !ok || key.Public == nil {
		return nil, false, err
	}
	return key, true, nil
}

// objectFields describes an object for the log after the leading fields.
func objectFields(id []byte, label, notAfter string, lead ...logging.Field) []logging.Field {
	fields := lead
	if len(id) > 0 {
		fields = append(fields, logging.String("id", uri.FormatHex(id)))
	}
	if label != "" {
		fields = append(fields, logging.Label("label", label))
	}
	if notAfter != "" {
		fields = append(fields, logging.String("expiry", notAfter))
	}
	return fields
}

func expiry(cert *token.Certificate) string {
	t := cert.NotAfter()
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
