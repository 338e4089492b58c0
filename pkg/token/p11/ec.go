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
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// ErrUnsupportedCurve is returned for EC parameters naming an unknown curve.
	ErrUnsupportedCurve = errors.New("p11: unsupported elliptic curve")

	// ErrInvalidECPoint is returned when CKA_EC_POINT cannot be decoded.
	ErrInvalidECPoint = errors.New("p11: invalid EC point")
)

var namedCurves = []struct {
	oid   asn1.ObjectIdentifier
	curve elliptic.Curve
}{
	{asn1.ObjectIdentifier{1, 3, 132, 0, 33}, elliptic.P224()},
	{asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}, elliptic.P256()},
	{asn1.ObjectIdentifier{1, 3, 132, 0, 34}, elliptic.P384()},
	{asn1.ObjectIdentifier{1, 3, 132, 0, 35}, elliptic.P521()},
}

// parseECPublicKey decodes CKA_EC_PARAMS (a named curve OID) and
// CKA_EC_POINT. The point is normally a DER OCTET STRING, but some
// modules return the bare uncompressed point.
func parseECPublicKey(params, point []byte) (*ecdsa.PublicKey, error) {
	var oid asn1.ObjectIdentifier
	in := cryptobyte.String(params)
	if !in.ReadASN1ObjectIdentifier(&oid) || !in.Empty() {
		return nil, fmt.Errorf("%w: parameters are not a named curve", ErrUnsupportedCurve)
	}

	var curve elliptic.Curve
	for _, nc := range namedCurves {
		if nc.oid.Equal(oid) {
			curve = nc.curve
			break
		}
	}
	if curve == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurve, oid)
	}

	size := (curve.Params().BitSize + 7) / 8
	if len(point) != 1+2*size || point[0] != 4 {
		raw := cryptobyte.String(point)
		var inner cryptobyte.String
		if raw.ReadASN1(&inner, cbasn1.OCTET_STRING) && raw.Empty() {
			point = inner
		}
	}

	pub, err := ecdsa.ParseUncompressedPublicKey(curve, point)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidECPoint, err)
	}
	return pub, nil
}
