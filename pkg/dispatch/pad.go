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
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
)

// emsaPSSEncode builds the RFC 8017 EMSA-PSS encoding of mHash for a
// modulus of emBits+1 bits. MGF1 uses the message hash.
func emsaPSSEncode(mHash []byte, emBits, sLen int, h crypto.Hash, random io.Reader) ([]byte, error) {
	hLen := h.Size()
	emLen := (emBits + 7) / 8
	if len(mHash) != hLen {
		return nil, fmt.Errorf("%w: digest length %d for %v", ErrUnsupported, len(mHash), h)
	}
	if emLen < hLen+sLen+2 {
		return nil, fmt.Errorf("%w: %d-byte salt with %v", ErrSaltLength, sLen, h)
	}
	if random == nil {
		random = rand.Reader
	}

	salt := make([]byte, sLen)
	if _, err := io.ReadFull(random, salt); err != nil {
		return nil, fmt.Errorf("dispatch: PSS salt: %w", err)
	}

	d := h.New()
	d.Write(make([]byte, 8))
	d.Write(mHash)
	d.Write(salt)
	mPrime := d.Sum(nil)

	em := make([]byte, emLen)
	db := em[:emLen-hLen-1]
	db[emLen-sLen-hLen-2] = 0x01
	copy(db[emLen-sLen-hLen-1:], salt)
	mgf1XOR(db, h, mPrime)
	db[0] &= 0xff >> (8*emLen - emBits)
	copy(em[emLen-hLen-1:], mPrime)
	em[emLen-1] = 0xbc
	return em, nil
}

// oaepUnpad reverses EME-OAEP on the raw RSA output em of a k-byte key.
func oaepUnpad(opts *rsa.OAEPOptions, em []byte) ([]byte, error) {
	h := opts.Hash
	mgfHash := opts.MGFHash
	if mgfHash == 0 {
		mgfHash = h
	}
	if !h.Available() || !mgfHash.Available() {
		return nil, fmt.Errorf("%w: OAEP with %v/%v", ErrUnsupportedDigest, h, mgfHash)
	}
	hLen := h.Size()
	if len(em) < 2*hLen+2 {
		return nil, rsa.ErrDecryption
	}

	l := h.New()
	l.Write(opts.Label)
	lHash := l.Sum(nil)

	seed := append([]byte(nil), em[1:1+hLen]...)
	db := append([]byte(nil), em[1+hLen:]...)
	mgf1XOR(seed, mgfHash, db)
	mgf1XOR(db, mgfHash, seed)

	good := subtle.ConstantTimeByteEq(em[0], 0)
	good &= subtle.ConstantTimeCompare(db[:hLen], lHash)

	rest := db[hLen:]
	lookingForIndex, index, invalid := 1, 0, 0
	for i, b := range rest {
		equals0 := subtle.ConstantTimeByteEq(b, 0)
		equals1 := subtle.ConstantTimeByteEq(b, 1)
		index = subtle.ConstantTimeSelect(lookingForIndex&equals1, i, index)
		lookingForIndex = subtle.ConstantTimeSelect(equals1, 0, lookingForIndex)
		invalid = subtle.ConstantTimeSelect(lookingForIndex&^equals0, 1, invalid)
	}
	if good&^invalid&^lookingForIndex != 1 {
		return nil, rsa.ErrDecryption
	}
	return rest[index+1:], nil
}

// pkcs1v15Unpad reverses the PKCS#1 v1.5 type 2 block in em.
func pkcs1v15Unpad(em []byte) ([]byte, error) {
	if len(em) < 11 {
		return nil, rsa.ErrDecryption
	}
	good := subtle.ConstantTimeByteEq(em[0], 0) & subtle.ConstantTimeByteEq(em[1], 2)

	lookingForIndex, index := 1, 0
	for i := 2; i < len(em); i++ {
		equals0 := subtle.ConstantTimeByteEq(em[i], 0)
		index = subtle.ConstantTimeSelect(lookingForIndex&equals0, i, index)
		lookingForIndex = subtle.ConstantTimeSelect(equals0, 0, lookingForIndex)
	}
	// At least eight bytes of non-zero padding.
	good &= subtle.ConstantTimeLessOrEq(10, index)
	if good&^lookingForIndex != 1 {
		return nil, rsa.ErrDecryption
	}
	return em[index+1:], nil
}

func mgf1XOR(out []byte, h crypto.Hash, seed []byte) {
	var counter [4]byte
	done := 0
	for n := uint32(0); done < len(out); n++ {
		binary.BigEndian.PutUint32(counter[:], n)
		d := h.New()
		d.Write(seed)
		d.Write(counter[:])
		for _, b := range d.Sum(nil) {
			if done == len(out) {
				break
			}
			out[done] ^= b
			done++
		}
	}
}

// leftPad widens b to size bytes. Some tokens strip leading zeros from raw
// RSA output.
func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
