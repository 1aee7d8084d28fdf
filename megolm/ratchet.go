// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package megolm implements the megolm group ratchet. A sender encrypts
// every message to a room with a key derived from a four part hash ratchet.
// The ratchet can be advanced cheaply by any amount but never reversed, so a
// receiver holding the ratchet at index i can decrypt messages from i
// onwards and nothing before it.
package megolm

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// RatchetParts is the number of parts of the ratchet.
	RatchetParts = 4

	// RatchetPartLength is the length in bytes of each ratchet part.
	RatchetPartLength = 32

	// RatchetLength is the length of the whole serialized ratchet.
	RatchetLength = RatchetParts * RatchetPartLength
)

var kdfKeysInfo = []byte("MEGOLM_KEYS")

// hashKeySeeds are the HMAC inputs used to derive each part of the ratchet.
var hashKeySeeds = [RatchetParts][]byte{{0x00}, {0x01}, {0x02}, {0x03}}

// Ratchet is the megolm hash ratchet: R(0)..R(3) plus the message index it
// is positioned at.
type Ratchet struct {
	data    [RatchetParts][RatchetPartLength]byte
	counter uint32
}

// NewRatchet builds a ratchet positioned at counter.
func NewRatchet(data [RatchetLength]byte, counter uint32) *Ratchet {
	r := &Ratchet{counter: counter}
	for i := 0; i < RatchetParts; i++ {
		copy(r.data[i][:], data[i*RatchetPartLength:])
	}
	return r
}

// Index returns the message index the ratchet is positioned at.
func (r *Ratchet) Index() uint32 {
	return r.counter
}

// Bytes returns the serialized ratchet data.
func (r *Ratchet) Bytes() [RatchetLength]byte {
	var b [RatchetLength]byte
	for i := 0; i < RatchetParts; i++ {
		copy(b[i*RatchetPartLength:], r.data[i][:])
	}
	return b
}

// rehashPart sets R(to) = HMAC(R(from), seed(to)).
func (r *Ratchet) rehashPart(from, to int) {
	mac := hmac.New(sha256.New, r.data[from][:])
	mac.Write(hashKeySeeds[to])
	mac.Sum(r.data[to][:0])
}

// Advance moves the ratchet forward by one index.
func (r *Ratchet) Advance() {
	mask := uint32(0x00ffffff)
	h := 0
	r.counter++

	// Find the most significant part that changes.
	for h < RatchetParts {
		if r.counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}

	// Update R(h)..R(3) based on R(h).
	for i := RatchetParts - 1; i >= h; i-- {
		r.rehashPart(h, i)
	}
}

// AdvanceTo moves the ratchet forward to index target. Advancing to an
// index lower than the current one wraps around the 32 bit counter.
func (r *Ratchet) AdvanceTo(target uint32) {
	for j := 0; j < RatchetParts; j++ {
		shift := uint((RatchetParts - j - 1) * 8)
		mask := ^uint32(0) << shift

		// How many times R(j) needs to be rehashed. The 0xff mask
		// handles wraparound.
		steps := ((target >> shift) - (r.counter >> shift)) & 0xff
		if steps == 0 {
			// Only R(0) can reach this with counter > target, which
			// means the counter wrapped and R(0) needs a full cycle.
			if target < r.counter {
				steps = 0x100
			} else {
				continue
			}
		}

		// All but the last step only bump R(j).
		for ; steps > 1; steps-- {
			r.rehashPart(j, j)
		}

		// The last step also resets R(j+1)..R(3) from R(j).
		for k := RatchetParts - 1; k >= j; k-- {
			r.rehashPart(j, k)
		}
		r.counter = target & mask
	}
}

// Clone returns a copy of the ratchet.
func (r *Ratchet) Clone() *Ratchet {
	c := *r
	return &c
}

// cipher derives the AEAD and nonce for the ratchet's current index.
func (r *Ratchet) cipher() (aeadCipher, [chacha20poly1305.NonceSize]byte, error) {
	var nonce [chacha20poly1305.NonceSize]byte
	var material [chacha20poly1305.KeySize + chacha20poly1305.NonceSize]byte
	secret := r.Bytes()
	kdf := hkdf.New(sha256.New, secret[:], nil, kdfKeysInfo)
	if _, err := io.ReadFull(kdf, material[:]); err != nil {
		return nil, nonce, err
	}
	aead, err := chacha20poly1305.New(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, nonce, err
	}
	copy(nonce[:], material[chacha20poly1305.KeySize:])
	return aead, nonce, nil
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, ad []byte) []byte
	Open(dst, nonce, ciphertext, ad []byte) ([]byte, error)
}
