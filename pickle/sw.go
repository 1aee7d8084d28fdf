// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pickle

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// minBoxSize is the minimum size of a sealed box packed with its nonce.
const minBoxSize = 24 + secretbox.Overhead

// seal encrypts a message with the provided key. It adds a random nonce and
// returns an encrypted blob prefixed by the nonce, appended to dst.
func seal(dst, message []byte, key *[32]byte) ([]byte, error) {
	var nonce [24]byte
	_, err := io.ReadFull(rand.Reader, nonce[:])
	if err != nil {
		return nil, err
	}

	dst = append(dst, nonce[:]...)
	return secretbox.Seal(dst, message, &nonce, key), nil
}

// open decrypts a box created by seal. It returns false if the box is
// corrupt or the key is wrong.
func open(box []byte, key *[32]byte) ([]byte, bool) {
	if len(box) < minBoxSize {
		return nil, false
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	return secretbox.Open(nil, box[24:], &nonce, key)
}
