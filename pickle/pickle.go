// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pickle turns in-memory crypto state into text suitable for storage,
// optionally sealed with a key or a passphrase.
//
// A pickle is the unpadded base64 encoding of:
//
//	[version][mode][mode parameters][payload]
//
// The payload is the JSON encoding of the state, either in the clear or as a
// NaCl secretbox (nonce prefixed).
package pickle

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

const (
	formatVersion = 1

	saltSize = 16

	// Default scrypt tunables.
	defaultScryptLogN = 15
	defaultScryptR    = 8
	defaultScryptP    = 1
)

var kdfPickleInfo = []byte("Pickle")

var (
	// ErrWrongKey is returned when a sealed pickle cannot be opened with
	// the provided key or passphrase.
	ErrWrongKey = errors.New("wrong pickle key or corrupted pickle")

	// ErrModeMismatch is returned when a pickle was created with a
	// different mode than the one used to open it.
	ErrModeMismatch = errors.New("pickle mode mismatch")

	// ErrCorrupt is returned when the pickle framing cannot be decoded.
	ErrCorrupt = errors.New("corrupt pickle")

	// ErrUnsupportedVersion is returned for pickles with an unknown
	// format version.
	ErrUnsupportedVersion = errors.New("unsupported pickle version")
)

var encoding = base64.RawStdEncoding

// Kind identifies how a pickle is protected.
type Kind byte

const (
	KindUnencrypted Kind = 0
	KindKey         Kind = 1
	KindPassphrase  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindUnencrypted:
		return "unencrypted"
	case KindKey:
		return "key"
	case KindPassphrase:
		return "passphrase"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Mode selects how pickled state is protected at rest.
type Mode struct {
	kind       Kind
	key        []byte
	passphrase []byte

	scryptLogN uint8
	scryptR    uint8
	scryptP    uint8
}

// Unencrypted stores the state in the clear.
func Unencrypted() Mode {
	return Mode{kind: KindUnencrypted}
}

// WithKey seals the state with a key derived from the raw key bytes.
func WithKey(key []byte) Mode {
	return Mode{kind: KindKey, key: append([]byte(nil), key...)}
}

// WithPassphrase seals the state with a key derived from passphrase with
// scrypt.
func WithPassphrase(passphrase string) Mode {
	return Mode{
		kind:       KindPassphrase,
		passphrase: []byte(passphrase),
		scryptLogN: defaultScryptLogN,
		scryptR:    defaultScryptR,
		scryptP:    defaultScryptP,
	}
}

// WithScryptParams returns a copy of a passphrase mode that uses the given
// scrypt cost parameters when sealing. Opening always uses the parameters
// recorded in the pickle.
func (m Mode) WithScryptParams(logN, r, p uint8) Mode {
	m.scryptLogN, m.scryptR, m.scryptP = logN, r, p
	return m
}

// Kind returns the kind of protection of the mode.
func (m Mode) Kind() Kind {
	return m.kind
}

func (m Mode) keyFromKey() (*[32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, m.key, nil, kdfPickleInfo)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, err
	}
	return &key, nil
}

func keyFromPassphrase(pass, salt []byte, logN, r, p uint8) (*[32]byte, error) {
	if logN == 0 || logN > 30 {
		return nil, fmt.Errorf("%w: invalid scrypt cost %d", ErrCorrupt, logN)
	}
	k, err := scrypt.Key(pass, salt, 1<<logN, int(r), int(p), 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var key [32]byte
	copy(key[:], k)
	return &key, nil
}

func zero(key *[32]byte) {
	for i := range key {
		key[i] = 0
	}
}

// Seal encodes v as JSON and protects it according to mode.
func Seal(mode Mode, v interface{}) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("unable to encode pickle: %w", err)
	}

	b := []byte{formatVersion, byte(mode.kind)}
	switch mode.kind {
	case KindUnencrypted:
		b = append(b, payload...)

	case KindKey:
		key, err := mode.keyFromKey()
		if err != nil {
			return "", err
		}
		b, err = seal(b, payload, key)
		zero(key)
		if err != nil {
			return "", err
		}

	case KindPassphrase:
		var salt [saltSize]byte
		if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
			return "", err
		}
		key, err := keyFromPassphrase(mode.passphrase, salt[:],
			mode.scryptLogN, mode.scryptR, mode.scryptP)
		if err != nil {
			return "", err
		}
		b = append(b, mode.scryptLogN, mode.scryptR, mode.scryptP)
		b = append(b, salt[:]...)
		b, err = seal(b, payload, key)
		zero(key)
		if err != nil {
			return "", err
		}

	default:
		return "", fmt.Errorf("unknown pickle mode %d", mode.kind)
	}

	return encoding.EncodeToString(b), nil
}

// Open decodes a pickle created by Seal into v.
func Open(mode Mode, pickle string, v interface{}) error {
	b, err := encoding.DecodeString(pickle)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(b) < 2 {
		return fmt.Errorf("%w: too short", ErrCorrupt)
	}
	if b[0] != formatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[0])
	}
	kind := Kind(b[1])
	if kind != mode.kind {
		return fmt.Errorf("%w: pickle is %s, opening as %s", ErrModeMismatch,
			kind, mode.kind)
	}
	b = b[2:]

	var payload []byte
	switch kind {
	case KindUnencrypted:
		payload = b

	case KindKey:
		key, err := mode.keyFromKey()
		if err != nil {
			return err
		}
		var ok bool
		payload, ok = open(b, key)
		zero(key)
		if !ok {
			return ErrWrongKey
		}

	case KindPassphrase:
		if len(b) < 3+saltSize {
			return fmt.Errorf("%w: missing salt", ErrCorrupt)
		}
		logN, r, p := b[0], b[1], b[2]
		salt := b[3 : 3+saltSize]
		key, err := keyFromPassphrase(mode.passphrase, salt, logN, r, p)
		if err != nil {
			return err
		}
		var ok bool
		payload, ok = open(b[3+saltSize:], key)
		zero(key)
		if !ok {
			return ErrWrongKey
		}

	default:
		return fmt.Errorf("%w: unknown mode %d", ErrCorrupt, kind)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}
