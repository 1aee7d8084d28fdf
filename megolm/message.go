// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package megolm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/companyzero/olmengine/keys"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MessageVersion is the first byte of every encrypted group message.
	MessageVersion = 3

	// SessionKeyVersion is the first byte of a signed session key.
	SessionKeyVersion = 2

	// ExportVersion is the first byte of an exported session key.
	ExportVersion = 1

	fieldIndex      protowire.Number = 1
	fieldCiphertext protowire.Number = 2

	signatureLength = 64

	exportLength     = 1 + 4 + RatchetLength + 32
	sessionKeyLength = exportLength + signatureLength
)

var (
	// ErrMalformedMessage is returned when a group message cannot be
	// parsed.
	ErrMalformedMessage = errors.New("malformed group message")

	// ErrBadSignature is returned when a message or session key signature
	// does not verify.
	ErrBadSignature = errors.New("bad signature")

	// ErrMalformedSessionKey is returned when a session key or exported
	// session key cannot be parsed.
	ErrMalformedSessionKey = errors.New("malformed session key")

	// ErrUnsupportedVersion is returned for unknown message or session
	// key versions.
	ErrUnsupportedVersion = errors.New("unsupported version")
)

// Message is a decoded group message.
type Message struct {
	Index      uint32
	Ciphertext []byte
	Signature  keys.Ed25519Signature

	// header is the associated data: every byte before the ciphertext
	// field.
	header []byte
	// signed is every byte covered by the signature.
	signed []byte
}

func encodeMessageHeader(index uint32) []byte {
	b := make([]byte, 0, 8)
	b = append(b, MessageVersion)
	b = protowire.AppendTag(b, fieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(index))
	return b
}

// DecodeMessage parses an encoded group message. The signature is not
// checked.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) < 1+signatureLength {
		return nil, fmt.Errorf("%w: too short", ErrMalformedMessage)
	}
	if b[0] != MessageVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[0])
	}

	var m Message
	m.signed = b[:len(b)-signatureLength]
	copy(m.Signature[:], b[len(b)-signatureLength:])

	var gotIndex, gotCiphertext bool
	off := 1
	for off < len(m.signed) {
		num, typ, n := protowire.ConsumeTag(m.signed[off:])
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		off += n
		switch {
		case num == fieldIndex && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(m.signed[off:])
			if n >= 0 && v > 0xffffffff {
				return nil, fmt.Errorf("%w: index overflow", ErrMalformedMessage)
			}
			m.Index = uint32(v)
			gotIndex = true
			if n >= 0 {
				m.header = m.signed[:off+n]
			}
		case num == fieldCiphertext && typ == protowire.BytesType:
			m.Ciphertext, n = protowire.ConsumeBytes(m.signed[off:])
			gotCiphertext = true
		default:
			n = protowire.ConsumeFieldValue(num, typ, m.signed[off:])
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		off += n
	}
	if !gotIndex || !gotCiphertext {
		return nil, fmt.Errorf("%w: missing fields", ErrMalformedMessage)
	}
	return &m, nil
}

// SessionKey is the decoded form of a signed session key or an exported
// session key.
type SessionKey struct {
	Ratchet    *Ratchet
	SigningKey keys.Ed25519PublicKey
	// Signed is true when the key was decoded from the signed format and
	// its signature verified.
	Signed bool
}

func encodeExport(r *Ratchet, version byte, signingKey *keys.Ed25519PublicKey) []byte {
	b := make([]byte, 0, sessionKeyLength)
	b = append(b, version)
	b = binary.BigEndian.AppendUint32(b, r.counter)
	data := r.Bytes()
	b = append(b, data[:]...)
	b = append(b, signingKey[:]...)
	return b
}

// DecodeSessionKey parses and verifies a signed session key.
func DecodeSessionKey(s string) (*SessionKey, error) {
	b, err := keys.Encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSessionKey, err)
	}
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedSessionKey)
	}
	if b[0] != SessionKeyVersion {
		return nil, fmt.Errorf("%w: session key version %d", ErrUnsupportedVersion, b[0])
	}
	if len(b) != sessionKeyLength {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedSessionKey, len(b))
	}

	sk := decodeExportBody(b)
	var sig keys.Ed25519Signature
	copy(sig[:], b[exportLength:])
	if !sk.SigningKey.Verify(b[:exportLength], &sig) {
		return nil, ErrBadSignature
	}
	sk.Signed = true
	return sk, nil
}

// DecodeExportedSessionKey parses an unsigned exported session key.
func DecodeExportedSessionKey(s string) (*SessionKey, error) {
	b, err := keys.Encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSessionKey, err)
	}
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedSessionKey)
	}
	if b[0] != ExportVersion {
		return nil, fmt.Errorf("%w: export version %d", ErrUnsupportedVersion, b[0])
	}
	if len(b) != exportLength {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedSessionKey, len(b))
	}
	return decodeExportBody(b), nil
}

func decodeExportBody(b []byte) *SessionKey {
	counter := binary.BigEndian.Uint32(b[1:5])
	var data [RatchetLength]byte
	copy(data[:], b[5:5+RatchetLength])
	sk := &SessionKey{Ratchet: NewRatchet(data, counter)}
	copy(sk.SigningKey[:], b[5+RatchetLength:exportLength])
	return sk
}
