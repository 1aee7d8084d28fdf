// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"errors"
	"fmt"

	"github.com/companyzero/olmengine/keys"
	"google.golang.org/protobuf/encoding/protowire"
)

// ProtocolVersion is the first byte of every encoded olm message.
const ProtocolVersion = 3

const (
	fieldRatchetKey protowire.Number = 1
	fieldChainIndex protowire.Number = 2
	fieldCiphertext protowire.Number = 4

	fieldOneTimeKey  protowire.Number = 1
	fieldBaseKey     protowire.Number = 2
	fieldIdentityKey protowire.Number = 3
	fieldMessage     protowire.Number = 4
)

var (
	// ErrMalformedMessage is returned when an encoded message cannot be
	// parsed.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnsupportedVersion is returned when a message carries an unknown
	// protocol version.
	ErrUnsupportedVersion = errors.New("unsupported message version")
)

// Message is a decoded normal olm message.
type Message struct {
	RatchetKey keys.Curve25519PublicKey
	ChainIndex uint32
	Ciphertext []byte

	// header holds the encoded bytes that precede the ciphertext. They are
	// the associated data of the AEAD.
	header []byte
}

func encodeHeader(ratchetKey *keys.Curve25519PublicKey, index uint32) []byte {
	b := make([]byte, 0, 1+2+len(ratchetKey)+1+5)
	b = append(b, ProtocolVersion)
	b = protowire.AppendTag(b, fieldRatchetKey, protowire.BytesType)
	b = protowire.AppendBytes(b, ratchetKey[:])
	b = protowire.AppendTag(b, fieldChainIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(index))
	return b
}

// Encode returns the wire form of the message.
func (m *Message) Encode() []byte {
	header := m.header
	if header == nil {
		header = encodeHeader(&m.RatchetKey, m.ChainIndex)
	}
	b := make([]byte, 0, len(header)+len(m.Ciphertext)+8)
	b = append(b, header...)
	b = protowire.AppendTag(b, fieldCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	return b
}

// field is one decoded protowire field.
type field struct {
	num    protowire.Number
	bytes  []byte
	varint uint64
	// end is the offset right after the field in the source buffer.
	end int
}

// consumeFields decodes every field after the version byte. Unknown fields
// are skipped.
func consumeFields(b []byte) (byte, []field, error) {
	if len(b) < 1 {
		return 0, nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}
	version := b[0]
	if version != ProtocolVersion {
		return version, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	var fields []field
	off := 1
	for off < len(b) {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return version, nil, fmt.Errorf("%w: %v", ErrMalformedMessage,
				protowire.ParseError(n))
		}
		off += n
		f := field{num: num}
		switch typ {
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b[off:])
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b[off:])
		default:
			n = protowire.ConsumeFieldValue(num, typ, b[off:])
		}
		if n < 0 {
			return version, nil, fmt.Errorf("%w: %v", ErrMalformedMessage,
				protowire.ParseError(n))
		}
		off += n
		f.end = off
		fields = append(fields, f)
	}
	return version, fields, nil
}

// DecodeMessage parses an encoded normal message.
func DecodeMessage(b []byte) (*Message, error) {
	_, fields, err := consumeFields(b)
	if err != nil {
		return nil, err
	}

	var m Message
	var gotKey, gotIndex, gotCiphertext bool
	headerEnd := 0
	for _, f := range fields {
		switch f.num {
		case fieldRatchetKey:
			if err := m.RatchetKey.FromBytes(f.bytes); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			gotKey = true
			headerEnd = f.end
		case fieldChainIndex:
			if f.varint > 0xffffffff {
				return nil, fmt.Errorf("%w: chain index overflow", ErrMalformedMessage)
			}
			m.ChainIndex = uint32(f.varint)
			gotIndex = true
			headerEnd = f.end
		case fieldCiphertext:
			m.Ciphertext = f.bytes
			gotCiphertext = true
		}
	}
	if !gotKey || !gotIndex || !gotCiphertext {
		return nil, fmt.Errorf("%w: missing fields", ErrMalformedMessage)
	}
	m.header = b[:headerEnd]
	return &m, nil
}

// PreKeyMessage is the first message of a session, carrying the keys the
// receiver needs to build its side of the handshake.
type PreKeyMessage struct {
	OneTimeKey  keys.Curve25519PublicKey
	BaseKey     keys.Curve25519PublicKey
	IdentityKey keys.Curve25519PublicKey
	Message     []byte
}

// Encode returns the wire form of the pre-key message.
func (m *PreKeyMessage) Encode() []byte {
	b := make([]byte, 0, 1+3*(2+32)+3+len(m.Message))
	b = append(b, ProtocolVersion)
	b = protowire.AppendTag(b, fieldOneTimeKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.OneTimeKey[:])
	b = protowire.AppendTag(b, fieldBaseKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.BaseKey[:])
	b = protowire.AppendTag(b, fieldIdentityKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.IdentityKey[:])
	b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Message)
	return b
}

// DecodePreKeyMessage parses an encoded pre-key message. The embedded
// message is returned undecoded.
func DecodePreKeyMessage(b []byte) (*PreKeyMessage, error) {
	_, fields, err := consumeFields(b)
	if err != nil {
		return nil, err
	}

	var m PreKeyMessage
	var seen [5]bool
	for _, f := range fields {
		var dst *keys.Curve25519PublicKey
		switch f.num {
		case fieldOneTimeKey:
			dst = &m.OneTimeKey
		case fieldBaseKey:
			dst = &m.BaseKey
		case fieldIdentityKey:
			dst = &m.IdentityKey
		case fieldMessage:
			m.Message = f.bytes
			seen[f.num] = true
			continue
		default:
			continue
		}
		if err := dst.FromBytes(f.bytes); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		seen[f.num] = true
	}
	if !seen[fieldOneTimeKey] || !seen[fieldBaseKey] ||
		!seen[fieldIdentityKey] || !seen[fieldMessage] {
		return nil, fmt.Errorf("%w: missing fields", ErrMalformedMessage)
	}
	return &m, nil
}
