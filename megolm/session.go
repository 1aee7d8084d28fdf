// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package megolm

import (
	"errors"
	"fmt"
	"io"

	"github.com/companyzero/olmengine/keys"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrUnknownMessageIndex is returned when a message was encrypted at
	// an index before the first index known to an inbound session.
	ErrUnknownMessageIndex = errors.New("unknown message index")

	// ErrDecrypt is returned when a message fails authentication.
	ErrDecrypt = errors.New("group message failed authentication")

	// ErrIndexExhausted is returned when an outbound session used every
	// message index.
	ErrIndexExhausted = errors.New("message index exhausted")
)

// OutboundSession is the sending half of a group session.
type OutboundSession struct {
	ratchet    Ratchet
	signingKey keys.Ed25519KeyPair
}

// NewOutboundSession creates a session with a random ratchet at index zero
// and a fresh signing key.
func NewOutboundSession(rng io.Reader) (*OutboundSession, error) {
	var data [RatchetLength]byte
	if _, err := io.ReadFull(rng, data[:]); err != nil {
		return nil, fmt.Errorf("unable to read entropy: %w", err)
	}
	signing, err := keys.NewEd25519KeyPair(rng)
	if err != nil {
		return nil, err
	}
	return &OutboundSession{ratchet: *NewRatchet(data, 0), signingKey: *signing}, nil
}

// SessionID returns the public signing key, which identifies the session.
func (s *OutboundSession) SessionID() string {
	return s.signingKey.Public.String()
}

// SigningKey returns the public signing key of the session.
func (s *OutboundSession) SigningKey() keys.Ed25519PublicKey {
	return s.signingKey.Public
}

// MessageIndex returns the index the next message will be encrypted at.
func (s *OutboundSession) MessageIndex() uint32 {
	return s.ratchet.counter
}

// SessionKey returns the signed session key at the current index, used to
// share the session with other devices.
func (s *OutboundSession) SessionKey() string {
	b := encodeExport(&s.ratchet, SessionKeyVersion, &s.signingKey.Public)
	sig := s.signingKey.Sign(b)
	b = append(b, sig[:]...)
	return keys.Encoding.EncodeToString(b)
}

// Encrypt encrypts plaintext at the current index and advances the ratchet.
func (s *OutboundSession) Encrypt(plaintext []byte) ([]byte, error) {
	if s.ratchet.counter == ^uint32(0) {
		return nil, ErrIndexExhausted
	}

	aead, nonce, err := s.ratchet.cipher()
	if err != nil {
		return nil, err
	}
	header := encodeMessageHeader(s.ratchet.counter)
	ciphertext := aead.Seal(nil, nonce[:], plaintext, header)

	b := make([]byte, 0, len(header)+len(ciphertext)+8+signatureLength)
	b = append(b, header...)
	b = protowire.AppendTag(b, fieldCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, ciphertext)
	sig := s.signingKey.Sign(b)
	b = append(b, sig[:]...)

	s.ratchet.Advance()
	return b, nil
}

// InboundSession is the receiving half of a group session.
type InboundSession struct {
	initial    Ratchet
	latest     Ratchet
	signingKey keys.Ed25519PublicKey
	verified   bool
}

func newInboundSession(sk *SessionKey) *InboundSession {
	return &InboundSession{
		initial:    *sk.Ratchet,
		latest:     *sk.Ratchet,
		signingKey: sk.SigningKey,
		verified:   sk.Signed,
	}
}

// NewInboundSession creates an inbound session from a signed session key.
func NewInboundSession(sessionKey string) (*InboundSession, error) {
	sk, err := DecodeSessionKey(sessionKey)
	if err != nil {
		return nil, err
	}
	return newInboundSession(sk), nil
}

// ImportInboundSession creates an inbound session from an exported session
// key.
func ImportInboundSession(exported string) (*InboundSession, error) {
	sk, err := DecodeExportedSessionKey(exported)
	if err != nil {
		return nil, err
	}
	return newInboundSession(sk), nil
}

// SessionID returns the public signing key, which identifies the session.
func (s *InboundSession) SessionID() string {
	return s.signingKey.String()
}

// SigningKey returns the public signing key of the session.
func (s *InboundSession) SigningKey() keys.Ed25519PublicKey {
	return s.signingKey
}

// FirstKnownIndex returns the lowest index this session can decrypt.
func (s *InboundSession) FirstKnownIndex() uint32 {
	return s.initial.counter
}

// SignatureVerified returns true when the session was created from a signed
// session key.
func (s *InboundSession) SignatureVerified() bool {
	return s.verified
}

// Export returns the exported session key at index, which must not be lower
// than the first known index.
func (s *InboundSession) Export(index uint32) (string, error) {
	if index < s.initial.counter {
		return "", fmt.Errorf("%w: %d < %d", ErrUnknownMessageIndex, index,
			s.initial.counter)
	}
	r := s.initial.Clone()
	if index != r.counter {
		r.AdvanceTo(index)
	}
	b := encodeExport(r, ExportVersion, &s.signingKey)
	return keys.Encoding.EncodeToString(b), nil
}

// Decrypt verifies and decrypts an encoded group message, returning the
// plaintext and the index it was encrypted at.
func (s *InboundSession) Decrypt(encrypted []byte) ([]byte, uint32, error) {
	m, err := DecodeMessage(encrypted)
	if err != nil {
		return nil, 0, err
	}
	if !s.signingKey.Verify(m.signed, &m.Signature) {
		return nil, 0, ErrBadSignature
	}
	if m.Index < s.initial.counter {
		return nil, m.Index, fmt.Errorf("%w: %d < %d", ErrUnknownMessageIndex,
			m.Index, s.initial.counter)
	}

	// Start from the latest ratchet when possible, since advancing is
	// cheaper from there.
	useLatest := m.Index >= s.latest.counter
	var r *Ratchet
	if useLatest {
		r = s.latest.Clone()
	} else {
		r = s.initial.Clone()
	}
	if r.counter != m.Index {
		r.AdvanceTo(m.Index)
	}

	aead, nonce, err := r.cipher()
	if err != nil {
		return nil, m.Index, err
	}
	plaintext, err := aead.Open(nil, nonce[:], m.Ciphertext, m.header)
	if err != nil {
		return nil, m.Index, ErrDecrypt
	}
	if useLatest {
		s.latest = *r
	}
	return plaintext, m.Index, nil
}
