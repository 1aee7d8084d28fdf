// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/companyzero/olmengine/keys"
	"github.com/companyzero/olmengine/ratchet"
)

// sessionKeys are the public keys exchanged during the session handshake.
type sessionKeys struct {
	IdentityKey keys.Curve25519PublicKey `json:"identityKey"`
	BaseKey     keys.Curve25519PublicKey `json:"baseKey"`
	OneTimeKey  keys.Curve25519PublicKey `json:"oneTimeKey"`
}

// sessionID derives the session id from the handshake keys.
func (sk *sessionKeys) sessionID() string {
	h := sha256.New()
	h.Write(sk.IdentityKey[:])
	h.Write(sk.BaseKey[:])
	h.Write(sk.OneTimeKey[:])
	return keys.Encoding.EncodeToString(h.Sum(nil))
}

// Session is a pairwise olm session with one remote device. All methods are
// safe for concurrent use.
type Session struct {
	mtx sync.Mutex
	cfg config

	sessionID        string
	keys             sessionKeys
	theirIdentityKey keys.Curve25519PublicKey
	ratchet          *ratchet.Ratchet

	// receivedMessage is set once a message from the remote device was
	// decrypted. Until then, outgoing messages are pre-key messages.
	receivedMessage         bool
	createdUsingFallbackKey bool
	creationTime            time.Time
	lastUseTime             time.Time
}

func newSession(cfg config, sk sessionKeys, theirIdentityKey keys.Curve25519PublicKey,
	r *ratchet.Ratchet, receivedMessage, fallback bool) *Session {

	id := sk.sessionID()
	now := cfg.now()
	return &Session{
		cfg:                     cfg.withPrefix(fmt.Sprintf("olm %s", shortID(id))),
		sessionID:               id,
		keys:                    sk,
		theirIdentityKey:        theirIdentityKey,
		ratchet:                 r,
		receivedMessage:         receivedMessage,
		createdUsingFallbackKey: fallback,
		creationTime:            now,
		lastUseTime:             now,
	}
}

// SessionID returns the id of the session, shared by both parties.
func (s *Session) SessionID() string {
	return s.sessionID
}

// SenderKey returns the Curve25519 identity key of the remote device.
func (s *Session) SenderKey() string {
	return s.theirIdentityKey.String()
}

// CreatedUsingFallbackKey returns true if the handshake used a fallback key
// instead of a one-time key.
func (s *Session) CreatedUsingFallbackKey() bool {
	return s.createdUsingFallbackKey
}

// CreationTime returns when the session was created. Like LastUseTime it is
// read from the wall clock and is approximate after unpickling.
func (s *Session) CreationTime() time.Time {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.creationTime
}

// LastUseTime returns when the session last encrypted or decrypted a
// message. It is only used to order sessions by recency and is best effort:
// pickles store it as an RFC 3339 wall-clock time without the monotonic
// reading, so after a restart it follows any change of the system clock.
func (s *Session) LastUseTime() time.Time {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.lastUseTime
}

// SetLastUseTime overrides the last use time of the session.
func (s *Session) SetLastUseTime(t time.Time) {
	s.mtx.Lock()
	s.lastUseTime = t
	s.mtx.Unlock()
}

// HasReceivedMessage returns true once a message from the remote device was
// decrypted.
func (s *Session) HasReceivedMessage() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.receivedMessage
}

// Encrypt encrypts plaintext. Pre-key messages are produced until a message
// from the remote device has been decrypted.
func (s *Session) Encrypt(plaintext []byte) (OlmMessage, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	b, err := s.ratchet.Encrypt(plaintext)
	if err != nil {
		return OlmMessage{}, fmt.Errorf("unable to encrypt: %w", err)
	}

	msg := OlmMessage{Type: MessageTypeNormal}
	if !s.receivedMessage {
		pre := ratchet.PreKeyMessage{
			OneTimeKey:  s.keys.OneTimeKey,
			BaseKey:     s.keys.BaseKey,
			IdentityKey: s.keys.IdentityKey,
			Message:     b,
		}
		msg.Type = MessageTypePreKey
		b = pre.Encode()
	}
	msg.Body = keys.Encoding.EncodeToString(b)
	s.lastUseTime = s.cfg.now()
	s.cfg.metrics.olmEncrypted()
	s.cfg.log.Tracef("Encrypted %s message", msg.Type)
	return msg, nil
}

// matchesPreKey returns true if the handshake keys of pre match this session.
func (s *Session) matchesPreKey(pre *ratchet.PreKeyMessage) bool {
	return pre.OneTimeKey.ConstantTimeEq(&s.keys.OneTimeKey) &&
		pre.BaseKey.ConstantTimeEq(&s.keys.BaseKey) &&
		pre.IdentityKey.ConstantTimeEq(&s.keys.IdentityKey)
}

// Matches returns true if msg is a pre-key message sent by theirIdentityKey
// that belongs to this session. Normal messages never match: the only way to
// know whether they belong to a session is to decrypt them.
func (s *Session) Matches(theirIdentityKey string, msg OlmMessage) bool {
	pre, err := msg.PreKey()
	if err != nil {
		return false
	}
	their, err := keys.ParseCurve25519PublicKey(theirIdentityKey)
	if err != nil || !their.ConstantTimeEq(&s.theirIdentityKey) {
		return false
	}
	return s.matchesPreKey(pre)
}

// Decrypt decrypts msg. The session is left unchanged when decryption fails.
func (s *Session) Decrypt(msg OlmMessage) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	plaintext, err := s.decrypt(msg)
	s.cfg.metrics.olmDecrypted(err)
	if err != nil {
		return nil, makeError(ErrDecryption, "olm decrypt", err)
	}
	return plaintext, nil
}

func (s *Session) decrypt(msg OlmMessage) ([]byte, error) {
	var inner []byte
	switch msg.Type {
	case MessageTypePreKey:
		pre, err := msg.PreKey()
		if err != nil {
			return nil, err
		}
		if !s.matchesPreKey(pre) {
			return nil, ErrMismatchedSession
		}
		inner = pre.Message

	case MessageTypeNormal:
		b, err := msg.decodeBody()
		if err != nil {
			return nil, err
		}
		inner = b

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, int(msg.Type))
	}

	plaintext, err := s.ratchet.Decrypt(inner)
	if err != nil {
		return nil, err
	}
	if !s.receivedMessage {
		s.cfg.log.Debugf("Received first message from %s", s.theirIdentityKey)
	}
	s.receivedMessage = true
	s.lastUseTime = s.cfg.now()
	return plaintext, nil
}
