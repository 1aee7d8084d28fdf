// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/companyzero/olmengine/keys"
	"github.com/companyzero/olmengine/replay"
)

// SessionType tells whether a message was decrypted by an existing session
// or by a session created from it.
type SessionType int

const (
	SessionTypeExisting SessionType = iota
	SessionTypeNew
)

func (t SessionType) String() string {
	if t == SessionTypeNew {
		return "new"
	}
	return "existing"
}

// OlmDecryptionInfo is the result of decrypting an olm message. When
// SessionType is SessionTypeNew, Session was added to the session list and
// must be persisted along with the account, whose one-time key was consumed.
type OlmDecryptionInfo struct {
	Session     *Session
	SessionType SessionType
	Plaintext   []byte
	MessageHash OlmMessageHash
}

// EncryptForDevice encrypts an event of type eventType to recipient using
// session, which must have been established with the recipient.
func (a *Account) EncryptForDevice(session *Session, recipient RemoteDevice,
	eventType string, content interface{}) (*OlmEncryptedContent, error) {

	if session.SenderKey() != recipient.IdentityKey {
		return nil, fmt.Errorf("%w: session is with %s, recipient is %s",
			ErrMismatchedSession, session.SenderKey(), recipient.IdentityKey)
	}
	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("unable to encode content: %w", err)
	}
	payload, err := json.Marshal(olmPayload{
		Sender:        a.userID,
		SenderDevice:  a.deviceID,
		Keys:          map[string]string{keys.AlgorithmEd25519: a.signing.Public.String()},
		Recipient:     recipient.UserID,
		RecipientKeys: map[string]string{keys.AlgorithmEd25519: recipient.SigningKey},
		Type:          eventType,
		Content:       rawContent,
	})
	if err != nil {
		return nil, err
	}

	msg, err := session.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	return &OlmEncryptedContent{
		Algorithm:  AlgorithmOlmV1,
		SenderKey:  a.identity.Public.String(),
		Ciphertext: map[string]OlmMessage{recipient.IdentityKey: msg},
	}, nil
}

// replayError returns a ReplayedMessageError if the message hash was already
// recorded, or nil.
func (a *Account) replayError(hashes *replay.HashLog, hash OlmMessageHash) error {
	if hashes == nil {
		return nil
	}
	sessionID, ok := hashes.Lookup(hash.Hash)
	if !ok {
		return nil
	}
	a.cfg.metrics.replayDetected("olm")
	a.cfg.log.Warnf("Replayed olm message from %s (first decrypted by "+
		"session %s)", hash.SenderKey, sessionID)
	return ReplayedMessageError{Hash: hash, SessionID: sessionID}
}

// DecryptOlmMessage decrypts msg sent by the device with identity key
// senderKey. The sessions in the list are tried from most to least recently
// used. A pre-key message no session matches creates a new inbound session,
// which is added to the list.
//
// When hashes is not nil, the hash of every decrypted message is recorded.
// A message whose hash is already known is reported with a
// ReplayedMessageError and is not decrypted again, so a session restored
// from an older pickle cannot be used to accept the same message twice.
func (a *Account) DecryptOlmMessage(sessions *SessionList, hashes *replay.HashLog,
	senderKey string, msg OlmMessage) (*OlmDecryptionInfo, error) {

	const op = "decrypt olm message"

	if sessions.SenderKey() != senderKey {
		return nil, makeError(ErrDecryption, op, fmt.Errorf("%w: session "+
			"list is for %s", ErrMismatchedIdentityKey, sessions.SenderKey()))
	}
	if msg.Type != MessageTypePreKey && msg.Type != MessageTypeNormal {
		return nil, makeError(ErrDecryption, op,
			fmt.Errorf("%w: %d", ErrUnknownMessageType, int(msg.Type)))
	}
	hash := NewOlmMessageHash(senderKey, msg)
	if err := a.replayError(hashes, hash); err != nil {
		return nil, err
	}

	info := &OlmDecryptionInfo{MessageHash: hash}
	var lastErr error
	for _, s := range sessions.Sessions() {
		if msg.Type == MessageTypePreKey && !s.Matches(senderKey, msg) {
			continue
		}
		plaintext, err := s.Decrypt(msg)
		if err == nil {
			info.Session = s
			info.Plaintext = plaintext
			break
		}
		lastErr = err
		a.cfg.log.Tracef("Session %s failed to decrypt message from %s: %v",
			s.SessionID(), senderKey, err)
		if msg.Type == MessageTypePreKey {
			// A matching session that cannot decrypt the message
			// means no other session can.
			break
		}
	}

	switch {
	case info.Session != nil:
		info.SessionType = SessionTypeExisting

	case msg.Type == MessageTypeNormal:
		return nil, makeError(ErrDecryption, op, fmt.Errorf("%w: tried %d "+
			"sessions with %s", ErrNoMatchingSession, sessions.Len(), senderKey))

	case lastErr != nil:
		return nil, lastErr

	default:
		s, plaintext, err := a.createInboundSession(senderKey, msg, true)
		if err != nil {
			return nil, err
		}
		sessions.Add(s)
		info.Session = s
		info.SessionType = SessionTypeNew
		info.Plaintext = plaintext
	}

	if hashes != nil {
		// Another caller may have decrypted the same message since the
		// lookup above.
		if prev, replayed := hashes.Record(hash.Hash, info.Session.SessionID()); replayed {
			a.cfg.metrics.replayDetected("olm")
			a.cfg.log.Warnf("Message from %s decrypted again by session %s "+
				"(first by %s)", senderKey, info.Session.SessionID(), prev)
			return nil, ReplayedMessageError{Hash: hash, SessionID: prev}
		}
	}
	return info, nil
}

// DecryptToDeviceEvent decrypts an olm encrypted to-device event addressed
// to this account and validates its payload: the sender and recipient it
// names must match the event and this account.
func (a *Account) DecryptToDeviceEvent(sessions *SessionList, hashes *replay.HashLog,
	ev *ToDeviceEvent) (*DecryptedToDeviceEvent, *OlmDecryptionInfo, error) {

	const op = "decrypt to-device event"

	if ev.Content.Algorithm != AlgorithmOlmV1 {
		return nil, nil, makeError(ErrDecryption, op,
			fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, ev.Content.Algorithm))
	}
	ownKey := a.identity.Public.String()
	msg, ok := ev.Content.Ciphertext[ownKey]
	if !ok {
		return nil, nil, makeError(ErrDecryption, op, ErrMissingCiphertext)
	}

	info, err := a.DecryptOlmMessage(sessions, hashes, ev.Content.SenderKey, msg)
	if err != nil {
		return nil, nil, err
	}

	var payload olmPayload
	if err := json.Unmarshal(info.Plaintext, &payload); err != nil {
		return nil, info, makeError(ErrDecryption, op,
			fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	if err := a.validatePayload(ev, &payload); err != nil {
		a.cfg.log.Warnf("Invalid to-device payload from %s: %v", ev.Sender, err)
		return nil, info, makeError(ErrDecryption, op, err)
	}

	return &DecryptedToDeviceEvent{
		Sender:       payload.Sender,
		SenderDevice: payload.SenderDevice,
		SenderKey:    ev.Content.SenderKey,
		SigningKey:   payload.Keys[keys.AlgorithmEd25519],
		Type:         payload.Type,
		Content:      payload.Content,
	}, info, nil
}

func (a *Account) validatePayload(ev *ToDeviceEvent, p *olmPayload) error {
	var errs []error
	if p.Sender != ev.Sender {
		errs = append(errs, fmt.Errorf("payload sender %q is not event "+
			"sender %q", p.Sender, ev.Sender))
	}
	if p.Recipient != a.userID {
		errs = append(errs, fmt.Errorf("payload recipient %q is not %q",
			p.Recipient, a.userID))
	}
	if p.RecipientKeys[keys.AlgorithmEd25519] != a.signing.Public.String() {
		errs = append(errs, errors.New("payload recipient key does not "+
			"match the account signing key"))
	}
	if p.Keys[keys.AlgorithmEd25519] == "" {
		errs = append(errs, errors.New("payload does not name the sender "+
			"signing key"))
	}
	if p.Type == "" {
		errs = append(errs, errors.New("payload has no event type"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidPayload, errors.Join(errs...))
}
