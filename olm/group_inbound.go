// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/companyzero/olmengine/keys"
	"github.com/companyzero/olmengine/megolm"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// InboundGroupSession decrypts messages sent to a room by one device. All
// methods are safe for concurrent use.
type InboundGroupSession struct {
	mtx sync.Mutex
	cfg config

	session   *megolm.InboundSession
	sessionID string
	senderKey string
	roomID    string

	// signingKeys are the keys the sending device claims, indexed by
	// algorithm.
	signingKeys     map[string]string
	forwardingChain []string

	imported          bool
	backedUp          bool
	historyVisibility HistoryVisibility
}

func newInboundGroupSession(cfg config, session *megolm.InboundSession, senderKey string,
	signingKeys map[string]string, roomID string, hv HistoryVisibility) *InboundGroupSession {

	id := session.SessionID()
	return &InboundGroupSession{
		cfg:               cfg.withPrefix(fmt.Sprintf("megolm in %s", shortID(id))),
		session:           session,
		sessionID:         id,
		senderKey:         senderKey,
		roomID:            roomID,
		signingKeys:       maps.Clone(signingKeys),
		historyVisibility: hv,
	}
}

// NewInboundGroupSession creates a session from a signed session key
// received from the device identified by senderKey and signingKey.
func NewInboundGroupSession(signingKey, senderKey, roomID, sessionKey string,
	hv HistoryVisibility, opts ...Option) (*InboundGroupSession, error) {

	const op = "create inbound group session"

	if _, err := keys.ParseEd25519PublicKey(signingKey); err != nil {
		return nil, makeError(ErrKey, op, err)
	}
	if _, err := keys.ParseCurve25519PublicKey(senderKey); err != nil {
		return nil, makeError(ErrKey, op, err)
	}
	in, err := megolm.NewInboundSession(sessionKey)
	if err != nil {
		return nil, makeError(ErrSessionCreation, op, err)
	}

	cfg := fillConfig(opts)
	s := newInboundGroupSession(cfg, in, senderKey,
		map[string]string{keys.AlgorithmEd25519: signingKey}, roomID, hv)
	cfg.metrics.sessionCreated("group")
	s.cfg.log.Debugf("Created inbound group session for room %s from %s "+
		"(first index %d)", roomID, senderKey, in.FirstKnownIndex())
	return s, nil
}

// InboundGroupSessionFromExport creates a session from an exported room key.
// The session is flagged as imported and is never considered verified.
func InboundGroupSessionFromExport(key ExportedRoomKey, opts ...Option) (*InboundGroupSession, error) {
	const op = "import inbound group session"

	if key.Algorithm != AlgorithmMegolmV1 {
		return nil, makeError(ErrSessionCreation, op,
			fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, key.Algorithm))
	}
	in, err := megolm.ImportInboundSession(key.SessionKey)
	if err != nil {
		return nil, makeError(ErrSessionCreation, op, err)
	}
	if key.SessionID != "" && key.SessionID != in.SessionID() {
		return nil, makeError(ErrSessionCreation, op,
			fmt.Errorf("%w: exported id %s, key id %s", ErrMismatchedSession,
				key.SessionID, in.SessionID()))
	}

	cfg := fillConfig(opts)
	s := newInboundGroupSession(cfg, in, key.SenderKey, key.SenderClaimedKeys,
		key.RoomID, HistoryVisibilityShared)
	s.forwardingChain = slices.Clone(key.ForwardingCurve25519KeyChain)
	s.imported = true
	s.cfg.log.Debugf("Imported inbound group session for room %s from %s "+
		"(first index %d)", key.RoomID, key.SenderKey, in.FirstKnownIndex())
	return s, nil
}

// SessionID returns the id of the session.
func (s *InboundGroupSession) SessionID() string {
	return s.sessionID
}

// SenderKey returns the Curve25519 identity key of the sending device.
func (s *InboundGroupSession) SenderKey() string {
	return s.senderKey
}

// RoomID returns the room the session belongs to.
func (s *InboundGroupSession) RoomID() string {
	return s.roomID
}

// SigningKeys returns the keys claimed by the sending device, indexed by
// algorithm.
func (s *InboundGroupSession) SigningKeys() map[string]string {
	return maps.Clone(s.signingKeys)
}

// ForwardingKeyChain returns the Curve25519 keys of the devices that
// forwarded the session, oldest first.
func (s *InboundGroupSession) ForwardingKeyChain() []string {
	return slices.Clone(s.forwardingChain)
}

// HistoryVisibility returns the history visibility of the room when the
// session was received.
func (s *InboundGroupSession) HistoryVisibility() HistoryVisibility {
	return s.historyVisibility
}

// Imported returns true if the session was created from an export.
func (s *InboundGroupSession) Imported() bool {
	return s.imported
}

// FirstKnownIndex returns the lowest message index the session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.session.FirstKnownIndex()
}

// BackedUp returns true once the session was marked as backed up.
func (s *InboundGroupSession) BackedUp() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.backedUp
}

// MarkAsBackedUp records that the session was backed up.
func (s *InboundGroupSession) MarkAsBackedUp() {
	s.mtx.Lock()
	s.backedUp = true
	s.mtx.Unlock()
}

// verified returns true when the session key came signed, straight from the
// sender.
func (s *InboundGroupSession) verified() bool {
	return s.session.SignatureVerified() && !s.imported && len(s.forwardingChain) == 0
}

// Export returns the session exported at its first known index.
func (s *InboundGroupSession) Export() (ExportedRoomKey, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	k, err := s.exportLocked(s.session.FirstKnownIndex())
	if err != nil {
		return k, makeError(ErrKey, "export group session", err)
	}
	return k, nil
}

// ExportAtIndex returns the session exported at index, which must not be
// lower than the first known index.
func (s *InboundGroupSession) ExportAtIndex(index uint32) (ExportedRoomKey, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	k, err := s.exportLocked(index)
	if err != nil {
		return k, makeError(ErrKey, "export group session", err)
	}
	return k, nil
}

func (s *InboundGroupSession) exportLocked(index uint32) (ExportedRoomKey, error) {
	sessionKey, err := s.session.Export(index)
	if err != nil {
		return ExportedRoomKey{}, err
	}
	return ExportedRoomKey{
		Algorithm:                    AlgorithmMegolmV1,
		RoomID:                       s.roomID,
		SenderKey:                    s.senderKey,
		SessionID:                    s.sessionID,
		SessionKey:                   sessionKey,
		SenderClaimedKeys:            maps.Clone(s.signingKeys),
		ForwardingCurve25519KeyChain: slices.Clone(s.forwardingChain),
	}, nil
}

// Decrypt decrypts a room event encrypted with this session. It returns the
// decrypted event and the message index it was encrypted at.
func (s *InboundGroupSession) Decrypt(ev *EncryptedEvent) (*DecryptedEvent, uint32, error) {
	const op = "megolm decrypt"

	res, index, err := s.decrypt(ev)
	s.cfg.metrics.megolmDecrypted(err)
	if err != nil {
		return nil, index, makeError(ErrDecryption, op, err)
	}
	return res, index, nil
}

func (s *InboundGroupSession) decrypt(ev *EncryptedEvent) (*DecryptedEvent, uint32, error) {
	content := &ev.Content
	if content.Algorithm != AlgorithmMegolmV1 {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, content.Algorithm)
	}
	if content.SessionID != s.sessionID {
		return nil, 0, fmt.Errorf("%w: event session %s", ErrMismatchedSession,
			content.SessionID)
	}
	ciphertext, err := keys.Encoding.DecodeString(content.Ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", megolm.ErrMalformedMessage, err)
	}

	s.mtx.Lock()
	plaintext, index, err := s.session.Decrypt(ciphertext)
	verified := s.verified()
	s.mtx.Unlock()
	if err != nil {
		return nil, index, err
	}

	var payload megolmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, index, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.RoomID != s.roomID || (ev.RoomID != "" && ev.RoomID != payload.RoomID) {
		return nil, index, fmt.Errorf("%w: payload room %q, session room %q, "+
			"event room %q", ErrRoomMismatch, payload.RoomID, s.roomID, ev.RoomID)
	}

	if s.cfg.indices != nil {
		err := s.cfg.indices.Check(s.sessionID, index, ev.EventID, ev.OriginServerTS)
		if err != nil {
			s.cfg.metrics.replayDetected("megolm")
			s.cfg.log.Warnf("Event %s in room %s reuses message index %d",
				ev.EventID, s.roomID, index)
			return nil, index, err
		}
	}

	eventContent, err := restoreRelation(payload.Content, content.RelatesTo)
	if err != nil {
		return nil, index, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	s.cfg.log.Tracef("Decrypted %s event %s at index %d", payload.Type,
		ev.EventID, index)
	return &DecryptedEvent{
		Type:            payload.Type,
		Content:         eventContent,
		RoomID:          payload.RoomID,
		Sender:          ev.Sender,
		EventID:         ev.EventID,
		OriginServerTS:  ev.OriginServerTS,
		SenderKey:       s.senderKey,
		SessionID:       s.sessionID,
		MessageIndex:    index,
		ForwardingChain: slices.Clone(s.forwardingChain),
		Verified:        verified,
	}, index, nil
}

// restoreRelation copies relatesTo into content when the decrypted content
// carries no relation of its own.
func restoreRelation(content, relatesTo json.RawMessage) (json.RawMessage, error) {
	if len(relatesTo) == 0 || string(relatesTo) == "null" {
		return content, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(content, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage, 1)
	}
	if _, ok := obj["m.relates_to"]; ok {
		return content, nil
	}
	obj["m.relates_to"] = relatesTo
	return json.Marshal(obj)
}
