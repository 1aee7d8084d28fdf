// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"fmt"
	"time"

	"github.com/companyzero/olmengine/keys"
	"github.com/companyzero/olmengine/megolm"
	"github.com/companyzero/olmengine/pickle"
	"github.com/companyzero/olmengine/ratchet"
	"github.com/companyzero/olmengine/ratchet/disk"
)

// errPickleMismatch is returned when the clear identifiers of a pickled
// record do not match its sealed state.
var errPickleMismatch = fmt.Errorf("%w: record does not match sealed state", pickle.ErrCorrupt)

// PickledAccount is the storable form of an Account.
type PickledAccount struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	IdentityKey string `json:"identity_key"`
	Pickle      string `json:"pickle"`
}

// PickledSession is the storable form of a Session.
type PickledSession struct {
	SessionID string `json:"session_id"`
	SenderKey string `json:"sender_key"`
	Pickle    string `json:"pickle"`
}

// PickledInboundGroupSession is the storable form of an
// InboundGroupSession.
type PickledInboundGroupSession struct {
	SessionID string `json:"session_id"`
	SenderKey string `json:"sender_key"`
	RoomID    string `json:"room_id"`
	Pickle    string `json:"pickle"`
}

// PickledOutboundGroupSession is the storable form of an
// OutboundGroupSession.
type PickledOutboundGroupSession struct {
	SessionID string `json:"session_id"`
	RoomID    string `json:"room_id"`
	Pickle    string `json:"pickle"`
}

type oneTimeKeyState struct {
	ID        keys.KeyID             `json:"id"`
	Pair      keys.Curve25519KeyPair `json:"pair"`
	Published bool                   `json:"published"`
}

func (otk *oneTimeKey) state() *oneTimeKeyState {
	if otk == nil {
		return nil
	}
	return &oneTimeKeyState{ID: otk.id, Pair: otk.pair, Published: otk.published}
}

func (st *oneTimeKeyState) key() *oneTimeKey {
	if st == nil {
		return nil
	}
	return &oneTimeKey{id: st.ID, pair: st.Pair, published: st.Published}
}

type accountState struct {
	UserID           string                 `json:"userID"`
	DeviceID         string                 `json:"deviceID"`
	Signing          keys.Ed25519KeyPair    `json:"signing"`
	Identity         keys.Curve25519KeyPair `json:"identity"`
	Shared           bool                   `json:"shared"`
	OneTimeKeys      []oneTimeKeyState      `json:"oneTimeKeys"`
	NextKeyID        keys.KeyID             `json:"nextKeyID"`
	FallbackKey      *oneTimeKeyState       `json:"fallbackKey,omitempty"`
	PrevFallbackKey  *oneTimeKeyState       `json:"prevFallbackKey,omitempty"`
	UploadedKeyCount uint64                 `json:"uploadedKeyCount"`
}

// Pickle returns the storable form of the account, sealed with mode.
func (a *Account) Pickle(mode pickle.Mode) (*PickledAccount, error) {
	a.mtx.Lock()
	st := accountState{
		UserID:           a.userID,
		DeviceID:         a.deviceID,
		Signing:          a.signing,
		Identity:         a.identity,
		Shared:           a.shared,
		NextKeyID:        a.nextKeyID,
		FallbackKey:      a.fallbackKey.state(),
		PrevFallbackKey:  a.prevFallbackKey.state(),
		UploadedKeyCount: a.uploadedKeyCount,
	}
	for _, otk := range a.unpublishedKeys() {
		st.OneTimeKeys = append(st.OneTimeKeys, *otk.state())
	}
	for _, otk := range a.oneTimeKeys {
		if otk.published {
			st.OneTimeKeys = append(st.OneTimeKeys, *otk.state())
		}
	}
	a.mtx.Unlock()

	p, err := pickle.Seal(mode, &st)
	if err != nil {
		return nil, makeError(ErrPickle, "pickle account", err)
	}
	return &PickledAccount{
		UserID:      st.UserID,
		DeviceID:    st.DeviceID,
		IdentityKey: st.Identity.Public.String(),
		Pickle:      p,
	}, nil
}

// UnpickleAccount restores an account pickled with mode.
func UnpickleAccount(p *PickledAccount, mode pickle.Mode, opts ...Option) (*Account, error) {
	const op = "unpickle account"

	var st accountState
	if err := pickle.Open(mode, p.Pickle, &st); err != nil {
		return nil, makeError(ErrPickle, op, err)
	}
	if st.UserID != p.UserID || st.DeviceID != p.DeviceID ||
		st.Identity.Public.String() != p.IdentityKey {
		return nil, makeError(ErrPickle, op, errPickleMismatch)
	}
	derived, err := keys.Curve25519KeyPairFromSecret(&st.Identity.Secret)
	if err != nil || !derived.Public.ConstantTimeEq(&st.Identity.Public) {
		return nil, makeError(ErrPickle, op,
			fmt.Errorf("%w: identity key pair mismatch", pickle.ErrCorrupt))
	}

	cfg := fillConfig(opts)
	a := &Account{
		cfg:              cfg,
		userID:           st.UserID,
		deviceID:         st.DeviceID,
		signing:          st.Signing,
		identity:         st.Identity,
		shared:           st.Shared,
		oneTimeKeys:      make(map[keys.Curve25519PublicKey]*oneTimeKey, len(st.OneTimeKeys)),
		nextKeyID:        st.NextKeyID,
		fallbackKey:      st.FallbackKey.key(),
		prevFallbackKey:  st.PrevFallbackKey.key(),
		uploadedKeyCount: st.UploadedKeyCount,
	}
	for i := range st.OneTimeKeys {
		otk := st.OneTimeKeys[i].key()
		if otk.id >= a.nextKeyID {
			return nil, makeError(ErrPickle, op, fmt.Errorf("%w: one-time "+
				"key id %s not below next id %s", pickle.ErrCorrupt, otk.id,
				a.nextKeyID))
		}
		a.oneTimeKeys[otk.pair.Public] = otk
	}
	cfg.log.Debugf("Restored account for %s device %s with %d one-time keys",
		a.userID, a.deviceID, len(a.oneTimeKeys))
	return a, nil
}

type sessionState struct {
	Keys                    sessionKeys              `json:"keys"`
	TheirIdentityKey        keys.Curve25519PublicKey `json:"theirIdentityKey"`
	Ratchet                 *disk.RatchetState       `json:"ratchet"`
	ReceivedMessage         bool                     `json:"receivedMessage"`
	CreatedUsingFallbackKey bool                     `json:"createdUsingFallbackKey"`
	CreationTime            time.Time                `json:"creationTime"`
	LastUseTime             time.Time                `json:"lastUseTime"`
}

// Pickle returns the storable form of the session, sealed with mode.
func (s *Session) Pickle(mode pickle.Mode) (*PickledSession, error) {
	s.mtx.Lock()
	st := sessionState{
		Keys:                    s.keys,
		TheirIdentityKey:        s.theirIdentityKey,
		Ratchet:                 s.ratchet.DiskState(0),
		ReceivedMessage:         s.receivedMessage,
		CreatedUsingFallbackKey: s.createdUsingFallbackKey,
		CreationTime:            s.creationTime,
		LastUseTime:             s.lastUseTime,
	}
	s.mtx.Unlock()

	p, err := pickle.Seal(mode, &st)
	if err != nil {
		return nil, makeError(ErrPickle, "pickle session", err)
	}
	return &PickledSession{
		SessionID: s.sessionID,
		SenderKey: st.TheirIdentityKey.String(),
		Pickle:    p,
	}, nil
}

// UnpickleSession restores a session pickled with mode.
func UnpickleSession(p *PickledSession, mode pickle.Mode, opts ...Option) (*Session, error) {
	const op = "unpickle session"

	var st sessionState
	if err := pickle.Open(mode, p.Pickle, &st); err != nil {
		return nil, makeError(ErrPickle, op, err)
	}
	if st.Keys.sessionID() != p.SessionID || st.TheirIdentityKey.String() != p.SenderKey {
		return nil, makeError(ErrPickle, op, errPickleMismatch)
	}
	if st.Ratchet == nil {
		return nil, makeError(ErrPickle, op,
			fmt.Errorf("%w: missing ratchet", pickle.ErrCorrupt))
	}

	cfg := fillConfig(opts)
	r := ratchet.New(cfg.rand, ratchet.WithClock(cfg.now))
	if err := r.Unmarshal(st.Ratchet); err != nil {
		return nil, makeError(ErrPickle, op, err)
	}
	s := newSession(cfg, st.Keys, st.TheirIdentityKey, r, st.ReceivedMessage,
		st.CreatedUsingFallbackKey)
	s.creationTime = st.CreationTime
	s.lastUseTime = st.LastUseTime
	return s, nil
}

type outboundGroupState struct {
	Session      *megolm.OutboundState   `json:"session"`
	RoomID       string                  `json:"roomID"`
	DeviceID     string                  `json:"deviceID"`
	SenderKey    string                  `json:"senderKey"`
	Settings     EncryptionSettings      `json:"settings"`
	CreationTime time.Time               `json:"creationTime"`
	MessageCount uint64                  `json:"messageCount"`
	Shared       bool                    `json:"shared"`
	Invalidated  bool                    `json:"invalidated"`
	SharedWith   deviceShares            `json:"sharedWith"`
	ToShareWith  map[string]deviceShares `json:"toShareWith"`
}

// Pickle returns the storable form of the session, sealed with mode.
func (s *OutboundGroupSession) Pickle(mode pickle.Mode) (*PickledOutboundGroupSession, error) {
	s.mtx.Lock()
	st := outboundGroupState{
		Session:      s.session.DiskState(),
		RoomID:       s.roomID,
		DeviceID:     s.deviceID,
		SenderKey:    s.senderKey,
		Settings:     s.settings,
		CreationTime: s.creationTime,
		MessageCount: s.messageCount,
		Shared:       s.shared,
		Invalidated:  s.invalidated,
		SharedWith:   s.sharedWith.clone(),
		ToShareWith:  make(map[string]deviceShares, len(s.toShareWith)),
	}
	for id, req := range s.toShareWith {
		st.ToShareWith[id] = req.clone()
	}
	s.mtx.Unlock()

	p, err := pickle.Seal(mode, &st)
	if err != nil {
		return nil, makeError(ErrPickle, "pickle outbound group session", err)
	}
	return &PickledOutboundGroupSession{
		SessionID: s.sessionID,
		RoomID:    st.RoomID,
		Pickle:    p,
	}, nil
}

// UnpickleOutboundGroupSession restores a session pickled with mode. The
// message index resumes where it was when pickled.
func UnpickleOutboundGroupSession(p *PickledOutboundGroupSession, mode pickle.Mode,
	opts ...Option) (*OutboundGroupSession, error) {

	const op = "unpickle outbound group session"

	var st outboundGroupState
	if err := pickle.Open(mode, p.Pickle, &st); err != nil {
		return nil, makeError(ErrPickle, op, err)
	}
	if st.Session == nil {
		return nil, makeError(ErrPickle, op,
			fmt.Errorf("%w: missing session", pickle.ErrCorrupt))
	}
	out, err := megolm.OutboundSessionFromDisk(st.Session)
	if err != nil {
		return nil, makeError(ErrPickle, op, err)
	}
	if out.SessionID() != p.SessionID || st.RoomID != p.RoomID {
		return nil, makeError(ErrPickle, op, errPickleMismatch)
	}

	s := newOutboundGroupSession(fillConfig(opts), out, st.RoomID, st.DeviceID,
		st.SenderKey, st.Settings.normalize())
	s.creationTime = st.CreationTime
	s.messageCount = st.MessageCount
	s.shared = st.Shared
	s.invalidated = st.Invalidated
	if st.SharedWith != nil {
		s.sharedWith = st.SharedWith
	}
	for id, req := range st.ToShareWith {
		s.toShareWith[id] = req
	}
	return s, nil
}

type inboundGroupState struct {
	Session           *megolm.InboundState `json:"session"`
	SenderKey         string               `json:"senderKey"`
	RoomID            string               `json:"roomID"`
	SigningKeys       map[string]string    `json:"signingKeys"`
	ForwardingChain   []string             `json:"forwardingChain"`
	Imported          bool                 `json:"imported"`
	BackedUp          bool                 `json:"backedUp"`
	HistoryVisibility HistoryVisibility    `json:"historyVisibility"`
}

// Pickle returns the storable form of the session, sealed with mode.
func (s *InboundGroupSession) Pickle(mode pickle.Mode) (*PickledInboundGroupSession, error) {
	s.mtx.Lock()
	st := inboundGroupState{
		Session:           s.session.DiskState(),
		SenderKey:         s.senderKey,
		RoomID:            s.roomID,
		SigningKeys:       s.signingKeys,
		ForwardingChain:   s.forwardingChain,
		Imported:          s.imported,
		BackedUp:          s.backedUp,
		HistoryVisibility: s.historyVisibility,
	}
	p, err := pickle.Seal(mode, &st)
	s.mtx.Unlock()
	if err != nil {
		return nil, makeError(ErrPickle, "pickle inbound group session", err)
	}
	return &PickledInboundGroupSession{
		SessionID: s.sessionID,
		SenderKey: st.SenderKey,
		RoomID:    st.RoomID,
		Pickle:    p,
	}, nil
}

// UnpickleInboundGroupSession restores a session pickled with mode.
func UnpickleInboundGroupSession(p *PickledInboundGroupSession, mode pickle.Mode,
	opts ...Option) (*InboundGroupSession, error) {

	const op = "unpickle inbound group session"

	var st inboundGroupState
	if err := pickle.Open(mode, p.Pickle, &st); err != nil {
		return nil, makeError(ErrPickle, op, err)
	}
	if st.Session == nil {
		return nil, makeError(ErrPickle, op,
			fmt.Errorf("%w: missing session", pickle.ErrCorrupt))
	}
	in, err := megolm.InboundSessionFromDisk(st.Session)
	if err != nil {
		return nil, makeError(ErrPickle, op, err)
	}
	if in.SessionID() != p.SessionID || st.SenderKey != p.SenderKey || st.RoomID != p.RoomID {
		return nil, makeError(ErrPickle, op, errPickleMismatch)
	}

	s := newInboundGroupSession(fillConfig(opts), in, st.SenderKey,
		st.SigningKeys, st.RoomID, st.HistoryVisibility)
	s.forwardingChain = st.ForwardingChain
	s.imported = st.Imported
	s.backedUp = st.BackedUp
	return s, nil
}
