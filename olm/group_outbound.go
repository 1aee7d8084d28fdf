// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/companyzero/olmengine/keys"
	"github.com/companyzero/olmengine/megolm"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ShareInfo records the sender key of a device the session key was sent to
// and the first message index it can decrypt.
type ShareInfo struct {
	SenderKey    string `json:"sender_key"`
	MessageIndex uint32 `json:"message_index"`
}

// ShareStateKind is the state of a group session with respect to one device.
type ShareStateKind int

const (
	// NotShared means the device never received the session key.
	NotShared ShareStateKind = iota

	// SharedButChangedSenderKey means the key was sent to a device with
	// the same id but a different identity key.
	SharedButChangedSenderKey

	// Shared means the device received the key.
	Shared
)

func (k ShareStateKind) String() string {
	switch k {
	case NotShared:
		return "not shared"
	case SharedButChangedSenderKey:
		return "shared but changed sender key"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ShareState is the result of IsSharedWith. MessageIndex is only meaningful
// when Kind is Shared.
type ShareState struct {
	Kind         ShareStateKind
	MessageIndex uint32
}

// deviceShares maps user id to device id to share info.
type deviceShares map[string]map[string]ShareInfo

func (ds deviceShares) set(userID, deviceID string, info ShareInfo) {
	if ds[userID] == nil {
		ds[userID] = make(map[string]ShareInfo)
	}
	ds[userID][deviceID] = info
}

func (ds deviceShares) get(userID, deviceID string) (ShareInfo, bool) {
	info, ok := ds[userID][deviceID]
	return info, ok
}

func (ds deviceShares) clone() deviceShares {
	res := make(deviceShares, len(ds))
	for user, devices := range ds {
		res[user] = maps.Clone(devices)
	}
	return res
}

// OutboundGroupSession encrypts messages to a room. All methods are safe for
// concurrent use.
type OutboundGroupSession struct {
	mtx sync.Mutex
	cfg config

	session   *megolm.OutboundSession
	sessionID string
	roomID    string
	deviceID  string
	senderKey string
	settings  EncryptionSettings

	creationTime time.Time
	messageCount uint64
	shared       bool
	invalidated  bool

	sharedWith  deviceShares
	toShareWith map[string]deviceShares
}

func newOutboundGroupSession(cfg config, session *megolm.OutboundSession,
	roomID, deviceID, senderKey string, settings EncryptionSettings) *OutboundGroupSession {

	id := session.SessionID()
	return &OutboundGroupSession{
		cfg:          cfg.withPrefix(fmt.Sprintf("megolm out %s", shortID(id))),
		session:      session,
		sessionID:    id,
		roomID:       roomID,
		deviceID:     deviceID,
		senderKey:    senderKey,
		settings:     settings,
		creationTime: cfg.now(),
		sharedWith:   make(deviceShares),
		toShareWith:  make(map[string]deviceShares),
	}
}

// SessionID returns the id of the session.
func (s *OutboundGroupSession) SessionID() string {
	return s.sessionID
}

// RoomID returns the room the session encrypts to.
func (s *OutboundGroupSession) RoomID() string {
	return s.roomID
}

// Settings returns the settings the session was created with.
func (s *OutboundGroupSession) Settings() EncryptionSettings {
	return s.settings
}

// CreationTime returns when the session was created.
func (s *OutboundGroupSession) CreationTime() time.Time {
	return s.creationTime
}

// MessageIndex returns the index the next message will be encrypted at.
func (s *OutboundGroupSession) MessageIndex() uint32 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.session.MessageIndex()
}

// MessageCount returns the number of messages encrypted so far.
func (s *OutboundGroupSession) MessageCount() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.messageCount
}

// SessionKey returns the signed session key at the current index.
func (s *OutboundGroupSession) SessionKey() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.session.SessionKey()
}

// Shared returns true once the session key was sent to every recipient of
// the pending requests.
func (s *OutboundGroupSession) Shared() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.shared
}

// MarkAsShared marks the session as shared.
func (s *OutboundGroupSession) MarkAsShared() {
	s.mtx.Lock()
	s.shared = true
	s.mtx.Unlock()
}

// Invalidate marks the session as no longer usable. Encrypt fails from then
// on.
func (s *OutboundGroupSession) Invalidate() {
	s.mtx.Lock()
	s.invalidateLocked("invalidated by caller")
	s.mtx.Unlock()
}

func (s *OutboundGroupSession) invalidateLocked(reason string) {
	if !s.invalidated {
		s.cfg.log.Infof("Invalidating group session for room %s: %s", s.roomID, reason)
	}
	s.invalidated = true
}

// Invalidated returns true if the session was invalidated.
func (s *OutboundGroupSession) Invalidated() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.invalidated
}

func (s *OutboundGroupSession) expiredLocked() bool {
	return s.messageCount >= s.settings.RotationPeriodMessages ||
		s.cfg.now().Sub(s.creationTime) >= s.settings.RotationPeriod
}

// Expired returns true when the session reached its message count or age
// limit.
func (s *OutboundGroupSession) Expired() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.expiredLocked()
}

// Encrypt encrypts content as an event of type eventType to the room. The
// relation of the content, if any, is also copied to the unencrypted content.
func (s *OutboundGroupSession) Encrypt(content interface{}, eventType string) (*EncryptedRoomContent, error) {
	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("unable to encode content: %w", err)
	}
	var relation struct {
		RelatesTo json.RawMessage `json:"m.relates_to"`
	}
	if err := json.Unmarshal(rawContent, &relation); err != nil {
		return nil, fmt.Errorf("content is not an object: %w", err)
	}
	payload, err := json.Marshal(megolmPayload{
		RoomID:  s.roomID,
		Type:    eventType,
		Content: rawContent,
	})
	if err != nil {
		return nil, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.invalidated {
		return nil, fmt.Errorf("%w: session was invalidated", ErrRotationRequired)
	}
	if s.expiredLocked() {
		return nil, fmt.Errorf("%w: session expired after %d messages",
			ErrRotationRequired, s.messageCount)
	}

	index := s.session.MessageIndex()
	ciphertext, err := s.session.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	s.messageCount++
	s.cfg.metrics.megolmEncrypted()
	s.cfg.log.Tracef("Encrypted %s at index %d", eventType, index)

	res := &EncryptedRoomContent{
		Algorithm:  AlgorithmMegolmV1,
		SenderKey:  s.senderKey,
		Ciphertext: keys.Encoding.EncodeToString(ciphertext),
		SessionID:  s.sessionID,
		DeviceID:   s.deviceID,
	}
	if len(relation.RelatesTo) > 0 && string(relation.RelatesTo) != "null" {
		res.RelatesTo = relation.RelatesTo
	}
	return res, nil
}

// AddRequest records that the session key is about to be sent to the
// devices in shareInfos (user id to device id to info) as part of the
// request identified by requestID.
func (s *OutboundGroupSession) AddRequest(requestID string, shareInfos map[string]map[string]ShareInfo) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.toShareWith[requestID] = deviceShares(shareInfos).clone()
}

// MarkRequestAsSent moves the devices of the request to the set of devices
// that have the session key. Once no requests are pending, the session is
// marked as shared. It returns false if the request is unknown.
func (s *OutboundGroupSession) MarkRequestAsSent(requestID string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	req, ok := s.toShareWith[requestID]
	if !ok {
		return false
	}
	delete(s.toShareWith, requestID)
	for user, devices := range req {
		for device, info := range devices {
			s.sharedWith.set(user, device, info)
		}
	}
	if len(s.toShareWith) == 0 {
		s.shared = true
	}
	return true
}

// PendingRequestIDs returns the ids of requests not yet marked as sent.
func (s *OutboundGroupSession) PendingRequestIDs() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ids := maps.Keys(s.toShareWith)
	slices.Sort(ids)
	return ids
}

// HasPendingRequests returns true while requests are not yet marked as sent.
func (s *OutboundGroupSession) HasPendingRequests() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.toShareWith) > 0
}

// SharedWith returns a copy of the devices that received the session key.
func (s *OutboundGroupSession) SharedWith() map[string]map[string]ShareInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.sharedWith.clone()
}

// IsSharedWith returns whether the device identified by userID, deviceID and
// senderKey has the session key. Pending requests count as shared.
func (s *OutboundGroupSession) IsSharedWith(userID, deviceID, senderKey string) ShareState {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	check := func(info ShareInfo) ShareState {
		if info.SenderKey == senderKey {
			return ShareState{Kind: Shared, MessageIndex: info.MessageIndex}
		}
		return ShareState{Kind: SharedButChangedSenderKey}
	}

	if info, ok := s.sharedWith.get(userID, deviceID); ok {
		return check(info)
	}
	for _, req := range s.toShareWith {
		if info, ok := req.get(userID, deviceID); ok {
			return check(info)
		}
	}
	return ShareState{Kind: NotShared}
}

// Withhold records that the device must not receive future messages
// encrypted with this session. If the device already has the session key,
// the session is invalidated and true is returned.
func (s *OutboundGroupSession) Withhold(userID, deviceID string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	had := false
	if _, ok := s.sharedWith.get(userID, deviceID); ok {
		had = true
	}
	for _, req := range s.toShareWith {
		if _, ok := req.get(userID, deviceID); ok {
			had = true
		}
	}
	if had {
		s.invalidateLocked(fmt.Sprintf("device %s of %s withheld", deviceID, userID))
	}
	return had
}

// CheckRecipients compares the devices that have the session key with the
// current recipients of the room (user id to device ids). If any device that
// has the key is no longer a recipient, the session is invalidated and true
// is returned.
func (s *OutboundGroupSession) CheckRecipients(recipients map[string][]string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	isRecipient := func(user, device string) bool {
		return slices.Contains(recipients[user], device)
	}
	check := func(ds deviceShares) bool {
		for user, devices := range ds {
			for device := range devices {
				if !isRecipient(user, device) {
					s.invalidateLocked(fmt.Sprintf("device %s of %s left", device, user))
					return true
				}
			}
		}
		return false
	}

	if check(s.sharedWith) {
		return true
	}
	for _, req := range s.toShareWith {
		if check(req) {
			return true
		}
	}
	return false
}
