// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"errors"
	"fmt"
)

// ExportedRoomKey is the portable form of an inbound group session, as
// written to key export files.
type ExportedRoomKey struct {
	Algorithm                    string            `json:"algorithm"`
	RoomID                       string            `json:"room_id"`
	SenderKey                    string            `json:"sender_key"`
	SessionID                    string            `json:"session_id"`
	SessionKey                   string            `json:"session_key"`
	SenderClaimedKeys            map[string]string `json:"sender_claimed_keys"`
	ForwardingCurve25519KeyChain []string          `json:"forwarding_curve25519_key_chain"`
}

// ExportRoomKeys exports every session at its first known index.
func ExportRoomKeys(sessions []*InboundGroupSession) ([]ExportedRoomKey, error) {
	res := make([]ExportedRoomKey, 0, len(sessions))
	for _, s := range sessions {
		k, err := s.Export()
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", s.SessionID(), err)
		}
		res = append(res, k)
	}
	return res, nil
}

// ImportRoomKeys creates a session from each exported key. Keys that fail to
// import are skipped and reported in the returned error, which is nil when
// every key was imported.
func ImportRoomKeys(exported []ExportedRoomKey, opts ...Option) ([]*InboundGroupSession, error) {
	res := make([]*InboundGroupSession, 0, len(exported))
	var errs []error
	for i := range exported {
		s, err := InboundGroupSessionFromExport(exported[i], opts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("key %d (session %s): %w", i,
				exported[i].SessionID, err))
			continue
		}
		res = append(res, s)
	}
	return res, errors.Join(errs...)
}
