// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package megolm

import (
	"errors"
	"fmt"

	"github.com/companyzero/olmengine/keys"
)

var errInvalidDiskState = errors.New("invalid megolm disk state")

// RatchetState is the serializable form of a Ratchet.
type RatchetState struct {
	Data    []byte `json:"data"`
	Counter uint32 `json:"counter"`
}

func ratchetState(r *Ratchet) RatchetState {
	data := r.Bytes()
	return RatchetState{Data: data[:], Counter: r.counter}
}

func (rs *RatchetState) ratchet() (*Ratchet, error) {
	if len(rs.Data) != RatchetLength {
		return nil, fmt.Errorf("%w: ratchet length %d", errInvalidDiskState, len(rs.Data))
	}
	var data [RatchetLength]byte
	copy(data[:], rs.Data)
	return NewRatchet(data, rs.Counter), nil
}

// OutboundState is the serializable form of an OutboundSession.
type OutboundState struct {
	Ratchet    RatchetState        `json:"ratchet"`
	SigningKey keys.Ed25519KeyPair `json:"signingKey"`
}

// DiskState returns the serializable state of the session.
func (s *OutboundSession) DiskState() *OutboundState {
	return &OutboundState{
		Ratchet:    ratchetState(&s.ratchet),
		SigningKey: s.signingKey,
	}
}

// OutboundSessionFromDisk rebuilds an outbound session.
func OutboundSessionFromDisk(st *OutboundState) (*OutboundSession, error) {
	r, err := st.Ratchet.ratchet()
	if err != nil {
		return nil, err
	}
	return &OutboundSession{ratchet: *r, signingKey: st.SigningKey}, nil
}

// InboundState is the serializable form of an InboundSession.
type InboundState struct {
	Initial           RatchetState          `json:"initial"`
	Latest            RatchetState          `json:"latest"`
	SigningKey        keys.Ed25519PublicKey `json:"signingKey"`
	SignatureVerified bool                  `json:"signatureVerified"`
}

// DiskState returns the serializable state of the session.
func (s *InboundSession) DiskState() *InboundState {
	return &InboundState{
		Initial:           ratchetState(&s.initial),
		Latest:            ratchetState(&s.latest),
		SigningKey:        s.signingKey,
		SignatureVerified: s.verified,
	}
}

// InboundSessionFromDisk rebuilds an inbound session.
func InboundSessionFromDisk(st *InboundState) (*InboundSession, error) {
	initial, err := st.Initial.ratchet()
	if err != nil {
		return nil, err
	}
	latest, err := st.Latest.ratchet()
	if err != nil {
		return nil, err
	}
	if latest.counter < initial.counter {
		return nil, fmt.Errorf("%w: latest index before initial index", errInvalidDiskState)
	}
	return &InboundSession{
		initial:    *initial,
		latest:     *latest,
		signingKey: st.SigningKey,
		verified:   st.SignatureVerified,
	}, nil
}
