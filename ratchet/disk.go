// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"errors"
	"fmt"
	"time"

	"github.com/companyzero/olmengine/keys"
	"github.com/companyzero/olmengine/ratchet/disk"
)

var errInvalidDiskState = errors.New("invalid ratchet disk state")

func dup(b []byte) []byte {
	return append([]byte(nil), b...)
}

// DiskState returns the serializable state of the ratchet. Skipped message
// keys older than lifetime are not included. A zero lifetime keeps every
// skipped key.
func (r *Ratchet) DiskState(lifetime time.Duration) *disk.RatchetState {
	s := &disk.RatchetState{
		RootKey:        dup(r.rootKey[:]),
		ReceiverChains: make([]disk.RatchetState_ReceiverChain, 0, len(r.receivers)),
		SkippedKeys:    make([]disk.RatchetState_SkippedKey, 0, len(r.skipped)),
	}
	if r.sender != nil {
		s.SenderChain = &disk.RatchetState_SenderChain{
			RatchetPrivate: dup(r.sender.ratchetKey.Secret[:]),
			RatchetPublic:  dup(r.sender.ratchetKey.Public[:]),
			ChainKey:       dup(r.sender.chain.key[:]),
			ChainIndex:     r.sender.chain.index,
		}
	}
	for _, rc := range r.receivers {
		s.ReceiverChains = append(s.ReceiverChains, disk.RatchetState_ReceiverChain{
			RatchetPublic: dup(rc.ratchetKey[:]),
			ChainKey:      dup(rc.chain.key[:]),
			ChainIndex:    rc.chain.index,
		})
	}

	now := r.now()
	for _, sk := range r.skipped {
		if lifetime > 0 && now.Sub(sk.creationTime) > lifetime {
			continue
		}
		s.SkippedKeys = append(s.SkippedKeys, disk.RatchetState_SkippedKey{
			RatchetPublic: dup(sk.ratchetKey[:]),
			MessageKey:    dup(sk.key.key[:]),
			Index:         sk.key.index,
			CreationTime:  sk.creationTime.Unix(),
		})
	}
	return s
}

func unmarshalKey(dst *[32]byte, b []byte, name string) error {
	if len(b) != len(dst) {
		return fmt.Errorf("%w: %s has length %d", errInvalidDiskState, name, len(b))
	}
	copy(dst[:], b)
	return nil
}

// Unmarshal replaces the ratchet state with the one in s.
func (r *Ratchet) Unmarshal(s *disk.RatchetState) error {
	var n Ratchet
	n.rand = r.rand
	n.now = r.now
	if err := unmarshalKey(&n.rootKey, s.RootKey, "root key"); err != nil {
		return err
	}

	if sc := s.SenderChain; sc != nil {
		var secret keys.Curve25519SecretKey
		if err := unmarshalKey((*[32]byte)(&secret), sc.RatchetPrivate, "ratchet private key"); err != nil {
			return err
		}
		kp, err := keys.Curve25519KeyPairFromSecret(&secret)
		if err != nil {
			return err
		}
		var stored keys.Curve25519PublicKey
		if err := unmarshalKey((*[32]byte)(&stored), sc.RatchetPublic, "ratchet public key"); err != nil {
			return err
		}
		if !stored.ConstantTimeEq(&kp.Public) {
			return fmt.Errorf("%w: ratchet key mismatch", errInvalidDiskState)
		}
		n.sender = &senderChain{ratchetKey: *kp, chain: chainKey{index: sc.ChainIndex}}
		if err := unmarshalKey(&n.sender.chain.key, sc.ChainKey, "sender chain key"); err != nil {
			return err
		}
	}

	for _, rc := range s.ReceiverChains {
		var c receiverChain
		if err := unmarshalKey((*[32]byte)(&c.ratchetKey), rc.RatchetPublic, "receiver ratchet key"); err != nil {
			return err
		}
		if err := unmarshalKey(&c.chain.key, rc.ChainKey, "receiver chain key"); err != nil {
			return err
		}
		c.chain.index = rc.ChainIndex
		n.receivers = append(n.receivers, c)
	}
	if len(n.receivers) > MaxReceiverChains {
		n.receivers = n.receivers[:MaxReceiverChains]
	}

	for _, sk := range s.SkippedKeys {
		var k skippedKey
		if err := unmarshalKey((*[32]byte)(&k.ratchetKey), sk.RatchetPublic, "skipped ratchet key"); err != nil {
			return err
		}
		if err := unmarshalKey(&k.key.key, sk.MessageKey, "skipped message key"); err != nil {
			return err
		}
		k.key.index = sk.Index
		k.creationTime = time.Unix(sk.CreationTime, 0)
		n.skipped = append(n.skipped, k)
	}
	if len(n.skipped) > MaxSkippedKeys {
		n.skipped = n.skipped[len(n.skipped)-MaxSkippedKeys:]
	}

	if n.sender == nil && len(n.receivers) == 0 {
		return fmt.Errorf("%w: no chains", errInvalidDiskState)
	}

	*r = n
	return nil
}
