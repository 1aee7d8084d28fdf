// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cryptostore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/companyzero/olmengine/internal/jsonfile"
	"github.com/companyzero/olmengine/olm"
	"github.com/companyzero/olmengine/pickle"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// SaveAccount stores the pickled account, replacing any previous one.
func (s *Store) SaveAccount(p *olm.PickledAccount) error {
	return s.withLock(func() error {
		return s.write(filepath.Join(s.root, accountFile), p)
	})
}

// LoadAccount returns the stored account pickle.
func (s *Store) LoadAccount() (*olm.PickledAccount, error) {
	var p olm.PickledAccount
	err := s.withLock(func() error {
		return s.read(filepath.Join(s.root, accountFile), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) sessionFname(senderKey, sessionID string) string {
	return filepath.Join(s.root, sessionsDir, nameFor(senderKey),
		nameFor(sessionID)+recordSuffix)
}

// SaveSession stores a pickled olm session.
func (s *Store) SaveSession(p *olm.PickledSession) error {
	return s.withLock(func() error {
		return s.write(s.sessionFname(p.SenderKey, p.SessionID), p)
	})
}

// RemoveSession removes a stored olm session. Removing an unknown session is
// not an error.
func (s *Store) RemoveSession(senderKey, sessionID string) error {
	return s.withLock(func() error {
		return jsonfile.RemoveIfExists(s.sessionFname(senderKey, sessionID))
	})
}

// LoadSessions returns the stored sessions with the device identified by
// senderKey, sorted by session id.
func (s *Store) LoadSessions(senderKey string) ([]*olm.PickledSession, error) {
	var res []*olm.PickledSession
	err := s.withLock(func() error {
		fnames, err := recordFiles(filepath.Join(s.root, sessionsDir, nameFor(senderKey)))
		if err != nil {
			return err
		}
		for _, fname := range fnames {
			p := new(olm.PickledSession)
			if err := s.read(fname, p); err != nil {
				return fmt.Errorf("unable to read session %s: %w", fname, err)
			}
			if p.SenderKey != senderKey {
				s.log.Warnf("Skipping session %s stored under the wrong "+
					"sender key", p.SessionID)
				continue
			}
			res = append(res, p)
		}
		return nil
	})
	slices.SortFunc(res, func(a, b *olm.PickledSession) int {
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return res, err
}

// LoadSessionList unpickles the stored sessions with the device identified
// by senderKey into a session list.
func (s *Store) LoadSessionList(senderKey string, mode pickle.Mode, opts ...olm.Option) (*olm.SessionList, error) {
	pickled, err := s.LoadSessions(senderKey)
	if err != nil {
		return nil, err
	}
	list := olm.NewSessionList(senderKey)
	for _, p := range pickled {
		session, err := olm.UnpickleSession(p, mode, opts...)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", p.SessionID, err)
		}
		list.Add(session)
	}
	return list, nil
}

func (s *Store) inboundFname(roomID, senderKey, sessionID string) string {
	return filepath.Join(s.root, inboundDir, nameFor(roomID),
		nameFor(senderKey, sessionID)+recordSuffix)
}

// SaveInboundGroupSession stores a pickled inbound group session.
func (s *Store) SaveInboundGroupSession(p *olm.PickledInboundGroupSession) error {
	return s.withLock(func() error {
		return s.write(s.inboundFname(p.RoomID, p.SenderKey, p.SessionID), p)
	})
}

// LoadInboundGroupSession returns the stored inbound group session.
func (s *Store) LoadInboundGroupSession(roomID, senderKey, sessionID string) (*olm.PickledInboundGroupSession, error) {
	var p olm.PickledInboundGroupSession
	err := s.withLock(func() error {
		return s.read(s.inboundFname(roomID, senderKey, sessionID), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InboundGroupSessions returns every stored inbound group session pickle.
func (s *Store) InboundGroupSessions() ([]*olm.PickledInboundGroupSession, error) {
	var res []*olm.PickledInboundGroupSession
	err := s.withLock(func() error {
		rooms, err := subDirs(filepath.Join(s.root, inboundDir))
		if err != nil {
			return err
		}
		for _, room := range rooms {
			fnames, err := recordFiles(room)
			if err != nil {
				return err
			}
			for _, fname := range fnames {
				p := new(olm.PickledInboundGroupSession)
				if err := s.read(fname, p); err != nil {
					return fmt.Errorf("unable to read group session %s: %w",
						fname, err)
				}
				res = append(res, p)
			}
		}
		return nil
	})
	return res, err
}

// LoadInboundGroupSessions unpickles every stored inbound group session.
// Sessions are decoded concurrently, as passphrase sealed pickles are
// expensive to open. The returned sessions are in no particular order.
func (s *Store) LoadInboundGroupSessions(ctx context.Context, mode pickle.Mode,
	opts ...olm.Option) ([]*olm.InboundGroupSession, error) {

	pickled, err := s.InboundGroupSessions()
	if err != nil {
		return nil, err
	}

	res := make([]*olm.InboundGroupSession, len(pickled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.LoadParallelism)
	for i := range pickled {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			session, err := olm.UnpickleInboundGroupSession(pickled[i], mode, opts...)
			if err != nil {
				return fmt.Errorf("group session %s: %w", pickled[i].SessionID, err)
			}
			res[i] = session
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.log.Debugf("Loaded %d inbound group sessions", len(res))
	return res, nil
}

func (s *Store) outboundFname(roomID string) string {
	return filepath.Join(s.root, outboundDir, nameFor(roomID)+recordSuffix)
}

// SaveOutboundGroupSession stores the outbound group session of its room,
// replacing the previous one.
func (s *Store) SaveOutboundGroupSession(p *olm.PickledOutboundGroupSession) error {
	return s.withLock(func() error {
		return s.write(s.outboundFname(p.RoomID), p)
	})
}

// LoadOutboundGroupSession returns the outbound group session of roomID.
func (s *Store) LoadOutboundGroupSession(roomID string) (*olm.PickledOutboundGroupSession, error) {
	var p olm.PickledOutboundGroupSession
	err := s.withLock(func() error {
		return s.read(s.outboundFname(roomID), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RemoveOutboundGroupSession removes the outbound group session of roomID,
// so a new one is created for the next message.
func (s *Store) RemoveOutboundGroupSession(roomID string) error {
	return s.withLock(func() error {
		return jsonfile.RemoveIfExists(s.outboundFname(roomID))
	})
}
