// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// SessionList holds the sessions established with one remote device,
// identified by its Curve25519 identity key.
type SessionList struct {
	mtx       sync.Mutex
	senderKey string
	sessions  map[string]*Session
}

// NewSessionList returns a list of sessions with the device identified by
// senderKey.
func NewSessionList(senderKey string, sessions ...*Session) *SessionList {
	l := &SessionList{
		senderKey: senderKey,
		sessions:  make(map[string]*Session, len(sessions)),
	}
	for _, s := range sessions {
		l.sessions[s.SessionID()] = s
	}
	return l
}

// SenderKey returns the identity key of the remote device.
func (l *SessionList) SenderKey() string {
	return l.senderKey
}

// Add adds s to the list. It returns false if a session with the same id is
// already in the list.
func (l *SessionList) Add(s *Session) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if _, ok := l.sessions[s.SessionID()]; ok {
		return false
	}
	l.sessions[s.SessionID()] = s
	return true
}

// Get returns the session with the given id.
func (l *SessionList) Get(sessionID string) *Session {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.sessions[sessionID]
}

// Len returns the number of sessions in the list.
func (l *SessionList) Len() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return len(l.sessions)
}

// Sessions returns the sessions ordered from most to least recently used.
// Sessions used at the same instant are ordered by session id.
func (l *SessionList) Sessions() []*Session {
	type entry struct {
		s       *Session
		lastUse time.Time
	}

	l.mtx.Lock()
	entries := make([]entry, 0, len(l.sessions))
	for _, s := range l.sessions {
		entries = append(entries, entry{s: s, lastUse: s.LastUseTime()})
	}
	l.mtx.Unlock()

	slices.SortFunc(entries, func(a, b entry) int {
		if c := b.lastUse.Compare(a.lastUse); c != 0 {
			return c
		}
		return strings.Compare(a.s.SessionID(), b.s.SessionID())
	})

	res := make([]*Session, len(entries))
	for i := range entries {
		res[i] = entries[i].s
	}
	return res
}

// Select returns the session to use for encrypting to the remote device: the
// most recently used one. It returns nil if the list is empty.
func (l *SessionList) Select() *Session {
	sessions := l.Sessions()
	if len(sessions) == 0 {
		return nil
	}
	return sessions[0]
}
