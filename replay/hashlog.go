// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package replay detects replayed olm messages and reused megolm message
// indices.
package replay

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// HashLog records the hashes of olm messages that were successfully
// decrypted, along with the id of the session that decrypted them. It is
// safe for concurrent use.
type HashLog struct {
	hashes *xsync.MapOf[string, string]
}

// NewHashLog returns an empty hash log.
func NewHashLog() *HashLog {
	return &HashLog{hashes: xsync.NewMapOf[string, string]()}
}

// Record stores hash as decrypted by sessionID. If the hash was already
// recorded, the original session id is returned along with true and the log
// is not modified.
func (l *HashLog) Record(hash, sessionID string) (string, bool) {
	prev, loaded := l.hashes.LoadOrStore(hash, sessionID)
	return prev, loaded
}

// Lookup returns the id of the session that decrypted the message with the
// given hash.
func (l *HashLog) Lookup(hash string) (string, bool) {
	return l.hashes.Load(hash)
}

// Len returns the number of recorded hashes.
func (l *HashLog) Len() int {
	return l.hashes.Size()
}

// Entries returns a copy of the log, keyed by hash.
func (l *HashLog) Entries() map[string]string {
	res := make(map[string]string, l.hashes.Size())
	l.hashes.Range(func(hash, sessionID string) bool {
		res[hash] = sessionID
		return true
	})
	return res
}

// Load adds the entries to the log. Existing entries are kept.
func (l *HashLog) Load(entries map[string]string) {
	for hash, sessionID := range entries {
		l.hashes.LoadOrStore(hash, sessionID)
	}
}
