// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package replay

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/exp/slices"
	"lukechampine.com/blake3"
)

// ErrReplayedIndex is returned when a megolm message index was already
// decrypted for a different event.
var ErrReplayedIndex = errors.New("message index already used by another event")

// EventDigest identifies the event a message index was decrypted for.
type EventDigest [32]byte

var digestKey = initDigestKey()

func initDigestKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("replay: unable to read digest key: %v", err))
	}
	return key
}

// digestEvent hashes the identity of an event. Digests are only compared
// within a process run, so the key is random.
func digestEvent(key []byte, eventID string, originTS int64) EventDigest {
	var tsbuf [8]byte
	binary.BigEndian.PutUint64(tsbuf[:], uint64(originTS))

	hasher := blake3.New(32, key)
	hasher.Write([]byte(eventID))
	hasher.Write(tsbuf[:])

	var res EventDigest
	hasher.Sum(res[:0])
	return res
}

// sessionIndices keeps the decrypted indices of one session in a bitmap and
// their event digests in a slice ordered by index. The digest of an index
// lives at its rank in the bitmap, so no per-index key is stored.
type sessionIndices struct {
	mtx     sync.Mutex
	bmp     *roaring.Bitmap
	digests []EventDigest
}

// slot returns the position in digests of an index present in bmp.
func (s *sessionIndices) slot(index uint32) int {
	return int(s.bmp.Rank(index)) - 1
}

// IndexTracker records which megolm message indices were decrypted for each
// inbound group session. It is safe for concurrent use.
type IndexTracker struct {
	sessions *xsync.MapOf[string, *sessionIndices]
	key      []byte
}

// NewIndexTracker returns an empty tracker.
func NewIndexTracker() *IndexTracker {
	return &IndexTracker{
		sessions: xsync.NewMapOf[string, *sessionIndices](),
		key:      digestKey,
	}
}

func (t *IndexTracker) session(sessionID string) *sessionIndices {
	s, _ := t.sessions.LoadOrCompute(sessionID, func() *sessionIndices {
		return &sessionIndices{bmp: roaring.New()}
	})
	return s
}

// Check records that index of sessionID was decrypted for the event
// identified by eventID and originTS. Decrypting the same event again is
// allowed. A different event at an already used index fails with
// ErrReplayedIndex.
func (t *IndexTracker) Check(sessionID string, index uint32, eventID string, originTS int64) error {
	digest := digestEvent(t.key, eventID, originTS)
	s := t.session(sessionID)

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.bmp.Contains(index) {
		if s.digests[s.slot(index)] != digest {
			return fmt.Errorf("%w: session %s index %d", ErrReplayedIndex,
				sessionID, index)
		}
		return nil
	}
	s.bmp.Add(index)
	s.digests = slices.Insert(s.digests, s.slot(index), digest)
	return nil
}

// Seen returns true if index was already recorded for sessionID.
func (t *IndexTracker) Seen(sessionID string, index uint32) bool {
	s, ok := t.sessions.Load(sessionID)
	if !ok {
		return false
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.bmp.Contains(index)
}

// Indices returns the recorded indices of sessionID in ascending order.
func (t *IndexTracker) Indices(sessionID string) []uint32 {
	s, ok := t.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.bmp.ToArray()
}

// Forget drops every record of sessionID.
func (t *IndexTracker) Forget(sessionID string) {
	t.sessions.Delete(sessionID)
}
