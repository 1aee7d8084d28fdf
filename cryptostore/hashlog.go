// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cryptostore

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/companyzero/olmengine/internal/jsonfile"
	"github.com/companyzero/olmengine/olm"
	"github.com/companyzero/olmengine/replay"
)

// hashSegments names the append-only files of the message hash log.
var hashSegments = jsonfile.MakeHexFilePattern("hashes-", ".json")

// hashEntry is one line of a hash log segment.
type hashEntry struct {
	Hash      string `json:"hash"`
	SenderKey string `json:"sender_key"`
	SessionID string `json:"session_id"`
}

// initHashLog finds the segment new hashes are appended to.
func (s *Store) initHashLog() error {
	dir := filepath.Join(s.root, hashesDir)
	last, err := hashSegments.Last(dir)
	if err != nil {
		return fmt.Errorf("unable to list hash log: %w", err)
	}
	if last.Filename == "" {
		return nil
	}
	n, err := jsonfile.ReadLines(filepath.Join(dir, last.Filename),
		func([]byte) error { return nil })
	if err != nil {
		return fmt.Errorf("unable to read hash log segment: %w", err)
	}
	s.hashSeg, s.hashCount = last.ID, n
	return nil
}

// AppendMessageHash records that the olm message with the given hash was
// decrypted by sessionID.
func (s *Store) AppendMessageHash(hash olm.OlmMessageHash, sessionID string) error {
	return s.withLock(func() error {
		if s.hashCount >= s.cfg.HashSegmentSize {
			s.hashSeg++
			s.hashCount = 0
			s.log.Debugf("Starting hash log segment %d", s.hashSeg)
		}
		fname := filepath.Join(s.root, hashesDir, hashSegments.FilenameFor(s.hashSeg))
		entry := hashEntry{Hash: hash.Hash, SenderKey: hash.SenderKey, SessionID: sessionID}
		if err := jsonfile.Append(fname, entry); err != nil {
			return err
		}
		s.hashCount++
		return nil
	})
}

// LoadMessageHashes adds every stored message hash to hashes and returns the
// number of entries read.
func (s *Store) LoadMessageHashes(hashes *replay.HashLog) (int, error) {
	var total int
	err := s.withLock(func() error {
		dir := filepath.Join(s.root, hashesDir)
		segments, err := hashSegments.MatchFiles(dir)
		if err != nil {
			return err
		}
		entries := make(map[string]string)
		for _, seg := range segments {
			n, err := jsonfile.ReadLines(filepath.Join(dir, seg.Filename),
				func(line []byte) error {
					var e hashEntry
					if err := json.Unmarshal(line, &e); err != nil {
						// Left by an append interrupted mid-line.
						s.log.Warnf("Skipping corrupt hash log entry "+
							"in %s: %v", seg.Filename, err)
						return nil
					}
					if _, ok := entries[e.Hash]; !ok {
						entries[e.Hash] = e.SessionID
					}
					return nil
				})
			if errors.Is(err, jsonfile.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("hash log segment %s: %w", seg.Filename, err)
			}
			total += n
		}
		hashes.Load(entries)
		return nil
	})
	return total, err
}
