// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cryptostore persists pickled accounts, sessions and group sessions
// as json files under a root dir.
//
// Records are stored already sealed: the store never sees key material in
// the clear. Identifiers such as sender keys and room ids are hashed into
// file names, so they need not be valid path elements.
package cryptostore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/companyzero/olmengine/internal/jsonfile"
	"github.com/decred/slog"
	"github.com/rogpeppe/go-internal/lockedfile"
	"lukechampine.com/blake3"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned when using a closed store.
	ErrClosed = errors.New("store is closed")
)

const (
	accountFile   = "account.json"
	sessionsDir   = "sessions"
	inboundDir    = "inbound"
	outboundDir   = "outbound"
	hashesDir     = "hashes"
	recordSuffix  = ".json"
	nameHashBytes = 16
)

// Config is the configuration of a store.
type Config struct {
	// Root is the dir where records are stored. It is created if needed.
	Root string

	Logger slog.Logger

	// HashSegmentSize is the number of message hashes stored in each
	// hash log segment. Defaults to 1000.
	HashSegmentSize int

	// LoadParallelism is the number of records decoded concurrently when
	// loading all group sessions. Defaults to 8.
	LoadParallelism int
}

// Store is a file backed store of pickled records. It is safe for
// concurrent use and holds an exclusive lock on its root until closed.
type Store struct {
	cfg  Config
	log  slog.Logger
	root string
	lock *lockedfile.File

	mtx       sync.Mutex
	closed    bool
	hashSeg   uint64
	hashCount int
}

// Open opens the store at cfg.Root. It blocks while another process holds
// the store open, until ctx is done.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("unable to determine store root: %w", err)
	}

	finfo, err := os.Stat(root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(root, 0o700); err != nil {
			return nil, err
		}
	case err == nil:
		if !finfo.IsDir() {
			return nil, fmt.Errorf("root %q is not a dir", root)
		}
	default:
		return nil, err
	}

	lock, err := lockRoot(ctx, root)
	if err != nil {
		return nil, err
	}

	log := slog.Disabled
	if cfg.Logger != nil {
		log = cfg.Logger
	}
	if cfg.HashSegmentSize <= 0 {
		cfg.HashSegmentSize = 1000
	}
	if cfg.LoadParallelism <= 0 {
		cfg.LoadParallelism = 8
	}

	s := &Store{
		cfg:  cfg,
		log:  log,
		root: root,
		lock: lock,
	}
	if err := s.initHashLog(); err != nil {
		lock.Close()
		return nil, err
	}
	log.Debugf("Opened crypto store at %s", root)
	return s, nil
}

// Root returns the absolute path of the store root.
func (s *Store) Root() string {
	return s.root
}

// Close releases the store lock. The store cannot be used afterwards.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.lock.Close()
}

// nameFor returns the file name element used for the given identifiers.
func nameFor(ids ...string) string {
	h := blake3.New(32, nil)
	for _, id := range ids {
		// Length prefix so ("ab", "c") and ("a", "bc") differ.
		fmt.Fprintf(h, "%d:%s", len(id), id)
	}
	return hex.EncodeToString(h.Sum(nil)[:nameHashBytes])
}

// withLock runs fn with the store mutex held.
func (s *Store) withLock(fn func() error) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn()
}

func (s *Store) write(fname string, v interface{}) error {
	return jsonfile.Write(fname, v, s.log)
}

func (s *Store) read(fname string, v interface{}) error {
	err := jsonfile.Read(fname, v)
	if errors.Is(err, jsonfile.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// recordFiles returns the record files of dir. A missing dir has none.
func recordFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var res []string
	for _, e := range entries {
		if e.Type().IsRegular() && filepath.Ext(e.Name()) == recordSuffix {
			res = append(res, filepath.Join(dir, e.Name()))
		}
	}
	return res, nil
}

// subDirs returns the dirs inside dir. A missing dir has none.
func subDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var res []string
	for _, e := range entries {
		if e.IsDir() {
			res = append(res, filepath.Join(dir, e.Name()))
		}
	}
	return res, nil
}
