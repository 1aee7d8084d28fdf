// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cryptostore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// lockFilename is the name of the file that guards a store root.
const lockFilename = "LOCK"

// lockRoot takes an exclusive lock on the store root, waiting until either
// the lock is acquired or ctx is done. The lock is released by closing the
// returned file or when the process exits.
func lockRoot(ctx context.Context, root string) (*lockedfile.File, error) {
	fname := filepath.Join(root, lockFilename)

	type result struct {
		f   *lockedfile.File
		err error
	}
	c := make(chan result, 1)
	go func() {
		f, err := lockedfile.Create(fname)
		c <- result{f, err}
	}()

	select {
	case res := <-c:
		if res.err != nil {
			return nil, fmt.Errorf("unable to lock store: %w", res.err)
		}

		// The owner info is only to help debugging stuck locks.
		host, _ := os.Hostname()
		fmt.Fprintf(res.f, "pid=%d\nhost=%q\n", os.Getpid(), host)
		return res.f, nil

	case <-ctx.Done():
		// The lock may still be acquired later. Release it when it is.
		go func() {
			if res := <-c; res.err == nil {
				res.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
