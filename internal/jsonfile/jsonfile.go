// Package jsonfile stores json encoded records in files that are replaced
// atomically or appended to as json lines.
package jsonfile

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/decred/slog"
)

var ErrNotFound = errors.New("json file not found")

// Mode of files and dirs created by this package. Stored records hold key
// material, so they are private to the user.
const (
	fileMode = 0o600
	dirMode  = 0o700
)

// Write encodes data into a temp file in the same dir as fname and renames it
// over fname once it is synced, so readers see either the old or the new
// contents.
//
// log is used to report cleanup failures that do not fail the write.
func Write(fname string, data interface{}, log slog.Logger) (err error) {
	dir := filepath.Dir(fname)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("unable to create dest dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(fname)+".*.new")
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	tempFname := f.Name()
	defer func() {
		if err == nil {
			return
		}
		if f != nil {
			if closeErr := f.Close(); closeErr != nil && log != nil {
				log.Warnf("Unable to close temp file %s: %v", tempFname, closeErr)
			}
		}
		if remErr := os.Remove(tempFname); remErr != nil && log != nil {
			log.Warnf("Unable to remove temp file %s: %v", tempFname, remErr)
		}
	}()

	if err := f.Chmod(fileMode); err != nil {
		return fmt.Errorf("unable to chmod temp file: %w", err)
	}
	if err := json.NewEncoder(f).Encode(data); err != nil {
		return fmt.Errorf("unable to encode json contents: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("unable to fsync temp file: %w", err)
	}
	closeErr := f.Close()
	f = nil
	if closeErr != nil {
		return fmt.Errorf("unable to close temp file: %w", closeErr)
	}
	if err := os.Rename(tempFname, fname); err != nil {
		return fmt.Errorf("unable to rename temp file to final file: %w", err)
	}
	return nil
}

// Read decodes the first json value of fname into data.
func Read(fname string, data interface{}) error {
	f, err := os.Open(fname)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(data)
}

// Append encodes data as a single json line at the end of fname, creating
// the file if needed.
func Append(fname string, data interface{}) error {
	if err := os.MkdirAll(filepath.Dir(fname), dirMode); err != nil {
		return err
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("unable to encode json line: %w", err)
	}
	b = append(b, '\n')

	f, err := os.OpenFile(fname, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return err
	}
	_, err = f.Write(b)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// ReadLines calls fn with each json line of fname, in order. A truncated
// last line, left by an interrupted Append, is ignored.
func ReadLines(fname string, fn func(line []byte) error) (int, error) {
	f, err := os.Open(fname)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return n, nil
		} else if err != nil {
			return n, err
		}
		if err := fn(line); err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		n++
	}
}

// Exists returns true if the specified file exists.
func Exists(fname string) bool {
	_, err := os.Stat(fname)
	return err == nil
}

// RemoveIfExists removes fname. It is not an error if fname does not exist.
func RemoveIfExists(fname string) error {
	err := os.Remove(fname)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
