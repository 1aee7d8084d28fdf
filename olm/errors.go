// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"errors"
	"fmt"
)

// ErrorKind is the broad category of an engine error. Errors returned by key
// handling, session creation, decryption and pickling match one of the kinds
// with errors.Is.
type ErrorKind string

func (err ErrorKind) Error() string {
	return string(err)
}

const (
	// ErrKey is returned when key material is malformed or a key
	// signature fails to verify.
	ErrKey = ErrorKind("key error")

	// ErrSessionCreation is returned when a pairwise or group session
	// cannot be created from the provided handshake data.
	ErrSessionCreation = ErrorKind("session creation error")

	// ErrDecryption is returned when a message cannot be decrypted.
	ErrDecryption = ErrorKind("decryption error")

	// ErrPickle is returned when state cannot be pickled or unpickled.
	ErrPickle = ErrorKind("pickle error")
)

// Error wraps an underlying cause with its kind and the operation that
// failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (err *Error) Error() string {
	if err.Op == "" {
		return fmt.Sprintf("%s: %v", err.Kind, err.Err)
	}
	return fmt.Sprintf("%s: %s: %v", err.Kind, err.Op, err.Err)
}

// Unwrap returns both the kind and the cause, so errors.Is matches either.
func (err *Error) Unwrap() []error {
	return []error{err.Kind, err.Err}
}

func makeError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

var (
	ErrUnknownOneTimeKey     = errors.New("unknown one-time key")
	ErrMismatchedIdentityKey = errors.New("identity key does not match pre-key message")
	ErrNotPreKeyMessage      = errors.New("not a pre-key message")
	ErrUnknownMessageType    = errors.New("unknown olm message type")
	ErrNoMatchingSession     = errors.New("no session could decrypt the message")
	ErrMismatchedSession     = errors.New("message belongs to a different session")
	ErrRoomMismatch          = errors.New("room id does not match the session")
	ErrUnsupportedAlgorithm  = errors.New("unsupported algorithm")
	ErrRotationRequired      = errors.New("group session must be rotated")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrMissingSignature      = errors.New("missing signature")
	ErrInvalidPayload        = errors.New("invalid decrypted payload")
	ErrReplayedMessage       = errors.New("replayed message")
	ErrMissingCiphertext     = errors.New("no ciphertext for this device")
)

// ReplayedMessageError is returned when an olm message with an already
// recorded hash is decrypted again.
type ReplayedMessageError struct {
	Hash      OlmMessageHash
	SessionID string
}

func (err ReplayedMessageError) Error() string {
	return fmt.Sprintf("message %s from %s was already decrypted by session %s",
		err.Hash.Hash, err.Hash.SenderKey, err.SessionID)
}

func (err ReplayedMessageError) Is(target error) bool {
	return target == ErrReplayedMessage || target == ErrDecryption
}
