// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/companyzero/olmengine/internal/assert"
	"github.com/companyzero/olmengine/ratchet/disk"
)

func pairedRatchet(t *testing.T, opts ...Option) (a, b *Ratchet) {
	var secret [96]byte
	if _, err := rand.Read(secret[:]); err != nil {
		t.Fatal(err)
	}

	a = New(rand.Reader, opts...)
	if err := a.InitOutbound(secret[:]); err != nil {
		t.Fatal(err)
	}
	ratchetKey, ok := a.RatchetKey()
	if !ok {
		t.Fatal("outbound ratchet has no sending chain")
	}

	b = New(rand.Reader, opts...)
	if err := b.InitInbound(secret[:], &ratchetKey); err != nil {
		t.Fatal(err)
	}
	return
}

// exchange encrypts msg with from and asserts to decrypts it back.
func exchange(t testing.TB, from, to *Ratchet, msg []byte) {
	t.Helper()
	enc, err := from.Encrypt(msg)
	assert.NilErr(t, err)
	got, err := to.Decrypt(enc)
	assert.NilErr(t, err)
	assert.DeepEqual(t, got, msg)
}

func TestExchange(t *testing.T) {
	a, b := pairedRatchet(t)
	exchange(t, a, b, []byte("first"))
	exchange(t, a, b, []byte("second"))
	exchange(t, b, a, []byte("reply"))
}

// TestAlternatingSenders asserts the number of kept receiver chains is
// bounded when the sending side changes on every message.
func TestAlternatingSenders(t *testing.T) {
	a, b := pairedRatchet(t)
	for i := 0; i < 2*MaxReceiverChains; i++ {
		exchange(t, a, b, []byte{'a', byte(i)})
		exchange(t, b, a, []byte{'b', byte(i)})
	}
	if len(a.receivers) > MaxReceiverChains || len(b.receivers) > MaxReceiverChains {
		t.Fatalf("too many receiver chains: %d %d", len(a.receivers), len(b.receivers))
	}
}

func TestRatchetKeyChangesOnReply(t *testing.T) {
	a, b := pairedRatchet(t)

	first, _ := a.RatchetKey()
	enc, err := a.Encrypt([]byte("a1"))
	assert.NilErr(t, err)
	_, err = b.Decrypt(enc)
	assert.NilErr(t, err)

	// b has no sending chain until it encrypts.
	_, ok := b.RatchetKey()
	assert.BoolIs(t, ok, false)
	enc, err = b.Encrypt([]byte("b1"))
	assert.NilErr(t, err)
	_, err = a.Decrypt(enc)
	assert.NilErr(t, err)

	// a drops its sending chain after seeing the new key of b and
	// creates a new one on the next message.
	_, ok = a.RatchetKey()
	assert.BoolIs(t, ok, false)
	_, err = a.Encrypt([]byte("a2"))
	assert.NilErr(t, err)
	second, _ := a.RatchetKey()
	if second == first {
		t.Fatal("ratchet key did not change")
	}
}

func TestBigSkip(t *testing.T) {
	a, b := pairedRatchet(t)

	for i := 0; i <= MaxMessageGap; i++ {
		_, err := a.Encrypt([]byte("skipped"))
		assert.NilErr(t, err)
	}
	encrypted, err := a.Encrypt([]byte("too far"))
	assert.NilErr(t, err)
	_, err = b.Decrypt(encrypted)
	assert.ErrorIs(t, err, ErrMessageGapTooLarge)
}

func TestReplayedMessage(t *testing.T) {
	a, b := pairedRatchet(t)

	encrypted, err := a.Encrypt([]byte("once"))
	assert.NilErr(t, err)
	_, err = b.Decrypt(encrypted)
	assert.NilErr(t, err)

	// The message key was used, so the same message can't be decrypted
	// again.
	_, err = b.Decrypt(encrypted)
	assert.ErrorIs(t, err, ErrMessageKeyNotFound)
}

func TestFailedDecryptKeepsState(t *testing.T) {
	a, b := pairedRatchet(t)

	msg := []byte("test message")
	encrypted, err := a.Encrypt(msg)
	assert.NilErr(t, err)

	before, err := json.Marshal(b.DiskState(0))
	assert.NilErr(t, err)

	tampered := append([]byte(nil), encrypted...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = b.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrDecrypt)

	after, err := json.Marshal(b.DiskState(0))
	assert.NilErr(t, err)
	if !bytes.Equal(before, after) {
		t.Fatal("state changed after failed decryption")
	}

	result, err := b.Decrypt(encrypted)
	assert.NilErr(t, err)
	assert.DeepEqual(t, result, msg)
}

func TestSkippedKeysLimit(t *testing.T) {
	a, b := pairedRatchet(t)

	var msgs [][]byte
	for i := 0; i < MaxSkippedKeys+5; i++ {
		enc, err := a.Encrypt([]byte{byte(i)})
		assert.NilErr(t, err)
		msgs = append(msgs, enc)
	}

	// Deliver the last one, skipping every other key.
	_, err := b.Decrypt(msgs[len(msgs)-1])
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(b.skipped), MaxSkippedKeys)

	// The oldest skipped keys were discarded.
	_, err = b.Decrypt(msgs[0])
	assert.ErrorIs(t, err, ErrMessageKeyNotFound)

	// A recent one is still available.
	res, err := b.Decrypt(msgs[len(msgs)-2])
	assert.NilErr(t, err)
	assert.DeepEqual(t, res, []byte{byte(len(msgs) - 2)})
}

func TestUninitialized(t *testing.T) {
	r := New(rand.Reader)
	_, err := r.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrNotInitialized)

	err = r.Unmarshal(&disk.RatchetState{RootKey: make([]byte, 32)})
	if err == nil {
		t.Fatal("unexpected nil error when unmarshalling state without chains")
	}
}

// reloadRatchet round trips r through its json disk state.
func reloadRatchet(t testing.TB, r *Ratchet) *Ratchet {
	t.Helper()
	b, err := json.Marshal(r.DiskState(time.Hour))
	assert.NilErr(t, err)
	var st disk.RatchetState
	assert.NilErr(t, json.Unmarshal(b, &st))
	loaded := New(rand.Reader, WithClock(r.now))
	assert.NilErr(t, loaded.Unmarshal(&st))
	return loaded
}

// runDeliverySchedule drives a paired ratchet through steps, reloading both
// sides from disk after each one. Each step is a word of the form:
//
//	a, b     send from a (or b) and deliver immediately
//	a-, b-   send and lose the message
//	a@N      send from a and hold the message as N (same for b)
//	>N       deliver the held message N
func runDeliverySchedule(t *testing.T, steps string) {
	type held struct {
		msg, enc []byte
		toA      bool
	}
	pending := make(map[string]held)
	a, b := pairedRatchet(t)

	for i, step := range strings.Fields(steps) {
		if strings.HasPrefix(step, ">") {
			h, ok := pending[step[1:]]
			if !ok {
				t.Fatalf("step %d: no held message %q", i, step[1:])
			}
			delete(pending, step[1:])
			to := b
			if h.toA {
				to = a
			}
			got, err := to.Decrypt(h.enc)
			if err != nil {
				t.Fatalf("step %d (%s): %v", i, step, err)
			}
			assert.DeepEqual(t, got, h.msg)
		} else {
			from, to := a, b
			if step[0] == 'b' {
				from, to = b, a
			}
			msg := []byte(fmt.Sprintf("step %d", i))
			enc, err := from.Encrypt(msg)
			assert.NilErr(t, err)

			switch {
			case len(step) == 1:
				got, err := to.Decrypt(enc)
				if err != nil {
					t.Fatalf("step %d (%s): %v", i, step, err)
				}
				assert.DeepEqual(t, got, msg)
			case step[1] == '-':
			case step[1] == '@':
				if _, ok := pending[step[2:]]; ok {
					t.Fatalf("step %d: message %q already held", i, step[2:])
				}
				pending[step[2:]] = held{msg: msg, enc: enc, toA: step[0] == 'b'}
			default:
				t.Fatalf("step %d: bad step %q", i, step)
			}
		}

		a = reloadRatchet(t, a)
		b = reloadRatchet(t, b)
	}
}

func TestDeliverySchedules(t *testing.T) {
	tests := []struct {
		name  string
		steps string
	}{
		{"ping pong", "a b a b a b"},
		{"late message", "a a@0 a >0"},
		{"late message after ratchet step", "a a@0 b a b >0"},
		{"lost messages", "a- a- a- a- a b"},
		{"late from both sides", "b@x a b- a@y a >x b >y a"},
		{"mixed", "a a b b a@0 a a@1 b b- a >1 b >0 a"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			runDeliverySchedule(t, tc.steps)
		})
	}
}

func TestDiskStateLifetime(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a, b := pairedRatchet(t, WithClock(clock))

	enc1, err := a.Encrypt([]byte("1"))
	assert.NilErr(t, err)
	enc2, err := a.Encrypt([]byte("2"))
	assert.NilErr(t, err)
	enc3, err := a.Encrypt([]byte("3"))
	assert.NilErr(t, err)
	_, err = b.Decrypt(enc3)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(b.skipped), 2)
	assert.DeepEqual(t, b.skipped[0].creationTime, now)

	// Within the lifetime the skipped keys are kept.
	now = now.Add(time.Hour)
	b = reloadRatchet(t, b)
	assert.DeepEqual(t, len(b.skipped), 2)
	res, err := b.Decrypt(enc2)
	assert.NilErr(t, err)
	assert.DeepEqual(t, res, []byte("2"))

	// Past the lifetime they are dropped from the disk state.
	now = now.Add(time.Minute)
	b = reloadRatchet(t, b)
	assert.DeepEqual(t, len(b.skipped), 0)
	_, err = b.Decrypt(enc1)
	assert.ErrorIs(t, err, ErrMessageKeyNotFound)
}
