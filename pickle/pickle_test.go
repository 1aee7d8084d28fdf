package pickle

import (
	"bytes"
	"testing"

	"github.com/companyzero/olmengine/internal/assert"
	"github.com/davecgh/go-spew/spew"
)

type testState struct {
	Name    string `json:"name"`
	Counter uint32 `json:"counter"`
	Secret  []byte `json:"secret"`
}

func TestSealOpen(t *testing.T) {
	want := testState{Name: "state", Counter: 42, Secret: []byte{1, 2, 3}}
	tests := []struct {
		name string
		mode Mode
	}{
		{"unencrypted", Unencrypted()},
		{"key", WithKey([]byte("secret key"))},
		{"passphrase", WithPassphrase("correct horse").WithScryptParams(10, 8, 1)},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s, err := Seal(tc.mode, &want)
			assert.NilErr(t, err)

			var got testState
			assert.NilErr(t, Open(tc.mode, s, &got))
			assert.DeepEqual(t, got, want)
		})
	}
}

func TestOpenFailures(t *testing.T) {
	state := testState{Name: "state"}
	keyed, err := Seal(WithKey([]byte("key 1")), &state)
	assert.NilErr(t, err)
	pass, err := Seal(WithPassphrase("pass 1").WithScryptParams(10, 8, 1), &state)
	assert.NilErr(t, err)
	plain, err := Seal(Unencrypted(), &state)
	assert.NilErr(t, err)

	var got testState
	assert.ErrorIs(t, Open(WithKey([]byte("key 2")), keyed, &got), ErrWrongKey)
	assert.ErrorIs(t, Open(WithPassphrase("pass 2"), pass, &got), ErrWrongKey)
	assert.ErrorIs(t, Open(Unencrypted(), keyed, &got), ErrModeMismatch)
	assert.ErrorIs(t, Open(WithKey([]byte("key 1")), plain, &got), ErrModeMismatch)
	assert.ErrorIs(t, Open(WithKey([]byte("key 1")), pass, &got), ErrModeMismatch)
	assert.ErrorIs(t, Open(Unencrypted(), "!!!", &got), ErrCorrupt)
	assert.ErrorIs(t, Open(Unencrypted(), "", &got), ErrCorrupt)
	assert.ErrorIs(t, Open(Unencrypted(), encoding.EncodeToString([]byte{9, 0}), &got),
		ErrUnsupportedVersion)

	// Truncated sealed payload.
	b, err := encoding.DecodeString(keyed)
	assert.NilErr(t, err)
	short := encoding.EncodeToString(b[:10])
	assert.ErrorIs(t, Open(WithKey([]byte("key 1")), short, &got), ErrWrongKey)

	// Unencrypted garbage fails json decoding.
	garbage := encoding.EncodeToString([]byte{formatVersion, byte(KindUnencrypted), '{'})
	assert.ErrorIs(t, Open(Unencrypted(), garbage, &got), ErrCorrupt)
}

func TestSecretboxWrap(t *testing.T) {
	var key [32]byte
	for i := 0; i < len(key); i++ {
		key[i] = 2
	}
	message := []byte("Hello, world!")
	prefix := []byte{0xaa, 0xbb}
	box, err := seal(prefix, message, &key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(box[:2], prefix) {
		t.Fatalf("seal didn't correctly append")
	}
	t.Logf("%v", spew.Sdump(box))

	opened, ok := open(box[2:], &key)
	if !ok {
		t.Fatalf("failed to open box")
	}
	if !bytes.Equal(opened, message) {
		t.Fatalf("got %x, expected %x", opened, message)
	}

	key[0] = 3
	if _, ok := open(box[2:], &key); ok {
		t.Fatalf("box opened with wrong key")
	}
	if _, ok := open(box[2:10], &key); ok {
		t.Fatalf("short box opened")
	}
}
