package cryptostore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/companyzero/olmengine/internal/assert"
	"github.com/companyzero/olmengine/internal/testutils"
	"github.com/companyzero/olmengine/olm"
	"github.com/companyzero/olmengine/pickle"
	"github.com/companyzero/olmengine/replay"
)

const testRoomID = "!room:example.org"

func openTestStore(t testing.TB, root string, cfg Config) *Store {
	t.Helper()
	cfg.Root = root
	cfg.Logger = testutils.TestLoggerSys(t, "STOR")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, cfg)
	assert.NilErr(t, err)
	return s
}

func newAccount(t testing.TB, userID, deviceID string) *olm.Account {
	t.Helper()
	a, err := olm.NewAccount(userID, deviceID,
		olm.WithLogger(testutils.TestLoggerSys(t, deviceID)))
	assert.NilErr(t, err)
	return a
}

func remoteDevice(a *olm.Account) olm.RemoteDevice {
	ik := a.IdentityKeys()
	return olm.RemoteDevice{
		UserID:      a.UserID(),
		DeviceID:    a.DeviceID(),
		IdentityKey: ik.Curve25519.String(),
		SigningKey:  ik.Ed25519.String(),
	}
}

func claimKey(t testing.TB, a *olm.Account) olm.SignedKey {
	t.Helper()
	assert.NilErr(t, a.GenerateOneTimeKeys(1))
	otks, err := a.SignedOneTimeKeys()
	assert.NilErr(t, err)
	a.MarkKeysAsPublished()
	for _, k := range otks {
		return k
	}
	t.Fatal("no one-time key")
	return olm.SignedKey{}
}

// TestStoreLock asserts a store root can only be opened once at a time.
func TestStoreLock(t *testing.T) {
	root := testutils.TempTestDir(t, "cryptostore-")
	s := openTestStore(t, root, Config{})
	assert.FileExists(t, filepath.Join(root, lockFilename))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Open(ctx, Config{Root: root})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.NilErr(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrClosed)
	_, err = s.LoadAccount()
	assert.ErrorIs(t, err, ErrClosed)

	s = openTestStore(t, root, Config{})
	assert.NilErr(t, s.Close())

	// A file is not a valid root.
	fname := filepath.Join(root, "file")
	assert.NilErr(t, os.WriteFile(fname, nil, 0o600))
	_, err = Open(context.Background(), Config{Root: fname})
	assert.NonNilErr(t, err)
}

// TestStoreRoundTrip asserts an account and its sessions can be restored
// from a reopened store.
func TestStoreRoundTrip(t *testing.T) {
	root := testutils.TempTestDir(t, "cryptostore-")
	mode := pickle.WithKey([]byte("store key"))
	s := openTestStore(t, root, Config{})

	_, err := s.LoadAccount()
	assert.ErrorIs(t, err, ErrNotFound)

	alice := newAccount(t, "@alice:example.org", "ALICE")
	bob := newAccount(t, "@bob:example.org", "BOB")
	bobKey := remoteDevice(bob).IdentityKey

	var sessionIDs []string
	for i := 0; i < 3; i++ {
		as, err := alice.CreateOutboundSession(remoteDevice(bob), claimKey(t, bob))
		assert.NilErr(t, err)
		p, err := as.Pickle(mode)
		assert.NilErr(t, err)
		assert.NilErr(t, s.SaveSession(p))
		sessionIDs = append(sessionIDs, as.SessionID())
	}
	assert.NilErr(t, s.RemoveSession(bobKey, sessionIDs[1]))
	assert.NilErr(t, s.RemoveSession(bobKey, "unknown"))

	out, in, err := alice.CreateGroupSessionPair(testRoomID, olm.DefaultEncryptionSettings())
	assert.NilErr(t, err)
	pout, err := out.Pickle(mode)
	assert.NilErr(t, err)
	assert.NilErr(t, s.SaveOutboundGroupSession(pout))
	pin, err := in.Pickle(mode)
	assert.NilErr(t, err)
	assert.NilErr(t, s.SaveInboundGroupSession(pin))

	pacc, err := alice.Pickle(mode)
	assert.NilErr(t, err)
	assert.NilErr(t, s.SaveAccount(pacc))
	assert.NilErr(t, s.Close())

	s = openTestStore(t, root, Config{})
	defer s.Close()

	gotAcc, err := s.LoadAccount()
	assert.NilErr(t, err)
	assert.DeepEqual(t, gotAcc, pacc)
	restored, err := olm.UnpickleAccount(gotAcc, mode)
	assert.NilErr(t, err)
	assert.DeepEqual(t, restored.IdentityKeys(), alice.IdentityKeys())

	list, err := s.LoadSessionList(bobKey, mode)
	assert.NilErr(t, err)
	assert.DeepEqual(t, list.Len(), 2)
	if list.Get(sessionIDs[0]) == nil || list.Get(sessionIDs[2]) == nil {
		t.Fatal("missing restored session")
	}
	if list.Get(sessionIDs[1]) != nil {
		t.Fatal("removed session was restored")
	}
	empty, err := s.LoadSessions(remoteDevice(alice).IdentityKey)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(empty), 0)

	gotOut, err := s.LoadOutboundGroupSession(testRoomID)
	assert.NilErr(t, err)
	assert.DeepEqual(t, gotOut, pout)
	assert.NilErr(t, s.RemoveOutboundGroupSession(testRoomID))
	_, err = s.LoadOutboundGroupSession(testRoomID)
	assert.ErrorIs(t, err, ErrNotFound)

	gotIn, err := s.LoadInboundGroupSession(testRoomID, pin.SenderKey, pin.SessionID)
	assert.NilErr(t, err)
	assert.DeepEqual(t, gotIn, pin)
	_, err = s.LoadInboundGroupSession("!other:example.org", pin.SenderKey, pin.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Wrong pickle keys surface the pickle error.
	_, err = s.LoadSessionList(bobKey, pickle.WithKey([]byte("other")))
	assert.ErrorIs(t, err, olm.ErrPickle)
}

// TestLoadInboundGroupSessions asserts group sessions across rooms are all
// restored.
func TestLoadInboundGroupSessions(t *testing.T) {
	root := testutils.TempTestDir(t, "cryptostore-")
	s := openTestStore(t, root, Config{LoadParallelism: 2})
	defer s.Close()
	mode := pickle.WithPassphrase("group").WithScryptParams(10, 8, 1)

	alice := newAccount(t, "@alice:example.org", "ALICE")
	want := make(map[string]string)
	for _, room := range []string{"!a:example.org", "!b:example.org", "!c:example.org"} {
		for i := 0; i < 2; i++ {
			_, in, err := alice.CreateGroupSessionPair(room, olm.DefaultEncryptionSettings())
			assert.NilErr(t, err)
			p, err := in.Pickle(mode)
			assert.NilErr(t, err)
			assert.NilErr(t, s.SaveInboundGroupSession(p))
			want[in.SessionID()] = room
		}
	}

	pickled, err := s.InboundGroupSessions()
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(pickled), len(want))

	sessions, err := s.LoadInboundGroupSessions(context.Background(), mode)
	assert.NilErr(t, err)
	got := make(map[string]string, len(sessions))
	for _, in := range sessions {
		got[in.SessionID()] = in.RoomID()
	}
	assert.DeepEqual(t, got, want)

	_, err = s.LoadInboundGroupSessions(context.Background(), pickle.WithPassphrase("wrong"))
	assert.ErrorIs(t, err, pickle.ErrWrongKey)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.LoadInboundGroupSessions(ctx, mode)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error: got %v, want %v", err, context.Canceled)
	}
}

// TestMessageHashLog asserts message hashes survive reopening the store and
// are split across segments.
func TestMessageHashLog(t *testing.T) {
	root := testutils.TempTestDir(t, "cryptostore-")
	s := openTestStore(t, root, Config{HashSegmentSize: 3})

	hashes := make([]olm.OlmMessageHash, 7)
	for i := range hashes {
		msg := olm.OlmMessage{Type: olm.MessageTypeNormal, Body: string(rune('a' + i))}
		hashes[i] = olm.NewOlmMessageHash("senderkey", msg)
		assert.NilErr(t, s.AppendMessageHash(hashes[i], "session"))
	}
	assert.NilErr(t, s.Close())

	segments, err := hashSegments.MatchFiles(filepath.Join(root, hashesDir))
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(segments), 3)

	// The last segment is appended to after reopening.
	s = openTestStore(t, root, Config{HashSegmentSize: 3})
	defer s.Close()
	extra := olm.NewOlmMessageHash("senderkey", olm.OlmMessage{Body: "extra"})
	assert.NilErr(t, s.AppendMessageHash(extra, "other"))
	segments, err = hashSegments.MatchFiles(filepath.Join(root, hashesDir))
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(segments), 3)

	log := replay.NewHashLog()
	n, err := s.LoadMessageHashes(log)
	assert.NilErr(t, err)
	assert.DeepEqual(t, n, 8)
	assert.DeepEqual(t, log.Len(), 8)
	for _, h := range hashes {
		sessionID, ok := log.Lookup(h.Hash)
		assert.BoolIs(t, ok, true)
		assert.DeepEqual(t, sessionID, "session")
	}
	sessionID, _ := log.Lookup(extra.Hash)
	assert.DeepEqual(t, sessionID, "other")
}

func TestNameFor(t *testing.T) {
	assert.DeepEqual(t, len(nameFor("a")), nameHashBytes*2)
	if nameFor("ab", "c") == nameFor("a", "bc") {
		t.Fatal("ambiguous names")
	}
	if nameFor("!room:example.org") != nameFor("!room:example.org") {
		t.Fatal("names are not stable")
	}
}
