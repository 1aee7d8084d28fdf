package olm

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/companyzero/olmengine/internal/assert"
	"github.com/companyzero/olmengine/megolm"
	"github.com/companyzero/olmengine/replay"
)

const testRoomID = "!room:example.org"

type testMessage struct {
	MsgType   string          `json:"msgtype"`
	Body      string          `json:"body"`
	RelatesTo json.RawMessage `json:"m.relates_to,omitempty"`
}

func roomEvent(content *EncryptedRoomContent, eventID string) *EncryptedEvent {
	return &EncryptedEvent{
		Type:           EventTypeRoomEncrypted,
		Sender:         "@alice:example.org",
		EventID:        eventID,
		RoomID:         testRoomID,
		OriginServerTS: 1709294400000,
		Content:        *content,
	}
}

func encryptText(t testing.TB, out *OutboundGroupSession, body string) *EncryptedRoomContent {
	t.Helper()
	content, err := out.Encrypt(testMessage{MsgType: "m.text", Body: body}, "m.room.message")
	assert.NilErr(t, err)
	return content
}

func decryptText(t testing.TB, in *InboundGroupSession, ev *EncryptedEvent) (string, uint32) {
	t.Helper()
	dec, index, err := in.Decrypt(ev)
	assert.NilErr(t, err)
	assert.DeepEqual(t, dec.Type, "m.room.message")
	assert.DeepEqual(t, dec.MessageIndex, index)
	var msg testMessage
	assert.NilErr(t, json.Unmarshal(dec.Content, &msg))
	return msg.Body, index
}

// TestGroupRoundTrip asserts messages decrypt in order with increasing
// indices.
func TestGroupRoundTrip(t *testing.T) {
	t.Parallel()
	alice := newTestAccount(t, "@alice:example.org", "ALICE")
	out, in, err := alice.CreateGroupSessionPair(testRoomID, DefaultEncryptionSettings())
	assert.NilErr(t, err)

	for i := 0; i < 5; i++ {
		body := fmt.Sprintf("message %d", i)
		assert.DeepEqual(t, out.MessageIndex(), uint32(i))
		content := encryptText(t, out, body)
		assert.DeepEqual(t, content.Algorithm, AlgorithmMegolmV1)
		assert.DeepEqual(t, content.SessionID, out.SessionID())
		assert.DeepEqual(t, content.DeviceID, "ALICE")
		assert.DeepEqual(t, content.SenderKey, remoteDevice(alice).IdentityKey)

		ev := roomEvent(content, fmt.Sprintf("$event%d", i))
		got, index := decryptText(t, in, ev)
		assert.DeepEqual(t, got, body)
		assert.DeepEqual(t, index, uint32(i))

		dec, _, err := in.Decrypt(ev)
		assert.NilErr(t, err)
		assert.BoolIs(t, dec.Verified, true)
		assert.DeepEqual(t, dec.EventID, ev.EventID)
		assert.DeepEqual(t, dec.SessionID, out.SessionID())
	}
	assert.DeepEqual(t, out.MessageCount(), uint64(5))
}

// TestGroupRelation asserts relations are exposed in the clear and restored
// on decryption.
func TestGroupRelation(t *testing.T) {
	t.Parallel()
	alice := newTestAccount(t, "@alice:example.org", "ALICE")
	out, in, err := alice.CreateGroupSessionPair(testRoomID, DefaultEncryptionSettings())
	assert.NilErr(t, err)

	rel := json.RawMessage(`{"rel_type":"m.replace","event_id":"$orig"}`)
	content, err := out.Encrypt(testMessage{MsgType: "m.text", Body: "edit", RelatesTo: rel},
		"m.room.message")
	assert.NilErr(t, err)
	assert.DeepEqual(t, string(content.RelatesTo), string(rel))

	// A relation only present in the clear is put back in the content.
	plain := encryptText(t, out, "plain")
	assert.DeepEqual(t, len(plain.RelatesTo), 0)
	plain.RelatesTo = rel

	for _, c := range []*EncryptedRoomContent{content, plain} {
		dec, _, err := in.Decrypt(roomEvent(c, "$edit"+c.Ciphertext[:4]))
		assert.NilErr(t, err)
		var msg testMessage
		assert.NilErr(t, json.Unmarshal(dec.Content, &msg))
		assert.DeepEqual(t, string(msg.RelatesTo), string(rel))
	}
}

func TestGroupRotation(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	alice := newTestAccount(t, "@alice:example.org", "ALICE", WithClock(clock.Now))

	settings := EncryptionSettings{RotationPeriodMessages: 2, RotationPeriod: 2 * time.Hour}
	out, _, err := alice.CreateGroupSessionPair(testRoomID, settings)
	assert.NilErr(t, err)
	encryptText(t, out, "one")
	encryptText(t, out, "two")
	assert.BoolIs(t, out.Expired(), true)
	_, err = out.Encrypt(testMessage{Body: "three"}, "m.room.message")
	assert.ErrorIs(t, err, ErrRotationRequired)

	out, _, err = alice.CreateGroupSessionPair(testRoomID, settings)
	assert.NilErr(t, err)
	clock.Advance(time.Hour)
	assert.BoolIs(t, out.Expired(), false)
	encryptText(t, out, "one")
	clock.Advance(time.Hour)
	assert.BoolIs(t, out.Expired(), true)
	_, err = out.Encrypt(testMessage{Body: "two"}, "m.room.message")
	assert.ErrorIs(t, err, ErrRotationRequired)

	out, _, err = alice.CreateGroupSessionPair(testRoomID, settings)
	assert.NilErr(t, err)
	out.Invalidate()
	assert.BoolIs(t, out.Invalidated(), true)
	_, err = out.Encrypt(testMessage{Body: "one"}, "m.room.message")
	assert.ErrorIs(t, err, ErrRotationRequired)
}

func TestGroupShareBookkeeping(t *testing.T) {
	t.Parallel()
	alice := newTestAccount(t, "@alice:example.org", "ALICE")
	out, _, err := alice.CreateGroupSessionPair(testRoomID, DefaultEncryptionSettings())
	assert.NilErr(t, err)

	bobInfo := ShareInfo{SenderKey: "bobkey", MessageIndex: 0}
	carolInfo := ShareInfo{SenderKey: "carolkey", MessageIndex: 0}
	out.AddRequest("req1", map[string]map[string]ShareInfo{
		"@bob:example.org": {"BOB": bobInfo},
	})
	out.AddRequest("req2", map[string]map[string]ShareInfo{
		"@carol:example.org": {"CAROL": carolInfo},
	})
	assert.DeepEqual(t, out.PendingRequestIDs(), []string{"req1", "req2"})

	// Pending requests already count as shared.
	assert.DeepEqual(t, out.IsSharedWith("@bob:example.org", "BOB", "bobkey"),
		ShareState{Kind: Shared})
	assert.DeepEqual(t, out.IsSharedWith("@bob:example.org", "BOB", "newkey").Kind,
		SharedButChangedSenderKey)
	assert.DeepEqual(t, out.IsSharedWith("@bob:example.org", "BOB2", "bobkey").Kind,
		NotShared)

	assert.BoolIs(t, out.MarkRequestAsSent("req1"), true)
	assert.BoolIs(t, out.MarkRequestAsSent("req1"), false)
	assert.BoolIs(t, out.Shared(), false)
	assert.BoolIs(t, out.MarkRequestAsSent("req2"), true)
	assert.BoolIs(t, out.Shared(), true)
	assert.BoolIs(t, out.HasPendingRequests(), false)
	assert.DeepEqual(t, out.SharedWith()["@carol:example.org"]["CAROL"], carolInfo)

	// Withholding from a device without the key keeps the session usable.
	assert.BoolIs(t, out.Withhold("@dave:example.org", "DAVE"), false)
	assert.BoolIs(t, out.Invalidated(), false)

	recipients := map[string][]string{
		"@bob:example.org":   {"BOB"},
		"@carol:example.org": {"CAROL", "CAROL2"},
	}
	assert.BoolIs(t, out.CheckRecipients(recipients), false)
	delete(recipients, "@carol:example.org")
	assert.BoolIs(t, out.CheckRecipients(recipients), true)
	assert.BoolIs(t, out.Invalidated(), true)

	out2, _, err := alice.CreateGroupSessionPair(testRoomID, DefaultEncryptionSettings())
	assert.NilErr(t, err)
	out2.AddRequest("req", map[string]map[string]ShareInfo{
		"@bob:example.org": {"BOB": bobInfo},
	})
	assert.BoolIs(t, out2.Withhold("@bob:example.org", "BOB"), true)
	assert.BoolIs(t, out2.Invalidated(), true)
}

// TestGroupFirstKnownIndex asserts a session received late cannot decrypt
// earlier messages.
func TestGroupFirstKnownIndex(t *testing.T) {
	t.Parallel()
	alice := newTestAccount(t, "@alice:example.org", "ALICE")
	dev := remoteDevice(alice)
	out, _, err := alice.CreateGroupSessionPair(testRoomID, DefaultEncryptionSettings())
	assert.NilErr(t, err)

	early := make([]*EncryptedRoomContent, 3)
	for i := range early {
		early[i] = encryptText(t, out, fmt.Sprintf("early %d", i))
	}

	in, err := NewInboundGroupSession(dev.SigningKey, dev.IdentityKey, testRoomID,
		out.SessionKey(), HistoryVisibilityJoined)
	assert.NilErr(t, err)
	assert.DeepEqual(t, in.FirstKnownIndex(), uint32(3))

	for i, c := range early {
		_, index, err := in.Decrypt(roomEvent(c, fmt.Sprintf("$early%d", i)))
		assert.ErrorIs(t, err, ErrDecryption)
		assert.ErrorIs(t, err, megolm.ErrUnknownMessageIndex)
		assert.DeepEqual(t, index, uint32(i))
	}

	got, index := decryptText(t, in, roomEvent(encryptText(t, out, "late"), "$late"))
	assert.DeepEqual(t, got, "late")
	assert.DeepEqual(t, index, uint32(3))
}

func TestNewInboundGroupSessionErrors(t *testing.T) {
	t.Parallel()
	alice := newTestAccount(t, "@alice:example.org", "ALICE")
	dev := remoteDevice(alice)
	out, _, err := alice.CreateGroupSessionPair(testRoomID, DefaultEncryptionSettings())
	assert.NilErr(t, err)
	key := out.SessionKey()

	_, err = NewInboundGroupSession("bad", dev.IdentityKey, testRoomID, key, HistoryVisibilityShared)
	assert.ErrorIs(t, err, ErrKey)

	_, err = NewInboundGroupSession(dev.SigningKey, dev.IdentityKey, testRoomID,
		key[:len(key)-4], HistoryVisibilityShared)
	assert.ErrorIs(t, err, ErrSessionCreation)

	tampered := []byte(key)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}
	_, err = NewInboundGroupSession(dev.SigningKey, dev.IdentityKey, testRoomID,
		string(tampered), HistoryVisibilityShared)
	assert.ErrorIs(t, err, ErrSessionCreation)
}

func TestGroupExportImport(t *testing.T) {
	t.Parallel()
	alice := newTestAccount(t, "@alice:example.org", "ALICE")
	out, in, err := alice.CreateGroupSessionPair(testRoomID, DefaultEncryptionSettings())
	assert.NilErr(t, err)

	contents := make([]*EncryptedRoomContent, 6)
	for i := range contents {
		contents[i] = encryptText(t, out, fmt.Sprintf("msg %d", i))
	}

	exported, err := in.Export()
	assert.NilErr(t, err)
	assert.DeepEqual(t, exported.SessionID, in.SessionID())
	assert.DeepEqual(t, exported.RoomID, testRoomID)

	imported, err := InboundGroupSessionFromExport(exported)
	assert.NilErr(t, err)
	assert.DeepEqual(t, imported.SessionID(), in.SessionID())
	assert.DeepEqual(t, imported.FirstKnownIndex(), in.FirstKnownIndex())
	assert.BoolIs(t, imported.Imported(), true)
	assert.DeepEqual(t, imported.SigningKeys(), in.SigningKeys())

	dec, _, err := imported.Decrypt(roomEvent(contents[2], "$two"))
	assert.NilErr(t, err)
	assert.BoolIs(t, dec.Verified, false)

	atFour, err := in.ExportAtIndex(4)
	assert.NilErr(t, err)
	fromFour, err := InboundGroupSessionFromExport(atFour)
	assert.NilErr(t, err)
	assert.DeepEqual(t, fromFour.FirstKnownIndex(), uint32(4))
	_, _, err = fromFour.Decrypt(roomEvent(contents[3], "$three"))
	assert.ErrorIs(t, err, megolm.ErrUnknownMessageIndex)
	got, _ := decryptText(t, fromFour, roomEvent(contents[5], "$five"))
	assert.DeepEqual(t, got, "msg 5")

	_, err = fromFour.ExportAtIndex(3)
	assert.ErrorIs(t, err, ErrKey)

	bad := exported
	bad.SessionID = out.SessionID() + "x"
	_, err = InboundGroupSessionFromExport(bad)
	assert.ErrorIs(t, err, ErrMismatchedSession)
	bad = exported
	bad.Algorithm = AlgorithmOlmV1
	_, err = InboundGroupSessionFromExport(bad)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	keys, err := ExportRoomKeys([]*InboundGroupSession{in, fromFour})
	assert.NilErr(t, err)
	keys = append(keys, bad)
	sessions, err := ImportRoomKeys(keys)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	assert.DeepEqual(t, len(sessions), 2)
}

func TestGroupDecryptErrors(t *testing.T) {
	t.Parallel()
	alice := newTestAccount(t, "@alice:example.org", "ALICE")
	dev := remoteDevice(alice)
	out, in, err := alice.CreateGroupSessionPair(testRoomID, DefaultEncryptionSettings())
	assert.NilErr(t, err)
	content := encryptText(t, out, "hello")

	other, err := NewInboundGroupSession(dev.SigningKey, dev.IdentityKey,
		"!other:example.org", out.SessionKey(), HistoryVisibilityShared)
	assert.NilErr(t, err)
	_, _, err = other.Decrypt(roomEvent(content, "$a"))
	assert.ErrorIs(t, err, ErrRoomMismatch)

	ev := roomEvent(content, "$b")
	ev.RoomID = "!other:example.org"
	_, _, err = in.Decrypt(ev)
	assert.ErrorIs(t, err, ErrRoomMismatch)

	ev = roomEvent(content, "$c")
	ev.Content.SessionID = "other"
	_, _, err = in.Decrypt(ev)
	assert.ErrorIs(t, err, ErrMismatchedSession)

	ev = roomEvent(content, "$d")
	ev.Content.Algorithm = AlgorithmOlmV1
	_, _, err = in.Decrypt(ev)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	ev = roomEvent(content, "$e")
	ev.Content.Ciphertext = ev.Content.Ciphertext[:len(ev.Content.Ciphertext)-8] + "AAAAAAAA"
	_, _, err = in.Decrypt(ev)
	assert.ErrorIs(t, err, ErrDecryption)
	assert.ErrorIs(t, err, megolm.ErrBadSignature)
}

// TestGroupIndexReplay asserts a message index reused by a different event
// is reported.
func TestGroupIndexReplay(t *testing.T) {
	t.Parallel()
	tracker := replay.NewIndexTracker()
	metrics := NewMetrics()
	alice := newTestAccount(t, "@alice:example.org", "ALICE",
		WithIndexTracker(tracker), WithMetrics(metrics))
	out, in, err := alice.CreateGroupSessionPair(testRoomID, DefaultEncryptionSettings())
	assert.NilErr(t, err)
	content := encryptText(t, out, "hello")

	// Decrypting the same event twice is fine.
	for i := 0; i < 2; i++ {
		_, _, err := in.Decrypt(roomEvent(content, "$orig"))
		assert.NilErr(t, err)
	}
	_, _, err = in.Decrypt(roomEvent(content, "$replayed"))
	assert.ErrorIs(t, err, ErrDecryption)
	assert.ErrorIs(t, err, replay.ErrReplayedIndex)
	assert.BoolIs(t, tracker.Seen(in.SessionID(), 0), true)
	assert.DeepEqual(t, counterValue(t, metrics.replays.WithLabelValues("megolm")), 1.0)
}
