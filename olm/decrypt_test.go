package olm

import (
	"encoding/json"
	"testing"

	"github.com/companyzero/olmengine/internal/assert"
	"github.com/companyzero/olmengine/pickle"
	"github.com/companyzero/olmengine/replay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func counterValue(t testing.TB, c prometheus.Collector) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

type roomKeyContent struct {
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
}

// toDevice encrypts content from sender to recipient over session and wraps
// it in a to-device event.
func toDevice(t testing.TB, sender *Account, session *Session, recipient *Account,
	content interface{}) *ToDeviceEvent {

	t.Helper()
	enc, err := sender.EncryptForDevice(session, remoteDevice(recipient), "m.room_key", content)
	assert.NilErr(t, err)
	return &ToDeviceEvent{
		Sender:  sender.UserID(),
		Type:    EventTypeRoomEncrypted,
		Content: *enc,
	}
}

// TestDecryptToDeviceEvent asserts room keys can be sent over a new session
// and that the reply uses the existing one.
func TestDecryptToDeviceEvent(t *testing.T) {
	t.Parallel()
	metrics := NewMetrics()
	alice := newTestAccount(t, "@alice:example.org", "ALICE")
	bob := newTestAccount(t, "@bob:example.org", "BOB", WithMetrics(metrics))
	aliceDev, bobDev := remoteDevice(alice), remoteDevice(bob)

	out, _, err := alice.CreateGroupSessionPair(testRoomID, DefaultEncryptionSettings())
	assert.NilErr(t, err)
	as, err := alice.CreateOutboundSession(bobDev, claimOneTimeKey(t, bob))
	assert.NilErr(t, err)

	roomKey := roomKeyContent{RoomID: testRoomID, SessionID: out.SessionID(),
		SessionKey: out.SessionKey()}
	ev := toDevice(t, alice, as, bob, roomKey)
	assert.DeepEqual(t, ev.Content.SenderKey, aliceDev.IdentityKey)
	assert.DeepEqual(t, ev.Content.Ciphertext[bobDev.IdentityKey].Type, MessageTypePreKey)

	bobSessions := NewSessionList(aliceDev.IdentityKey)
	hashes := replay.NewHashLog()
	dec, info, err := bob.DecryptToDeviceEvent(bobSessions, hashes, ev)
	assert.NilErr(t, err)
	assert.DeepEqual(t, info.SessionType, SessionTypeNew)
	assert.DeepEqual(t, info.Session.SessionID(), as.SessionID())
	assert.DeepEqual(t, bobSessions.Len(), 1)
	assert.DeepEqual(t, hashes.Len(), 1)
	assert.DeepEqual(t, dec.Sender, alice.UserID())
	assert.DeepEqual(t, dec.SenderDevice, alice.DeviceID())
	assert.DeepEqual(t, dec.SigningKey, aliceDev.SigningKey)
	assert.DeepEqual(t, dec.Type, "m.room_key")

	var gotKey roomKeyContent
	assert.NilErr(t, json.Unmarshal(dec.Content, &gotKey))
	assert.DeepEqual(t, gotKey, roomKey)

	// The received key decrypts alice's room messages.
	in, err := NewInboundGroupSession(dec.SigningKey, dec.SenderKey, gotKey.RoomID,
		gotKey.SessionKey, HistoryVisibilityShared)
	assert.NilErr(t, err)
	got, _ := decryptText(t, in, roomEvent(encryptText(t, out, "hi room"), "$1"))
	assert.DeepEqual(t, got, "hi room")

	// A second message on the same session reuses it.
	ev = toDevice(t, alice, as, bob, roomKey)
	_, info, err = bob.DecryptToDeviceEvent(bobSessions, hashes, ev)
	assert.NilErr(t, err)
	assert.DeepEqual(t, info.SessionType, SessionTypeExisting)
	assert.DeepEqual(t, bobSessions.Len(), 1)

	// Bob's reply is decrypted by alice's outbound session.
	reply := toDevice(t, bob, bobSessions.Select(), alice, map[string]string{"ok": "yes"})
	assert.DeepEqual(t, reply.Content.Ciphertext[aliceDev.IdentityKey].Type, MessageTypeNormal)
	aliceSessions := NewSessionList(bobDev.IdentityKey, as)
	_, info, err = alice.DecryptToDeviceEvent(aliceSessions, nil, reply)
	assert.NilErr(t, err)
	assert.DeepEqual(t, info.SessionType, SessionTypeExisting)
	assert.BoolIs(t, as.HasReceivedMessage(), true)

	assert.DeepEqual(t, counterValue(t, metrics.olmDecrypt.WithLabelValues("ok")), 1.0)
	assert.DeepEqual(t, counterValue(t, metrics.sessionsCreated.WithLabelValues("inbound")), 1.0)
	assert.DeepEqual(t, counterValue(t, metrics.otksConsumed), 1.0)
}

// TestReplayedOlmMessage asserts decrypting a message twice reports a
// replay instead of a generic failure.
func TestReplayedOlmMessage(t *testing.T) {
	t.Parallel()
	metrics := NewMetrics()
	alice := newTestAccount(t, "@alice:example.org", "ALICE")
	bob := newTestAccount(t, "@bob:example.org", "BOB", WithMetrics(metrics))
	aliceKey := remoteDevice(alice).IdentityKey

	as, err := alice.CreateOutboundSession(remoteDevice(bob), claimOneTimeKey(t, bob))
	assert.NilErr(t, err)
	sessions := NewSessionList(aliceKey)
	hashes := replay.NewHashLog()

	pre, err := as.Encrypt([]byte("first"))
	assert.NilErr(t, err)
	info, err := bob.DecryptOlmMessage(sessions, hashes, aliceKey, pre)
	assert.NilErr(t, err)
	assert.DeepEqual(t, string(info.Plaintext), "first")

	// Replayed pre-key message.
	_, err = bob.DecryptOlmMessage(sessions, hashes, aliceKey, pre)
	assert.ErrorIs(t, err, ErrReplayedMessage)
	assert.ErrorIs(t, err, ErrDecryption)
	rerr := assert.ErrorAs[ReplayedMessageError](t, err)
	assert.DeepEqual(t, rerr.SessionID, info.Session.SessionID())
	assert.DeepEqual(t, rerr.Hash, info.MessageHash)

	// Replayed normal message.
	reply, err := info.Session.Encrypt([]byte("reply"))
	assert.NilErr(t, err)
	_, err = as.Decrypt(reply)
	assert.NilErr(t, err)
	msg, err := as.Encrypt([]byte("second"))
	assert.NilErr(t, err)
	assert.DeepEqual(t, msg.Type, MessageTypeNormal)
	_, err = bob.DecryptOlmMessage(sessions, hashes, aliceKey, msg)
	assert.NilErr(t, err)
	_, err = bob.DecryptOlmMessage(sessions, hashes, aliceKey, msg)
	assert.ErrorIs(t, err, ErrReplayedMessage)

	// Without a hash log the failure is a plain decryption error.
	_, err = bob.DecryptOlmMessage(sessions, nil, aliceKey, msg)
	assert.ErrorIs(t, err, ErrNoMatchingSession)

	assert.DeepEqual(t, counterValue(t, metrics.replays.WithLabelValues("olm")), 2.0)
}

// TestReplayAfterAccountRollback asserts an account restored from a pickle
// taken before a handshake does not accept the same pre-key message again
// when the message hash log is kept.
func TestReplayAfterAccountRollback(t *testing.T) {
	t.Parallel()
	mode := pickle.WithKey([]byte("rollback"))
	alice := newTestAccount(t, "@alice:example.org", "ALICE")
	bob := newTestAccount(t, "@bob:example.org", "BOB")
	aliceKey := remoteDevice(alice).IdentityKey

	otk := claimOneTimeKey(t, bob)
	old, err := bob.Pickle(mode)
	assert.NilErr(t, err)

	as, err := alice.CreateOutboundSession(remoteDevice(bob), otk)
	assert.NilErr(t, err)
	pre, err := as.Encrypt([]byte("first"))
	assert.NilErr(t, err)

	hashes := replay.NewHashLog()
	info, err := bob.DecryptOlmMessage(NewSessionList(aliceKey), hashes, aliceKey, pre)
	assert.NilErr(t, err)
	assert.DeepEqual(t, info.SessionType, SessionTypeNew)

	rolledBack, err := UnpickleAccount(old, mode)
	assert.NilErr(t, err)
	_, err = rolledBack.DecryptOlmMessage(NewSessionList(aliceKey), hashes, aliceKey, pre)
	assert.ErrorIs(t, err, ErrReplayedMessage)
	rerr := assert.ErrorAs[ReplayedMessageError](t, err)
	assert.DeepEqual(t, rerr.SessionID, info.Session.SessionID())

	// The rejected message did not consume the one-time key of the
	// restored account: without the hash log it is accepted again.
	again, err := rolledBack.DecryptOlmMessage(NewSessionList(aliceKey), nil, aliceKey, pre)
	assert.NilErr(t, err)
	assert.DeepEqual(t, string(again.Plaintext), "first")
}

func TestDecryptOlmMessageErrors(t *testing.T) {
	t.Parallel()
	alice := newTestAccount(t, "@alice:example.org", "ALICE")
	bob := newTestAccount(t, "@bob:example.org", "BOB")
	aliceKey := remoteDevice(alice).IdentityKey

	as, bs := pairSessions(t, alice, bob)
	reply, err := bs.Encrypt([]byte("reply"))
	assert.NilErr(t, err)

	// Normal messages without a session.
	empty := NewSessionList(remoteDevice(bob).IdentityKey)
	_, err = alice.DecryptOlmMessage(empty, nil, remoteDevice(bob).IdentityKey, reply)
	assert.ErrorIs(t, err, ErrNoMatchingSession)

	// Session list of another device.
	_, err = alice.DecryptOlmMessage(NewSessionList(aliceKey, as), nil,
		remoteDevice(bob).IdentityKey, reply)
	assert.ErrorIs(t, err, ErrMismatchedIdentityKey)

	_, err = bob.DecryptOlmMessage(NewSessionList(aliceKey), nil, aliceKey,
		OlmMessage{Type: 5, Body: reply.Body})
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	// Pre-key message referencing an unknown one-time key.
	msg, err := as.Encrypt([]byte("again"))
	assert.NilErr(t, err)
	_, err = bob.DecryptOlmMessage(NewSessionList(aliceKey), nil, aliceKey, msg)
	assert.ErrorIs(t, err, ErrSessionCreation)
	assert.ErrorIs(t, err, ErrUnknownOneTimeKey)
}

func TestDecryptToDeviceEventValidation(t *testing.T) {
	t.Parallel()
	alice := newTestAccount(t, "@alice:example.org", "ALICE")
	bob := newTestAccount(t, "@bob:example.org", "BOB")
	carol := newTestAccount(t, "@carol:example.org", "CAROL")
	aliceKey := remoteDevice(alice).IdentityKey

	as, bs := pairSessions(t, alice, bob)
	sessions := NewSessionList(aliceKey, bs)

	// Sender in the payload differs from the event sender.
	ev := toDevice(t, alice, as, bob, map[string]string{})
	ev.Sender = "@mallory:example.org"
	_, _, err := bob.DecryptToDeviceEvent(sessions, nil, ev)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	// Payload addressed to another user.
	bobAsCarol := remoteDevice(bob)
	bobAsCarol.UserID = carol.UserID()
	enc, err := alice.EncryptForDevice(as, bobAsCarol, "m.dummy", map[string]string{})
	assert.NilErr(t, err)
	_, _, err = bob.DecryptToDeviceEvent(sessions, nil,
		&ToDeviceEvent{Sender: alice.UserID(), Content: *enc})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	// No ciphertext for bob.
	ev = toDevice(t, alice, as, bob, map[string]string{})
	_, _, err = carol.DecryptToDeviceEvent(NewSessionList(aliceKey), nil, ev)
	assert.ErrorIs(t, err, ErrMissingCiphertext)

	ev = toDevice(t, alice, as, bob, map[string]string{})
	ev.Content.Algorithm = AlgorithmMegolmV1
	_, _, err = bob.DecryptToDeviceEvent(sessions, nil, ev)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	// Encrypting with a session of another device is refused.
	_, err = alice.EncryptForDevice(as, remoteDevice(carol), "m.dummy", nil)
	assert.ErrorIs(t, err, ErrMismatchedSession)
}
