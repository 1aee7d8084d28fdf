// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/companyzero/olmengine/keys"
	"github.com/companyzero/olmengine/ratchet"
)

const (
	// AlgorithmOlmV1 is the algorithm name of pairwise encrypted content.
	AlgorithmOlmV1 = "m.olm.v1.curve25519-aes-sha2"

	// AlgorithmMegolmV1 is the algorithm name of group encrypted content.
	AlgorithmMegolmV1 = "m.megolm.v1.aes-sha2"

	// EventTypeRoomEncrypted is the event type of encrypted room and
	// to-device events.
	EventTypeRoomEncrypted = "m.room.encrypted"
)

// MessageType tags an olm message as a pre-key or a normal message.
type MessageType int

const (
	MessageTypePreKey MessageType = 0
	MessageTypeNormal MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePreKey:
		return "prekey"
	case MessageTypeNormal:
		return "normal"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// OlmMessage is an encrypted pairwise message as carried in to-device
// events.
type OlmMessage struct {
	Type MessageType `json:"type"`
	Body string      `json:"body"`
}

func (m OlmMessage) decodeBody() ([]byte, error) {
	b, err := keys.Encoding.DecodeString(m.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ratchet.ErrMalformedMessage, err)
	}
	return b, nil
}

// PreKey parses the message as a pre-key message.
func (m OlmMessage) PreKey() (*ratchet.PreKeyMessage, error) {
	if m.Type != MessageTypePreKey {
		return nil, ErrNotPreKeyMessage
	}
	b, err := m.decodeBody()
	if err != nil {
		return nil, err
	}
	return ratchet.DecodePreKeyMessage(b)
}

// OlmMessageHash identifies a decrypted olm message for replay detection.
type OlmMessageHash struct {
	SenderKey string `json:"sender_key"`
	Hash      string `json:"hash"`
}

// NewOlmMessageHash hashes the sender key and message body.
func NewOlmMessageHash(senderKey string, msg OlmMessage) OlmMessageHash {
	h := sha256.New()
	h.Write([]byte(senderKey))
	h.Write([]byte(msg.Body))
	return OlmMessageHash{
		SenderKey: senderKey,
		Hash:      keys.Encoding.EncodeToString(h.Sum(nil)),
	}
}

// RemoteDevice is the public identity of another device.
type RemoteDevice struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`

	// IdentityKey is the device's Curve25519 identity key.
	IdentityKey string `json:"curve25519"`

	// SigningKey is the device's Ed25519 signing key.
	SigningKey string `json:"ed25519"`
}

// Signatures maps user id to "<algorithm>:<key id>" to signature.
type Signatures map[string]map[string]string

// SignedKey is a published one-time or fallback key.
type SignedKey struct {
	Key        string     `json:"key"`
	Fallback   bool       `json:"fallback,omitempty"`
	Signatures Signatures `json:"signatures,omitempty"`
}

// DeviceKeys is the signed identity of a device as published to other
// devices.
type DeviceKeys struct {
	UserID     string            `json:"user_id"`
	DeviceID   string            `json:"device_id"`
	Algorithms []string          `json:"algorithms"`
	Keys       map[string]string `json:"keys"`
	Signatures Signatures        `json:"signatures,omitempty"`
}

// OlmEncryptedContent is the content of an olm encrypted to-device event.
// Ciphertext is keyed by the recipient's Curve25519 identity key.
type OlmEncryptedContent struct {
	Algorithm  string                `json:"algorithm"`
	SenderKey  string                `json:"sender_key"`
	Ciphertext map[string]OlmMessage `json:"ciphertext"`
}

// ToDeviceEvent is an encrypted to-device event.
type ToDeviceEvent struct {
	Sender  string              `json:"sender"`
	Type    string              `json:"type"`
	Content OlmEncryptedContent `json:"content"`
}

// olmPayload is the plaintext of an olm encrypted to-device event.
type olmPayload struct {
	Sender        string            `json:"sender"`
	SenderDevice  string            `json:"sender_device,omitempty"`
	Keys          map[string]string `json:"keys"`
	Recipient     string            `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`
}

// DecryptedToDeviceEvent is a validated, decrypted to-device event.
type DecryptedToDeviceEvent struct {
	Sender       string
	SenderDevice string
	SenderKey    string

	// SigningKey is the Ed25519 key the sender claims in the payload.
	SigningKey string
	Type       string
	Content    json.RawMessage
}

// EncryptedRoomContent is the content of a megolm encrypted room event.
type EncryptedRoomContent struct {
	Algorithm  string          `json:"algorithm"`
	SenderKey  string          `json:"sender_key"`
	Ciphertext string          `json:"ciphertext"`
	SessionID  string          `json:"session_id"`
	DeviceID   string          `json:"device_id"`
	RelatesTo  json.RawMessage `json:"m.relates_to,omitempty"`
}

// EncryptedEvent is an encrypted room event as received from the server.
type EncryptedEvent struct {
	Type           string               `json:"type"`
	Sender         string               `json:"sender"`
	EventID        string               `json:"event_id"`
	RoomID         string               `json:"room_id"`
	OriginServerTS int64                `json:"origin_server_ts"`
	Content        EncryptedRoomContent `json:"content"`
}

// megolmPayload is the plaintext of a megolm encrypted event.
type megolmPayload struct {
	RoomID  string          `json:"room_id"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// DecryptedEvent is a decrypted room event.
type DecryptedEvent struct {
	Type           string
	Content        json.RawMessage
	RoomID         string
	Sender         string
	EventID        string
	OriginServerTS int64

	SenderKey    string
	SessionID    string
	MessageIndex uint32

	// ForwardingChain lists the Curve25519 keys of devices that forwarded
	// the session key, oldest first.
	ForwardingChain []string

	// Verified is true when the session key came directly from the
	// sender, signed by the session's signing key.
	Verified bool
}
