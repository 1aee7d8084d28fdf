// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ratchet implements the olm double ratchet used by pairwise
// sessions.
//
// A ratchet is created from the 3DH shared secret of a session handshake.
// Every message is encrypted with a fresh message key taken from the current
// sending chain. Whenever a party receives a message under a new ratchet key
// it derives a new receiving chain and, on its next encryption, a new sending
// chain, so that compromise of the current keys does not expose past
// messages.
package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/companyzero/olmengine/keys"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// MaxReceiverChains is the number of receiving chains kept around to
	// decrypt late messages from previous ratchet steps.
	MaxReceiverChains = 5

	// MaxSkippedKeys is the number of message keys stored for messages
	// that were skipped while advancing a receiving chain.
	MaxSkippedKeys = 40

	// MaxMessageGap is the largest jump in chain index accepted in a
	// single message.
	MaxMessageGap = 2000
)

var (
	kdfRootInfo    = []byte("OLM_ROOT")
	kdfRatchetInfo = []byte("OLM_RATCHET")
	kdfKeysInfo    = []byte("OLM_KEYS")

	messageKeySeed = []byte{0x01}
	chainKeySeed   = []byte{0x02}
)

var (
	// ErrDecrypt is returned when a message fails authentication.
	ErrDecrypt = errors.New("message failed authentication")

	// ErrMessageKeyNotFound is returned when a message references a chain
	// index that was already used or whose key was discarded.
	ErrMessageKeyNotFound = errors.New("message key not found")

	// ErrMessageGapTooLarge is returned when a message skips too far
	// ahead in its chain.
	ErrMessageGapTooLarge = errors.New("message gap too large")

	// ErrUnknownRatchetKey is returned when a message uses a ratchet key
	// that cannot be linked to any chain of this ratchet.
	ErrUnknownRatchetKey = errors.New("unknown ratchet key")

	// ErrNotInitialized is returned when encrypting with a ratchet that
	// has neither a sending nor a receiving chain.
	ErrNotInitialized = errors.New("ratchet not initialized")
)

type chainKey struct {
	key   [32]byte
	index uint32
}

func (c *chainKey) messageKey() messageKey {
	mac := hmac.New(sha256.New, c.key[:])
	mac.Write(messageKeySeed)
	mk := messageKey{index: c.index}
	mac.Sum(mk.key[:0])
	return mk
}

func (c *chainKey) advance() {
	mac := hmac.New(sha256.New, c.key[:])
	mac.Write(chainKeySeed)
	mac.Sum(c.key[:0])
	c.index++
}

type messageKey struct {
	key   [32]byte
	index uint32
}

// aead returns the cipher and nonce derived from the message key.
func (mk *messageKey) aead() (cipherNonce, error) {
	var res cipherNonce
	var material [chacha20poly1305.KeySize + chacha20poly1305.NonceSize]byte
	r := hkdf.New(sha256.New, mk.key[:], nil, kdfKeysInfo)
	if _, err := io.ReadFull(r, material[:]); err != nil {
		return res, err
	}
	aead, err := chacha20poly1305.New(material[:chacha20poly1305.KeySize])
	if err != nil {
		return res, err
	}
	res.aead = aead
	copy(res.nonce[:], material[chacha20poly1305.KeySize:])
	return res, nil
}

type cipherNonce struct {
	aead interface {
		Seal(dst, nonce, plaintext, ad []byte) []byte
		Open(dst, nonce, ciphertext, ad []byte) ([]byte, error)
	}
	nonce [chacha20poly1305.NonceSize]byte
}

type senderChain struct {
	ratchetKey keys.Curve25519KeyPair
	chain      chainKey
}

type receiverChain struct {
	ratchetKey keys.Curve25519PublicKey
	chain      chainKey
}

type skippedKey struct {
	ratchetKey   keys.Curve25519PublicKey
	key          messageKey
	creationTime time.Time
}

// Ratchet is the double ratchet state of one side of a session. It is not
// safe for concurrent use; callers serialize access.
type Ratchet struct {
	rand io.Reader
	now  func() time.Time

	rootKey   [32]byte
	sender    *senderChain
	receivers []receiverChain // Newest first.
	skipped   []skippedKey    // Oldest first.
}

// Option configures a Ratchet.
type Option func(r *Ratchet)

// WithClock sets the time source used to date skipped message keys. It
// defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Ratchet) {
		if now != nil {
			r.now = now
		}
	}
}

// New returns an empty ratchet that reads entropy from rand. One of
// InitOutbound, InitInbound or Unmarshal must be called before use.
func New(rand io.Reader, opts ...Option) *Ratchet {
	r := &Ratchet{rand: rand, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func deriveRootAndChain(secret, salt, info []byte) (root, chain [32]byte, err error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	if _, err = io.ReadFull(r, root[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, chain[:])
	return
}

// InitOutbound initializes the ratchet of the party that started the
// session. A sending chain is created right away.
func (r *Ratchet) InitOutbound(sharedSecret []byte) error {
	root, chain, err := deriveRootAndChain(sharedSecret, nil, kdfRootInfo)
	if err != nil {
		return err
	}
	kp, err := keys.NewCurve25519KeyPair(r.rand)
	if err != nil {
		return err
	}
	r.rootKey = root
	r.sender = &senderChain{ratchetKey: *kp, chain: chainKey{key: chain}}
	r.receivers = nil
	r.skipped = nil
	return nil
}

// InitInbound initializes the ratchet of the party that received the
// session's first message, which was sent under theirRatchetKey.
func (r *Ratchet) InitInbound(sharedSecret []byte, theirRatchetKey *keys.Curve25519PublicKey) error {
	root, chain, err := deriveRootAndChain(sharedSecret, nil, kdfRootInfo)
	if err != nil {
		return err
	}
	r.rootKey = root
	r.sender = nil
	r.receivers = []receiverChain{{ratchetKey: *theirRatchetKey, chain: chainKey{key: chain}}}
	r.skipped = nil
	return nil
}

// advanceRoot performs a DH ratchet step.
func (r *Ratchet) advanceRoot(ours *keys.Curve25519KeyPair, theirs *keys.Curve25519PublicKey) ([32]byte, error) {
	var chain [32]byte
	shared, err := ours.SharedSecret(theirs)
	if err != nil {
		return chain, err
	}
	root, chain, err := deriveRootAndChain(shared[:], r.rootKey[:], kdfRatchetInfo)
	if err != nil {
		return chain, err
	}
	r.rootKey = root
	return chain, nil
}

// Clone returns an independent copy of the ratchet.
func (r *Ratchet) Clone() *Ratchet {
	c := &Ratchet{
		rand:      r.rand,
		now:       r.now,
		rootKey:   r.rootKey,
		receivers: append([]receiverChain(nil), r.receivers...),
		skipped:   append([]skippedKey(nil), r.skipped...),
	}
	if r.sender != nil {
		sender := *r.sender
		c.sender = &sender
	}
	return c
}

// RatchetKey returns the public key of the current sending chain, if one
// exists.
func (r *Ratchet) RatchetKey() (keys.Curve25519PublicKey, bool) {
	if r.sender == nil {
		return keys.Curve25519PublicKey{}, false
	}
	return r.sender.ratchetKey.Public, true
}

// Encrypt encrypts msg and returns the encoded message.
func (r *Ratchet) Encrypt(msg []byte) ([]byte, error) {
	if r.sender == nil {
		if len(r.receivers) == 0 {
			return nil, ErrNotInitialized
		}

		// Start a new sending chain, ratcheting against the newest
		// key seen from the remote party.
		kp, err := keys.NewCurve25519KeyPair(r.rand)
		if err != nil {
			return nil, err
		}
		chain, err := r.advanceRoot(kp, &r.receivers[0].ratchetKey)
		if err != nil {
			return nil, err
		}
		r.sender = &senderChain{ratchetKey: *kp, chain: chainKey{key: chain}}
	}

	mk := r.sender.chain.messageKey()
	r.sender.chain.advance()

	cn, err := mk.aead()
	if err != nil {
		return nil, err
	}
	m := Message{
		RatchetKey: r.sender.ratchetKey.Public,
		ChainIndex: mk.index,
		header:     encodeHeader(&r.sender.ratchetKey.Public, mk.index),
	}
	m.Ciphertext = cn.aead.Seal(nil, cn.nonce[:], msg, m.header)
	return m.Encode(), nil
}

// Decrypt decrypts an encoded message. The ratchet is only modified when the
// message authenticates, so a forged or corrupted message leaves the state
// untouched.
func (r *Ratchet) Decrypt(encrypted []byte) ([]byte, error) {
	m, err := DecodeMessage(encrypted)
	if err != nil {
		return nil, err
	}

	st := r.Clone()
	plaintext, err := st.decrypt(m)
	if err != nil {
		return nil, err
	}
	*r = *st
	return plaintext, nil
}

func (r *Ratchet) receiverIndex(key *keys.Curve25519PublicKey) int {
	for i := range r.receivers {
		if r.receivers[i].ratchetKey.ConstantTimeEq(key) {
			return i
		}
	}
	return -1
}

func (r *Ratchet) decrypt(m *Message) ([]byte, error) {
	idx := r.receiverIndex(&m.RatchetKey)
	if idx < 0 {
		if r.sender == nil {
			return nil, ErrUnknownRatchetKey
		}
		chain, err := r.advanceRoot(&r.sender.ratchetKey, &m.RatchetKey)
		if err != nil {
			return nil, err
		}
		r.sender = nil
		r.receivers = append([]receiverChain{{
			ratchetKey: m.RatchetKey,
			chain:      chainKey{key: chain},
		}}, r.receivers...)
		if len(r.receivers) > MaxReceiverChains {
			r.receivers = r.receivers[:MaxReceiverChains]
		}
		idx = 0
	}

	rc := &r.receivers[idx]
	if m.ChainIndex < rc.chain.index {
		return r.decryptSkipped(m)
	}
	if m.ChainIndex-rc.chain.index > MaxMessageGap {
		return nil, fmt.Errorf("%w: %d", ErrMessageGapTooLarge,
			m.ChainIndex-rc.chain.index)
	}

	now := r.now()
	for rc.chain.index < m.ChainIndex {
		r.skipped = append(r.skipped, skippedKey{
			ratchetKey:   rc.ratchetKey,
			key:          rc.chain.messageKey(),
			creationTime: now,
		})
		rc.chain.advance()
	}
	if len(r.skipped) > MaxSkippedKeys {
		r.skipped = r.skipped[len(r.skipped)-MaxSkippedKeys:]
	}

	mk := rc.chain.messageKey()
	rc.chain.advance()
	return open(&mk, m)
}

func (r *Ratchet) decryptSkipped(m *Message) ([]byte, error) {
	for i := range r.skipped {
		sk := &r.skipped[i]
		if sk.key.index != m.ChainIndex || !sk.ratchetKey.ConstantTimeEq(&m.RatchetKey) {
			continue
		}
		plaintext, err := open(&sk.key, m)
		if err != nil {
			return nil, err
		}
		r.skipped = append(r.skipped[:i], r.skipped[i+1:]...)
		return plaintext, nil
	}
	return nil, ErrMessageKeyNotFound
}

func open(mk *messageKey, m *Message) ([]byte, error) {
	cn, err := mk.aead()
	if err != nil {
		return nil, err
	}
	plaintext, err := cn.aead.Open(nil, cn.nonce[:], m.Ciphertext, m.header)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
