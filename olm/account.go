// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"fmt"
	"sync"

	"github.com/companyzero/olmengine/keys"
	"github.com/companyzero/olmengine/megolm"
	"github.com/companyzero/olmengine/ratchet"
	"golang.org/x/exp/slices"
)

// MaxOneTimeKeys is the number of unpublished one-time keys an account aims
// to keep available on the server.
const MaxOneTimeKeys = 50

type oneTimeKey struct {
	id        keys.KeyID
	pair      keys.Curve25519KeyPair
	published bool
}

// Account is the long lived identity of one device. It owns the identity
// key pairs and the pool of one-time keys, and creates sessions. All methods
// are safe for concurrent use.
type Account struct {
	mtx sync.Mutex
	cfg config

	userID   string
	deviceID string

	signing  keys.Ed25519KeyPair
	identity keys.Curve25519KeyPair

	shared      bool
	oneTimeKeys map[keys.Curve25519PublicKey]*oneTimeKey
	nextKeyID   keys.KeyID

	fallbackKey     *oneTimeKey
	prevFallbackKey *oneTimeKey

	uploadedKeyCount uint64
}

// NewAccount creates an account with fresh identity keys and an empty
// one-time key pool.
func NewAccount(userID, deviceID string, opts ...Option) (*Account, error) {
	cfg := fillConfig(opts)
	signing, err := keys.NewEd25519KeyPair(cfg.rand)
	if err != nil {
		return nil, err
	}
	identity, err := keys.NewCurve25519KeyPair(cfg.rand)
	if err != nil {
		return nil, err
	}

	a := &Account{
		cfg:         cfg,
		userID:      userID,
		deviceID:    deviceID,
		signing:     *signing,
		identity:    *identity,
		oneTimeKeys: make(map[keys.Curve25519PublicKey]*oneTimeKey),
	}
	cfg.log.Debugf("Created account for %s device %s (identity %s)",
		userID, deviceID, identity.Public)
	return a, nil
}

// UserID returns the owner of the account.
func (a *Account) UserID() string {
	return a.userID
}

// DeviceID returns the device of the account.
func (a *Account) DeviceID() string {
	return a.deviceID
}

// IdentityKeys returns the public identity keys of the account.
func (a *Account) IdentityKeys() keys.IdentityKeys {
	return keys.IdentityKeys{
		Ed25519:    a.signing.Public,
		Curve25519: a.identity.Public,
	}
}

// Shared returns true if the identity keys were published.
func (a *Account) Shared() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.shared
}

// MarkAsShared records that the identity keys were published.
func (a *Account) MarkAsShared() {
	a.mtx.Lock()
	a.shared = true
	a.mtx.Unlock()
}

// MaxOneTimeKeys returns how many unpublished one-time keys the account
// aims to keep available.
func (a *Account) MaxOneTimeKeys() int {
	return MaxOneTimeKeys
}

// UploadedKeyCount returns the number of one-time keys the server last
// reported as available.
func (a *Account) UploadedKeyCount() uint64 {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.uploadedKeyCount
}

// UpdateUploadedKeyCount records the number of one-time keys the server
// reports as available.
func (a *Account) UpdateUploadedKeyCount(n uint64) {
	a.mtx.Lock()
	a.uploadedKeyCount = n
	a.mtx.Unlock()
}

// GenerateOneTimeKeys adds count new keys to the pool. Existing keys are
// kept.
func (a *Account) GenerateOneTimeKeys(count int) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	for i := 0; i < count; i++ {
		kp, err := keys.NewCurve25519KeyPair(a.cfg.rand)
		if err != nil {
			return err
		}
		a.oneTimeKeys[kp.Public] = &oneTimeKey{id: a.nextKeyID, pair: *kp}
		a.nextKeyID++
	}
	a.cfg.log.Debugf("Generated %d one-time keys (pool size %d)", count,
		len(a.oneTimeKeys))
	return nil
}

// unpublishedKeys returns the unpublished one-time keys ordered by id.
func (a *Account) unpublishedKeys() []*oneTimeKey {
	res := make([]*oneTimeKey, 0, len(a.oneTimeKeys))
	for _, otk := range a.oneTimeKeys {
		if !otk.published {
			res = append(res, otk)
		}
	}
	slices.SortFunc(res, func(a, b *oneTimeKey) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})
	return res
}

// OneTimeKeys returns the unpublished one-time keys grouped by algorithm,
// as {"curve25519": {key id: key}}. The curve25519 group is present even
// when empty.
func (a *Account) OneTimeKeys() map[string]map[string]string {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	curve := make(map[string]string)
	for _, otk := range a.unpublishedKeys() {
		curve[otk.id.String()] = otk.pair.Public.String()
	}
	return map[string]map[string]string{keys.AlgorithmCurve25519: curve}
}

func (a *Account) signedKey(otk *oneTimeKey, fallback bool) (SignedKey, error) {
	k := SignedKey{Key: otk.pair.Public.String(), Fallback: fallback}
	msg, err := canonicalJSON(&k)
	if err != nil {
		return k, err
	}
	sig := a.signing.Sign(msg)
	k.Signatures = Signatures{
		a.userID: {signingKeyID(a.deviceID): sig.String()},
	}
	return k, nil
}

// SignedOneTimeKeys returns the unpublished one-time keys signed by the
// account, indexed by "signed_curve25519:<key id>".
func (a *Account) SignedOneTimeKeys() (map[string]SignedKey, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	res := make(map[string]SignedKey)
	for _, otk := range a.unpublishedKeys() {
		k, err := a.signedKey(otk, false)
		if err != nil {
			return nil, err
		}
		res[keys.AlgorithmKeyID(keys.AlgorithmSignedCurve25519, otk.id)] = k
	}
	return res, nil
}

// GenerateFallbackKey creates a new fallback key. The previous fallback key
// is kept so that handshakes started with it can still complete.
func (a *Account) GenerateFallbackKey() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	kp, err := keys.NewCurve25519KeyPair(a.cfg.rand)
	if err != nil {
		return err
	}
	a.prevFallbackKey = a.fallbackKey
	a.fallbackKey = &oneTimeKey{id: a.nextKeyID, pair: *kp}
	a.nextKeyID++
	return nil
}

// FallbackKey returns the unpublished fallback key, signed, indexed by
// "signed_curve25519:<key id>". The map is empty when there is no
// unpublished fallback key.
func (a *Account) FallbackKey() (map[string]SignedKey, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	res := make(map[string]SignedKey)
	if a.fallbackKey == nil || a.fallbackKey.published {
		return res, nil
	}
	k, err := a.signedKey(a.fallbackKey, true)
	if err != nil {
		return nil, err
	}
	res[keys.AlgorithmKeyID(keys.AlgorithmSignedCurve25519, a.fallbackKey.id)] = k
	return res, nil
}

// ForgetPreviousFallbackKey drops the fallback key that was replaced by the
// last call to GenerateFallbackKey.
func (a *Account) ForgetPreviousFallbackKey() {
	a.mtx.Lock()
	a.prevFallbackKey = nil
	a.mtx.Unlock()
}

// MarkKeysAsPublished marks every one-time key and the fallback key as
// published so they are no longer returned by OneTimeKeys and FallbackKey.
func (a *Account) MarkKeysAsPublished() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	for _, otk := range a.oneTimeKeys {
		otk.published = true
	}
	if a.fallbackKey != nil {
		a.fallbackKey.published = true
	}
}

// Sign signs msg with the account's Ed25519 key and returns the base64
// signature.
func (a *Account) Sign(msg []byte) string {
	sig := a.signing.Sign(msg)
	return sig.String()
}

// SignJSON signs the canonical JSON encoding of v.
func (a *Account) SignJSON(v interface{}) (string, error) {
	msg, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	return a.Sign(msg), nil
}

// DeviceKeys returns the signed device keys of the account.
func (a *Account) DeviceKeys() (*DeviceKeys, error) {
	dk := &DeviceKeys{
		UserID:     a.userID,
		DeviceID:   a.deviceID,
		Algorithms: []string{AlgorithmOlmV1, AlgorithmMegolmV1},
		Keys: map[string]string{
			keys.AlgorithmCurve25519 + ":" + a.deviceID: a.identity.Public.String(),
			keys.AlgorithmEd25519 + ":" + a.deviceID:    a.signing.Public.String(),
		},
	}
	sig, err := a.SignJSON(dk)
	if err != nil {
		return nil, err
	}
	dk.Signatures = Signatures{a.userID: {signingKeyID(a.deviceID): sig}}
	return dk, nil
}

// tripleDH computes the 3DH secret of a handshake. Arguments are ordered from
// the initiator's point of view.
func tripleDH(a1, a2, a3 *keys.Curve25519KeyPair, p1, p2, p3 *keys.Curve25519PublicKey) ([]byte, error) {
	secret := make([]byte, 0, 96)
	for _, pair := range []struct {
		kp  *keys.Curve25519KeyPair
		pub *keys.Curve25519PublicKey
	}{{a1, p1}, {a2, p2}, {a3, p3}} {
		shared, err := pair.kp.SharedSecret(pair.pub)
		if err != nil {
			return nil, err
		}
		secret = append(secret, shared[:]...)
	}
	return secret, nil
}

// CreateOutboundSession starts a session with device using one of its
// published one-time or fallback keys.
func (a *Account) CreateOutboundSession(device RemoteDevice, otk SignedKey) (*Session, error) {
	const op = "create outbound session"

	theirIdentity, err := keys.ParseCurve25519PublicKey(device.IdentityKey)
	if err != nil {
		return nil, makeError(ErrKey, op, err)
	}
	theirOTK, err := keys.ParseCurve25519PublicKey(otk.Key)
	if err != nil {
		return nil, makeError(ErrKey, op, err)
	}
	if err := verifySignedKey(&device, &otk); err != nil {
		return nil, makeError(ErrKey, op, err)
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	baseKey, err := keys.NewCurve25519KeyPair(a.cfg.rand)
	if err != nil {
		return nil, makeError(ErrSessionCreation, op, err)
	}

	// DH(IA, OB) | DH(EA, IB) | DH(EA, OB)
	secret, err := tripleDH(&a.identity, baseKey, baseKey,
		&theirOTK, &theirIdentity, &theirOTK)
	if err != nil {
		return nil, makeError(ErrKey, op, err)
	}

	r := ratchet.New(a.cfg.rand, ratchet.WithClock(a.cfg.now))
	if err := r.InitOutbound(secret); err != nil {
		return nil, makeError(ErrSessionCreation, op, err)
	}

	sk := sessionKeys{
		IdentityKey: a.identity.Public,
		BaseKey:     baseKey.Public,
		OneTimeKey:  theirOTK,
	}
	s := newSession(a.cfg, sk, theirIdentity, r, false, otk.Fallback)
	a.cfg.metrics.sessionCreated("outbound")
	a.cfg.log.Debugf("Created outbound session %s with %s %s (%s)",
		s.SessionID(), device.UserID, device.DeviceID, device.IdentityKey)
	return s, nil
}

// findLocalKey returns the one-time or fallback key with the given public
// key.
func (a *Account) findLocalKey(pub *keys.Curve25519PublicKey) (*oneTimeKey, bool) {
	if otk, ok := a.oneTimeKeys[*pub]; ok {
		return otk, false
	}
	for _, fb := range []*oneTimeKey{a.fallbackKey, a.prevFallbackKey} {
		if fb != nil && fb.pair.Public.ConstantTimeEq(pub) {
			return fb, true
		}
	}
	return nil, false
}

// CreateInboundSession creates a session from a pre-key message received
// from theirIdentityKey. The one-time key referenced by the message is
// removed from the pool, but only after the embedded message was verified to
// decrypt. The returned session has not consumed msg: decrypting it with the
// session yields its plaintext.
func (a *Account) CreateInboundSession(theirIdentityKey string, msg OlmMessage) (*Session, error) {
	s, _, err := a.createInboundSession(theirIdentityKey, msg, false)
	return s, err
}

// createInboundSession also returns the plaintext of the embedded message.
// When commit is true, the returned session has already consumed it.
func (a *Account) createInboundSession(theirIdentityKey string, msg OlmMessage, commit bool) (*Session, []byte, error) {
	const op = "create inbound session"

	theirIdentity, err := keys.ParseCurve25519PublicKey(theirIdentityKey)
	if err != nil {
		return nil, nil, makeError(ErrSessionCreation, op, err)
	}
	pre, err := msg.PreKey()
	if err != nil {
		return nil, nil, makeError(ErrSessionCreation, op, err)
	}
	if !pre.IdentityKey.ConstantTimeEq(&theirIdentity) {
		return nil, nil, makeError(ErrSessionCreation, op, ErrMismatchedIdentityKey)
	}
	inner, err := ratchet.DecodeMessage(pre.Message)
	if err != nil {
		return nil, nil, makeError(ErrSessionCreation, op, err)
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	otk, fallback := a.findLocalKey(&pre.OneTimeKey)
	if otk == nil {
		return nil, nil, makeError(ErrSessionCreation, op,
			fmt.Errorf("%w: %s", ErrUnknownOneTimeKey, pre.OneTimeKey))
	}

	// DH(OB, IA) | DH(IB, EA) | DH(OB, EA)
	secret, err := tripleDH(&otk.pair, &a.identity, &otk.pair,
		&theirIdentity, &pre.BaseKey, &pre.BaseKey)
	if err != nil {
		return nil, nil, makeError(ErrSessionCreation, op, err)
	}

	r := ratchet.New(a.cfg.rand, ratchet.WithClock(a.cfg.now))
	if err := r.InitInbound(secret, &inner.RatchetKey); err != nil {
		return nil, nil, makeError(ErrSessionCreation, op, err)
	}

	// Decrypting proves the handshake is genuine before the key is
	// consumed.
	trial := r.Clone()
	plaintext, err := trial.Decrypt(pre.Message)
	if err != nil {
		return nil, nil, makeError(ErrSessionCreation, op, err)
	}
	if commit {
		r = trial
	}

	if !fallback {
		delete(a.oneTimeKeys, otk.pair.Public)
		a.cfg.metrics.otkConsumed()
	}

	sk := sessionKeys{
		IdentityKey: pre.IdentityKey,
		BaseKey:     pre.BaseKey,
		OneTimeKey:  pre.OneTimeKey,
	}
	s := newSession(a.cfg, sk, theirIdentity, r, true, fallback)
	a.cfg.metrics.sessionCreated("inbound")
	a.cfg.log.Debugf("Created inbound session %s with %s using key %s "+
		"(fallback %v, %d one-time keys left)", s.SessionID(), theirIdentityKey,
		otk.id, fallback, len(a.oneTimeKeys))
	return s, plaintext, nil
}

// CreateGroupSessionPair creates a new outbound group session for roomID and
// the matching inbound session, so the account can decrypt its own messages.
func (a *Account) CreateGroupSessionPair(roomID string, settings EncryptionSettings) (*OutboundGroupSession, *InboundGroupSession, error) {
	const op = "create group session"

	settings = settings.normalize()
	if settings.Algorithm != AlgorithmMegolmV1 {
		return nil, nil, makeError(ErrSessionCreation, op,
			fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, settings.Algorithm))
	}
	out, err := megolm.NewOutboundSession(a.cfg.rand)
	if err != nil {
		return nil, nil, makeError(ErrSessionCreation, op, err)
	}

	outbound := newOutboundGroupSession(a.cfg, out, roomID, a.deviceID,
		a.identity.Public.String(), settings)

	in, err := megolm.NewInboundSession(out.SessionKey())
	if err != nil {
		return nil, nil, makeError(ErrSessionCreation, op, err)
	}
	signingKeys := map[string]string{keys.AlgorithmEd25519: a.signing.Public.String()}
	inbound := newInboundGroupSession(a.cfg, in, a.identity.Public.String(),
		signingKeys, roomID, settings.HistoryVisibility)

	a.cfg.log.Debugf("Created group session %s for room %s", outbound.SessionID(), roomID)
	return outbound, inbound, nil
}
