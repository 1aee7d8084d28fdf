// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keys holds the fixed size key material used by the olm and megolm
// ratchets: Curve25519 keys for key agreement and Ed25519 keys for
// signatures.
//
// All public encodings use unpadded standard base64.
package keys

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ed25519"
)

const (
	// AlgorithmEd25519 is the key algorithm name for Ed25519 keys.
	AlgorithmEd25519 = "ed25519"

	// AlgorithmCurve25519 is the key algorithm name for Curve25519 keys.
	AlgorithmCurve25519 = "curve25519"

	// AlgorithmSignedCurve25519 is the key algorithm name for signed
	// Curve25519 one-time and fallback keys.
	AlgorithmSignedCurve25519 = "signed_curve25519"
)

// ErrInvalidKey is returned when key material fails to decode or is not a
// valid point.
var ErrInvalidKey = errors.New("invalid key")

// Encoding is the text encoding used for keys, signatures and ciphertexts.
var Encoding = base64.RawStdEncoding

// decodeFixed decodes s into dst, which must end up exactly filled.
func decodeFixed(dst []byte, s, name string) error {
	b, err := Encoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidKey, name, err)
	}
	return copyFixed(dst, b, name)
}

func copyFixed(dst, b []byte, name string) error {
	if len(b) != len(dst) {
		return fmt.Errorf("%w: invalid %s length: %d", ErrInvalidKey,
			name, len(b))
	}
	copy(dst, b)
	return nil
}

func unmarshalString(b []byte) (string, error) {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return s, nil
}

// Curve25519PublicKey is a 32-byte Curve25519 public key.
type Curve25519PublicKey [curve25519.PointSize]byte

// String returns the base64 encoding of the key.
func (k Curve25519PublicKey) String() string {
	return Encoding.EncodeToString(k[:])
}

// MarshalJSON marshals the key into a json string.
func (k Curve25519PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON unmarshals the json representation of a Curve25519PublicKey.
func (k *Curve25519PublicKey) UnmarshalJSON(b []byte) error {
	s, err := unmarshalString(b)
	if err != nil {
		return err
	}
	return k.FromString(s)
}

// FromString decodes s into the key. s must contain a base64 encoded key of
// the correct length.
func (k *Curve25519PublicKey) FromString(s string) error {
	return decodeFixed(k[:], s, "curve25519 public key")
}

// FromBytes copies the key from the given byte slice. The passed slice must
// have the correct length.
func (k *Curve25519PublicKey) FromBytes(b []byte) error {
	return copyFixed(k[:], b, "curve25519 public key")
}

// ConstantTimeEq returns true if k and other are the same key.
func (k *Curve25519PublicKey) ConstantTimeEq(other *Curve25519PublicKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// IsZero returns true if the key is all zeroes.
func (k *Curve25519PublicKey) IsZero() bool {
	var zero Curve25519PublicKey
	return *k == zero
}

// ParseCurve25519PublicKey decodes a base64 Curve25519 public key.
func ParseCurve25519PublicKey(s string) (Curve25519PublicKey, error) {
	var k Curve25519PublicKey
	err := k.FromString(s)
	return k, err
}

// Curve25519SecretKey is a 32-byte Curve25519 scalar.
type Curve25519SecretKey [curve25519.ScalarSize]byte

// MarshalJSON marshals the key into a json string.
func (k Curve25519SecretKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(Encoding.EncodeToString(k[:]))
}

// UnmarshalJSON unmarshals the json representation of a Curve25519SecretKey.
func (k *Curve25519SecretKey) UnmarshalJSON(b []byte) error {
	s, err := unmarshalString(b)
	if err != nil {
		return err
	}
	return decodeFixed(k[:], s, "curve25519 secret key")
}

// Zero overwrites the secret key.
func (k *Curve25519SecretKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// Curve25519KeyPair is a Curve25519 secret key and its public point.
type Curve25519KeyPair struct {
	Secret Curve25519SecretKey `json:"secret"`
	Public Curve25519PublicKey `json:"public"`
}

// NewCurve25519KeyPair generates a new random key pair, reading entropy from
// rng.
func NewCurve25519KeyPair(rng io.Reader) (*Curve25519KeyPair, error) {
	kp := new(Curve25519KeyPair)
	if _, err := io.ReadFull(rng, kp.Secret[:]); err != nil {
		return nil, fmt.Errorf("unable to read entropy: %w", err)
	}
	pub, err := curve25519.X25519(kp.Secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Curve25519KeyPairFromSecret rebuilds a key pair from its secret scalar.
func Curve25519KeyPairFromSecret(secret *Curve25519SecretKey) (*Curve25519KeyPair, error) {
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	kp := &Curve25519KeyPair{Secret: *secret}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret performs X25519 between the secret key and pub. Low order
// points are rejected with ErrInvalidKey.
func (kp *Curve25519KeyPair) SharedSecret(pub *Curve25519PublicKey) ([32]byte, error) {
	var res [32]byte
	shared, err := curve25519.X25519(kp.Secret[:], pub[:])
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(res[:], shared)
	return res, nil
}

// Ed25519PublicKey is a 32-byte Ed25519 public key.
type Ed25519PublicKey [ed25519.PublicKeySize]byte

// String returns the base64 encoding of the key.
func (k Ed25519PublicKey) String() string {
	return Encoding.EncodeToString(k[:])
}

// MarshalJSON marshals the key into a json string.
func (k Ed25519PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON unmarshals the json representation of an Ed25519PublicKey.
func (k *Ed25519PublicKey) UnmarshalJSON(b []byte) error {
	s, err := unmarshalString(b)
	if err != nil {
		return err
	}
	return k.FromString(s)
}

// FromString decodes s into the key.
func (k *Ed25519PublicKey) FromString(s string) error {
	return decodeFixed(k[:], s, "ed25519 public key")
}

// FromBytes copies the key from the given byte slice.
func (k *Ed25519PublicKey) FromBytes(b []byte) error {
	return copyFixed(k[:], b, "ed25519 public key")
}

// Verify returns true if sig is a valid signature of msg by this key.
func (k *Ed25519PublicKey) Verify(msg []byte, sig *Ed25519Signature) bool {
	return ed25519.Verify(k[:], msg, sig[:])
}

// ParseEd25519PublicKey decodes a base64 Ed25519 public key.
func ParseEd25519PublicKey(s string) (Ed25519PublicKey, error) {
	var k Ed25519PublicKey
	err := k.FromString(s)
	return k, err
}

// Ed25519SecretKey is a 64-byte Ed25519 private key (seed followed by the
// public key).
type Ed25519SecretKey [ed25519.PrivateKeySize]byte

// MarshalJSON marshals the key into a json string.
func (k Ed25519SecretKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(Encoding.EncodeToString(k[:]))
}

// UnmarshalJSON unmarshals the json representation of an Ed25519SecretKey.
func (k *Ed25519SecretKey) UnmarshalJSON(b []byte) error {
	s, err := unmarshalString(b)
	if err != nil {
		return err
	}
	return decodeFixed(k[:], s, "ed25519 secret key")
}

// Ed25519Signature is a 64-byte Ed25519 signature.
type Ed25519Signature [ed25519.SignatureSize]byte

// String returns the base64 encoding of the signature.
func (s Ed25519Signature) String() string {
	return Encoding.EncodeToString(s[:])
}

// MarshalJSON marshals the signature into a json string.
func (s Ed25519Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON unmarshals the json representation of an Ed25519Signature.
func (s *Ed25519Signature) UnmarshalJSON(b []byte) error {
	str, err := unmarshalString(b)
	if err != nil {
		return err
	}
	return s.FromString(str)
}

// FromString decodes str into the signature.
func (s *Ed25519Signature) FromString(str string) error {
	return decodeFixed(s[:], str, "ed25519 signature")
}

// FromBytes copies the signature from the given byte slice.
func (s *Ed25519Signature) FromBytes(b []byte) error {
	return copyFixed(s[:], b, "ed25519 signature")
}

// Ed25519KeyPair is an Ed25519 signing key pair.
type Ed25519KeyPair struct {
	Secret Ed25519SecretKey `json:"secret"`
	Public Ed25519PublicKey `json:"public"`
}

// NewEd25519KeyPair generates a new random signing key pair.
func NewEd25519KeyPair(rng io.Reader) (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("unable to generate ed25519 key: %w", err)
	}
	kp := new(Ed25519KeyPair)
	copy(kp.Secret[:], priv)
	copy(kp.Public[:], pub)
	return kp, nil
}

// Sign signs msg.
func (kp *Ed25519KeyPair) Sign(msg []byte) Ed25519Signature {
	var sig Ed25519Signature
	copy(sig[:], ed25519.Sign(kp.Secret[:], msg))
	return sig
}

// IdentityKeys are the long term public keys of a device.
type IdentityKeys struct {
	Ed25519    Ed25519PublicKey    `json:"ed25519"`
	Curve25519 Curve25519PublicKey `json:"curve25519"`
}

// Map returns the keys indexed by algorithm name.
func (ik IdentityKeys) Map() map[string]string {
	return map[string]string{
		AlgorithmEd25519:    ik.Ed25519.String(),
		AlgorithmCurve25519: ik.Curve25519.String(),
	}
}
