// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// KeyID identifies a one-time or fallback key within an account. Ids are
// allocated from a monotonic counter and never reused.
type KeyID uint32

// String returns the base64 encoding of the big endian id.
func (id KeyID) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return Encoding.EncodeToString(b[:])
}

// MarshalJSON marshals the id into a json string.
func (id KeyID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON unmarshals the json representation of a KeyID.
func (id *KeyID) UnmarshalJSON(b []byte) error {
	s, err := unmarshalString(b)
	if err != nil {
		return err
	}
	parsed, err := ParseKeyID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseKeyID decodes the string form of a key id.
func ParseKeyID(s string) (KeyID, error) {
	var b [4]byte
	if err := decodeFixed(b[:], s, "key id"); err != nil {
		return 0, err
	}
	return KeyID(binary.BigEndian.Uint32(b[:])), nil
}

// AlgorithmKeyID returns the "<algorithm>:<id>" form used when publishing
// keys.
func AlgorithmKeyID(algorithm string, id fmt.Stringer) string {
	return algorithm + ":" + id.String()
}
