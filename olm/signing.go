// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/companyzero/olmengine/keys"
)

// canonicalJSON encodes v with sorted keys, no insignificant whitespace and
// without its "signatures" and "unsigned" members.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if obj, ok := generic.(map[string]interface{}); ok {
		delete(obj, "signatures")
		delete(obj, "unsigned")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes written by
// encoding/json back into raw UTF-8, as canonical JSON requires.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	res := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 == len(b) {
			res = append(res, b[i])
			continue
		}
		if b[i+1] == 'u' && i+6 <= len(b) {
			switch string(b[i+2 : i+6]) {
			case "2028":
				res = append(res, "\u2028"...)
				i += 5
				continue
			case "2029":
				res = append(res, "\u2029"...)
				i += 5
				continue
			}
		}
		// Keep any other escape, including an escaped backslash,
		// as written.
		res = append(res, b[i], b[i+1])
		i++
	}
	return res
}

// signingKeyID is the key id under which a device's signatures are
// published.
func signingKeyID(deviceID string) string {
	return keys.AlgorithmEd25519 + ":" + deviceID
}

// VerifySignature checks that signatures holds a valid signature of the
// canonical encoding of v by signingKey, published by userID under
// "ed25519:<deviceID>".
func VerifySignature(signingKey, userID, deviceID string, v interface{}, signatures Signatures) error {
	pub, err := keys.ParseEd25519PublicKey(signingKey)
	if err != nil {
		return err
	}
	sigStr, ok := signatures[userID][signingKeyID(deviceID)]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrMissingSignature, userID, deviceID)
	}
	var sig keys.Ed25519Signature
	if err := sig.FromString(sigStr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	msg, err := canonicalJSON(v)
	if err != nil {
		return err
	}
	if !pub.Verify(msg, &sig) {
		return ErrInvalidSignature
	}
	return nil
}

// verifySignedKey checks the signature of a one-time or fallback key. Keys
// without signatures are accepted.
func verifySignedKey(device *RemoteDevice, key *SignedKey) error {
	if len(key.Signatures) == 0 {
		return nil
	}
	if device.SigningKey == "" {
		return fmt.Errorf("%w: no signing key for %s %s", ErrInvalidSignature,
			device.UserID, device.DeviceID)
	}
	return VerifySignature(device.SigningKey, device.UserID, device.DeviceID,
		key, key.Signatures)
}
