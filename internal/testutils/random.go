package testutils

import (
	"io"
	"math/rand"
	"testing"
	"time"
)

// RandReader returns a deterministic entropy source seeded from the current
// time. The seed is logged so failing runs can be reproduced with
// SeededReader.
func RandReader(t testing.TB) io.Reader {
	t.Helper()
	seed := time.Now().UnixNano()
	t.Logf("Random seed: %d", seed)
	return SeededReader(seed)
}

// SeededReader returns a deterministic entropy source. Two readers with the
// same seed produce the same keys.
func SeededReader(seed int64) io.Reader {
	return rand.New(rand.NewSource(seed))
}

// RandomBytes returns sz bytes read from rng.
func RandomBytes(t testing.TB, rng io.Reader, sz int) []byte {
	t.Helper()
	b := make([]byte, sz)
	if _, err := io.ReadFull(rng, b); err != nil {
		t.Fatal(err)
	}
	return b
}
