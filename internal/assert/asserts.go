package assert

import (
	"bytes"
	"errors"
	"os"
	"reflect"
	"testing"

	"golang.org/x/exp/slices"
)

// DeepEqual asserts got is reflect.DeepEqual to want.
func DeepEqual[T any](t testing.TB, got, want T) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Unexpected values: got %v, want %v", got, want)
	}
}

// BytesEqual asserts got and want hold the same bytes.
func BytesEqual(t testing.TB, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Fatalf("Unexpected bytes: got %x, want %x", got, want)
	}
}

// ErrorIs asserts that errors.Is(got, want).
func ErrorIs(t testing.TB, got, want error) {
	t.Helper()
	if !errors.Is(got, want) {
		t.Fatalf("Unexpected error: got %v, want %v", got, want)
	}
}

// ErrorAs asserts that errors.As(got, target) and returns the matched error.
func ErrorAs[T error](t testing.TB, got error) T {
	t.Helper()
	var target T
	if !errors.As(got, &target) {
		t.Fatalf("Unexpected error: got %v (%T), want a %T", got, got, target)
	}
	return target
}

// NilErr fails the test if err is non-nil.
func NilErr(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Unexpected non-nil error: %v", err)
	}
}

// NonNilErr asserts that err is not nil. Prefer ErrorIs when the expected
// error is known.
func NonNilErr(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("unexpected nil error")
	}
}

// BoolIs asserts the given bool value.
func BoolIs(t testing.TB, got, want bool) {
	t.Helper()
	if got != want {
		t.Fatalf("unexpected bool. got %v, want %v", got, want)
	}
}

// Contains asserts that s contains e.
func Contains[S ~[]E, E comparable](t testing.TB, s S, e E) {
	t.Helper()
	if !slices.Contains(s, e) {
		t.Fatalf("slice %v does not contain element %v", s, e)
	}
}

// FileExists asserts that path exists and is a regular file.
func FileExists(t testing.TB, path string) {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("unable to stat %s: %v", path, err)
	}
	if !fi.Mode().IsRegular() {
		t.Fatalf("%s is not a regular file", path)
	}
}

// FileNotExists asserts that path does not exist.
func FileNotExists(t testing.TB, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unexpected stat result for %s: %v", path, err)
	}
}
