package testutils

import (
	"io"
	"os"
	"sync"
	"testing"

	"github.com/decred/slog"
)

// showLogEnv enables logging test output through t.Log when set to a
// non-empty value.
const showLogEnv = "OLMENGINE_TEST_LOG"

// TestLogBackend is a slog backend that writes to t.Log. Writes after the
// test finished are dropped.
type TestLogBackend struct {
	mtx     sync.Mutex
	tb      testing.TB
	w       io.Writer
	done    bool
	showLog bool
}

func (tlb *TestLogBackend) Write(b []byte) (int, error) {
	tlb.mtx.Lock()
	if !tlb.done && tlb.showLog && len(b) > 0 {
		tlb.tb.Log(string(b[:len(b)-1]))
	}
	tlb.mtx.Unlock()

	if tlb.w != nil {
		tlb.w.Write(b)
	}
	return len(b), nil
}

type TestLogBackendOption func(t *TestLogBackend)

// WithShowLog overrides whether log lines are sent to t.Log.
func WithShowLog(showLog bool) TestLogBackendOption {
	return func(t *TestLogBackend) {
		t.showLog = showLog
	}
}

// WithMirrorWriter also writes every log line to w.
func WithMirrorWriter(w io.Writer) TestLogBackendOption {
	return func(t *TestLogBackend) {
		t.w = w
	}
}

// NewTestLogBackend returns a log backend that can be used as an io.Writer to
// write logs to during a test.
func NewTestLogBackend(t testing.TB, opts ...TestLogBackendOption) *TestLogBackend {
	tlb := &TestLogBackend{tb: t, showLog: os.Getenv(showLogEnv) != ""}
	for _, opt := range opts {
		opt(tlb)
	}
	t.Cleanup(func() {
		tlb.mtx.Lock()
		tlb.done = true
		tlb.mtx.Unlock()
	})
	return tlb
}

// TestLoggerSys returns an slog.Logger for subsystem sys that logs at trace
// level through t.Log.
func TestLoggerSys(t testing.TB, sys string) slog.Logger {
	bknd := slog.NewBackend(NewTestLogBackend(t))
	logg := bknd.Logger(sys)
	logg.SetLevel(slog.LevelTrace)
	return logg
}
