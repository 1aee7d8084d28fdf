package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// logBackend writes log lines to an optional console writer and an optional
// rotated log file. Each subsystem logger gets its level from a debuglevel
// string such as "info,OLM=trace".
type logBackend struct {
	stdOut     io.Writer
	logRotator *rotator.Rotator
	bknd       *slog.Backend

	defaultLevel slog.Level
	levels       map[string]slog.Level

	mtx     sync.Mutex
	loggers map[string]slog.Logger
}

func newLogBackend(stdOut io.Writer, logFile, debugLevel string, maxLogFiles int) (*logBackend, error) {
	b := &logBackend{
		stdOut:       stdOut,
		defaultLevel: slog.LevelInfo,
		levels:       make(map[string]slog.Level),
		loggers:      make(map[string]slog.Logger),
	}
	if err := b.parseLevels(debugLevel); err != nil {
		return nil, err
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		r, err := rotator.New(logFile, 1024, false, maxLogFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %w", err)
		}
		b.logRotator = r
	}
	b.bknd = slog.NewBackend(b)
	return b, nil
}

func (b *logBackend) parseLevels(debugLevel string) error {
	for _, v := range strings.Split(debugLevel, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		fields := strings.Split(v, "=")
		switch len(fields) {
		case 1:
			level, ok := slog.LevelFromString(fields[0])
			if !ok {
				return fmt.Errorf("unknown log level %q", fields[0])
			}
			b.defaultLevel = level
		case 2:
			level, ok := slog.LevelFromString(fields[1])
			if !ok {
				return fmt.Errorf("unknown log level %q for subsystem %s",
					fields[1], fields[0])
			}
			b.levels[strings.ToUpper(fields[0])] = level
		default:
			return fmt.Errorf("unable to parse %q as subsys=level "+
				"debuglevel string", v)
		}
	}
	return nil
}

func (b *logBackend) Write(p []byte) (int, error) {
	if b.stdOut != nil {
		b.stdOut.Write(p)
	}
	if b.logRotator != nil {
		b.logRotator.Write(p)
	}
	return len(p), nil
}

// logger returns the logger of subsys, creating it on first use.
func (b *logBackend) logger(subsys string) slog.Logger {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if l, ok := b.loggers[subsys]; ok {
		return l
	}
	l := b.bknd.Logger(subsys)
	if level, ok := b.levels[subsys]; ok {
		l.SetLevel(level)
	} else {
		l.SetLevel(b.defaultLevel)
	}
	b.loggers[subsys] = l
	return l
}

func (b *logBackend) Close() error {
	if b.logRotator == nil {
		return nil
	}
	return b.logRotator.Close()
}
