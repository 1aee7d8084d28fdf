// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/companyzero/olmengine/internal/logutil"
	"github.com/companyzero/olmengine/replay"
	"github.com/decred/slog"
)

// config holds the collaborators shared by an account and every session it
// spawns.
type config struct {
	log     slog.Logger
	rand    io.Reader
	now     func() time.Time
	metrics *Metrics
	indices *replay.IndexTracker
}

// Option configures an Account or a restored session.
type Option func(cfg *config)

// WithLogger sets the logger used by the engine object.
func WithLogger(log slog.Logger) Option {
	return func(cfg *config) {
		cfg.log = log
	}
}

// WithRandReader sets the entropy source used to generate keys.
func WithRandReader(r io.Reader) Option {
	return func(cfg *config) {
		cfg.rand = r
	}
}

// WithClock sets the function used to read the current time.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		cfg.now = now
	}
}

// WithMetrics sets the counters updated by the engine object.
func WithMetrics(m *Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}

// WithIndexTracker sets the tracker inbound group sessions use to detect
// message indices replayed under a different event.
func WithIndexTracker(t *replay.IndexTracker) Option {
	return func(cfg *config) {
		cfg.indices = t
	}
}

func fillConfig(opts []Option) config {
	cfg := config{
		log:  slog.Disabled,
		rand: rand.Reader,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// shortID is a prefix of a session id used in log lines.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// withPrefix returns a copy of the config whose logger prefixes every line.
func (cfg config) withPrefix(prefix string) config {
	cfg.log = logutil.PrefixLogger(cfg.log, prefix)
	return cfg
}
