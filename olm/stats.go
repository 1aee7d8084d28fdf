// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package olm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds engine counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	reg *prometheus.Registry

	olmEncrypt      prometheus.Counter
	olmDecrypt      *prometheus.CounterVec
	megolmEncrypt   prometheus.Counter
	megolmDecrypt   *prometheus.CounterVec
	sessionsCreated *prometheus.CounterVec
	otksConsumed    prometheus.Counter
	replays         *prometheus.CounterVec
}

// NewMetrics creates the engine counters in a new registry, together with the
// process and go runtime collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Metrics{
		reg: reg,

		olmEncrypt: f.NewCounter(prometheus.CounterOpts{
			Name: "olmengine_olm_encrypt_total",
			Help: "Number of olm messages encrypted",
		}),
		olmDecrypt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "olmengine_olm_decrypt_total",
			Help: "Number of olm decryption attempts by result",
		}, []string{"result"}),
		megolmEncrypt: f.NewCounter(prometheus.CounterOpts{
			Name: "olmengine_megolm_encrypt_total",
			Help: "Number of group messages encrypted",
		}),
		megolmDecrypt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "olmengine_megolm_decrypt_total",
			Help: "Number of group decryption attempts by result",
		}, []string{"result"}),
		sessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "olmengine_sessions_created_total",
			Help: "Number of sessions created by kind",
		}, []string{"kind"}),
		otksConsumed: f.NewCounter(prometheus.CounterOpts{
			Name: "olmengine_one_time_keys_consumed_total",
			Help: "Number of one-time keys removed by inbound sessions",
		}),
		replays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "olmengine_replays_total",
			Help: "Number of replayed messages detected by kind",
		}, []string{"kind"}),
	}
}

// Registry returns the registry holding the counters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) olmEncrypted() {
	if m != nil {
		m.olmEncrypt.Inc()
	}
}

func (m *Metrics) olmDecrypted(err error) {
	if m != nil {
		m.olmDecrypt.WithLabelValues(resultLabel(err)).Inc()
	}
}

func (m *Metrics) megolmEncrypted() {
	if m != nil {
		m.megolmEncrypt.Inc()
	}
}

func (m *Metrics) megolmDecrypted(err error) {
	if m != nil {
		m.megolmDecrypt.WithLabelValues(resultLabel(err)).Inc()
	}
}

func (m *Metrics) sessionCreated(kind string) {
	if m != nil {
		m.sessionsCreated.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) otkConsumed() {
	if m != nil {
		m.otksConsumed.Inc()
	}
}

func (m *Metrics) replayDetected(kind string) {
	if m != nil {
		m.replays.WithLabelValues(kind).Inc()
	}
}
