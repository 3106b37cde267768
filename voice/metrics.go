package voice

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a UI/diagnostics-facing copy of the session's counters.
// Metrics guards all fields behind a single lock and hands out copies
// rather than letting callers race the writer.
type Snapshot struct {
	GoodPackets      uint64
	LatePackets      uint64
	LostPackets      uint64
	DecryptFailures  uint64
	ReconnectAttempts uint64
	BitrateBPS       int
	LossPercent      int
	JitterTargetMs   int
	SmoothedLossRate float64
}

// Metrics is the session's single source of truth for counters exposed
// both to the UI (via Snapshot) and to Prometheus scraping. The
// session worker is its sole writer; Snapshot is safe for any number
// of concurrent readers.
type Metrics struct {
	mu       sync.Mutex
	snapshot Snapshot

	promGood        prometheus.Counter
	promLate        prometheus.Counter
	promLost        prometheus.Counter
	promDecryptFail prometheus.Counter
	promReconnects  prometheus.Counter
	promBitrate     prometheus.Gauge
	promLossRate    prometheus.Gauge
}

// NewMetrics registers the session's Prometheus collectors against reg.
// Pass prometheus.NewRegistry() in tests to avoid colliding with the
// global default registry across parallel test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		promGood:        prometheus.NewCounter(prometheus.CounterOpts{Name: "harmony_voice_packets_good_total"}),
		promLate:        prometheus.NewCounter(prometheus.CounterOpts{Name: "harmony_voice_packets_late_total"}),
		promLost:        prometheus.NewCounter(prometheus.CounterOpts{Name: "harmony_voice_packets_lost_total"}),
		promDecryptFail: prometheus.NewCounter(prometheus.CounterOpts{Name: "harmony_voice_decrypt_failures_total"}),
		promReconnects:  prometheus.NewCounter(prometheus.CounterOpts{Name: "harmony_voice_reconnect_attempts_total"}),
		promBitrate:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "harmony_voice_opus_bitrate_bps"}),
		promLossRate:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "harmony_voice_smoothed_loss_rate"}),
	}
	if reg != nil {
		reg.MustRegister(m.promGood, m.promLate, m.promLost, m.promDecryptFail, m.promReconnects, m.promBitrate, m.promLossRate)
	}
	return m
}

// RecordPacketCounters adds a crypt counters delta (good/late/lost) to
// the running totals.
func (m *Metrics) RecordPacketCounters(good, late, lost uint64) {
	m.mu.Lock()
	m.snapshot.GoodPackets += good
	m.snapshot.LatePackets += late
	m.snapshot.LostPackets += lost
	m.mu.Unlock()

	m.promGood.Add(float64(good))
	m.promLate.Add(float64(late))
	m.promLost.Add(float64(lost))
}

// RecordDecryptFailure increments the decrypt-failure counter.
func (m *Metrics) RecordDecryptFailure() {
	m.mu.Lock()
	m.snapshot.DecryptFailures++
	m.mu.Unlock()
	m.promDecryptFail.Inc()
}

// RecordReconnectAttempt increments the reconnect-attempt counter.
func (m *Metrics) RecordReconnectAttempt() {
	m.mu.Lock()
	m.snapshot.ReconnectAttempts++
	m.mu.Unlock()
	m.promReconnects.Inc()
}

// RecordTuning publishes the Quality Controller's latest applied
// values and smoothed loss rate.
func (m *Metrics) RecordTuning(bitrateBPS, lossPercent, jitterTargetFrames int, smoothedLossRate float64) {
	m.mu.Lock()
	m.snapshot.BitrateBPS = bitrateBPS
	m.snapshot.LossPercent = lossPercent
	m.snapshot.JitterTargetMs = jitterTargetFrames * mediaTickMs
	m.snapshot.SmoothedLossRate = smoothedLossRate
	m.mu.Unlock()

	m.promBitrate.Set(float64(bitrateBPS))
	m.promLossRate.Set(smoothedLossRate)
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}
