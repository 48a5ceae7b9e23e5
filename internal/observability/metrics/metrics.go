// Package metrics exposes Prometheus collectors for the voice
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voiceloop"

// Metrics holds all pipeline collectors. DefaultMetrics registers
// against the default registry once at package init; tests pass their
// own registry to NewMetrics.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	UtterancesTotal   prometheus.Counter
	InterruptsTotal   prometheus.Counter
	NoticesTotal      *prometheus.CounterVec
	PhaseTransitions  *prometheus.CounterVec
	SynthPathTotal    *prometheus.CounterVec
	StreamChunksTotal prometheus.Counter
	StreamBytesTotal  prometheus.Counter
	FirstAudioSeconds prometheus.Histogram
	ChatRoundTripTime prometheus.Histogram
	PlaybackDuration  prometheus.Histogram
}

// DefaultMetrics is the shared instance for the whole process.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics registers the collectors with reg. Registering the same
// set twice on one registry panics, so every instance needs its own;
// a nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)
	return &Metrics{
		SessionsActive: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Open gateway voice connections.",
		}),
		UtterancesTotal: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Finalized user utterances dispatched to the chat backend.",
		}),
		InterruptsTotal: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "User interrupts that cancelled active playback.",
		}),
		NoticesTotal: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notices_total",
			Help:      "Transient notices surfaced to the presentation layer.",
		}, []string{"kind"}),
		PhaseTransitions: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Conversation phase entries.",
		}, []string{"phase"}),
		SynthPathTotal: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synth_path_total",
			Help:      "Synthesis outcomes by producing path.",
		}, []string{"path"}),
		StreamChunksTotal: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "PCM chunks consumed from synthesis streams.",
		}),
		StreamBytesTotal: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "PCM bytes consumed from synthesis streams.",
		}),
		FirstAudioSeconds: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_seconds",
			Help:      "Time from synthesis request to first scheduled audio.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		ChatRoundTripTime: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_round_trip_seconds",
			Help:      "sendMessage round-trip time.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		PlaybackDuration: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_seconds",
			Help:      "Wall time spent in the Speaking phase.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30},
		}),
	}
}

func (m *Metrics) SessionOpened() {
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	m.SessionsActive.Dec()
}

func (m *Metrics) RecordUtterance() {
	m.UtterancesTotal.Inc()
}

func (m *Metrics) RecordInterrupt() {
	m.InterruptsTotal.Inc()
}

func (m *Metrics) RecordNotice(kind string) {
	m.NoticesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordPhase(phase string) {
	m.PhaseTransitions.WithLabelValues(phase).Inc()
}

func (m *Metrics) RecordSynthPath(path string) {
	m.SynthPathTotal.WithLabelValues(path).Inc()
}

func (m *Metrics) RecordStreamChunk(bytes int) {
	m.StreamChunksTotal.Inc()
	m.StreamBytesTotal.Add(float64(bytes))
}

func (m *Metrics) ObserveFirstAudio(d time.Duration) {
	m.FirstAudioSeconds.Observe(d.Seconds())
}

func (m *Metrics) ObserveChatRoundTrip(d time.Duration) {
	m.ChatRoundTripTime.Observe(d.Seconds())
}

func (m *Metrics) ObservePlayback(d time.Duration) {
	m.PlaybackDuration.Observe(d.Seconds())
}
