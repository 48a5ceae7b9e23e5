package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsPerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordUtterance()
	m.RecordNotice("no_speech")
	m.RecordPhase("listening")
	m.RecordStreamChunk(960)

	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range fams {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"voiceloop_utterances_total",
		"voiceloop_notices_total",
		"voiceloop_phase_transitions_total",
		"voiceloop_stream_bytes_total",
	} {
		if !found[name] {
			t.Errorf("collector %s not registered", name)
		}
	}

	// A second instance is fine as long as it brings its own registry.
	if second := NewMetrics(prometheus.NewRegistry()); second == nil {
		t.Fatal("second instance not built")
	}
}

func TestNewMetricsNilRegistryStaysUnregistered(t *testing.T) {
	// DefaultMetrics owns the default registry's collectors; a nil
	// registry must not collide with it.
	m := NewMetrics(nil)
	m.RecordUtterance()
	m.ObserveFirstAudio(0)
}
