package audio

import (
	"math"
	"time"
)

const (
	// UI feed pacing: at most ~20 levels a second, and only when the
	// value moved enough to be worth repainting.
	levelMinInterval = 50 * time.Millisecond
	levelMinDelta    = 0.03

	// Every 8th sample is enough signal for a loudness bar.
	levelStride = 8
)

// Meter turns capture frames into a normalized loudness feed for the
// presentation layer. Updates are rate-limited and delta-gated, so the
// feed is lossy on purpose; consumers only ever want the latest value.
//
// Observe is called from the capture frame pump only; the meter is
// single-writer and hands values off through its channel.
type Meter struct {
	levels   chan float64
	last     float64
	lastEmit time.Time
}

func NewMeter() *Meter {
	return &Meter{levels: make(chan float64, 8)}
}

// Levels is the published feed. Values are dropped, not queued, when
// the consumer lags.
func (m *Meter) Levels() <-chan float64 {
	return m.levels
}

// Observe ingests one capture frame and publishes a new level when the
// pacing and delta gates allow it.
func (m *Meter) Observe(frame []byte) {
	level := RMS(frame, levelStride)
	now := time.Now()
	if now.Sub(m.lastEmit) < levelMinInterval {
		return
	}
	if math.Abs(level-m.last) < levelMinDelta {
		return
	}
	m.last = level
	m.lastEmit = now
	m.emit(level)
}

// Reset publishes a forced zero so the UI does not hold a stale level
// after capture stops, and re-arms the gates.
func (m *Meter) Reset() {
	m.last = 0
	m.lastEmit = time.Time{}
	m.emit(0)
}

func (m *Meter) emit(level float64) {
	select {
	case m.levels <- level:
	default:
	}
}
