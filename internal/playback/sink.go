// Package playback implements the streaming audio decoder and output
// graph: chunk reassembly, normalized-float conversion, paced frame
// scheduling, buffered payload decode, and quiescence teardown.
package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rezeile/voiceloop/internal/audio"
	"github.com/rezeile/voiceloop/internal/observability/logging"
)

const (
	// 20ms frames at the playback rate.
	FrameSamples = audio.PlaybackRate / 50

	paceInterval = 20 * time.Millisecond

	// ~10s of scheduled audio; pushes block past this point, so a
	// runaway producer feels backpressure instead of growing the heap.
	frameQueue = 512
)

// FrameWriter receives paced output frames. Implementations belong to
// the audio callback side and must return promptly.
type FrameWriter interface {
	WriteFrame(frame []float32) error
}

// PacedSink accumulates normalized samples into fixed frames and writes
// them through a FrameWriter at a steady 20ms cadence. Write never
// touches the writer directly; scheduling is fire-and-forget from the
// decoder's point of view.
type PacedSink struct {
	log    zerolog.Logger
	writer FrameWriter

	mu  sync.Mutex
	buf []float32

	frames   chan []float32
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// frames scheduled but not yet written through
	queued int32
}

func NewPacedSink(writer FrameWriter) *PacedSink {
	s := &PacedSink{
		log:    logging.WithComponent("playback"),
		writer: writer,
		frames: make(chan []float32, frameQueue),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.pace()
	return s
}

// Write appends samples and schedules every completed frame.
func (s *PacedSink) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	s.mu.Lock()
	s.buf = append(s.buf, samples...)
	var full [][]float32
	for len(s.buf) >= FrameSamples {
		frame := make([]float32, FrameSamples)
		copy(frame, s.buf[:FrameSamples])
		s.buf = s.buf[:copy(s.buf, s.buf[FrameSamples:])]
		full = append(full, frame)
	}
	s.mu.Unlock()

	for _, frame := range full {
		s.push(frame)
	}
}

// FlushTail zero-pads and schedules the final partial frame.
func (s *PacedSink) FlushTail() {
	s.mu.Lock()
	var frame []float32
	if len(s.buf) > 0 {
		frame = make([]float32, FrameSamples)
		copy(frame, s.buf)
		s.buf = s.buf[:0]
	}
	s.mu.Unlock()

	if frame != nil {
		s.push(frame)
	}
}

// Reset drops everything scheduled but not yet written, for interrupts.
func (s *PacedSink) Reset() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
	for {
		select {
		case <-s.frames:
			atomic.AddInt32(&s.queued, -1)
		default:
			return
		}
	}
}

// Idle reports whether nothing is buffered, queued, or mid-write.
func (s *PacedSink) Idle() bool {
	s.mu.Lock()
	pending := len(s.buf)
	s.mu.Unlock()
	return pending == 0 && atomic.LoadInt32(&s.queued) == 0
}

// Close stops the pacer. Idempotent.
func (s *PacedSink) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *PacedSink) push(frame []float32) {
	atomic.AddInt32(&s.queued, 1)
	select {
	case s.frames <- frame:
	case <-s.stopCh:
		atomic.AddInt32(&s.queued, -1)
	}
}

func (s *PacedSink) pace() {
	defer s.wg.Done()
	ticker := time.NewTicker(paceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-s.frames:
				if err := s.writer.WriteFrame(frame); err != nil {
					s.log.Warn().Err(err).Msg("frame write failed")
				}
				atomic.AddInt32(&s.queued, -1)
			default:
			}
		}
	}
}
