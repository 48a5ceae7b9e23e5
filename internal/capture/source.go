// Package capture owns microphone capture and the continuous
// recognition session: it pumps source frames into the recognizer and
// the level meter, accumulates the best transcript hypothesis, and
// hands the finalized utterance off atomically.
package capture

import (
	"context"
	"sync"
)

// Source provides capture frames. Start and Stop bracket one capture
// run; Frames stays valid across runs.
type Source interface {
	Start(ctx context.Context) error
	Frames() <-chan []byte
	Stop()
}

// ChanSource adapts a push producer (a gateway WebSocket read loop, a
// device callback) to the Source interface. Frames pushed while the
// source is stopped are dropped, as is anything beyond the buffer when
// the pump lags; the capture path never blocks the producer.
type ChanSource struct {
	frames chan []byte

	mu     sync.Mutex
	active bool
}

func NewChanSource(buffer int) *ChanSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSource{frames: make(chan []byte, buffer)}
}

func (s *ChanSource) Start(ctx context.Context) error {
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	// Frames queued before this run belong to the previous one.
	for {
		select {
		case <-s.frames:
		default:
			return nil
		}
	}
}

func (s *ChanSource) Frames() <-chan []byte {
	return s.frames
}

func (s *ChanSource) Stop() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Push hands one frame to the pump. The slice is owned by the source
// after the call.
func (s *ChanSource) Push(frame []byte) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active || len(frame) == 0 {
		return
	}
	select {
	case s.frames <- frame:
	default:
	}
}
