package recognizer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Scripted replays a fixed sequence of results, for tests and keyless
// demo runs. It accepts audio like a live engine and stays open after
// the script drains until the caller signals end-of-audio.
type Scripted struct {
	Script []Result
	Gap    time.Duration
	Fail   error // terminal error emitted after the script drains

	results chan Result
	end     chan struct{}
	cancel  context.CancelFunc

	sent    int64
	endOnce sync.Once

	mu  sync.Mutex
	err error
}

func NewScripted(script ...Result) *Scripted {
	return &Scripted{
		Script:  script,
		Gap:     10 * time.Millisecond,
		results: make(chan Result, 16),
		end:     make(chan struct{}),
	}
}

func (s *Scripted) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

func (s *Scripted) run(ctx context.Context) {
	defer close(s.results)
	for _, r := range s.Script {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Gap):
		}
		select {
		case s.results <- r:
		case <-ctx.Done():
			return
		}
	}
	if s.Fail != nil {
		s.mu.Lock()
		s.err = s.Fail
		s.mu.Unlock()
		return
	}
	select {
	case <-ctx.Done():
	case <-s.end:
	}
}

func (s *Scripted) Send(pcm []byte) error {
	atomic.AddInt64(&s.sent, int64(len(pcm)))
	return nil
}

func (s *Scripted) Results() <-chan Result {
	return s.results
}

func (s *Scripted) EndAudio() {
	s.endOnce.Do(func() { close(s.end) })
}

func (s *Scripted) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Scripted) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// SentBytes reports how much PCM the engine has been fed.
func (s *Scripted) SentBytes() int64 {
	return atomic.LoadInt64(&s.sent)
}
