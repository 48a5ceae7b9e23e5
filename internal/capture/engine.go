package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rezeile/voiceloop/internal/audio"
	"github.com/rezeile/voiceloop/internal/observability/logging"
	"github.com/rezeile/voiceloop/internal/recognizer"
	"github.com/rezeile/voiceloop/internal/route"
)

var (
	// ErrCaptureActive rejects a second Start while capture runs;
	// callbacks must never be installed twice.
	ErrCaptureActive = errors.New("capture: already active")

	// ErrSourceUnavailable reports that the frame source could not
	// start (missing device, denied permission).
	ErrSourceUnavailable = errors.New("capture: source unavailable")
)

// Engine drives one capture run at a time: hardware route, recognition
// session, frame pump, and the transcript buffer. A fresh recognition
// session is built per run through the injected factory.
type Engine struct {
	log      zerolog.Logger
	src      Source
	sessions func() recognizer.Engine
	meter    *audio.Meter
	routes   *route.Arbiter

	mu        sync.Mutex
	active    bool
	session   recognizer.Engine
	runCancel context.CancelFunc
	pumpDone  chan struct{} // closed when this run's frame pump exits
	committed string
	partial   string

	updates chan string
	errs    chan error
	wg      sync.WaitGroup
}

func NewEngine(src Source, sessions func() recognizer.Engine, meter *audio.Meter, routes *route.Arbiter) *Engine {
	if meter == nil {
		meter = audio.NewMeter()
	}
	e := &Engine{
		log:      logging.WithComponent("capture"),
		src:      src,
		sessions: sessions,
		meter:    meter,
		routes:   routes,
		updates:  make(chan string, 8),
		errs:     make(chan error, 4),
	}
	routes.Bind(route.ModeRecord, e.Stop)
	return e
}

// Start configures the record route, opens a recognition session and
// begins pumping frames. Fails with ErrCaptureActive when already
// running and with the underlying cause when the route, session or
// source cannot start; the failure is reported, never retried here.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return ErrCaptureActive
	}
	e.active = true
	e.mu.Unlock()

	if err := e.routes.Configure(route.ModeRecord); err != nil {
		e.setInactive()
		return fmt.Errorf("configure record route: %w", err)
	}

	session := e.sessions()
	if err := session.Start(ctx); err != nil {
		e.setInactive()
		e.routes.Release(route.ModeRecord)
		return fmt.Errorf("recognition session: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := e.src.Start(runCtx); err != nil {
		cancel()
		session.Close()
		e.setInactive()
		e.routes.Release(route.ModeRecord)
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	pumpDone := make(chan struct{})
	e.mu.Lock()
	e.session = session
	e.runCancel = cancel
	e.pumpDone = pumpDone
	e.mu.Unlock()

	go e.pumpFrames(runCtx, session, pumpDone)
	e.wg.Add(1)
	go e.collect(session)

	e.log.Debug().Msg("capture started")
	return nil
}

// Stop halts the source and signals end-of-audio so late finals can
// still land in the transcript buffer. Safe to call when idle.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	session := e.session
	cancel := e.runCancel
	pumpDone := e.pumpDone
	e.session = nil
	e.runCancel = nil
	e.pumpDone = nil
	e.mu.Unlock()

	e.src.Stop()
	if cancel != nil {
		cancel()
	}
	// The pump may still be inside Observe; the meter is single-writer,
	// so join it before resetting.
	if pumpDone != nil {
		<-pumpDone
	}
	if session != nil {
		session.EndAudio()
	}
	e.meter.Reset()
	e.routes.Release(route.ModeRecord)
	e.log.Debug().Msg("capture stopped")
}

// Finalize atomically takes the transcript, trims it, and leaves the
// buffer empty. Callable in any capture state.
func (e *Engine) Finalize() string {
	e.mu.Lock()
	out := joinHypothesis(e.committed, e.partial)
	e.committed, e.partial = "", ""
	e.mu.Unlock()
	return strings.TrimSpace(out)
}

// Transcript reads the current hypothesis without consuming it.
func (e *Engine) Transcript() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.TrimSpace(joinHypothesis(e.committed, e.partial))
}

// Active reports whether a capture run is live.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Updates publishes the display transcript after each hypothesis
// change. Lossy; consumers only want the latest.
func (e *Engine) Updates() <-chan string {
	return e.updates
}

// Errs surfaces capture-run failures (recognition errors). The run is
// already stopped by the time an error is readable.
func (e *Engine) Errs() <-chan error {
	return e.errs
}

// Meter exposes the level feed tied to this engine.
func (e *Engine) Meter() *audio.Meter {
	return e.meter
}

func (e *Engine) setInactive() {
	e.mu.Lock()
	e.active = false
	e.mu.Unlock()
}

func (e *Engine) pumpFrames(ctx context.Context, session recognizer.Engine, done chan struct{}) {
	defer close(done)
	frames := e.src.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			e.meter.Observe(frame)
			if err := session.Send(frame); err != nil {
				e.log.Warn().Err(err).Msg("frame send failed")
			}
		}
	}
}

// collect is the single writer of the transcript buffer. When the
// session ends, on its own or after end-of-audio settles, capture must
// not keep running without recognition, so it stops itself.
func (e *Engine) collect(session recognizer.Engine) {
	defer e.wg.Done()
	for r := range session.Results() {
		e.apply(r)
	}
	if err := session.Err(); err != nil {
		e.report(fmt.Errorf("recognition: %w", err))
	}
	e.Stop()
	session.Close()
}

func (e *Engine) apply(r recognizer.Result) {
	text := strings.TrimSpace(r.Text)
	e.mu.Lock()
	if r.Final {
		if e.committed == "" {
			e.committed = text
		} else if text != "" {
			e.committed += " " + text
		}
		e.partial = ""
	} else {
		e.partial = text
	}
	display := joinHypothesis(e.committed, e.partial)
	e.mu.Unlock()

	select {
	case e.updates <- display:
	default:
	}
}

func (e *Engine) report(err error) {
	e.log.Warn().Err(err).Msg("capture run failed")
	select {
	case e.errs <- err:
	default:
	}
}

func joinHypothesis(committed, partial string) string {
	switch {
	case committed == "":
		return partial
	case partial == "":
		return committed
	default:
		return committed + " " + partial
	}
}
