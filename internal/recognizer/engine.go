// Package recognizer defines the speech-recognition boundary: a
// continuous session fed PCM frames that emits incremental transcript
// hypotheses.
package recognizer

import (
	"context"
	"errors"
)

// ErrUnavailable reports that the recognition service cannot be
// reached. Capture must not start without a live session.
var ErrUnavailable = errors.New("recognizer: service unavailable")

// Result is one hypothesis from the engine. Partials replace each
// other; a final fixes the utterance seen so far.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// Engine is a continuous recognition session. Results closes when the
// session ends, whether by EndAudio settling, remote completion, or
// failure; Err reports the terminal error afterwards (nil on a clean
// end). Send must never block the capture path.
type Engine interface {
	Start(ctx context.Context) error
	Send(pcm []byte) error
	Results() <-chan Result
	EndAudio()
	Err() error
	Close() error
}
