package voice

import (
	"errors"

	"github.com/rezeile/voiceloop/internal/capture"
	"github.com/rezeile/voiceloop/internal/chat"
	"github.com/rezeile/voiceloop/internal/playback"
	"github.com/rezeile/voiceloop/internal/recognizer"
	"github.com/rezeile/voiceloop/internal/route"
)

// ErrActive rejects entering a session that is already running.
var ErrActive = errors.New("voice: session already entered")

// Kind buckets pipeline failures by origin. Every kind is recoverable;
// the session returns to Listening and the user retries.
type Kind string

const (
	KindCaptureUnavailable   Kind = "capture_unavailable"
	KindRecognitionFailure   Kind = "recognition_failure"
	KindNetworkFailure       Kind = "network_failure"
	KindDecodeFailure        Kind = "decode_failure"
	KindConfigurationFailure Kind = "configuration_failure"
)

// Classify maps a collaborator error onto its kind. Errors read off the
// capture engine's error feed are recognition failures by provenance
// and never pass through here. Unrecognized errors land in the network
// bucket; every remote-path failure looks like one.
func Classify(err error) Kind {
	var ce *route.ConfigError
	switch {
	case errors.As(err, &ce), errors.Is(err, route.ErrUnknownMode):
		return KindConfigurationFailure
	case errors.Is(err, capture.ErrCaptureActive),
		errors.Is(err, capture.ErrSourceUnavailable),
		errors.Is(err, recognizer.ErrUnavailable):
		return KindCaptureUnavailable
	case errors.Is(err, playback.ErrDecode):
		return KindDecodeFailure
	case errors.Is(err, chat.ErrSend):
		return KindNetworkFailure
	default:
		return KindNetworkFailure
	}
}
