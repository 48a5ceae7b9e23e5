// Package synth requests synthesized speech for a reply: a remote
// streaming path first, a remote buffered payload second, and an
// offline local voice as the last resort. Every path is stoppable
// through the same interrupt used for playback.
package synth

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rezeile/voiceloop/internal/observability/logging"
	"github.com/rezeile/voiceloop/internal/observability/metrics"
	"github.com/rezeile/voiceloop/internal/playback"
)

// Path names which synthesis path produced the audio.
type Path string

const (
	PathRemoteStream   Path = "remote_stream"
	PathRemoteBuffered Path = "remote_buffered"
	PathLocal          Path = "local"
)

// Request carries one synthesis call.
type Request struct {
	Message        string
	VoiceID        string
	ConversationID string
}

// Speech is the synthesis outcome: a live stream or a complete
// payload, never both.
type Speech struct {
	Path    Path
	Stream  playback.Stream
	Payload []byte
}

// Config points the client at the remote synthesis service. An empty
// BaseURL disables the remote paths entirely.
type Config struct {
	BaseURL string
	APIKey  string
	VoiceID string
	Timeout time.Duration
}

type Client struct {
	cfg     Config
	log     zerolog.Logger
	remote  *remote
	local   *LocalVoice
	metrics *metrics.Metrics
}

func NewClient(cfg Config, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Client{
		cfg:     cfg,
		log:     logging.WithComponent("synth"),
		remote:  newRemote(cfg),
		local:   NewLocalVoice(),
		metrics: m,
	}
}

// Speak tries the remote streaming path, then the remote buffered
// path, then the local voice. Degrading is silent beyond a warning;
// only context cancellation surfaces as an error.
func (c *Client) Speak(ctx context.Context, req Request) (Speech, error) {
	if req.VoiceID == "" {
		req.VoiceID = c.cfg.VoiceID
	}

	if c.cfg.BaseURL != "" {
		stream, err := c.remote.stream(ctx, req)
		if err == nil {
			c.metrics.RecordSynthPath(string(PathRemoteStream))
			return Speech{Path: PathRemoteStream, Stream: stream}, nil
		}
		if ctx.Err() != nil {
			return Speech{}, ctx.Err()
		}
		c.log.Warn().Err(err).Msg("streaming synthesis failed, trying buffered")

		payload, err := c.remote.buffered(ctx, req)
		if err == nil {
			c.metrics.RecordSynthPath(string(PathRemoteBuffered))
			return Speech{Path: PathRemoteBuffered, Payload: payload}, nil
		}
		if ctx.Err() != nil {
			return Speech{}, ctx.Err()
		}
		c.log.Warn().Err(err).Msg("buffered synthesis failed, using local voice")
	}

	payload, err := c.local.Render(ctx, req.Message)
	if err != nil {
		return Speech{}, err
	}
	c.metrics.RecordSynthPath(string(PathLocal))
	return Speech{Path: PathLocal, Payload: payload}, nil
}
