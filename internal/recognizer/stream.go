package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rezeile/voiceloop/internal/audio"
	"github.com/rezeile/voiceloop/internal/observability/logging"
)

const (
	resultBuffer = 100
	audioBuffer  = 1000

	// After end-of-audio is signalled the server may still deliver late
	// finals. If it never settles with a done message, the session ends
	// itself once this window passes.
	settleGrace = 1200 * time.Millisecond
)

// StreamConfig points the client at a streaming recognition gateway.
type StreamConfig struct {
	URL        string
	APIKey     string
	SampleRate int
}

// StreamClient is a WebSocket recognition session: binary frames carry
// capture PCM upstream, text frames carry JSON hypotheses downstream.
type StreamClient struct {
	cfg StreamConfig
	log zerolog.Logger

	conn    *websocket.Conn
	results chan Result
	audio   chan []byte
	end     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	endOnce   sync.Once
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

type control struct {
	Type string `json:"type"`
}

type serverMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message"`
}

func NewStreamClient(cfg StreamConfig) *StreamClient {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.CaptureRate
	}
	return &StreamClient{
		cfg:     cfg,
		log:     logging.WithComponent("recognizer"),
		results: make(chan Result, resultBuffer),
		audio:   make(chan []byte, audioBuffer),
		end:     make(chan struct{}, 1),
	}
}

// Start dials the gateway and runs the session loops. A dial failure
// wraps ErrUnavailable.
func (s *StreamClient) Start(ctx context.Context) error {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: parse url: %v", ErrUnavailable, err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	q.Set("encoding", "pcm_s16le")
	u.RawQuery = q.Encode()

	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", s.cfg.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUnavailable, u.Host, err)
	}
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(3)
	go s.writeLoop()
	go s.readLoop()
	go func() {
		// ReadMessage does not watch the context; closing the conn is
		// what unblocks the read loop.
		defer s.wg.Done()
		<-s.ctx.Done()
		s.conn.Close()
	}()

	s.log.Info().Str("host", u.Host).Int("sampleRate", s.cfg.SampleRate).Msg("recognition session open")
	return nil
}

// Send queues one PCM frame. The capture path must never stall on a
// slow link, so a full backlog drops the frame.
func (s *StreamClient) Send(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	select {
	case s.audio <- buf:
	default:
		s.log.Debug().Int("bytes", len(pcm)).Msg("audio backlog full, frame dropped")
	}
	return nil
}

// Results is the hypothesis feed. It closes when the session ends.
func (s *StreamClient) Results() <-chan Result {
	return s.results
}

// EndAudio tells the server no more audio is coming and arms the settle
// grace window. Safe to call repeatedly.
func (s *StreamClient) EndAudio() {
	s.endOnce.Do(func() {
		select {
		case s.end <- struct{}{}:
		default:
		}
		if cancel := s.cancel; cancel != nil {
			time.AfterFunc(settleGrace, cancel)
		}
	})
}

// Err reports the terminal session error once Results has closed.
func (s *StreamClient) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *StreamClient) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			s.conn.Close()
			s.wg.Wait()
		}
	})
	return nil
}

func (s *StreamClient) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *StreamClient) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case pcm := <-s.audio:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				s.fail(fmt.Errorf("write audio: %w", err))
				return
			}
		case <-s.end:
			if err := s.conn.WriteJSON(control{Type: "end_of_audio"}); err != nil {
				s.fail(fmt.Errorf("write end of audio: %w", err))
				return
			}
			s.log.Debug().Msg("end of audio signalled")
		}
	}
}

func (s *StreamClient) readLoop() {
	defer s.wg.Done()
	defer close(s.results)
	defer s.cancel()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
				// Settle grace elapsed or the session was closed; a
				// missing done message is still a clean end.
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.fail(fmt.Errorf("read: %w", err))
				}
			}
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn().Err(err).Msg("unparseable recognition message")
			continue
		}
		switch msg.Type {
		case "partial", "final":
			r := Result{Text: msg.Text, Final: msg.Type == "final", Confidence: msg.Confidence}
			select {
			case s.results <- r:
			case <-s.ctx.Done():
				return
			}
		case "done":
			s.log.Debug().Msg("recognition session settled")
			return
		case "error":
			s.fail(fmt.Errorf("recognition failed: %s", msg.Message))
			return
		}
	}
}
