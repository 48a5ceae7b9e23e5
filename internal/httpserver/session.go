package httpserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rezeile/voiceloop/internal/audio"
	"github.com/rezeile/voiceloop/internal/capture"
	"github.com/rezeile/voiceloop/internal/config"
	"github.com/rezeile/voiceloop/internal/observability/logging"
	"github.com/rezeile/voiceloop/internal/playback"
	"github.com/rezeile/voiceloop/internal/recognizer"
	"github.com/rezeile/voiceloop/internal/route"
	"github.com/rezeile/voiceloop/internal/voice"
)

// Wire protocol: the client sends binary capture PCM and JSON control
// commands; the server sends binary playback PCM and JSON session
// events.
type clientCommand struct {
	Type string `json:"type"` // enter, send, interrupt, exit
}

type gatewayError struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// wsConn serializes writes; gorilla allows only one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteBinary(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// wsFrameWriter delivers paced playback frames as binary s16le PCM.
type wsFrameWriter struct {
	conn *wsConn
}

func (w *wsFrameWriter) WriteFrame(frame []float32) error {
	return w.conn.WriteBinary(audio.FloatsToBytes(frame))
}

// wsSession wires one connection to its own capture and playback
// pipeline around a voice session.
type wsSession struct {
	log  zerolog.Logger
	conn *wsConn
	src  *capture.ChanSource
	sess *voice.Session
	done chan struct{}
}

func newWSSession(s *Server, conn *websocket.Conn) *wsSession {
	id := uuid.NewString()
	wc := &wsConn{conn: conn}
	routes := route.NewArbiter(nil)
	src := capture.NewChanSource(64)
	eng := capture.NewEngine(src, recognizerFactory(s.cfg), nil, routes)
	graph := playback.NewGraph(&wsFrameWriter{conn: wc}, routes, nil, 0)
	sess := voice.NewSession(voice.Config{
		SessionID:         id,
		VoiceID:           s.cfg.SynthVoiceID,
		DisableAutoResume: s.cfg.DisableAutoResume,
	}, eng, s.chat, s.synth, graph, s.pub, nil)

	return &wsSession{
		log:  logging.WithSession(id).With().Str("component", "gateway").Logger(),
		conn: wc,
		src:  src,
		sess: sess,
		done: make(chan struct{}),
	}
}

// recognizerFactory builds one recognition session per capture run.
// Without a configured URL capture still runs and levels still flow;
// transcripts just stay empty.
func recognizerFactory(cfg config.Config) func() recognizer.Engine {
	if cfg.RecognitionURL == "" {
		return func() recognizer.Engine { return recognizer.NewScripted() }
	}
	return func() recognizer.Engine {
		return recognizer.NewStreamClient(recognizer.StreamConfig{
			URL:    cfg.RecognitionURL,
			APIKey: cfg.RecognitionKey,
		})
	}
}

// serve pumps client messages in and session events out until the
// connection drops. A dropped connection exits the voice session, so
// hardware routes and recognition sessions never outlive the client.
func (ws *wsSession) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ws.pumpEvents()
	ws.readLoop(ctx)
	close(ws.done)

	if text := ws.sess.Exit(); text != "" {
		ws.log.Info().Int("chars", len(text)).Msg("transcript pending at disconnect")
	}
	ws.conn.conn.Close()
}

func (ws *wsSession) readLoop(ctx context.Context) {
	for {
		mt, data, err := ws.conn.conn.ReadMessage()
		if err != nil {
			ws.log.Debug().Err(err).Msg("read loop ended")
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			ws.src.Push(data)
		case websocket.TextMessage:
			ws.handleCommand(ctx, data)
		}
	}
}

func (ws *wsSession) handleCommand(ctx context.Context, data []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		ws.conn.WriteJSON(gatewayError{Kind: "error", Text: "malformed command"})
		return
	}
	switch cmd.Type {
	case "enter":
		if err := ws.sess.Enter(ctx); err != nil {
			ws.log.Warn().Err(err).Msg("enter failed")
			ws.conn.WriteJSON(gatewayError{Kind: "error", Text: err.Error()})
		}
	case "send":
		ws.sess.SendTapped()
	case "interrupt":
		ws.sess.InterruptTapped()
	case "exit":
		ws.sess.Exit()
	default:
		ws.conn.WriteJSON(gatewayError{Kind: "error", Text: "unknown command " + cmd.Type})
	}
}

func (ws *wsSession) pumpEvents() {
	for {
		select {
		case <-ws.done:
			return
		case ev := <-ws.sess.Events():
			if err := ws.conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
