// Package httpserver is the voice gateway: health and metrics routes
// plus the /voice WebSocket, with one full pipeline per connection.
package httpserver

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rezeile/voiceloop/internal/chat"
	"github.com/rezeile/voiceloop/internal/config"
	"github.com/rezeile/voiceloop/internal/events"
	"github.com/rezeile/voiceloop/internal/observability/logging"
	"github.com/rezeile/voiceloop/internal/observability/metrics"
	"github.com/rezeile/voiceloop/internal/synth"
)

// Server holds the router and the collaborators shared across
// connections. Chat and synthesis clients are stateless; capture and
// playback are built per connection.
type Server struct {
	cfg      config.Config
	log      zerolog.Logger
	echo     *echo.Echo
	upgrader websocket.Upgrader
	chat     *chat.Client
	synth    *synth.Client
	pub      *events.Publisher
	metrics  *metrics.Metrics
}

func New(cfg config.Config) *Server {
	s := &Server{
		cfg: cfg,
		log: logging.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		chat:    chat.NewClient(chat.Config{BaseURL: cfg.ChatBaseURL, APIKey: cfg.ChatAPIKey}, nil),
		synth:   synth.NewClient(synth.Config{BaseURL: cfg.SynthBaseURL, APIKey: cfg.SynthAPIKey, VoiceID: cfg.SynthVoiceID}, nil),
		pub:     events.NewPublisher(events.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, Enabled: cfg.KafkaEnabled}),
		metrics: metrics.DefaultMetrics,
	}

	e := newRouter()
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/voice", s.handleVoice)
	s.echo = e
	return s
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Close releases shared resources.
func (s *Server) Close() error {
	return s.pub.Close()
}

func (s *Server) handleVoice(c echo.Context) error {
	if !authOK(c.Request(), s.cfg.AuthToken) {
		return c.NoContent(http.StatusUnauthorized)
	}
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	s.metrics.SessionOpened()
	ws := newWSSession(s, conn)
	ws.log.Info().Msg("voice connection opened")
	ws.serve()
	ws.log.Info().Msg("voice connection closed")
	s.metrics.SessionClosed()
	return nil
}

// authOK accepts the shared token from the query, the X-Auth-Token
// header, or an Authorization bearer. An empty expected token leaves
// the gateway open.
func authOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if r.URL.Query().Get("token") == expected {
		return true
	}
	if r.Header.Get("X-Auth-Token") == expected {
		return true
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") && auth[7:] == expected {
		return true
	}
	return false
}
