// Package events publishes conversation turn records for downstream
// consumers. Without brokers configured it degrades to logging, so the
// pipeline never depends on Kafka being up.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/rezeile/voiceloop/internal/observability/logging"
)

type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// Turn is one finalized utterance or assistant reply.
type Turn struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	At             time.Time `json:"at"`
}

type Publisher struct {
	cfg    Config
	log    zerolog.Logger
	writer *kafka.Writer
}

func NewPublisher(cfg Config) *Publisher {
	p := &Publisher{cfg: cfg, log: logging.WithComponent("events")}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		p.log.Info().Msg("turn publisher disabled, events logged only")
		return p
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	p.log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("turn publisher ready")
	return p
}

// PublishTurn records one turn. Failures are logged and dropped; a
// doomed publish must never stall the conversation.
func (p *Publisher) PublishTurn(ctx context.Context, turn Turn) {
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	if p.writer == nil {
		p.log.Debug().
			Str("sessionId", turn.SessionID).
			Str("role", turn.Role).
			Msg("turn recorded (publisher disabled)")
		return
	}
	value, err := json.Marshal(turn)
	if err != nil {
		p.log.Warn().Err(err).Msg("turn marshal failed")
		return
	}
	msg := kafka.Message{
		Key:   []byte(turn.SessionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "role", Value: []byte(turn.Role)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn().Err(err).Msg("turn publish failed")
	}
}

func (p *Publisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
