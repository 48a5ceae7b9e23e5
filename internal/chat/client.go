// Package chat talks to the companion backend that turns a finalized
// utterance into an assistant reply.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rezeile/voiceloop/internal/observability/logging"
	"github.com/rezeile/voiceloop/internal/observability/metrics"
)

// ErrSend marks every failure to obtain a reply, whatever the cause.
// Callers branch on the category, not on individual HTTP outcomes.
var ErrSend = errors.New("chat: send failed")

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Reply is the assistant's answer to one utterance. ConversationID
// threads follow-up sends onto the same conversation when the backend
// returns one.
type Reply struct {
	Content        string
	ConversationID string
}

type Client struct {
	cfg     Config
	hc      *http.Client
	log     zerolog.Logger
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
		hc:      &http.Client{Timeout: cfg.Timeout},
		log:     logging.WithComponent("chat"),
		metrics: m,
	}
}

type sendRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type sendResponse struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id"`
}

// SendMessage posts one utterance and returns the assistant reply.
func (c *Client) SendMessage(ctx context.Context, text, conversationID string) (Reply, error) {
	start := time.Now()

	body, err := json.Marshal(sendRequest{Message: text, ConversationID: conversationID})
	if err != nil {
		return Reply{}, fmt.Errorf("%w: marshal request: %v", ErrSend, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: build request: %v", ErrSend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrSend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Reply{}, fmt.Errorf("%w: status %d: %s", ErrSend, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Reply{}, fmt.Errorf("%w: decode response: %v", ErrSend, err)
	}
	content := strings.TrimSpace(out.Content)
	if content == "" {
		return Reply{}, fmt.Errorf("%w: empty reply content", ErrSend)
	}

	rtt := time.Since(start)
	c.metrics.ObserveChatRoundTrip(rtt)
	c.log.Debug().
		Dur("roundTrip", rtt).
		Str("conversationId", out.ConversationID).
		Int("replyLen", len(content)).
		Msg("reply received")

	return Reply{Content: content, ConversationID: out.ConversationID}, nil
}
