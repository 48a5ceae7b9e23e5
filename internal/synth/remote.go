package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	acceptPCM = "audio/pcm"
	acceptOgg = "audio/ogg"

	readChunk   = 4096
	streamQueue = 32
)

type synthRequest struct {
	Message        string `json:"message"`
	VoiceID        string `json:"voice_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// remote talks to the synthesis service over HTTP. The streaming
// client bounds only the response header wait, since a healthy stream
// can outlive any fixed deadline; the buffered client carries an
// overall timeout.
type remote struct {
	cfg      Config
	streamHC *http.Client
	buffHC   *http.Client
}

func newRemote(cfg Config) *remote {
	return &remote{
		cfg: cfg,
		streamHC: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 10 * time.Second},
		},
		buffHC: &http.Client{Timeout: cfg.Timeout},
	}
}

func (r *remote) newRequest(ctx context.Context, req Request, accept string) (*http.Request, error) {
	body, err := json.Marshal(synthRequest{
		Message:        req.Message,
		VoiceID:        req.VoiceID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/v1/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}
	return httpReq, nil
}

// stream opens the chunked PCM response. A non-2xx status before the
// first byte is returned as an error with the body snippet; the caller
// falls back.
func (r *remote) stream(ctx context.Context, req Request) (*remoteStream, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	httpReq, err := r.newRequest(reqCtx, req, acceptPCM)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := r.streamHC.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("synthesis status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	s := &remoteStream{
		chunks: make(chan []byte, streamQueue),
		cancel: cancel,
	}
	go s.pump(reqCtx, resp.Body)
	return s, nil
}

// buffered fetches the complete compressed payload.
func (r *remote) buffered(ctx context.Context, req Request) ([]byte, error) {
	httpReq, err := r.newRequest(ctx, req, acceptOgg)
	if err != nil {
		return nil, err
	}
	resp, err := r.buffHC.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("synthesis status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(payload) == 0 {
		return nil, errors.New("empty synthesis payload")
	}
	return payload, nil
}

// remoteStream owns the response body and the request context. Cancel
// kills the request, which unblocks the pump; the chunk channel then
// closes.
type remoteStream struct {
	chunks chan []byte
	cancel context.CancelFunc
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (s *remoteStream) Chunks() <-chan []byte { return s.chunks }

func (s *remoteStream) Cancel() {
	s.once.Do(s.cancel)
}

func (s *remoteStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *remoteStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *remoteStream) pump(ctx context.Context, body io.ReadCloser) {
	defer close(s.chunks)
	defer body.Close()
	defer s.cancel()

	buf := make([]byte, readChunk)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.setErr(fmt.Errorf("stream read: %w", err))
			}
			return
		}
	}
}
