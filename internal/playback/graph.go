package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/rezeile/voiceloop/internal/audio"
	"github.com/rezeile/voiceloop/internal/observability/logging"
	"github.com/rezeile/voiceloop/internal/observability/metrics"
	"github.com/rezeile/voiceloop/internal/route"
)

var (
	// ErrDecode marks a payload the graph cannot turn into samples; the
	// caller falls back to another synthesis path.
	ErrDecode = errors.New("playback: undecodable payload")

	// ErrCancelled reports that playback was cut off by an interrupt.
	ErrCancelled = errors.New("playback: cancelled")
)

// Stream is one in-flight synthesized audio stream. Chunks closes on
// completion; Err reports a mid-stream failure afterwards. Cancel stops
// the producer and must be idempotent.
type Stream interface {
	Chunks() <-chan []byte
	Cancel()
	Err() error
}

// Graph events, published to the conversation layer. Lossy.
type Event int

const (
	EventFirstAudio Event = iota
	EventFinished
)

const (
	defaultQuiesce = 600 * time.Millisecond
	drainPoll      = 50 * time.Millisecond
)

// Graph owns at most one playback run at a time. Starting a stream
// supersedes the previous one (cancel and join), configures the
// playback route, and consumes chunks through the assembler into the
// paced sink. Completion arms the quiescence watch; cancellation is
// synchronous and idempotent.
type Graph struct {
	log     zerolog.Logger
	writer  FrameWriter
	routes  *route.Arbiter
	metrics *metrics.Metrics
	quiesce time.Duration

	mu      sync.Mutex
	current *run

	events chan Event
}

type run struct {
	id     string
	stream Stream
	sink   *PacedSink
	asm    audio.Assembler

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	lastData int64 // unix nanos of the last chunk or drain progress
	finished int32
}

func (r *run) touch() {
	atomic.StoreInt64(&r.lastData, time.Now().UnixNano())
}

func (r *run) last() time.Time {
	return time.Unix(0, atomic.LoadInt64(&r.lastData))
}

func NewGraph(writer FrameWriter, routes *route.Arbiter, m *metrics.Metrics, quiesce time.Duration) *Graph {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if quiesce <= 0 {
		quiesce = defaultQuiesce
	}
	g := &Graph{
		log:     logging.WithComponent("playback"),
		writer:  writer,
		routes:  routes,
		metrics: m,
		quiesce: quiesce,
		events:  make(chan Event, 8),
	}
	routes.Bind(route.ModePlayback, g.Cancel)
	return g
}

// Start begins consuming a synthesized stream. Any previous run is
// cancelled and joined first.
func (g *Graph) Start(stream Stream) error {
	_, err := g.start(stream)
	return err
}

// PlayBuffered decodes a complete payload and plays it to completion,
// awaitable by the caller. Undecodable payloads return ErrDecode; a
// cancelled playback returns ErrCancelled.
func (g *Graph) PlayBuffered(ctx context.Context, payload []byte) error {
	samples, err := DecodePayload(payload)
	if err != nil {
		return err
	}
	r, err := g.start(newMemoryStream(audio.Bytes(samples)))
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		if atomic.LoadInt32(&r.finished) == 0 {
			return ErrCancelled
		}
		return nil
	case <-ctx.Done():
		g.cancelRun(r)
		return ctx.Err()
	}
}

// Cancel synchronously stops the active run: producer read, carried
// residual, scheduled frames, hardware route. A safe no-op when idle.
func (g *Graph) Cancel() {
	g.mu.Lock()
	r := g.current
	g.mu.Unlock()
	if r == nil {
		return
	}
	g.cancelRun(r)
}

// Active reports whether a run currently owns the output graph.
func (g *Graph) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current != nil
}

// Events is the graph's notification feed: first audio and natural
// completion. Values are dropped when the consumer lags.
func (g *Graph) Events() <-chan Event {
	return g.events
}

func (g *Graph) start(stream Stream) (*run, error) {
	g.Cancel()
	if err := g.routes.Configure(route.ModePlayback); err != nil {
		stream.Cancel()
		return nil, fmt.Errorf("configure playback route: %w", err)
	}
	r := &run{
		id:     uuid.NewString(),
		stream: stream,
		sink:   NewPacedSink(g.writer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	r.touch()
	g.mu.Lock()
	g.current = r
	g.mu.Unlock()
	go g.consume(r)
	g.log.Debug().Str("streamId", r.id).Msg("playback run started")
	return r, nil
}

// consume is the stream read loop. Decode and scheduling happen here,
// never blocking longer than the bounded frame queue allows.
func (g *Graph) consume(r *run) {
	defer close(r.done)
	first := false
	for {
		select {
		case <-r.stop:
			return
		case chunk, ok := <-r.stream.Chunks():
			if !ok {
				if err := r.stream.Err(); err != nil {
					g.log.Warn().Err(err).Str("streamId", r.id).Msg("stream ended early")
				}
				r.sink.Write(audio.Floats(r.asm.Flush()))
				r.sink.FlushTail()
				g.quiesceWatch(r)
				return
			}
			if !first {
				first = true
				g.emit(EventFirstAudio)
			}
			r.touch()
			g.metrics.RecordStreamChunk(len(chunk))
			if samples := r.asm.Push(chunk); len(samples) > 0 {
				r.sink.Write(audio.Floats(samples))
			}
		}
	}
}

// quiesceWatch holds the run open while scheduled audio drains, then
// tears down once the quiescence window passes with no activity. Audio
// still moving through the sink counts as activity, so a slow drain is
// never cut off; a cancel mid-watch wins immediately.
func (g *Graph) quiesceWatch(r *run) {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if !r.sink.Idle() {
				r.touch()
				continue
			}
			if time.Since(r.last()) >= g.quiesce {
				g.finish(r)
				return
			}
		}
	}
}

func (g *Graph) finish(r *run) {
	atomic.StoreInt32(&r.finished, 1)
	r.sink.Close()
	g.mu.Lock()
	if g.current == r {
		g.current = nil
	}
	g.mu.Unlock()
	g.routes.Release(route.ModePlayback)
	g.emit(EventFinished)
	g.log.Debug().Str("streamId", r.id).Msg("playback run finished")
}

func (g *Graph) cancelRun(r *run) {
	g.mu.Lock()
	if g.current == r {
		g.current = nil
	}
	g.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stop) })
	r.stream.Cancel()
	<-r.done
	r.asm.Reset()
	r.sink.Reset()
	r.sink.Close()
	g.routes.Release(route.ModePlayback)
	g.log.Debug().Str("streamId", r.id).Msg("playback run cancelled")
}

func (g *Graph) emit(ev Event) {
	select {
	case g.events <- ev:
	default:
	}
}

// memoryStream feeds an already-complete payload through the same run
// machinery as a network stream, one frame-sized chunk at a time.
type memoryStream struct {
	chunks chan []byte
}

func newMemoryStream(pcm []byte) *memoryStream {
	frameBytes := FrameSamples * audio.BytesPerSample
	n := (len(pcm) + frameBytes - 1) / frameBytes
	ms := &memoryStream{chunks: make(chan []byte, n)}
	for start := 0; start < len(pcm); start += frameBytes {
		end := start + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		ms.chunks <- pcm[start:end]
	}
	close(ms.chunks)
	return ms
}

func (m *memoryStream) Chunks() <-chan []byte { return m.chunks }
func (m *memoryStream) Cancel()               {}
func (m *memoryStream) Err() error            { return nil }

var oggMagic = []byte("OggS")

// DecodePayload turns a buffered synthesis payload into playback-rate
// samples. Ogg/Opus payloads go through the opus stream decoder; bare
// payloads are taken as raw s16le PCM (the local voice's format).
func DecodePayload(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if bytes.HasPrefix(payload, oggMagic) {
		return decodeOgg(payload)
	}
	samples := audio.Samples(payload)
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: payload shorter than one sample", ErrDecode)
	}
	return samples, nil
}

func decodeOgg(payload []byte) ([]int16, error) {
	stream, err := opus.NewStream(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer stream.Close()

	pcm := make([]int16, 0, len(payload)*4)
	buf := make([]int16, FrameSamples*4)
	for {
		n, err := stream.Read(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		pcm = append(pcm, buf[:n]...)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: no audio in payload", ErrDecode)
	}
	// libopusfile always decodes at 48k; the graph runs at 24k, so keep
	// every second sample.
	return decimate(pcm, 2), nil
}

func decimate(pcm []int16, factor int) []int16 {
	out := make([]int16, 0, len(pcm)/factor+1)
	for i := 0; i < len(pcm); i += factor {
		out = append(out, pcm[i])
	}
	return out
}
