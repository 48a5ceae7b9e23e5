package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rezeile/voiceloop/internal/audio"
	"github.com/rezeile/voiceloop/internal/capture"
	"github.com/rezeile/voiceloop/internal/chat"
	"github.com/rezeile/voiceloop/internal/playback"
	"github.com/rezeile/voiceloop/internal/recognizer"
	"github.com/rezeile/voiceloop/internal/route"
	"github.com/rezeile/voiceloop/internal/synth"
)

type fakeChat struct {
	mu      sync.Mutex
	reply   chat.Reply
	err     error
	delay   time.Duration
	texts   []string
	convIDs []string
}

func (f *fakeChat) SendMessage(ctx context.Context, text, conversationID string) (chat.Reply, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.convIDs = append(f.convIDs, conversationID)
	reply, err, delay := f.reply, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return chat.Reply{}, fmt.Errorf("%w: %v", chat.ErrSend, ctx.Err())
		}
	}
	if err != nil {
		return chat.Reply{}, err
	}
	return reply, nil
}

func (f *fakeChat) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func (f *fakeChat) sent(i int) (text, convID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts[i], f.convIDs[i]
}

// scriptStream hands out preloaded chunks. With hold set the channel
// stays open until cancelled, modelling a long synthesis stream.
type scriptStream struct {
	hold      bool
	ch        chan []byte
	cancelled int32
}

func newScriptStream(hold bool, chunks ...[]byte) *scriptStream {
	s := &scriptStream{hold: hold, ch: make(chan []byte, len(chunks)+1)}
	for _, c := range chunks {
		s.ch <- c
	}
	if !hold {
		close(s.ch)
	}
	return s
}

func (s *scriptStream) Chunks() <-chan []byte { return s.ch }
func (s *scriptStream) Err() error            { return nil }

func (s *scriptStream) Cancel() {
	if atomic.CompareAndSwapInt32(&s.cancelled, 0, 1) && s.hold {
		close(s.ch)
	}
}

func (s *scriptStream) wasCancelled() bool {
	return atomic.LoadInt32(&s.cancelled) == 1
}

type fakeSynth struct {
	mu      sync.Mutex
	chunks  [][]byte // template; every call gets a fresh stream
	hold    bool
	payload []byte // when set, a buffered payload is returned instead
	calls   int
	streams []*scriptStream
}

func (f *fakeSynth) Speak(ctx context.Context, req synth.Request) (synth.Speech, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.payload != nil {
		p := make([]byte, len(f.payload))
		copy(p, f.payload)
		return synth.Speech{Path: synth.PathRemoteBuffered, Payload: p}, nil
	}
	st := newScriptStream(f.hold, f.chunks...)
	f.streams = append(f.streams, st)
	return synth.Speech{Path: synth.PathRemoteStream, Stream: st}, nil
}

func (f *fakeSynth) lastStream() *scriptStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type frameLog struct {
	mu     sync.Mutex
	frames [][]float32
}

func (w *frameLog) WriteFrame(frame []float32) error {
	cp := make([]float32, len(frame))
	copy(cp, frame)
	w.mu.Lock()
	w.frames = append(w.frames, cp)
	w.mu.Unlock()
	return nil
}

func (w *frameLog) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func (w *frameLog) frame(i int) []float32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames[i]
}

type harness struct {
	t      *testing.T
	src    *capture.ChanSource
	eng    *capture.Engine
	graph  *playback.Graph
	writer *frameLog
	chat   *fakeChat
	synth  *fakeSynth
	sess   *Session

	evs []Event
}

func newHarness(t *testing.T, cfg Config, script ...recognizer.Result) *harness {
	t.Helper()
	routes := route.NewArbiter(nil)
	src := capture.NewChanSource(32)
	factory := func() recognizer.Engine {
		sc := recognizer.NewScripted(script...)
		sc.Gap = 5 * time.Millisecond
		return sc
	}
	eng := capture.NewEngine(src, factory, nil, routes)
	writer := &frameLog{}
	graph := playback.NewGraph(writer, routes, nil, 150*time.Millisecond)

	h := &harness{
		t:      t,
		src:    src,
		eng:    eng,
		graph:  graph,
		writer: writer,
		chat:   &fakeChat{reply: chat.Reply{Content: "Entropy measures disorder.", ConversationID: "conv-1"}},
		synth:  &fakeSynth{chunks: [][]byte{{0x00, 0x01, 0x02}, {0x03}}},
	}
	h.sess = NewSession(cfg, eng, h.chat, h.synth, graph, nil, nil)
	t.Cleanup(func() { h.sess.Exit() })
	return h
}

func (h *harness) drain() {
	for {
		select {
		case ev := <-h.sess.Events():
			h.evs = append(h.evs, ev)
		default:
			return
		}
	}
}

func (h *harness) waitFor(d time.Duration, cond func() bool, msg string) {
	h.t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		h.drain()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", msg)
}

func (h *harness) hasNotice(kind NoticeKind) bool {
	for _, ev := range h.evs {
		if ev.Kind == EventNotice && ev.Notice == kind {
			return true
		}
	}
	return false
}

func (h *harness) phaseTrail() []Phase {
	var out []Phase
	for _, ev := range h.evs {
		if ev.Kind == EventPhase {
			out = append(out, ev.Phase)
		}
	}
	return out
}

func loudFrame(samples int, amp int16) []byte {
	buf := make([]int16, samples)
	for i := range buf {
		if i%2 == 0 {
			buf[i] = amp
		} else {
			buf[i] = -amp
		}
	}
	return audio.Bytes(buf)
}

func finalResult(text string) recognizer.Result {
	return recognizer.Result{Text: text, Final: true, Confidence: 0.9}
}

func TestEnterStartsListening(t *testing.T) {
	h := newHarness(t, Config{}, finalResult("hello"))

	if err := h.sess.Enter(context.Background()); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := h.sess.Enter(context.Background()); !errors.Is(err, ErrActive) {
		t.Fatalf("second enter err = %v, want ErrActive", err)
	}

	snap := h.sess.Snapshot()
	if snap.Phase != PhaseListening {
		t.Fatalf("phase = %v, want listening", snap.Phase)
	}
	if !snap.IsRecording {
		t.Fatal("capture should be live after enter")
	}

	h.sess.Exit()
	if h.sess.Phase() != PhaseIdle {
		t.Fatalf("phase after exit = %v, want idle", h.sess.Phase())
	}
	if got := h.sess.Exit(); got != "" {
		t.Fatalf("second exit returned %q", got)
	}
}

func TestEmptyTranscriptNeverDispatches(t *testing.T) {
	h := newHarness(t, Config{}) // recognizer produces nothing

	if err := h.sess.Enter(context.Background()); err != nil {
		t.Fatalf("enter: %v", err)
	}

	h.sess.SendTapped()
	h.waitFor(2*time.Second, func() bool { return h.hasNotice(NoticeNoSpeech) }, "no-speech notice")

	if n := h.chat.count(); n != 0 {
		t.Fatalf("chat called %d times for an empty transcript", n)
	}
	snap := h.sess.Snapshot()
	if snap.Phase != PhaseListening {
		t.Fatalf("phase = %v, want listening", snap.Phase)
	}
	if !snap.IsRecording {
		t.Fatal("capture must stay live after a no-speech tap")
	}
	// The session never even finalized; listening was continuous.
	for _, p := range h.phaseTrail() {
		if p == PhaseFinalizing || p == PhaseSending {
			t.Fatalf("unexpected phase %v in trail %v", p, h.phaseTrail())
		}
	}
}

func TestSendFailureRestartsCapture(t *testing.T) {
	h := newHarness(t, Config{}, finalResult("hello"))
	h.chat.err = fmt.Errorf("%w: status 503: backend overloaded", chat.ErrSend)

	if err := h.sess.Enter(context.Background()); err != nil {
		t.Fatalf("enter: %v", err)
	}
	h.waitFor(2*time.Second, h.sess.HasTranscript, "transcript")

	h.sess.SendTapped()
	h.waitFor(2*time.Second, func() bool { return h.hasNotice(NoticeSendFailed) }, "send-failed notice")
	h.waitFor(2*time.Second, func() bool {
		snap := h.sess.Snapshot()
		return snap.Phase == PhaseListening && snap.IsRecording
	}, "listening with capture restarted")

	if n := h.chat.count(); n != 1 {
		t.Fatalf("chat calls = %d, want 1", n)
	}
	if text, _ := h.chat.sent(0); text != "hello" {
		t.Fatalf("dispatched text = %q", text)
	}
	if h.hasNotice(NoticeNoSpeech) {
		t.Fatal("send failure must not masquerade as a no-speech notice")
	}
}

func TestInterruptStopsSpeechImmediately(t *testing.T) {
	h := newHarness(t, Config{}, finalResult("tell me a story"))
	h.synth.hold = true // stream never completes on its own

	if err := h.sess.Enter(context.Background()); err != nil {
		t.Fatalf("enter: %v", err)
	}
	h.waitFor(2*time.Second, h.sess.HasTranscript, "transcript")

	h.sess.SendTapped()
	h.waitFor(2*time.Second, h.sess.IsSpeaking, "speaking phase")
	h.waitFor(2*time.Second, h.graph.Active, "active playback run")

	h.sess.InterruptTapped()
	h.waitFor(2*time.Second, func() bool {
		snap := h.sess.Snapshot()
		return snap.Phase == PhaseListening && snap.IsRecording && !h.graph.Active()
	}, "listening with the graph torn down")

	if st := h.synth.lastStream(); st == nil || !st.wasCancelled() {
		t.Fatal("interrupt must cancel the synthesis stream")
	}
}

func TestTriggersDebouncedNotQueued(t *testing.T) {
	h := newHarness(t, Config{}, finalResult("hello"))
	h.chat.delay = 150 * time.Millisecond

	if err := h.sess.Enter(context.Background()); err != nil {
		t.Fatalf("enter: %v", err)
	}
	h.waitFor(2*time.Second, h.sess.HasTranscript, "transcript")

	h.sess.SendTapped()
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		h.sess.SendTapped() // mid-dispatch: must be ignored
	}

	h.waitFor(3*time.Second, func() bool {
		snap := h.sess.Snapshot()
		return snap.Phase == PhaseListening && snap.IsRecording
	}, "dispatch round trip")
	time.Sleep(200 * time.Millisecond) // a queued tap would dispatch here

	if n := h.chat.count(); n != 1 {
		t.Fatalf("chat calls = %d, want 1 despite repeated taps", n)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	h := newHarness(t, Config{}, finalResult("what is entropy"))

	if err := h.sess.Enter(context.Background()); err != nil {
		t.Fatalf("enter: %v", err)
	}

	// Feed capture audio so the level meter and recognizer see frames.
	for i := 0; i < 5; i++ {
		h.src.Push(loudFrame(320, 8000))
		time.Sleep(10 * time.Millisecond)
	}
	h.waitFor(2*time.Second, func() bool { return h.sess.InputLevel() > 0.1 }, "input level")
	h.waitFor(2*time.Second, h.sess.HasTranscript, "transcript")

	h.sess.SendTapped()
	h.waitFor(3*time.Second, func() bool {
		snap := h.sess.Snapshot()
		return h.chat.count() == 1 && snap.Phase == PhaseListening && snap.IsRecording
	}, "round trip back to listening")

	if text, convID := h.chat.sent(0); text != "what is entropy" || convID != "" {
		t.Fatalf("first dispatch = (%q, %q)", text, convID)
	}

	// Two stream chunks, 3+1 bytes: exactly two samples land, padded
	// into a single paced frame. The odd byte carries across chunks.
	if n := h.writer.count(); n != 1 {
		t.Fatalf("frames written = %d, want 1", n)
	}
	frame := h.writer.frame(0)
	if len(frame) != playback.FrameSamples {
		t.Fatalf("frame length = %d", len(frame))
	}
	if frame[0] != float32(256)/32768 || frame[1] != float32(770)/32768 {
		t.Fatalf("frame head = %v, %v", frame[0], frame[1])
	}
	for i := 2; i < len(frame); i++ {
		if frame[i] != 0 {
			t.Fatalf("frame[%d] = %v, want silence padding", i, frame[i])
		}
	}

	trail := h.phaseTrail()
	want := []Phase{PhaseListening, PhaseFinalizing, PhaseSending, PhaseSpeaking, PhaseListening}
	if len(trail) < len(want) {
		t.Fatalf("phase trail = %v", trail)
	}
	for i, p := range want {
		if trail[i] != p {
			t.Fatalf("phase trail = %v, want prefix %v", trail, want)
		}
	}

	// The next round threads the conversation id from the first reply.
	h.waitFor(2*time.Second, h.sess.HasTranscript, "transcript refilled")
	h.sess.SendTapped()
	h.waitFor(3*time.Second, func() bool { return h.chat.count() == 2 }, "second dispatch")
	if _, convID := h.chat.sent(1); convID != "conv-1" {
		t.Fatalf("second dispatch conversation id = %q, want conv-1", convID)
	}
}

func TestAutoResumeDisabled(t *testing.T) {
	h := newHarness(t, Config{DisableAutoResume: true}, finalResult("hello"))

	if err := h.sess.Enter(context.Background()); err != nil {
		t.Fatalf("enter: %v", err)
	}
	h.waitFor(2*time.Second, h.sess.HasTranscript, "transcript")

	h.sess.SendTapped()
	h.waitFor(3*time.Second, func() bool { return h.sess.Phase() == PhaseListening && !h.graph.Active() }, "playback finished")

	time.Sleep(100 * time.Millisecond)
	if h.sess.IsRecording() {
		t.Fatal("capture restarted despite auto-resume being disabled")
	}
}

func TestEnterAndExitRaceCleanly(t *testing.T) {
	h := newHarness(t, Config{}, finalResult("hello"))

	// Exit landing mid-Enter must either miss (no-op) or tear the
	// session down fully; it must never hang on a half-built session.
	for i := 0; i < 25; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := h.sess.Enter(context.Background()); err != nil && !errors.Is(err, ErrActive) {
				t.Errorf("enter: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			h.sess.Exit()
		}()
		wg.Wait()
		h.sess.Exit()
		if h.sess.Phase() != PhaseIdle {
			t.Fatalf("phase = %v after cycle %d, want idle", h.sess.Phase(), i)
		}
	}
}

func TestExitHandsOffUnsentTranscript(t *testing.T) {
	h := newHarness(t, Config{}, finalResult("what is entropy"))

	if err := h.sess.Enter(context.Background()); err != nil {
		t.Fatalf("enter: %v", err)
	}
	h.waitFor(2*time.Second, h.sess.HasTranscript, "transcript")

	got := h.sess.Exit()
	if got != "what is entropy" {
		t.Fatalf("exit handed off %q", got)
	}
	snap := h.sess.Snapshot()
	if snap.Phase != PhaseIdle || snap.IsRecording || snap.IsSpeaking {
		t.Fatalf("post-exit snapshot = %+v", snap)
	}
	h.drain()
	found := false
	for _, ev := range h.evs {
		if ev.Kind == EventHandoff && ev.Text == "what is entropy" {
			found = true
		}
	}
	if !found {
		t.Fatal("handoff event not emitted")
	}
	if n := h.chat.count(); n != 0 {
		t.Fatalf("exit dispatched to chat %d times", n)
	}
}

func TestBufferedPayloadPlaysAndResumes(t *testing.T) {
	h := newHarness(t, Config{}, finalResult("hello"))
	samples := make([]int16, playback.FrameSamples*3)
	for i := range samples {
		samples[i] = int16(i % 1000)
	}
	h.synth.payload = audio.Bytes(samples)

	if err := h.sess.Enter(context.Background()); err != nil {
		t.Fatalf("enter: %v", err)
	}
	h.waitFor(2*time.Second, h.sess.HasTranscript, "transcript")

	h.sess.SendTapped()
	h.waitFor(2*time.Second, h.sess.IsSpeaking, "speaking phase")
	h.waitFor(3*time.Second, func() bool {
		snap := h.sess.Snapshot()
		return snap.Phase == PhaseListening && snap.IsRecording
	}, "auto-resume after buffered playback")

	if n := h.writer.count(); n < 3 {
		t.Fatalf("frames written = %d, want at least 3", n)
	}
}

func TestUndecodablePayloadFallsBackToLocalVoice(t *testing.T) {
	h := newHarness(t, Config{}, finalResult("hello"))
	h.chat.reply = chat.Reply{Content: "Hi."}
	h.synth.payload = []byte("OggSnot-actually-opus")

	if err := h.sess.Enter(context.Background()); err != nil {
		t.Fatalf("enter: %v", err)
	}
	h.waitFor(2*time.Second, h.sess.HasTranscript, "transcript")

	h.sess.SendTapped()
	h.waitFor(5*time.Second, func() bool {
		snap := h.sess.Snapshot()
		return h.writer.count() > 0 && snap.Phase == PhaseListening && snap.IsRecording
	}, "local voice fallback played through")
}
