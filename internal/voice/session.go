package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rezeile/voiceloop/internal/audio"
	"github.com/rezeile/voiceloop/internal/capture"
	"github.com/rezeile/voiceloop/internal/chat"
	"github.com/rezeile/voiceloop/internal/events"
	"github.com/rezeile/voiceloop/internal/observability/logging"
	"github.com/rezeile/voiceloop/internal/observability/metrics"
	"github.com/rezeile/voiceloop/internal/playback"
	"github.com/rezeile/voiceloop/internal/synth"
)

// Collaborator boundaries, narrowed to what the session drives. The
// concrete pipeline types satisfy them; tests substitute fakes.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	Finalize() string
	Transcript() string
	Active() bool
	Updates() <-chan string
	Errs() <-chan error
	Meter() *audio.Meter
}

type Chat interface {
	SendMessage(ctx context.Context, text, conversationID string) (chat.Reply, error)
}

type Synth interface {
	Speak(ctx context.Context, req synth.Request) (synth.Speech, error)
}

type Playback interface {
	Start(stream playback.Stream) error
	PlayBuffered(ctx context.Context, payload []byte) error
	Cancel()
	Active() bool
	Events() <-chan playback.Event
}

// Config shapes one voice session. The zero value auto-resumes
// listening after playback; DisableAutoResume turns that off.
type Config struct {
	SessionID         string
	VoiceID           string
	DisableAutoResume bool
}

// Snapshot is the presentation layer's read-only view, taken
// atomically. Mirrors only; mutating behavior lives behind the
// triggers.
type Snapshot struct {
	Phase         Phase
	IsRecording   bool
	IsSpeaking    bool
	HasTranscript bool
	InputLevel    float64
}

const (
	stateIdle int32 = iota
	stateRunning
	stateExiting
)

type commandKind int

const (
	cmdSend commandKind = iota
	cmdInterrupt
)

// captureRetryWindow throttles automatic capture restarts after a
// failed recognition run, so a dead backend cannot spin the session.
const captureRetryWindow = time.Second

// Session is the conversation state machine. A single run goroutine
// owns every transition; triggers are non-blocking and debounced, never
// queued. Phase moves Listening -> Finalizing -> Sending -> Speaking
// and back, with every failure path returning to Listening.
type Session struct {
	log     zerolog.Logger
	cfg     Config
	capture Capture
	chat    Chat
	synth   Synth
	player  Playback
	pub     *events.Publisher
	metrics *metrics.Metrics

	cmds      chan commandKind
	out       chan Event
	speakDone chan error

	// lifeMu serializes Enter and Exit; state stays atomic for the
	// trigger fast path.
	lifeMu sync.Mutex
	state  int32
	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.Mutex
	snap           Snapshot
	conversationID string // written by the run goroutine only

	// Owned by the run goroutine.
	speakCancel context.CancelFunc
	speaking    speakState
	lastRetry   time.Time
	fallback    *synth.LocalVoice
}

type speakState struct {
	text       string
	start      time.Time
	triedLocal bool
}

func NewSession(cfg Config, cap Capture, chatc Chat, syn Synth, player Playback, pub *events.Publisher, m *metrics.Metrics) *Session {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if pub == nil {
		pub = events.NewPublisher(events.Config{})
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Session{
		log:       logging.WithComponent("voice").With().Str("sessionId", cfg.SessionID).Logger(),
		cfg:       cfg,
		capture:   cap,
		chat:      chatc,
		synth:     syn,
		player:    player,
		pub:       pub,
		metrics:   m,
		cmds:      make(chan commandKind, 1),
		out:       make(chan Event, 64),
		speakDone: make(chan error, 4),
		fallback:  synth.NewLocalVoice(),
	}
}

// Enter switches into voice mode: capture starts immediately and the
// run goroutine takes over. A failed start leaves the session idle so
// the caller may retry; entering twice fails with ErrActive.
func (s *Session) Enter(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if atomic.LoadInt32(&s.state) != stateIdle {
		return ErrActive
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.setPhase(PhaseListening)
	if err := s.capture.Start(s.runCtx); err != nil {
		s.cancel()
		s.setPhase(PhaseIdle)
		return fmt.Errorf("start capture: %w", err)
	}
	s.syncObservables()

	// The session counts as entered only once everything it owns is in
	// place; until then Exit is a no-op and triggers are dropped.
	atomic.StoreInt32(&s.state, stateRunning)
	go s.run()
	s.log.Info().Msg("voice mode entered")
	return nil
}

// Exit leaves voice mode. Everything in flight is cancelled, and the
// unsent transcript is finalized and returned so the caller can hand it
// to the text composer instead of discarding it.
func (s *Session) Exit() string {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !atomic.CompareAndSwapInt32(&s.state, stateRunning, stateExiting) {
		return ""
	}
	s.cancel()
	<-s.done

	text := s.capture.Finalize()
	if text != "" {
		s.emit(Event{Kind: EventHandoff, Text: text})
		s.log.Info().Int("chars", len(text)).Msg("unsent transcript handed off")
	}
	s.setPhase(PhaseIdle)
	s.syncObservables()
	s.mu.Lock()
	s.snap.InputLevel = 0
	s.mu.Unlock()
	atomic.StoreInt32(&s.state, stateIdle)
	s.log.Info().Msg("voice mode exited")
	return text
}

// SendTapped requests dispatch of the current utterance. Ignored unless
// listening; taps during a transition are dropped, never queued.
func (s *Session) SendTapped() { s.trigger(cmdSend) }

// InterruptTapped cuts off active speech and returns to listening.
func (s *Session) InterruptTapped() { s.trigger(cmdInterrupt) }

func (s *Session) trigger(kind commandKind) {
	if atomic.LoadInt32(&s.state) != stateRunning {
		return
	}
	select {
	case s.cmds <- kind:
	default:
	}
}

// Events is the presentation feed. Lossy: stale updates are dropped
// rather than queued behind fresh ones.
func (s *Session) Events() <-chan Event {
	return s.out
}

// Snapshot returns the current presentation view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Session) Phase() Phase          { return s.Snapshot().Phase }
func (s *Session) IsRecording() bool     { return s.Snapshot().IsRecording }
func (s *Session) IsSpeaking() bool      { return s.Snapshot().IsSpeaking }
func (s *Session) HasTranscript() bool   { return s.Snapshot().HasTranscript }
func (s *Session) InputLevel() float64   { return s.Snapshot().InputLevel }
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Session) run() {
	defer close(s.done)
	levels := s.capture.Meter().Levels()
	for {
		select {
		case <-s.runCtx.Done():
			s.teardown()
			return
		case kind := <-s.cmds:
			switch kind {
			case cmdSend:
				s.handleSend()
			case cmdInterrupt:
				s.handleInterrupt()
			}
		case text := <-s.capture.Updates():
			s.mu.Lock()
			s.snap.HasTranscript = text != ""
			s.mu.Unlock()
			s.emit(Event{Kind: EventTranscript, Text: text})
		case level := <-levels:
			s.mu.Lock()
			s.snap.InputLevel = level
			s.mu.Unlock()
			s.emit(Event{Kind: EventLevel, Level: level})
		case err := <-s.capture.Errs():
			s.handleCaptureError(err)
		case ev := <-s.player.Events():
			s.handlePlayerEvent(ev)
		case err := <-s.speakDone:
			s.handleSpeakDone(err)
		}
	}
}

func (s *Session) teardown() {
	if s.speakCancel != nil {
		s.speakCancel()
		s.speakCancel = nil
	}
	s.player.Cancel()
	s.capture.Stop()
	s.syncObservables()
}

// handleSend runs the full dispatch: finalize, send, speak. It holds
// the run goroutine for the duration, which is what debounces further
// triggers; the collaborators bound every blocking step with timeouts.
func (s *Session) handleSend() {
	if s.curPhase() != PhaseListening {
		s.log.Debug().Str("phase", s.curPhase().String()).Msg("send ignored mid-transition")
		return
	}

	// Nothing recognized yet: say so and keep listening. Capture keeps
	// running, so a final that lands late is kept for the next send.
	if s.capture.Transcript() == "" && s.capture.Active() {
		s.notice(NoticeNoSpeech, "no speech detected")
		return
	}

	s.setPhase(PhaseFinalizing)
	s.capture.Stop()
	text := s.capture.Finalize()
	s.syncObservables()
	if text == "" {
		s.notice(NoticeNoSpeech, "no speech detected")
		s.resumeListening()
		return
	}

	s.metrics.RecordUtterance()
	s.publishTurn("user", text)

	s.setPhase(PhaseSending)
	reply, err := s.chat.SendMessage(s.runCtx, text, s.conversationID)
	if err != nil {
		if s.runCtx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Str("kind", string(Classify(err))).Msg("send failed")
		s.notice(NoticeSendFailed, "message could not be sent")
		s.resumeListening()
		return
	}
	if reply.ConversationID != "" {
		s.setConversationID(reply.ConversationID)
	}
	s.publishTurn("assistant", reply.Content)
	s.emit(Event{Kind: EventReply, Text: reply.Content})

	s.speak(reply.Content)
}

// speak synthesizes the reply and hands it to the output graph. The
// streaming path returns immediately and completion arrives through
// player events; buffered payloads play in a helper goroutine so the
// run loop stays responsive to interrupts.
func (s *Session) speak(text string) {
	s.setPhase(PhaseSpeaking)
	s.speaking = speakState{text: text, start: time.Now()}

	sp, err := s.synth.Speak(s.runCtx, synth.Request{
		Message:        text,
		VoiceID:        s.cfg.VoiceID,
		ConversationID: s.conversationID,
	})
	if err != nil {
		if s.runCtx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Msg("synthesis failed")
		s.resumeListening()
		return
	}

	if sp.Stream != nil {
		if err := s.player.Start(sp.Stream); err != nil {
			s.log.Warn().Err(err).Str("kind", string(Classify(err))).Msg("playback start failed")
			s.resumeListening()
			return
		}
		s.syncObservables()
		return
	}
	s.playPayload(sp.Payload)
}

func (s *Session) playPayload(payload []byte) {
	ctx, cancel := context.WithCancel(s.runCtx)
	s.speakCancel = cancel
	go func() {
		err := s.player.PlayBuffered(ctx, payload)
		select {
		case s.speakDone <- err:
		default:
		}
	}()
}

// handleSpeakDone processes the outcome of a buffered playback run.
// Natural completion is driven by the player's Finished event, so only
// failures matter here; an undecodable payload gets one re-render
// through the local voice before giving up.
func (s *Session) handleSpeakDone(err error) {
	if s.speakCancel != nil {
		s.speakCancel()
		s.speakCancel = nil
	}
	if err == nil || errors.Is(err, playback.ErrCancelled) || errors.Is(err, context.Canceled) {
		return
	}
	if s.curPhase() != PhaseSpeaking {
		return
	}
	if errors.Is(err, playback.ErrDecode) && !s.speaking.triedLocal {
		s.speaking.triedLocal = true
		s.log.Warn().Err(err).Msg("payload undecodable, re-rendering with local voice")
		payload, rerr := s.fallback.Render(s.runCtx, s.speaking.text)
		if rerr != nil {
			s.resumeListening()
			return
		}
		s.metrics.RecordSynthPath(string(synth.PathLocal))
		s.playPayload(payload)
		return
	}
	s.log.Warn().Err(err).Str("kind", string(Classify(err))).Msg("buffered playback failed")
	s.resumeListening()
}

// handleInterrupt tears down speech synchronously: when it returns the
// graph is idle, the residual is dropped, and capture is live again.
func (s *Session) handleInterrupt() {
	if s.curPhase() != PhaseSpeaking {
		s.log.Debug().Str("phase", s.curPhase().String()).Msg("interrupt ignored")
		return
	}
	s.metrics.RecordInterrupt()
	if s.speakCancel != nil {
		s.speakCancel()
		s.speakCancel = nil
	}
	s.player.Cancel()
	s.resumeListening()
}

func (s *Session) handlePlayerEvent(ev playback.Event) {
	switch ev {
	case playback.EventFirstAudio:
		if s.curPhase() == PhaseSpeaking && !s.speaking.start.IsZero() {
			s.metrics.ObserveFirstAudio(time.Since(s.speaking.start))
		}
		s.syncObservables()
	case playback.EventFinished:
		if s.curPhase() != PhaseSpeaking {
			return
		}
		if !s.speaking.start.IsZero() {
			s.metrics.ObservePlayback(time.Since(s.speaking.start))
		}
		if s.cfg.DisableAutoResume {
			s.setPhase(PhaseListening)
			s.syncObservables()
			return
		}
		s.resumeListening()
	}
}

// handleCaptureError reacts to a failed capture run; the engine has
// already stopped itself by the time the error is readable. While
// listening the session restarts capture, throttled so a dead
// recognition backend cannot spin it.
func (s *Session) handleCaptureError(err error) {
	s.log.Warn().Err(err).Str("kind", string(KindRecognitionFailure)).Msg("capture run failed")
	s.syncObservables()
	if s.curPhase() != PhaseListening {
		return
	}
	if time.Since(s.lastRetry) < captureRetryWindow {
		return
	}
	s.lastRetry = time.Now()
	s.resumeListening()
}

// resumeListening re-enters Listening and restarts capture. A failed
// restart leaves the session listening without a live microphone; the
// next trigger retries through the no-speech path.
func (s *Session) resumeListening() {
	s.setPhase(PhaseListening)
	if s.runCtx.Err() != nil {
		return
	}
	if err := s.capture.Start(s.runCtx); err != nil && !errors.Is(err, capture.ErrCaptureActive) {
		s.log.Warn().Err(err).Str("kind", string(Classify(err))).Msg("capture restart failed")
	}
	s.syncObservables()
}

func (s *Session) curPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	if s.snap.Phase == p {
		s.mu.Unlock()
		return
	}
	s.snap.Phase = p
	s.snap.IsSpeaking = p == PhaseSpeaking
	s.mu.Unlock()

	s.metrics.RecordPhase(p.String())
	s.emit(Event{Kind: EventPhase, Phase: p})
	s.log.Debug().Str("phase", p.String()).Msg("phase change")
}

func (s *Session) setConversationID(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

func (s *Session) syncObservables() {
	active := s.capture.Active()
	hasText := s.capture.Transcript() != ""
	s.mu.Lock()
	s.snap.IsRecording = active
	s.snap.HasTranscript = hasText
	s.mu.Unlock()
}

func (s *Session) notice(kind NoticeKind, msg string) {
	s.metrics.RecordNotice(string(kind))
	s.emit(Event{Kind: EventNotice, Notice: kind, Text: msg})
	s.log.Info().Str("notice", string(kind)).Msg(msg)
}

func (s *Session) publishTurn(role, text string) {
	s.pub.PublishTurn(s.runCtx, events.Turn{
		SessionID:      s.cfg.SessionID,
		ConversationID: s.conversationID,
		Role:           role,
		Text:           text,
		At:             time.Now().UTC(),
	})
}

func (s *Session) emit(ev Event) {
	select {
	case s.out <- ev:
	default:
	}
}
