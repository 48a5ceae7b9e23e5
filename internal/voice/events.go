package voice

// EventKind discriminates presentation events.
type EventKind string

const (
	EventPhase      EventKind = "phase"
	EventLevel      EventKind = "level"
	EventTranscript EventKind = "transcript"
	EventReply      EventKind = "reply"
	EventNotice     EventKind = "notice"
	EventHandoff    EventKind = "handoff"
)

// NoticeKind names the transient banners the UI may show. No-speech and
// send failures stay distinct kinds so their copy and styling can
// differ.
type NoticeKind string

const (
	NoticeNoSpeech   NoticeKind = "no_speech"
	NoticeSendFailed NoticeKind = "send_failed"
)

// Event is one presentation update. Only the fields relevant to Kind
// are set; an absent phase means idle.
type Event struct {
	Kind   EventKind  `json:"kind"`
	Phase  Phase      `json:"phase,omitempty"`
	Level  float64    `json:"level,omitempty"`
	Text   string     `json:"text,omitempty"`
	Notice NoticeKind `json:"notice,omitempty"`
}
