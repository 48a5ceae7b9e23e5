// Package voice owns the conversation state machine: listening,
// finalizing, sending, speaking, and the transitions between them. One
// run goroutine serializes every transition; the presentation layer
// reads atomic snapshots and a lossy event feed.
package voice

// Phase is the session's resting state. Failures are overlays reported
// through notices and never a phase of their own; every failure path
// lands back in Listening.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseFinalizing
	PhaseSending
	PhaseSpeaking
)

func (p Phase) String() string {
	switch p {
	case PhaseListening:
		return "listening"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseSending:
		return "sending"
	case PhaseSpeaking:
		return "speaking"
	default:
		return "idle"
	}
}

// MarshalText renders the phase name in serialized events.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "listening":
		*p = PhaseListening
	case "finalizing":
		*p = PhaseFinalizing
	case "sending":
		*p = PhaseSending
	case "speaking":
		*p = PhaseSpeaking
	default:
		*p = PhaseIdle
	}
	return nil
}
