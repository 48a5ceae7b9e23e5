package recognizer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestScriptedReplaysThenSettles(t *testing.T) {
	eng := NewScripted(
		Result{Text: "hello"},
		Result{Text: "hello there", Final: true, Confidence: 0.9},
	)
	eng.Gap = time.Millisecond
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Close()

	if err := eng.Send(make([]byte, 320)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if eng.SentBytes() != 320 {
		t.Fatalf("sent bytes = %d, want 320", eng.SentBytes())
	}

	first := <-eng.Results()
	if first.Text != "hello" || first.Final {
		t.Fatalf("first result = %+v", first)
	}
	second := <-eng.Results()
	if second.Text != "hello there" || !second.Final {
		t.Fatalf("second result = %+v", second)
	}

	// The session stays open until end-of-audio.
	select {
	case r, ok := <-eng.Results():
		if ok {
			t.Fatalf("unexpected result %+v", r)
		}
		t.Fatal("results closed before end of audio")
	case <-time.After(30 * time.Millisecond):
	}

	eng.EndAudio()
	if _, ok := <-eng.Results(); ok {
		t.Fatal("results still open after end of audio")
	}
	if err := eng.Err(); err != nil {
		t.Fatalf("terminal err = %v, want nil", err)
	}
}

func TestScriptedFailsAfterScript(t *testing.T) {
	boom := errors.New("engine died")
	eng := NewScripted(Result{Text: "partial"})
	eng.Gap = time.Millisecond
	eng.Fail = boom
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Close()

	var got []Result
	for r := range eng.Results() {
		got = append(got, r)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if !errors.Is(eng.Err(), boom) {
		t.Fatalf("terminal err = %v, want %v", eng.Err(), boom)
	}
}
