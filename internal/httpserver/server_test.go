package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rezeile/voiceloop/internal/audio"
	"github.com/rezeile/voiceloop/internal/config"
	"github.com/rezeile/voiceloop/internal/voice"
)

func TestHealthz(t *testing.T) {
	srv := New(config.Config{})
	defer srv.Close()

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	srv := New(config.Config{})
	defer srv.Close()

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "voiceloop_") {
		t.Fatal("metrics exposition missing pipeline collectors")
	}
}

func TestAuthOK(t *testing.T) {
	if !authOK(nil, "") {
		t.Fatal("expected true when no token is configured")
	}

	r := httptest.NewRequest(http.MethodGet, "/?token=secret", nil)
	if !authOK(r, "secret") {
		t.Fatal("expected true with query token")
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !authOK(r2, "tok") {
		t.Fatal("expected true with X-Auth-Token")
	}

	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	if !authOK(r3, "abc") {
		t.Fatal("expected true with lowercase bearer prefix")
	}

	r4 := httptest.NewRequest(http.MethodGet, "/?token=wrong", nil)
	if authOK(r4, "secret") {
		t.Fatal("expected false with wrong query token")
	}
	r5 := httptest.NewRequest(http.MethodGet, "/", nil)
	r5.Header.Set("Authorization", "Bearer nope")
	if authOK(r5, "secret") {
		t.Fatal("expected false with wrong bearer token")
	}
}

func TestVoiceRejectsBadToken(t *testing.T) {
	srv := New(config.Config{AuthToken: "secret"})
	defer srv.Close()

	r := httptest.NewRequest(http.MethodGet, "/voice", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestVoiceWebSocketSession(t *testing.T) {
	srv := New(config.Config{})
	defer srv.Close()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/voice"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	command := func(typ string) {
		t.Helper()
		if err := conn.WriteJSON(clientCommand{Type: typ}); err != nil {
			t.Fatalf("write %s: %v", typ, err)
		}
	}
	expect := func(what string, match func(voice.Event) bool) {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("waiting for %s: %v", what, err)
			}
			if mt != websocket.TextMessage {
				continue
			}
			var ev voice.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if match(ev) {
				return
			}
		}
	}

	command("enter")
	expect("listening phase", func(ev voice.Event) bool {
		return ev.Kind == voice.EventPhase && ev.Phase == voice.PhaseListening
	})

	// Binary PCM in: the level meter should publish back out.
	frame := make([]int16, 320)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = 8000
		} else {
			frame[i] = -8000
		}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, audio.Bytes(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	expect("input level", func(ev voice.Event) bool {
		return ev.Kind == voice.EventLevel && ev.Level > 0.1
	})

	// No recognition configured, so a send tap yields a no-speech
	// notice and the session keeps listening.
	command("send")
	expect("no-speech notice", func(ev voice.Event) bool {
		return ev.Kind == voice.EventNotice && ev.Notice == voice.NoticeNoSpeech
	})

	command("exit")
	expect("idle phase", func(ev voice.Event) bool {
		return ev.Kind == voice.EventPhase && ev.Phase == voice.PhaseIdle
	})
}
