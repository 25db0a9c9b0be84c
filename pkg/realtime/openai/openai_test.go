package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/realtime"
	"github.com/voxgate/voxgate/pkg/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// nextEvent receives one event or fails the test.
func nextEvent(t *testing.T, events <-chan realtime.Event) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return realtime.Event{}
	}
}

// ── Connect / configuration ───────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type update struct {
		Type    string `json:"type"`
		Session struct {
			Voice             string `json:"voice"`
			Instructions      string `json:"instructions"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			TurnDetection     *struct {
				Type      string  `json:"type"`
				Threshold float64 `json:"threshold"`
				SilenceMs int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
			Tools []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"session"`
	}

	got := make(chan update, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret-key" {
			t.Errorf("Authorization header: got %q", auth)
		}
		var u update
		readJSON(t, conn, &u)
		got <- u
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("secret-key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{
		Voice:        "sage",
		Instructions: "You are a friendly support agent.",
		TurnDetection: &realtime.TurnDetection{
			Threshold: 0.6,
			SilenceMs: 700,
		},
		Tools: []realtime.ToolDefinition{{Name: "lookup_order"}},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case u := <-got:
		if u.Type != "session.update" {
			t.Errorf("message type: got %q", u.Type)
		}
		if u.Session.Voice != "sage" {
			t.Errorf("voice: got %q", u.Session.Voice)
		}
		if u.Session.Instructions != "You are a friendly support agent." {
			t.Errorf("instructions: got %q", u.Session.Instructions)
		}
		if u.Session.InputAudioFormat != "pcm16" || u.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("audio formats: got %q/%q", u.Session.InputAudioFormat, u.Session.OutputAudioFormat)
		}
		if td := u.Session.TurnDetection; td == nil || td.Type != "server_vad" || td.SilenceMs != 700 {
			t.Errorf("turn detection: got %+v", td)
		}
		if len(u.Session.Tools) != 1 || u.Session.Tools[0].Name != "lookup_order" || u.Session.Tools[0].Type != "function" {
			t.Errorf("tools: got %+v", u.Session.Tools)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received session.update")
	}
}

func TestConnect_HandshakeFailureIsConnectError(t *testing.T) {
	t.Parallel()

	p := openai.New("key", openai.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Connect(ctx, realtime.SessionConfig{})
	var ce *realtime.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *realtime.ConnectError, got %v", err)
	}
}

func TestWithModel_AppearsInURL(t *testing.T) {
	t.Parallel()

	modelInURL := make(chan string, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		modelInURL <- r.URL.Query().Get("model")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithModel("gpt-4o-mini-realtime"), openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case m := <-modelInURL:
		if m != "gpt-4o-mini-realtime" {
			t.Errorf("model: got %q", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the dial")
	}
}

// ── Audio append / cancel ─────────────────────────────────────────────────────

func TestSendAudio_AppendsBase64PCM(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	got := make(chan appendMsg, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update
		var a appendMsg
		readJSON(t, conn, &a)
		got <- a
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	if err := handle.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case a := <-got:
		if a.Type != "input_audio_buffer.append" {
			t.Errorf("type: got %q", a.Type)
		}
		decoded, err := base64.StdEncoding.DecodeString(a.Audio)
		if err != nil || string(decoded) != string(chunk) {
			t.Errorf("audio payload: got %q (%v)", a.Audio, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received audio append")
	}
}

func TestCancelResponse_SendsCancelAndIsIdempotent(t *testing.T) {
	t.Parallel()

	cancels := make(chan string, 4)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update
		for range 2 {
			var msg map[string]string
			readJSON(t, conn, &msg)
			cancels <- msg["type"]
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	// No response is in flight; both calls must succeed.
	if err := handle.CancelResponse(); err != nil {
		t.Fatalf("first CancelResponse: %v", err)
	}
	if err := handle.CancelResponse(); err != nil {
		t.Fatalf("second CancelResponse: %v", err)
	}

	for i := range 2 {
		select {
		case typ := <-cancels:
			if typ != "response.cancel" {
				t.Errorf("cancel %d: got type %q", i, typ)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("server never received response.cancel")
		}
	}
}

func TestCancelResponse_AfterCloseIsNoOp(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.CancelResponse(); err != nil {
		t.Fatalf("CancelResponse after Close: %v", err)
	}
}

// ── Event mapping ─────────────────────────────────────────────────────────────

func TestEvents_MapsServerEventUnion(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update

		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped"})
		writeJSON(t, conn, map[string]any{
			"type":        "response.audio.delta",
			"response_id": "resp_1",
			"delta":       base64.StdEncoding.EncodeToString(pcm),
		})
		writeJSON(t, conn, map[string]any{
			"type":     "response.done",
			"response": map[string]any{"id": "resp_1"},
		})
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad frame"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	events := handle.Events()

	if ev := nextEvent(t, events); ev.Type != realtime.SessionReady {
		t.Fatalf("event 1: got %v, want SessionReady", ev.Type)
	}
	if ev := nextEvent(t, events); ev.Type != realtime.SpeechStarted {
		t.Fatalf("event 2: got %v, want SpeechStarted", ev.Type)
	}
	if ev := nextEvent(t, events); ev.Type != realtime.SpeechStopped {
		t.Fatalf("event 3: got %v, want SpeechStopped", ev.Type)
	}

	ev := nextEvent(t, events)
	if ev.Type != realtime.AudioDelta {
		t.Fatalf("event 4: got %v, want AudioDelta", ev.Type)
	}
	if string(ev.Audio) != string(pcm) {
		t.Errorf("delta audio: got %v, want %v", ev.Audio, pcm)
	}
	if ev.ResponseID != "resp_1" {
		t.Errorf("delta response id: got %q", ev.ResponseID)
	}

	ev = nextEvent(t, events)
	if ev.Type != realtime.ResponseDone || ev.ResponseID != "resp_1" {
		t.Fatalf("event 5: got %v/%q, want ResponseDone/resp_1", ev.Type, ev.ResponseID)
	}

	ev = nextEvent(t, events)
	if ev.Type != realtime.ErrorEvent || ev.Err == nil {
		t.Fatalf("event 6: got %v, want ErrorEvent with error", ev.Type)
	}
	if !strings.Contains(ev.Err.Error(), "bad frame") {
		t.Errorf("error message: got %v", ev.Err)
	}
}

func TestEvents_PeerDropEmitsDisconnectedThenCloses(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.CloseNow()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	ev := nextEvent(t, handle.Events())
	if ev.Type != realtime.Disconnected || ev.Err == nil {
		t.Fatalf("got %v, want Disconnected with error", ev.Type)
	}

	select {
	case _, open := <-handle.Events():
		if open {
			t.Fatal("expected event channel to close after Disconnected")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event channel did not close")
	}
}

func TestClose_IsIdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case _, open := <-handle.Events():
		if open {
			t.Fatal("expected closed event channel after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event channel did not close after Close")
	}

	if err := handle.SendAudio([]byte{1, 2}); err == nil {
		t.Fatal("SendAudio after Close must fail")
	}
}
