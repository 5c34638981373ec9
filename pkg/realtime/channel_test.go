package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chavrusa-dev/chavrusa/pkg/api"
)

// recordingHandler collects every dispatched event.
type recordingHandler struct {
	mu       sync.Mutex
	messages []MessageEvent
	typing   []TypingEvent
	statuses []StatusEvent
	refs     []ReferenceEvent
}

func (h *recordingHandler) HandleIncomingMessage(ev MessageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, ev)
}

func (h *recordingHandler) HandleTypingStarted(ev TypingEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.typing = append(h.typing, ev)
}

func (h *recordingHandler) HandleTypingStopped(ev TypingEvent)        {}
func (h *recordingHandler) HandleSessionUpdate(ev SessionUpdateEvent) {}
func (h *recordingHandler) HandlePresence(bool, PresenceEvent)        {}

func (h *recordingHandler) HandleStatusUpdate(ev StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, ev)
}

func (h *recordingHandler) HandleReferenceFound(ev ReferenceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs = append(h.refs, ev)
}

// testServer is a websocket endpoint that records inbound frames and can
// push frames to the client.
type testServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []frame
	gotAuth  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.gotAuth = r.Header.Get("Authorization")
		ts.mu.Unlock()

		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.mu.Unlock()

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			ts.mu.Lock()
			ts.received = append(ts.received, f)
			ts.mu.Unlock()
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts.mu.Lock()
		conn := ts.conn
		ts.mu.Unlock()
		if conn != nil {
			if err := conn.WriteJSON(frame{Type: eventType, Data: data}); err != nil {
				t.Fatalf("push failed: %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no client connected")
}

func (ts *testServer) waitForFrames(t *testing.T, n int) []frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts.mu.Lock()
		if len(ts.received) >= n {
			out := make([]frame, len(ts.received))
			copy(out, ts.received)
			ts.mu.Unlock()
			return out
		}
		ts.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t.Fatalf("expected %d frames, got %d", n, len(ts.received))
	return nil
}

type bearerHeaders struct{ token string }

func (b bearerHeaders) AuthHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + b.token}
}

func TestJoinAndLeaveSession(t *testing.T) {
	ts := newTestServer(t)
	ch := NewChannel(ts.url(), nil, &recordingHandler{})
	defer func() { _ = ch.Close() }()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := ch.JoinSession("s1"); err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}
	if err := ch.LeaveSession("s1"); err != nil {
		t.Fatalf("LeaveSession failed: %v", err)
	}

	frames := ts.waitForFrames(t, 2)
	if frames[0].Type != EventJoinSession {
		t.Errorf("expected %s first, got %s", EventJoinSession, frames[0].Type)
	}
	if frames[1].Type != EventLeaveSession {
		t.Errorf("expected %s second, got %s", EventLeaveSession, frames[1].Type)
	}

	var payload map[string]string
	if err := json.Unmarshal(frames[0].Data, &payload); err != nil {
		t.Fatalf("bad join payload: %v", err)
	}
	if payload["sessionId"] != "s1" {
		t.Errorf("expected sessionId s1, got %q", payload["sessionId"])
	}
}

func TestHandshakeCarriesAuthHeaders(t *testing.T) {
	ts := newTestServer(t)
	ch := NewChannel(ts.url(), bearerHeaders{token: "tok-9"}, &recordingHandler{})
	defer func() { _ = ch.Close() }()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ts.mu.Lock()
	got := ts.gotAuth
	ts.mu.Unlock()
	if got != "Bearer tok-9" {
		t.Errorf("expected bearer header on handshake, got %q", got)
	}
}

func TestInboundDispatch(t *testing.T) {
	ts := newTestServer(t)
	h := &recordingHandler{}
	ch := NewChannel(ts.url(), nil, h)
	defer func() { _ = ch.Close() }()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ts.push(t, EventMessageReceived, MessageEvent{
		SessionID: "s1",
		MessageID: "m1",
		Content:   "shalom",
	})
	ts.push(t, EventReferenceFound, ReferenceEvent{
		SessionID: "s1",
		Reference: api.Reference{Reference: "Pirkei Avot 1:6", URL: "https://example.org"},
	})
	ts.push(t, EventMessageStatusUpdate, StatusEvent{
		SessionID: "s1",
		MessageID: "m1",
		Status:    "delivered",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		done := len(h.messages) == 1 && len(h.refs) == 1 && len(h.statuses) == 1
		h.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) != 1 || h.messages[0].Content != "shalom" {
		t.Errorf("unexpected messages: %+v", h.messages)
	}
	if len(h.refs) != 1 || h.refs[0].Reference.Reference != "Pirkei Avot 1:6" {
		t.Errorf("unexpected references: %+v", h.refs)
	}
	if len(h.statuses) != 1 || h.statuses[0].Status != "delivered" {
		t.Errorf("unexpected statuses: %+v", h.statuses)
	}
}

func TestTypingIsRateLimited(t *testing.T) {
	ts := newTestServer(t)
	ch := NewChannel(ts.url(), nil, &recordingHandler{})
	defer func() { _ = ch.Close() }()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := ch.TypingStart("s1", "u1"); err != nil {
			t.Fatalf("TypingStart failed: %v", err)
		}
	}
	if err := ch.TypingStop("s1", "u1"); err != nil {
		t.Fatalf("TypingStop failed: %v", err)
	}

	frames := ts.waitForFrames(t, 2)
	starts := 0
	for _, f := range frames {
		if f.Type == EventTypingStart {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("expected exactly 1 typing-start after burst, got %d", starts)
	}
}

func TestEmitBeforeConnect(t *testing.T) {
	ch := NewChannel("ws://127.0.0.1:0", nil, &recordingHandler{})
	if err := ch.JoinSession("s1"); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ch := NewChannel(ts.url(), nil, &recordingHandler{})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if ch.Connected() {
		t.Error("expected disconnected after Close")
	}
}
