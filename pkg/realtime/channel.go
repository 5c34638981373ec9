// Package realtime maintains the websocket channel to the chat server. It
// sends session join/leave and typing intents, and dispatches server pushes
// (messages, typing indicators, status updates, references) to a Handler.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chavrusa-dev/chavrusa/pkg/observability"
)

const (
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before dropping the connection.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames.
	maxMessageSize = 512 * 1024

	// sendBuffer is the outbound queue depth. When full, frames are dropped
	// rather than blocking the caller.
	sendBuffer = 64
)

// ErrNotConnected indicates an outbound event was attempted before Connect.
var ErrNotConnected = errors.New("realtime channel not connected")

// frame is the wire envelope for every event in both directions.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HeaderSource supplies authentication headers for the websocket handshake.
type HeaderSource interface {
	AuthHeaders() map[string]string
}

// Channel is a client websocket connection with typed event dispatch.
//
// Connect failures are non-fatal to the rest of the client: the chat store
// works degraded without a channel. Typing notifications are rate limited so
// a fast typist does not flood the server.
type Channel struct {
	url     string
	headers HeaderSource
	handler Handler

	typingLimit *rate.Limiter

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan frame
	done      chan struct{}
	connected bool
	closed    bool
}

// NewChannel creates a channel targeting url. handler receives inbound
// events once Connect succeeds. headers may be nil.
func NewChannel(url string, headers HeaderSource, handler Handler) *Channel {
	return &Channel{
		url:         url,
		headers:     headers,
		handler:     handler,
		typingLimit: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Connect dials the server and starts the read and write pumps.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("realtime channel is closed")
	}
	if c.connected {
		return nil
	}

	header := http.Header{}
	if c.headers != nil {
		for k, v := range c.headers.AuthHeaders() {
			header.Set(k, v)
		}
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return fmt.Errorf("websocket dial %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial %s: %w", c.url, err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}

	c.conn = conn
	c.send = make(chan frame, sendBuffer)
	c.done = make(chan struct{})
	c.connected = true

	go c.readPump(conn)
	go c.writePump(conn, c.send, c.done)

	return nil
}

// SetHandler installs the inbound event handler. Call before Connect.
func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connected reports whether the channel currently holds a live connection.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// JoinSession tells the server to route events for sessionID to this client.
func (c *Channel) JoinSession(sessionID string) error {
	return c.emit(EventJoinSession, map[string]string{"sessionId": sessionID})
}

// LeaveSession stops event routing for sessionID.
func (c *Channel) LeaveSession(sessionID string) error {
	return c.emit(EventLeaveSession, map[string]string{"sessionId": sessionID})
}

// TypingStart signals the user began typing in sessionID. Rate limited;
// suppressed signals are not an error.
func (c *Channel) TypingStart(sessionID, user string) error {
	if !c.typingLimit.Allow() {
		return nil
	}
	return c.emit(EventTypingStart, TypingEvent{SessionID: sessionID, User: user})
}

// TypingStop signals the user stopped typing in sessionID.
func (c *Channel) TypingStop(sessionID, user string) error {
	return c.emit(EventTypingStop, TypingEvent{SessionID: sessionID, User: user})
}

// UpdateMessageStatus reports a local delivery-status change to the server.
func (c *Channel) UpdateMessageStatus(sessionID, messageID, status string) error {
	return c.emit(EventMessageStatus, StatusEvent{
		SessionID: sessionID,
		MessageID: messageID,
		Status:    status,
	})
}

// Close shuts the connection down. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err := c.conn.Close()
		c.conn = nil
		c.connected = false
		return err
	}
	return nil
}

// emit queues an outbound frame. Frames are dropped if the write queue is
// full; the server-side session state tolerates missed intents.
func (c *Channel) emit(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	c.mu.Lock()
	send, connected := c.send, c.connected
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	select {
	case send <- frame{Type: eventType, Data: data}:
		observability.RecordRealtimeEvent(eventType, "out")
		return nil
	default:
		log.Printf("realtime: dropping %s, send queue full", eventType)
		return nil
	}
}

// readPump reads frames and dispatches them until the connection dies.
func (c *Channel) readPump(conn *websocket.Conn) {
	defer c.teardown()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("realtime: read error: %v", err)
			}
			return
		}
		c.dispatch(f)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Channel) writePump(conn *websocket.Conn, send <-chan frame, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				log.Printf("realtime: write error: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// dispatch decodes one inbound frame and hands it to the handler. Unknown
// event types are logged and dropped.
func (c *Channel) dispatch(f frame) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}
	observability.RecordRealtimeEvent(f.Type, "in")

	decode := func(out any) bool {
		if err := json.Unmarshal(f.Data, out); err != nil {
			log.Printf("realtime: bad %s payload: %v", f.Type, err)
			return false
		}
		return true
	}

	switch f.Type {
	case EventMessageReceived:
		var ev MessageEvent
		if decode(&ev) {
			handler.HandleIncomingMessage(ev)
		}
	case EventTypingStarted:
		var ev TypingEvent
		if decode(&ev) {
			handler.HandleTypingStarted(ev)
		}
	case EventTypingStopped:
		var ev TypingEvent
		if decode(&ev) {
			handler.HandleTypingStopped(ev)
		}
	case EventMessageStatusUpdate:
		var ev StatusEvent
		if decode(&ev) {
			handler.HandleStatusUpdate(ev)
		}
	case EventReferenceFound:
		var ev ReferenceEvent
		if decode(&ev) {
			handler.HandleReferenceFound(ev)
		}
	case EventSessionUpdate:
		var ev SessionUpdateEvent
		if decode(&ev) {
			handler.HandleSessionUpdate(ev)
		}
	case EventUserJoined:
		var ev PresenceEvent
		if decode(&ev) {
			handler.HandlePresence(true, ev)
		}
	case EventUserLeft:
		var ev PresenceEvent
		if decode(&ev) {
			handler.HandlePresence(false, ev)
		}
	default:
		log.Printf("realtime: unknown event type %q", f.Type)
	}
}

// teardown marks the channel disconnected after the read pump exits.
func (c *Channel) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connected = false
}
