package realtime

import (
	"time"

	"github.com/chavrusa-dev/chavrusa/pkg/api"
)

// Event type names on the wire.
const (
	EventJoinSession   = "join-session"
	EventLeaveSession  = "leave-session"
	EventTypingStart   = "typing-start"
	EventTypingStop    = "typing-stop"
	EventMessageStatus = "message-status"

	EventMessageReceived     = "message-received"
	EventTypingStarted       = "typing-started"
	EventTypingStopped       = "typing-stopped"
	EventMessageStatusUpdate = "message-status-update"
	EventReferenceFound      = "reference-found"
	EventSessionUpdate       = "session-update"
	EventUserJoined          = "user-joined"
	EventUserLeft            = "user-left"
)

// MessageEvent is a server-pushed assistant or peer message.
type MessageEvent struct {
	SessionID  string          `json:"sessionId"`
	MessageID  string          `json:"messageId"`
	Content    string          `json:"content"`
	IsUser     bool            `json:"isUser"`
	Timestamp  time.Time       `json:"timestamp"`
	References []api.Reference `json:"references,omitempty"`
}

// TypingEvent signals a typing indicator change in a session.
type TypingEvent struct {
	SessionID string `json:"sessionId"`
	User      string `json:"user,omitempty"`
}

// StatusEvent reports a delivery-status change for one message.
type StatusEvent struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// ReferenceEvent carries a citation discovered for a session.
type ReferenceEvent struct {
	SessionID string        `json:"sessionId"`
	Reference api.Reference `json:"reference"`
}

// SessionUpdateEvent carries refreshed session metadata.
type SessionUpdateEvent struct {
	Session api.SessionSummary `json:"session"`
}

// PresenceEvent reports a user joining or leaving a session.
type PresenceEvent struct {
	SessionID string `json:"sessionId"`
	User      string `json:"user"`
}

// Handler receives inbound events. Implementations must not block; they are
// invoked from the channel's read loop.
type Handler interface {
	HandleIncomingMessage(ev MessageEvent)
	HandleTypingStarted(ev TypingEvent)
	HandleTypingStopped(ev TypingEvent)
	HandleStatusUpdate(ev StatusEvent)
	HandleReferenceFound(ev ReferenceEvent)
	HandleSessionUpdate(ev SessionUpdateEvent)
	HandlePresence(joined bool, ev PresenceEvent)
}
