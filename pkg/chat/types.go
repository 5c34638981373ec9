package chat

import (
	"time"

	"github.com/chavrusa-dev/chavrusa/pkg/api"
)

// MessageStatus tracks a message through the send protocol.
type MessageStatus string

// Message status values.
const (
	// StatusSending marks an optimistically appended user message whose
	// network send has not resolved yet.
	StatusSending MessageStatus = "sending"

	// StatusDelivered marks an acknowledged message. Assistant messages
	// are created directly in this state.
	StatusDelivered MessageStatus = "delivered"

	// StatusFailed marks an aborted or rejected user message. Failed
	// messages are eligible for retry.
	StatusFailed MessageStatus = "failed"
)

// ConnectionStatus describes the client's view of backend reachability.
type ConnectionStatus string

// Connection status values.
const (
	StatusConnected ConnectionStatus = "connected"
	StatusDegraded  ConnectionStatus = "degraded"
	StatusOffline   ConnectionStatus = "offline"
)

// Message is one turn in a session.
type Message struct {
	ID         string          `json:"id"`
	Content    string          `json:"content"`
	IsUser     bool            `json:"isUser"`
	Timestamp  time.Time       `json:"timestamp"`
	Status     MessageStatus   `json:"status"`
	References []api.Reference `json:"references,omitempty"`
}

// Session is one conversation thread.
//
// Messages is insertion-ordered and may be empty even when MessageCount is
// nonzero: the server's session list carries only a count hint, and history
// is loaded lazily on first switch.
type Session struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Rabbi        string          `json:"rabbi"`
	Messages     []Message       `json:"messages"`
	References   []api.Reference `json:"references,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastActivity time.Time       `json:"lastActivity"`
	MessageCount int             `json:"messageCount"`
}

// clone returns a deep copy so accessors never hand out aliased state.
func (s *Session) clone() *Session {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	out.References = make([]api.Reference, len(s.References))
	copy(out.References, s.References)
	return &out
}

// DefaultSessionTitle is the title of a freshly created session.
const DefaultSessionTitle = "New Chat"
