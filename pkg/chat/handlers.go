package chat

import (
	"fmt"
	"log"
	"time"

	"github.com/chavrusa-dev/chavrusa/pkg/realtime"
)

// Realtime event handlers. The store implements realtime.Handler so pushed
// events mutate the same state as the request/response path.
//
// Every event carries a session id and is filtered against the session map:
// events for unknown sessions are dropped, events for a known non-current
// session mutate that session only. The current session is never assumed to
// be the target.

// HandleIncomingMessage appends a pushed message to its session.
func (s *Store) HandleIncomingMessage(ev realtime.MessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[ev.SessionID]
	if !ok {
		log.Printf("chat: dropping pushed message for unknown session %s", ev.SessionID)
		return
	}
	for _, m := range sess.Messages {
		if m.ID == ev.MessageID {
			return
		}
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.appendAssistantLocked(sess, Message{
		ID:         ev.MessageID,
		Content:    ev.Content,
		IsUser:     ev.IsUser,
		Timestamp:  ts,
		Status:     StatusDelivered,
		References: ev.References,
	})
	if ev.SessionID == s.currentID {
		s.isTyping = false
	}
	s.dirty = true
}

// HandleTypingStarted sets the typing indicator when the event targets the
// current session.
func (s *Store) HandleTypingStarted(ev realtime.TypingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[ev.SessionID]; !ok {
		return
	}
	if ev.SessionID == s.currentID {
		s.isTyping = true
	}
}

// HandleTypingStopped clears the typing indicator for the current session.
func (s *Store) HandleTypingStopped(ev realtime.TypingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.SessionID == s.currentID {
		s.isTyping = false
	}
}

// HandleStatusUpdate updates one message's delivery status in place.
func (s *Store) HandleStatusUpdate(ev realtime.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[ev.SessionID]
	if !ok {
		return
	}
	s.setMessageStatusLocked(sess, ev.MessageID, MessageStatus(ev.Status))
	s.dirty = true
}

// HandleReferenceFound appends a discovered citation to its session's
// aggregate list and surfaces a transient notice.
func (s *Store) HandleReferenceFound(ev realtime.ReferenceEvent) {
	s.mu.Lock()
	sess, ok := s.sessions[ev.SessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.References = append(sess.References, ev.Reference)
	s.dirty = true
	s.mu.Unlock()

	s.notify(fmt.Sprintf("New reference found: %s", ev.Reference.Reference))
}

// HandleSessionUpdate refreshes session metadata from the server. Unknown
// sessions are inserted as metadata-only entries; their history loads
// lazily on first switch.
func (s *Store) HandleSessionUpdate(ev realtime.SessionUpdateEvent) {
	sum := ev.Session
	if sum.ID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sum.ID]
	if !ok {
		s.insertLocked(&Session{
			ID:           sum.ID,
			Title:        sum.Title,
			Rabbi:        sum.Rabbi,
			CreatedAt:    sum.CreatedAt,
			LastActivity: sum.LastActivity,
			MessageCount: sum.MessageCount,
		})
		s.dirty = true
		return
	}

	if sum.Title != "" {
		sess.Title = sum.Title
	}
	sess.MessageCount = sum.MessageCount
	if sum.LastActivity.After(sess.LastActivity) {
		sess.LastActivity = sum.LastActivity
	}
	s.dirty = true
}

// HandlePresence surfaces join/leave notices for the current session.
func (s *Store) HandlePresence(joined bool, ev realtime.PresenceEvent) {
	s.mu.Lock()
	current := ev.SessionID == s.currentID
	s.mu.Unlock()
	if !current || ev.User == "" {
		return
	}
	if joined {
		s.notify(fmt.Sprintf("%s joined the session.", ev.User))
	} else {
		s.notify(fmt.Sprintf("%s left the session.", ev.User))
	}
}
