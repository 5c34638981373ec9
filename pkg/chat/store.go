// Package chat implements the session store: multi-session chat state,
// the optimistic send protocol with abort/retry/offline fallback, realtime
// event integration, and startup ordering against auth and persistence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/chavrusa-dev/chavrusa/pkg/api"
	"github.com/chavrusa-dev/chavrusa/pkg/observability"
	"github.com/chavrusa-dev/chavrusa/pkg/persist"
	"github.com/chavrusa-dev/chavrusa/pkg/realtime"
)

// Error variables for send preconditions. Everything past the precondition
// check is absorbed by the protocol itself and surfaced as notices.
var (
	// ErrNoRabbiSelected indicates a send without a selected persona.
	ErrNoRabbiSelected = errors.New("no rabbi selected")

	// ErrEmptyMessage indicates a send with no content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMessageNotRetryable indicates a retry of a message that is not a
	// failed user message in the current session.
	ErrMessageNotRetryable = errors.New("message is not retryable")
)

// defaultAuthWait bounds how long Initialize waits for the auth subsystem
// to finish restoring credentials before proceeding without it.
const defaultAuthWait = 5 * time.Second

// API is the slice of the remote chat API the store depends on.
type API interface {
	Rabbis(ctx context.Context) ([]api.Rabbi, error)
	CreateSession(ctx context.Context) (string, error)
	Sessions(ctx context.Context) ([]api.SessionSummary, error)
	History(ctx context.Context, sessionID string) (*api.History, error)
	SendMessage(ctx context.Context, req api.SendRequest) (*api.SendResult, error)
}

// Identity is the read-only capability surface of the auth subsystem.
type Identity interface {
	Start(ctx context.Context) error
	Ready() <-chan struct{}
	IsAuthenticated() bool
	UserContext() *api.UserContext
}

// Channel is the outbound side of the realtime connection.
type Channel interface {
	Connect(ctx context.Context) error
	JoinSession(sessionID string) error
	LeaveSession(sessionID string) error
	TypingStart(sessionID, user string) error
	TypingStop(sessionID, user string) error
	UpdateMessageStatus(sessionID, messageID, status string) error
}

// Store owns the session map, the current session, the selected persona,
// and the send/retry/abort protocol. All collaborators are injected;
// channel and backend may be nil for a store that runs without realtime
// push or persistence.
//
// Mutations run under one mutex and never hold it across a network call,
// so an abort or a realtime push can land while a send is in flight.
type Store struct {
	api      API
	identity Identity
	channel  Channel
	backend  persist.Backend

	notify   func(string)
	authWait time.Duration

	mu            sync.Mutex
	sessions      map[string]*Session
	order         []string
	currentID     string
	selectedRabbi string
	rabbis        []api.Rabbi
	isTyping      bool
	connStatus    ConnectionStatus
	initialized   bool
	rehydrated    bool
	dirty         bool
	offlineNotice bool
	aborts        map[string]context.CancelFunc
	flusher       *cron.Cron
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier routes transient user notices to fn instead of the log.
func WithNotifier(fn func(string)) Option {
	return func(s *Store) { s.notify = fn }
}

// WithAuthWait overrides the bounded wait for auth readiness.
func WithAuthWait(d time.Duration) Option {
	return func(s *Store) { s.authWait = d }
}

// NewStore creates a session store around its collaborators.
func NewStore(apiClient API, identity Identity, channel Channel, backend persist.Backend, opts ...Option) *Store {
	s := &Store{
		api:        apiClient,
		identity:   identity,
		channel:    channel,
		backend:    backend,
		notify:     func(msg string) { log.Printf("chat: %s", msg) },
		authWait:   defaultAuthWait,
		sessions:   make(map[string]*Session),
		connStatus: StatusConnected,
		aborts:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize brings the store up. Idempotent; only the first call does work.
//
// Ordering: persisted state is rehydrated first, then the realtime channel
// and the persona list load in parallel, then the store waits (bounded) for
// auth readiness before fetching the remote session list. Any unexpected
// failure degrades to offline mode instead of leaving the store stuck.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	rehydrated := s.rehydrated
	s.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "chat.initialize")
	defer span.End()

	if !rehydrated {
		if err := s.Rehydrate(ctx); err != nil {
			// Force-proceed: acting on an empty store beats deadlocking
			// startup on a broken persistence layer.
			log.Printf("chat: rehydration failed, proceeding without persisted state: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s.channel == nil {
			return nil
		}
		if err := s.channel.Connect(gctx); err != nil {
			log.Printf("chat: realtime connect failed: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		rabbis, err := s.api.Rabbis(gctx)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil || len(rabbis) == 0 {
			log.Printf("chat: rabbi list unavailable, using fallback set: %v", err)
			s.rabbis = fallbackRabbis
			s.connStatus = StatusDegraded
			return nil
		}
		s.rabbis = rabbis
		return nil
	})
	_ = g.Wait()

	if s.waitForAuth(ctx) && s.identity.IsAuthenticated() {
		if err := s.LoadUserSessions(ctx); err != nil {
			log.Printf("chat: session list load failed: %v", err)
			s.notify("Could not load your sessions. Working with local data.")
		}
	}

	s.mu.Lock()
	s.initialized = true
	if s.selectedRabbi == "" && len(s.rabbis) > 0 {
		s.selectedRabbi = s.rabbis[0].ID
	}
	s.dirty = true
	s.mu.Unlock()

	return nil
}

// waitForAuth triggers auth startup and waits for its readiness signal,
// bounded by authWait. Returns false when readiness was not observed.
func (s *Store) waitForAuth(ctx context.Context) bool {
	if s.identity == nil {
		return false
	}
	if err := s.identity.Start(ctx); err != nil {
		log.Printf("chat: auth start failed: %v", err)
		return false
	}

	timer := time.NewTimer(s.authWait)
	defer timer.Stop()
	select {
	case <-s.identity.Ready():
		return true
	case <-timer.C:
		log.Printf("chat: auth not ready after %s, proceeding unauthenticated", s.authWait)
		return false
	case <-ctx.Done():
		return false
	}
}

// LoadUserSessions fetches the remote session list and merges it into local
// state. Local sessions that already hold message content are authoritative:
// the fetch is skipped entirely so nothing the user is viewing gets
// discarded. Merged sessions with a nonzero count hint and no local messages
// get their history loaded lazily.
func (s *Store) LoadUserSessions(ctx context.Context) error {
	s.mu.Lock()
	for _, sess := range s.sessions {
		if len(sess.Messages) > 0 {
			s.mu.Unlock()
			return nil
		}
	}
	s.mu.Unlock()

	summaries, err := s.api.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("fetch sessions: %w", err)
	}

	var toLoad []string
	s.mu.Lock()
	for _, sum := range summaries {
		existing, ok := s.sessions[sum.ID]
		if !ok {
			s.insertLocked(&Session{
				ID:           sum.ID,
				Title:        sum.Title,
				Rabbi:        sum.Rabbi,
				CreatedAt:    sum.CreatedAt,
				LastActivity: sum.LastActivity,
				MessageCount: sum.MessageCount,
			})
			if sum.MessageCount > 0 {
				toLoad = append(toLoad, sum.ID)
			}
			continue
		}
		// Known session: refresh metadata, keep in-memory messages.
		existing.Title = sum.Title
		existing.MessageCount = sum.MessageCount
		if sum.LastActivity.After(existing.LastActivity) {
			existing.LastActivity = sum.LastActivity
		}
	}
	s.dirty = true
	s.mu.Unlock()

	for _, id := range toLoad {
		if err := s.loadHistory(ctx, id); err != nil {
			log.Printf("chat: history load for %s failed: %v", id, err)
		}
	}

	return nil
}

// loadHistory fetches and installs the transcript of one session.
func (s *Store) loadHistory(ctx context.Context, sessionID string) error {
	hist, err := s.api.History(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	messages := make([]Message, 0, len(hist.Messages))
	var refs []api.Reference
	for _, dto := range hist.Messages {
		messages = append(messages, Message{
			ID:         dto.ID,
			Content:    dto.Content,
			IsUser:     dto.IsUser,
			Timestamp:  dto.Timestamp,
			Status:     StatusDelivered,
			References: dto.References,
		})
		refs = append(refs, dto.References...)
	}
	sess.Messages = messages
	sess.References = refs
	sess.MessageCount = len(messages)
	if hist.Rabbi != "" {
		sess.Rabbi = hist.Rabbi
	}
	if hist.Title != "" {
		sess.Title = hist.Title
	}
	s.dirty = true
	return nil
}

// CreateSession makes a new session current and returns its id. It never
// fails from the caller's perspective: when the server is unreachable, a
// locally generated id is used and the store degrades to simulated replies.
func (s *Store) CreateSession(ctx context.Context, title string) string {
	if title == "" {
		title = DefaultSessionTitle
	}

	id, err := s.api.CreateSession(ctx)
	if err != nil || id == "" {
		id = uuid.NewString()
		s.mu.Lock()
		if s.connStatus == StatusConnected {
			s.connStatus = StatusDegraded
		}
		s.mu.Unlock()
		s.notify("Could not reach the server. Responses in this session will be simulated.")
		log.Printf("chat: remote session create failed, using local id %s: %v", id, err)
	}

	now := time.Now()
	s.mu.Lock()
	s.insertLocked(&Session{
		ID:           id,
		Title:        title,
		CreatedAt:    now,
		LastActivity: now,
		Messages:     []Message{},
	})
	s.currentID = id
	s.dirty = true
	count := len(s.sessions)
	s.mu.Unlock()

	observability.SetActiveSessions(count)
	s.joinChannel(id)
	return id
}

// SwitchSession makes id current. Unknown ids are a no-op. History is
// fetched lazily when the session reports messages it has not loaded; a
// failed history fetch keeps the switch applied.
func (s *Store) SwitchSession(ctx context.Context, id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.currentID = id
	sess.LastActivity = time.Now()
	s.dirty = true
	needHistory := sess.MessageCount > 0 && len(sess.Messages) == 0
	s.mu.Unlock()

	s.joinChannel(id)

	if needHistory {
		if err := s.loadHistory(ctx, id); err != nil {
			s.notify("Could not load this conversation's history.")
			log.Printf("chat: %v", err)
		}
	}
}

// DeleteSession removes a session. When the current session is deleted,
// another session becomes current, or none when the map is empty.
func (s *Store) DeleteSession(id string) {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if cancel, ok := s.aborts[id]; ok {
		delete(s.aborts, id)
		defer cancel()
	}
	if s.currentID == id {
		s.currentID = ""
		if len(s.order) > 0 {
			s.currentID = s.order[0]
		}
	}
	s.dirty = true
	count := len(s.sessions)
	s.mu.Unlock()

	observability.SetActiveSessions(count)
}

// UpdateSessionTitle renames a session locally.
func (s *Store) UpdateSessionTitle(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Title = title
		s.dirty = true
	}
}

// SortedSessions returns copies of all sessions ordered by last activity,
// most recent first. Recomputed on every call.
func (s *Store) SortedSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// SendMessage runs the optimistic send protocol for content.
//
// Only precondition failures return an error; every network-level outcome
// (success, abort, timeout, server error, unreachable) is resolved inside
// the protocol so the conversation always ends the turn in a defined state.
func (s *Store) SendMessage(ctx context.Context, content string) error {
	if content == "" {
		return ErrEmptyMessage
	}
	s.mu.Lock()
	if s.selectedRabbi == "" {
		s.mu.Unlock()
		s.notify("Select a rabbi before sending a message.")
		return ErrNoRabbiSelected
	}
	rabbi := s.selectedRabbi
	sessionID := s.resolveTargetLocked()
	s.mu.Unlock()

	if sessionID == "" {
		// No sessions at all. CreateSession cannot fail.
		sessionID = s.CreateSession(ctx, DefaultSessionTitle)
	}

	userMsg := Message{
		ID:        uuid.NewString(),
		Content:   content,
		IsUser:    true,
		Timestamp: time.Now(),
		Status:    StatusSending,
	}

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session %s disappeared before send", sessionID)
	}
	sess.Messages = append(sess.Messages, userMsg)
	sess.LastActivity = userMsg.Timestamp
	if sess.Rabbi == "" {
		sess.Rabbi = rabbi
	}
	s.isTyping = true
	s.aborts[sessionID] = cancel
	s.dirty = true
	s.mu.Unlock()

	var userCtx *api.UserContext
	if s.identity != nil {
		userCtx = s.identity.UserContext()
	}

	result, err := s.api.SendMessage(sendCtx, api.SendRequest{
		Message:     content,
		SessionID:   sessionID,
		Rabbi:       rabbi,
		UserContext: userCtx,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aborts, sessionID)
	s.isTyping = false

	sess, ok = s.sessions[sessionID]
	if !ok {
		return nil
	}
	defer func() { s.reportStatusLocked(sess, userMsg.ID) }()

	switch {
	case err == nil:
		s.setMessageStatusLocked(sess, userMsg.ID, StatusDelivered)
		s.appendAssistantLocked(sess, Message{
			ID:         uuid.NewString(),
			Content:    result.AIResponse,
			Timestamp:  time.Now(),
			Status:     StatusDelivered,
			References: result.References,
		})
		observability.RecordMessageSent("delivered")

	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		// User abort. No fabricated reply.
		s.setMessageStatusLocked(sess, userMsg.ID, StatusFailed)
		observability.RecordMessageSent("aborted")
		s.notify("Message cancelled.")

	default:
		switch {
		case errors.Is(err, api.ErrTimeout):
			s.notify("The assistant took too long to answer. Showing a simulated reply.")
		case errors.Is(err, api.ErrServer):
			s.notify("The server had a problem answering. Showing a simulated reply.")
		}
		s.fallbackReplyLocked(sess, userMsg.ID, rabbi, content)
		observability.RecordMessageSent("fallback")
	}

	s.dirty = true
	return nil
}

// resolveTargetLocked picks the session a send targets: the current one,
// else the oldest existing session, else none. Reuse over proliferation.
func (s *Store) resolveTargetLocked() string {
	if s.currentID != "" {
		return s.currentID
	}
	if len(s.order) > 0 {
		s.currentID = s.order[0]
		return s.currentID
	}
	return ""
}

// fallbackReplyLocked applies the offline-fallback branch: the user message
// counts as delivered locally and a labeled simulated reply is appended.
func (s *Store) fallbackReplyLocked(sess *Session, userMsgID, rabbi, content string) {
	s.setMessageStatusLocked(sess, userMsgID, StatusDelivered)
	s.appendAssistantLocked(sess, Message{
		ID:        uuid.NewString(),
		Content:   simulatedReply(rabbiName(s.rabbis, rabbi), content),
		Timestamp: time.Now(),
		Status:    StatusDelivered,
	})
	if s.connStatus == StatusConnected {
		s.connStatus = StatusDegraded
	}
	if !s.offlineNotice {
		s.offlineNotice = true
		s.notify("Offline mode: responses are simulated until the connection recovers.")
	}
	observability.RecordFallbackReply()
}

// reportStatusLocked tells the server where a message ended up. Best effort;
// the channel drops the intent when disconnected.
func (s *Store) reportStatusLocked(sess *Session, messageID string) {
	if s.channel == nil {
		return
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID != messageID {
			continue
		}
		err := s.channel.UpdateMessageStatus(sess.ID, messageID, string(sess.Messages[i].Status))
		if err != nil && !errors.Is(err, realtime.ErrNotConnected) {
			log.Printf("chat: status report failed: %v", err)
		}
		return
	}
}

func (s *Store) setMessageStatusLocked(sess *Session, messageID string, status MessageStatus) {
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			sess.Messages[i].Status = status
			return
		}
	}
}

// appendAssistantLocked adds an assistant message and merges its references
// into the session aggregate.
func (s *Store) appendAssistantLocked(sess *Session, msg Message) {
	sess.Messages = append(sess.Messages, msg)
	sess.References = append(sess.References, msg.References...)
	sess.LastActivity = msg.Timestamp
	sess.MessageCount = len(sess.Messages)
}

// AbortMessage cancels the in-flight send for sessionID, if any.
func (s *Store) AbortMessage(sessionID string) {
	s.mu.Lock()
	cancel, ok := s.aborts[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// AbortCurrentMessage cancels the in-flight send for the current session.
func (s *Store) AbortCurrentMessage() {
	s.mu.Lock()
	id := s.currentID
	s.mu.Unlock()
	if id != "" {
		s.AbortMessage(id)
	}
}

// RetryMessage removes a failed user message from the current session and
// resubmits its content through the send protocol, producing a new id.
func (s *Store) RetryMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[s.currentID]
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotRetryable
	}

	content := ""
	for i := range sess.Messages {
		m := sess.Messages[i]
		if m.ID != messageID {
			continue
		}
		if !m.IsUser || m.Status != StatusFailed {
			s.mu.Unlock()
			return ErrMessageNotRetryable
		}
		content = m.Content
		sess.Messages = append(sess.Messages[:i], sess.Messages[i+1:]...)
		break
	}
	s.dirty = true
	s.mu.Unlock()

	if content == "" {
		return ErrMessageNotRetryable
	}
	return s.SendMessage(ctx, content)
}

// SelectRabbi sets the globally selected persona for new sends.
func (s *Store) SelectRabbi(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedRabbi = id
	s.dirty = true
}

// NotifyTyping forwards the local user's typing state for the current
// session to the realtime channel.
func (s *Store) NotifyTyping(active bool) {
	s.mu.Lock()
	id := s.currentID
	s.mu.Unlock()
	if s.channel == nil || id == "" {
		return
	}

	user := ""
	if s.identity != nil {
		if uc := s.identity.UserContext(); uc != nil {
			user = uc.DisplayName
		}
	}

	var err error
	if active {
		err = s.channel.TypingStart(id, user)
	} else {
		err = s.channel.TypingStop(id, user)
	}
	if err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		log.Printf("chat: typing notify failed: %v", err)
	}
}

// joinChannel is fire-and-forget: a missing or dead channel never blocks
// session navigation.
func (s *Store) joinChannel(id string) {
	if s.channel == nil {
		return
	}
	if err := s.channel.JoinSession(id); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		log.Printf("chat: join session %s failed: %v", id, err)
	}
}

// insertLocked adds a session to the map and the insertion-order index.
func (s *Store) insertLocked(sess *Session) {
	if _, ok := s.sessions[sess.ID]; ok {
		return
	}
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
}

// Accessors. All return copies or immutable values.

// CurrentSessionID returns the current session id, or "" when none exists.
func (s *Store) CurrentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// CurrentSession returns a copy of the current session, or nil.
func (s *Store) CurrentSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[s.currentID]; ok {
		return sess.clone()
	}
	return nil
}

// Session returns a copy of the named session, or nil.
func (s *Store) Session(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.clone()
	}
	return nil
}

// Rabbis returns the loaded persona list.
func (s *Store) Rabbis() []api.Rabbi {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Rabbi, len(s.rabbis))
	copy(out, s.rabbis)
	return out
}

// SelectedRabbi returns the globally selected persona id.
func (s *Store) SelectedRabbi() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedRabbi
}

// IsTyping reports whether the assistant is considered to be typing.
func (s *Store) IsTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTyping
}

// ConnectionStatus returns the current backend reachability assessment.
func (s *Store) ConnectionStatus() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connStatus
}

// Initialized reports whether Initialize has completed.
func (s *Store) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}
