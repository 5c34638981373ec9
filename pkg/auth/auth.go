// Package auth wraps the third-party identity backend. It owns the user,
// the session token, and the profile, persists credentials across restarts,
// and exposes a narrow capability surface (headers, user context,
// authentication state) for the rest of the client.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chavrusa-dev/chavrusa/pkg/api"
	"github.com/chavrusa-dev/chavrusa/pkg/persist"
)

// Error variables for authentication failures.
var (
	// ErrNotAuthenticated indicates an operation that requires a signed-in
	// user was attempted without one.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidCredentials indicates the identity backend rejected the
	// supplied email or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// requestTimeout bounds every identity backend call.
const requestTimeout = 15 * time.Second

// Credentials is the persisted identity record: token, profile, expiry.
type Credentials struct {
	Token     string          `json:"token"`
	User      api.UserContext `json:"user"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// expired reports whether the token's expiry has passed. A zero ExpiresAt
// means the backend issued a non-expiring token.
func (c *Credentials) expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Manager handles authentication against the identity backend.
//
// Startup is split in two: Start restores persisted credentials and closes
// the readiness channel, then revalidates the restored token against the
// backend in the background. Consumers that need to order their own startup
// after credential restoration wait on Ready instead of polling.
type Manager struct {
	baseURL    string
	httpClient *http.Client
	backend    persist.Backend

	mu      sync.Mutex
	creds   *Credentials
	started bool

	ready     chan struct{}
	readyOnce sync.Once
}

// NewManager creates an identity manager. backend may be nil for a manager
// that never persists credentials (useful in tests and anonymous mode).
func NewManager(baseURL string, backend persist.Backend) *Manager {
	return &Manager{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		backend:    backend,
		ready:      make(chan struct{}),
	}
}

// Ready returns a channel closed exactly once, when credential restoration
// has finished. It closes whether or not a user is signed in.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Start restores persisted credentials and kicks off background token
// revalidation. Safe to call multiple times; only the first call does work.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	defer m.signalReady()

	if m.backend == nil {
		return nil
	}

	var creds Credentials
	err := m.backend.LoadState(ctx, persist.KeyAuthCredentials, &creds)
	switch {
	case errors.Is(err, persist.ErrStateNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("restore credentials: %w", err)
	}

	if creds.Token == "" || creds.expired() {
		_ = m.backend.DeleteState(ctx, persist.KeyAuthCredentials)
		return nil
	}

	m.mu.Lock()
	m.creds = &creds
	m.mu.Unlock()

	go m.revalidate()

	return nil
}

// EnsureStarted triggers Start if it has not run yet and waits for
// readiness or context expiry.
func (m *Manager) EnsureStarted(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) signalReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// revalidate checks the restored token against the identity backend and
// clears it if the backend no longer recognizes it.
func (m *Manager) revalidate() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	_, err := m.CurrentSession(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrInvalidCredentials) {
		log.Printf("auth: persisted token rejected, signing out locally")
		m.clearCredentials(ctx)
		return
	}
	// Network trouble. Keep the token and let a later call decide.
	log.Printf("auth: token revalidation failed: %v", err)
}

// SignUp registers a new account and signs in as it.
func (m *Manager) SignUp(ctx context.Context, email, password, displayName string) (*Credentials, error) {
	body := map[string]string{
		"email":       email,
		"password":    password,
		"displayName": displayName,
	}
	return m.credentialRequest(ctx, "/auth/signup", body)
}

// SignIn authenticates with email and password.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*Credentials, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	return m.credentialRequest(ctx, "/auth/signin", body)
}

// SignOut invalidates the session on the backend and clears local
// credentials. Local state is cleared even if the backend call fails.
func (m *Manager) SignOut(ctx context.Context) error {
	token := m.token()
	defer m.clearCredentials(ctx)

	if token == "" {
		return nil
	}
	resp, err := m.do(ctx, http.MethodPost, "/auth/signout", nil, token)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return nil
}

// ResetPassword asks the backend to send a password reset to email.
func (m *Manager) ResetPassword(ctx context.Context, email string) error {
	data, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resp, err := m.do(ctx, http.MethodPost, "/auth/reset-password", bytes.NewReader(data), "")
	if err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("reset password: status %d", resp.StatusCode)
	}
	return nil
}

// CurrentSession fetches the session the backend associates with the
// current token.
func (m *Manager) CurrentSession(ctx context.Context) (*Credentials, error) {
	token := m.token()
	if token == "" {
		return nil, ErrNotAuthenticated
	}

	resp, err := m.do(ctx, http.MethodGet, "/auth/session", nil, token)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrNotAuthenticated
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("get session: status %d", resp.StatusCode)
	}

	var creds Credentials
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&creds); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &creds, nil
}

// AuthHeaders derives request headers from the current token. Returns an
// empty map when signed out, so calls go through unauthenticated.
func (m *Manager) AuthHeaders() map[string]string {
	token := m.token()
	if token == "" {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

// UserContext returns the signed-in user's identity, or nil when signed out.
func (m *Manager) UserContext() *api.UserContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil
	}
	u := m.creds.User
	return &u
}

// IsAuthenticated reports whether a non-expired token is held.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds != nil && m.creds.Token != "" && !m.creds.expired()
}

// credentialRequest posts body to path and installs the returned credentials.
func (m *Manager) credentialRequest(ctx context.Context, path string, body map[string]string) (*Credentials, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := m.do(ctx, http.MethodPost, path, bytes.NewReader(data), "")
	if err != nil {
		return nil, fmt.Errorf("identity request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidCredentials
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("identity request %s: status %d", path, resp.StatusCode)
	}

	var creds Credentials
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if creds.Token == "" {
		return nil, fmt.Errorf("identity request %s: response missing token", path)
	}

	m.setCredentials(ctx, &creds)
	return &creds, nil
}

func (m *Manager) do(ctx context.Context, method, path string, body io.Reader, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return m.httpClient.Do(req)
}

func (m *Manager) token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil || m.creds.expired() {
		return ""
	}
	return m.creds.Token
}

func (m *Manager) setCredentials(ctx context.Context, creds *Credentials) {
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.SaveState(ctx, persist.KeyAuthCredentials, creds); err != nil {
			log.Printf("auth: failed to persist credentials: %v", err)
		}
	}
}

// clearCredentials drops the in-memory token and its persisted record. The
// chat state lives under its own key and is untouched here.
func (m *Manager) clearCredentials(ctx context.Context) {
	m.mu.Lock()
	m.creds = nil
	m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.DeleteState(ctx, persist.KeyAuthCredentials); err != nil && !errors.Is(err, persist.ErrStateNotFound) {
			log.Printf("auth: failed to clear persisted credentials: %v", err)
		}
	}
}
