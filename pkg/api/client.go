// Package api implements the HTTP client for the Chavrusa chat service:
// persona listing, session management, history, message sends, and
// translation. All responses arrive wrapped in a { data: ... } envelope.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/chavrusa-dev/chavrusa/pkg/observability"
)

// Configuration constants for the chat API.
const (
	// DefaultTimeout is the timeout for ordinary API requests.
	DefaultTimeout = 15 * time.Second

	// SendTimeout is the upper bound on a message send. Exceeding it is
	// treated as a server-error-class failure, never a silent hang.
	SendTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB limit
)

// Error variables for common API failures.
var (
	// ErrTimeout indicates a request exceeded its time budget.
	ErrTimeout = errors.New("request timed out")

	// ErrServer indicates the server answered with a 5xx status.
	ErrServer = errors.New("server error")

	// ErrMalformedResponse indicates a 2xx response missing the expected
	// payload field.
	ErrMalformedResponse = errors.New("malformed response")
)

// APIError represents a non-2xx response from the chat API.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("chat API error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("chat API error (HTTP %d)", e.Status)
}

// HeaderSource supplies authentication headers for outgoing requests.
// An empty map means the request is sent unauthenticated.
type HeaderSource interface {
	AuthHeaders() map[string]string
}

// Client is a client for the Chavrusa chat API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    HeaderSource
}

// NewClient creates a new chat API client. headers may be nil for a client
// that only performs anonymous calls.
func NewClient(baseURL string, headers HeaderSource) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			// Per-request deadlines come from contexts so that sends can
			// use a longer budget than ordinary calls.
		},
		headers: headers,
	}
}

// WithHTTPClient replaces the underlying HTTP client. Useful for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// envelope is the { data: ... } wrapper on every API response.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

// Rabbis fetches the canonical persona list.
func (c *Client) Rabbis(ctx context.Context) ([]Rabbi, error) {
	var out struct {
		Rabbis []Rabbi `json:"rabbis"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/rabbis", nil, DefaultTimeout, &out); err != nil {
		return nil, err
	}
	return out.Rabbis, nil
}

// CreateSession asks the server for a new session id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/chat/session", struct{}{}, DefaultTimeout, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("%w: missing sessionId", ErrMalformedResponse)
	}
	return out.SessionID, nil
}

// Sessions fetches the authenticated user's session list.
func (c *Client) Sessions(ctx context.Context) ([]SessionSummary, error) {
	var out struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/sessions", nil, DefaultTimeout, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// History fetches the full transcript of one session.
func (c *Client) History(ctx context.Context, sessionID string) (*History, error) {
	var out History
	if err := c.do(ctx, http.MethodGet, "/chat/history/"+sessionID, nil, DefaultTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a user message and returns the assistant's reply.
//
// The request carries its own 30 second budget; cancelling ctx aborts it
// early. A 2xx response without an aiResponse field is reported as
// ErrMalformedResponse so the caller's failure handling runs instead of a
// silent empty reply.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	ctx, span := observability.StartSpan(ctx, "chat.send_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.session_id", req.SessionID),
		attribute.String("chat.rabbi", req.Rabbi),
	)

	var out SendResult
	err := c.do(ctx, http.MethodPost, "/chat/message", req, SendTimeout, &out)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if out.AIResponse == "" {
		span.SetStatus(codes.Error, "missing aiResponse")
		return nil, fmt.Errorf("%w: missing aiResponse", ErrMalformedResponse)
	}

	return &out, nil
}

// Translate translates text between languages.
func (c *Client) Translate(ctx context.Context, req TranslateRequest) (*TranslateResult, error) {
	var out TranslateResult
	if err := c.do(ctx, http.MethodPost, "/translate", req, DefaultTimeout, &out); err != nil {
		return nil, err
	}
	if out.TranslatedText == "" {
		return nil, fmt.Errorf("%w: missing translatedText", ErrMalformedResponse)
	}
	return &out, nil
}

// do performs one request and decodes the data envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body any, timeout time.Duration, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.headers != nil {
		for k, v := range c.headers.AuthHeaders() {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		observability.RecordAPIRequest(path, "error", duration)
		// Distinguish our own deadline from a caller-initiated abort.
		if ctx.Err() == nil && reqCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, path, timeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	observability.RecordAPIRequest(path, strconv.Itoa(resp.StatusCode), duration)

	data, err := readBody(resp)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: missing data envelope", ErrMalformedResponse)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return nil
}

// readBody reads a response body with a size limit.
func readBody(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, MaxResponseSize)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return data, nil
}

// decodeError converts a non-2xx response into an error value.
func decodeError(status int, body []byte) error {
	msg := ""
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error.Message != "" {
			msg = parsed.Error.Message
		} else {
			msg = parsed.Message
		}
	}

	if status >= 500 {
		if msg != "" {
			return fmt.Errorf("%w: %s", ErrServer, msg)
		}
		return fmt.Errorf("%w: status %d", ErrServer, status)
	}

	return &APIError{Status: status, Message: msg}
}
