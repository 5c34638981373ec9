// Package persist provides durable key-value state storage for the Chavrusa
// client. The chat store and the auth manager each serialize their own record
// under a distinct key, so the two persisted states never overlap and neither
// can clobber the other on clear.
package persist

import (
	"context"
	"errors"
)

// Well-known state keys. Each owner writes only its own key.
const (
	// KeyChatState holds the chat store snapshot (sessions, current session,
	// selected rabbi).
	KeyChatState = "chat:state"

	// KeyAuthCredentials holds the auth manager's persisted credentials.
	KeyAuthCredentials = "auth:credentials"
)

// Common errors for storage operations.
var (
	// ErrStateNotFound is returned when no value exists for a key.
	ErrStateNotFound = errors.New("state not found")
	// ErrStorageClosed is returned when operating on a closed backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// Backend abstracts durable key-value persistence.
// Implementations must be safe for concurrent use.
type Backend interface {
	// SaveState stores value under key, replacing any previous value.
	// The value is serialized as JSON.
	SaveState(ctx context.Context, key string, value any) error

	// LoadState retrieves the value stored under key into out.
	// Returns ErrStateNotFound if the key doesn't exist.
	LoadState(ctx context.Context, key string, out any) error

	// DeleteState removes the value stored under key.
	// Deleting a missing key is not an error.
	DeleteState(ctx context.Context, key string) error

	// Close releases any resources held by the backend.
	Close() error
}
