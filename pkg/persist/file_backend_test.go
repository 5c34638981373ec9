package persist

import (
	"context"
	"errors"
	"testing"
)

type testRecord struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestFileBackend_SaveAndLoadState(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()

	ctx := context.Background()

	saved := testRecord{Name: "breslov", Count: 3}
	if err := backend.SaveState(ctx, KeyChatState, saved); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	var loaded testRecord
	if err := backend.LoadState(ctx, KeyChatState, &loaded); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}

	if loaded != saved {
		t.Errorf("round trip mismatch: got %+v, want %+v", loaded, saved)
	}
}

func TestFileBackend_LoadState_NotFound(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()

	var out testRecord
	err = backend.LoadState(context.Background(), "missing:key", &out)
	if !errors.Is(err, ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound, got %v", err)
	}
}

func TestFileBackend_DistinctKeysDoNotClobber(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()

	ctx := context.Background()

	if err := backend.SaveState(ctx, KeyChatState, testRecord{Name: "chat"}); err != nil {
		t.Fatalf("SaveState chat failed: %v", err)
	}
	if err := backend.SaveState(ctx, KeyAuthCredentials, testRecord{Name: "auth"}); err != nil {
		t.Fatalf("SaveState auth failed: %v", err)
	}

	// Clearing auth state must leave chat state intact.
	if err := backend.DeleteState(ctx, KeyAuthCredentials); err != nil {
		t.Fatalf("DeleteState failed: %v", err)
	}

	var chat testRecord
	if err := backend.LoadState(ctx, KeyChatState, &chat); err != nil {
		t.Fatalf("LoadState after delete failed: %v", err)
	}
	if chat.Name != "chat" {
		t.Errorf("chat state clobbered: got %q", chat.Name)
	}

	var auth testRecord
	err = backend.LoadState(ctx, KeyAuthCredentials, &auth)
	if !errors.Is(err, ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound for deleted auth state, got %v", err)
	}
}

func TestFileBackend_DeleteMissingKey(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()

	if err := backend.DeleteState(context.Background(), "never:written"); err != nil {
		t.Errorf("deleting a missing key should not error, got %v", err)
	}
}

func TestFileBackend_RejectsUnsafeKeys(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()

	ctx := context.Background()

	for _, key := range []string{"", "../escape", "a/b", `a\b`} {
		if err := backend.SaveState(ctx, key, testRecord{}); err == nil {
			t.Errorf("expected error for unsafe key %q", key)
		}
	}
}

func TestFileBackend_Close(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}

	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	var out testRecord
	err = backend.LoadState(context.Background(), KeyChatState, &out)
	if !errors.Is(err, ErrStorageClosed) {
		t.Errorf("expected ErrStorageClosed after close, got %v", err)
	}
}
