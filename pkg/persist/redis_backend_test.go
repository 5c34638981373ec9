package persist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisBackend) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	backend := NewRedisBackendFromClient(client, "test:", 0)

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return mr, backend
}

func TestRedisBackend_SaveAndLoadState(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	saved := testRecord{Name: "rambam", Count: 12}
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

func TestRedisBackend_LoadState_NotFound(t *testing.T) {
	_, backend := setupMiniredis(t)

	var out testRecord
	err := backend.LoadState(context.Background(), "nonexistent", &out)
	if !errors.Is(err, ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound, got %v", err)
	}
}

func TestRedisBackend_DeleteState(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	if err := backend.SaveState(ctx, KeyAuthCredentials, testRecord{Name: "auth"}); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	if err := backend.DeleteState(ctx, KeyAuthCredentials); err != nil {
		t.Fatalf("DeleteState failed: %v", err)
	}

	var out testRecord
	err := backend.LoadState(ctx, KeyAuthCredentials, &out)
	if !errors.Is(err, ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound after delete, got %v", err)
	}
}

func TestRedisBackend_TTL(t *testing.T) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	backend := NewRedisBackendFromClient(client, "test:", 1*time.Hour)
	defer func() { _ = backend.Close() }()

	ctx := context.Background()

	if err := backend.SaveState(ctx, KeyChatState, testRecord{Name: "ttl"}); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	// Fast-forward time in miniredis
	mr.FastForward(2 * time.Hour)

	var out testRecord
	err := backend.LoadState(ctx, KeyChatState, &out)
	if !errors.Is(err, ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound after TTL expiry, got %v", err)
	}
}

func TestRedisBackend_Close(t *testing.T) {
	_, backend := setupMiniredis(t)

	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	var out testRecord
	err := backend.LoadState(context.Background(), KeyChatState, &out)
	if !errors.Is(err, ErrStorageClosed) {
		t.Errorf("expected ErrStorageClosed after close, got %v", err)
	}
}

func TestRedisBackend_Ping(t *testing.T) {
	_, backend := setupMiniredis(t)

	if err := backend.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
