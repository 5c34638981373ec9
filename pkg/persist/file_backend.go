package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidStateKey is returned when a key contains unsafe path characters.
var ErrInvalidStateKey = errors.New("invalid state key: contains path separator or traversal sequence")

// keyToFilename converts a state key to a safe file name.
// Namespace colons become dots; anything else suspicious is rejected.
func keyToFilename(key string) (string, error) {
	if key == "" {
		return "", errors.New("state key cannot be empty")
	}
	name := strings.ReplaceAll(key, ":", ".")
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", ErrInvalidStateKey
	}
	return name + ".json", nil
}

// FileBackend implements Backend using JSON files.
// Storage layout:
//
//	~/.chavrusa/state/
//	  ├── chat.state.json
//	  └── auth.credentials.json
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a new file-based storage backend.
// If baseDir is empty, uses ~/.chavrusa/state.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".chavrusa", "state")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &FileBackend{
		baseDir: baseDir,
	}, nil
}

// SaveState stores value under key, replacing any previous value.
func (f *FileBackend) SaveState(ctx context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	name, err := keyToFilename(key)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	// Write to a temp file then rename so a crash mid-write never leaves a
	// truncated snapshot behind.
	path := filepath.Join(f.baseDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}

	return nil
}

// LoadState retrieves the value stored under key into out.
func (f *FileBackend) LoadState(ctx context.Context, key string, out any) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStorageClosed
	}

	name, err := keyToFilename(key)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Join(f.baseDir, name)) // #nosec G304 - key validated by keyToFilename
	if err != nil {
		if os.IsNotExist(err) {
			return ErrStateNotFound
		}
		return fmt.Errorf("read state: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse state: %w", err)
	}

	return nil
}

// DeleteState removes the value stored under key.
func (f *FileBackend) DeleteState(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	name, err := keyToFilename(key)
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(f.baseDir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete state: %w", err)
	}

	return nil
}

// Close releases any resources held by the backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}
