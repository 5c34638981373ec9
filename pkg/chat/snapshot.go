package chat

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/chavrusa-dev/chavrusa/pkg/persist"
)

// snapshotSchedule is how often a dirty store is flushed to storage.
const snapshotSchedule = "@every 30s"

// snapshot is the persisted shape of the store, stored wholesale under
// persist.KeyChatState. Auth credentials live under their own key and are
// never part of this record.
type snapshot struct {
	Initialized      bool       `json:"initialized"`
	Sessions         []*Session `json:"sessions"`
	CurrentSessionID string     `json:"currentSessionId"`
	SelectedRabbiID  string     `json:"selectedRabbiId"`
	Rehydrated       bool       `json:"rehydrated"`
}

// Rehydrate restores the persisted snapshot. Safe to call before
// Initialize; Initialize calls it itself if it has not run. A missing
// snapshot is not an error.
func (s *Store) Rehydrate(ctx context.Context) error {
	s.mu.Lock()
	if s.rehydrated {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.backend == nil {
		s.mu.Lock()
		s.rehydrated = true
		s.mu.Unlock()
		return nil
	}

	var snap snapshot
	err := s.backend.LoadState(ctx, persist.KeyChatState, &snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rehydrated = true

	switch {
	case errors.Is(err, persist.ErrStateNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load chat state: %w", err)
	}

	for _, sess := range snap.Sessions {
		if sess == nil || sess.ID == "" {
			continue
		}
		if sess.Messages == nil {
			sess.Messages = []Message{}
		}
		s.insertLocked(sess)
	}
	if _, ok := s.sessions[snap.CurrentSessionID]; ok {
		s.currentID = snap.CurrentSessionID
	}
	s.selectedRabbi = snap.SelectedRabbiID

	return nil
}

// Flush writes the snapshot to storage when the store has unsaved changes.
func (s *Store) Flush(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snap := snapshot{
		Initialized:      s.initialized,
		Sessions:         make([]*Session, 0, len(s.order)),
		CurrentSessionID: s.currentID,
		SelectedRabbiID:  s.selectedRabbi,
		Rehydrated:       true,
	}
	for _, id := range s.order {
		snap.Sessions = append(snap.Sessions, s.sessions[id].clone())
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.backend.SaveState(ctx, persist.KeyChatState, snap); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("save chat state: %w", err)
	}
	return nil
}

// StartSnapshots begins the periodic flush of dirty state.
func (s *Store) StartSnapshots() error {
	if s.backend == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flusher != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(snapshotSchedule, func() {
		if err := s.Flush(context.Background()); err != nil {
			log.Printf("chat: snapshot flush failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule snapshots: %w", err)
	}
	c.Start()
	s.flusher = c
	return nil
}

// Close stops the snapshot scheduler and flushes any remaining changes.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	flusher := s.flusher
	s.flusher = nil
	s.mu.Unlock()

	if flusher != nil {
		<-flusher.Stop().Done()
	}
	return s.Flush(ctx)
}
