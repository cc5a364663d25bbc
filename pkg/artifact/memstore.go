package artifact

import (
	"context"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore keeps artifacts in process memory. It is the default store when no
// database is configured; its contents are lost on restart.
type MemStore struct {
	mu        sync.RWMutex
	byID      map[string]Artifact
	bySession map[string][]string
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		byID:      make(map[string]Artifact),
		bySession: make(map[string][]string),
	}
}

// Put implements [Store].
func (s *MemStore) Put(_ context.Context, a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.ID]; !ok {
		s.bySession[a.SessionKey] = append(s.bySession[a.SessionKey], a.ID)
	}
	s.byID[a.ID] = a
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return Artifact{}, ErrNotFound
	}
	return a, nil
}

// Latest implements [Store]. Artifacts are ordered by CreatedAt; ties go to
// the one stored last.
func (s *MemStore) Latest(_ context.Context, sessionKey string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  Artifact
		found bool
	)
	for _, id := range s.bySession[sessionKey] {
		a := s.byID[id]
		if !found || !a.CreatedAt.Before(best.CreatedAt) {
			best, found = a, true
		}
	}
	if !found {
		return Artifact{}, ErrNotFound
	}
	return best, nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	ids := s.bySession[a.SessionKey]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.bySession, a.SessionKey)
	} else {
		s.bySession[a.SessionKey] = ids
	}
	return nil
}

// Len returns the number of stored artifacts.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
