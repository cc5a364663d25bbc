// Package mock provides a recording test double for [artifact.Store].
//
// Typical usage:
//
//	store := &mock.Store{}
//	// inject store into the system under test …
//	if got := store.CallCount("Put"); got != 1 {
//	    t.Errorf("expected 1 Put call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/meetrec/pkg/artifact"
)

var _ artifact.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [artifact.Store]. It delegates
// storage to an embedded [artifact.MemStore] unless an error field is set.
type Store struct {
	mu    sync.Mutex
	calls []Call
	mem   *artifact.MemStore

	// PutErr is returned by [Store.Put] when non-nil.
	PutErr error

	// GetErr is returned by [Store.Get] when non-nil.
	GetErr error

	// LatestErr is returned by [Store.Latest] when non-nil.
	LatestErr error

	// DeleteErr is returned by [Store.Delete] when non-nil.
	DeleteErr error

	// Stored receives every artifact passed to Put, in order.
	Stored []artifact.Artifact
}

func (s *Store) record(method string, args ...any) *artifact.MemStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: method, Args: args})
	if s.mem == nil {
		s.mem = artifact.NewMemStore()
	}
	return s.mem
}

// Put implements [artifact.Store].
func (s *Store) Put(ctx context.Context, a artifact.Artifact) error {
	mem := s.record("Put", a)
	s.mu.Lock()
	s.Stored = append(s.Stored, a)
	err := s.PutErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return mem.Put(ctx, a)
}

// Get implements [artifact.Store].
func (s *Store) Get(ctx context.Context, id string) (artifact.Artifact, error) {
	mem := s.record("Get", id)
	if err := s.err(func() error { return s.GetErr }); err != nil {
		return artifact.Artifact{}, err
	}
	return mem.Get(ctx, id)
}

// Latest implements [artifact.Store].
func (s *Store) Latest(ctx context.Context, sessionKey string) (artifact.Artifact, error) {
	mem := s.record("Latest", sessionKey)
	if err := s.err(func() error { return s.LatestErr }); err != nil {
		return artifact.Artifact{}, err
	}
	return mem.Latest(ctx, sessionKey)
}

// Delete implements [artifact.Store].
func (s *Store) Delete(ctx context.Context, id string) error {
	mem := s.record("Delete", id)
	if err := s.err(func() error { return s.DeleteErr }); err != nil {
		return err
	}
	return mem.Delete(ctx, id)
}

func (s *Store) err(get func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get()
}

// Calls returns a copy of all recorded calls in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// StoredArtifacts returns a copy of every artifact passed to Put.
func (s *Store) StoredArtifacts() []artifact.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]artifact.Artifact, len(s.Stored))
	copy(out, s.Stored)
	return out
}
