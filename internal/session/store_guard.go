package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/meetrec/pkg/artifact"
)

// StoreGuard wraps an [artifact.Store] so a finished recording is never lost
// to a storage outage. A failed Put keeps the artifact in an in-memory spill
// store instead; lookups consult the primary store first and then the
// spill. IsDegraded reports whether the most recent primary operation
// failed.
//
// StoreGuard implements [artifact.Store]. All methods are safe for
// concurrent use.
type StoreGuard struct {
	store    artifact.Store
	spill    *artifact.MemStore
	degraded atomic.Bool
}

// NewStoreGuard wraps store.
func NewStoreGuard(store artifact.Store) *StoreGuard {
	return &StoreGuard{store: store, spill: artifact.NewMemStore()}
}

// Put stores a in the primary store, or in the spill store when that fails.
// It only returns an error if both fail.
func (g *StoreGuard) Put(ctx context.Context, a artifact.Artifact) error {
	err := g.store.Put(ctx, a)
	if err == nil {
		g.degraded.Store(false)
		return nil
	}
	g.degraded.Store(true)
	slog.Warn("store guard: Put failed, keeping artifact in memory",
		"session", a.SessionKey,
		"artifact", a.ID,
		"err", err,
	)
	if spillErr := g.spill.Put(ctx, a); spillErr != nil {
		return fmt.Errorf("session: store artifact: %w", errors.Join(err, spillErr))
	}
	return nil
}

// Get returns the artifact with id from either store.
func (g *StoreGuard) Get(ctx context.Context, id string) (artifact.Artifact, error) {
	return g.lookup(ctx, "Get", id, g.store.Get, g.spill.Get)
}

// Latest returns the newest artifact of sessionKey from either store.
func (g *StoreGuard) Latest(ctx context.Context, sessionKey string) (artifact.Artifact, error) {
	a, err := g.lookup(ctx, "Latest", sessionKey, g.store.Latest, g.spill.Latest)
	if err != nil {
		return a, err
	}
	// A spilled artifact may be newer than what the primary store holds.
	if s, spillErr := g.spill.Latest(ctx, sessionKey); spillErr == nil && s.CreatedAt.After(a.CreatedAt) {
		return s, nil
	}
	return a, nil
}

// Delete removes id from both stores.
func (g *StoreGuard) Delete(ctx context.Context, id string) error {
	_ = g.spill.Delete(ctx, id)
	if err := g.store.Delete(ctx, id); err != nil {
		g.degraded.Store(true)
		return err
	}
	g.degraded.Store(false)
	return nil
}

// IsDegraded reports whether the most recent primary store operation failed.
func (g *StoreGuard) IsDegraded() bool {
	return g.degraded.Load()
}

// Spilled returns how many artifacts are held in memory because the primary
// store rejected them.
func (g *StoreGuard) Spilled() int {
	return g.spill.Len()
}

func (g *StoreGuard) lookup(
	ctx context.Context,
	op, arg string,
	primary, spill func(context.Context, string) (artifact.Artifact, error),
) (artifact.Artifact, error) {
	a, err := primary(ctx, arg)
	switch {
	case err == nil:
		g.degraded.Store(false)
		return a, nil
	case errors.Is(err, artifact.ErrNotFound):
		g.degraded.Store(false)
	default:
		g.degraded.Store(true)
		slog.Warn("store guard: lookup failed, trying memory", "op", op, "arg", arg, "err", err)
	}

	if s, spillErr := spill(ctx, arg); spillErr == nil {
		return s, nil
	}
	return artifact.Artifact{}, err
}

// Compile-time check that StoreGuard satisfies artifact.Store.
var _ artifact.Store = (*StoreGuard)(nil)
