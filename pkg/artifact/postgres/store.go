package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/meetrec/pkg/artifact"
)

var _ artifact.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [artifact.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("artifact store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("artifact store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("artifact store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Put implements [artifact.Store].
func (s *Store) Put(ctx context.Context, a artifact.Artifact) error {
	const q = `
		INSERT INTO artifacts (id, session_key, mime_type, format, data, duration_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    session_key = EXCLUDED.session_key,
		    mime_type   = EXCLUDED.mime_type,
		    format      = EXCLUDED.format,
		    data        = EXCLUDED.data,
		    duration_ns = EXCLUDED.duration_ns,
		    created_at  = EXCLUDED.created_at`

	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		a.ID,
		a.SessionKey,
		a.MIMEType,
		a.Format,
		a.Data,
		a.Duration.Nanoseconds(),
		created,
	)
	if err != nil {
		return fmt.Errorf("artifact store: put: %w", err)
	}
	return nil
}

// Get implements [artifact.Store].
func (s *Store) Get(ctx context.Context, id string) (artifact.Artifact, error) {
	const q = `
		SELECT id, session_key, mime_type, format, data, duration_ns, created_at
		FROM   artifacts
		WHERE  id = $1`

	return s.queryOne(ctx, "get", q, id)
}

// Latest implements [artifact.Store].
func (s *Store) Latest(ctx context.Context, sessionKey string) (artifact.Artifact, error) {
	const q = `
		SELECT id, session_key, mime_type, format, data, duration_ns, created_at
		FROM   artifacts
		WHERE  session_key = $1
		ORDER  BY created_at DESC
		LIMIT  1`

	return s.queryOne(ctx, "latest", q, sessionKey)
}

// Delete implements [artifact.Store].
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM artifacts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("artifact store: delete: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) queryOne(ctx context.Context, op, q string, arg any) (artifact.Artifact, error) {
	rows, err := s.pool.Query(ctx, q, arg)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("artifact store: %s: %w", op, err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanArtifact)
	if errors.Is(err, pgx.ErrNoRows) {
		return artifact.Artifact{}, artifact.ErrNotFound
	}
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("artifact store: %s: %w", op, err)
	}
	return a, nil
}

func scanArtifact(row pgx.CollectableRow) (artifact.Artifact, error) {
	var (
		a          artifact.Artifact
		durationNS int64
	)
	if err := row.Scan(
		&a.ID,
		&a.SessionKey,
		&a.MIMEType,
		&a.Format,
		&a.Data,
		&durationNS,
		&a.CreatedAt,
	); err != nil {
		return artifact.Artifact{}, err
	}
	a.Duration = time.Duration(durationNS)
	return a, nil
}
