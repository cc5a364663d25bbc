// Package postgres provides a PostgreSQL-backed [artifact.Store].
//
// Artifacts are stored as BYTEA rows in a single table. [Migrate] creates the
// table and its session index idempotently and is run by [NewStore].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Put(ctx, a)
//	latest, _ := store.Latest(ctx, sessionKey)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlArtifacts = `
CREATE TABLE IF NOT EXISTS artifacts (
    id           TEXT         PRIMARY KEY,
    session_key  TEXT         NOT NULL,
    mime_type    TEXT         NOT NULL,
    format       TEXT         NOT NULL DEFAULT '',
    data         BYTEA        NOT NULL,
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_artifacts_session_created
    ON artifacts (session_key, created_at DESC);
`

// Migrate creates the artifacts table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlArtifacts); err != nil {
		return fmt.Errorf("migrate artifacts: %w", err)
	}
	return nil
}
