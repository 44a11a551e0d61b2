// Package postgres provides a PostgreSQL-backed [retry.Store].
//
// Task records live in retry_tasks and payloads in retry_payloads, where the
// audio is kept as a JSONB document with a numeric sample array. Deleting a
// task deletes its payload in the same transaction.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	q := retry.New(store, handler)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRetry = `
CREATE TABLE IF NOT EXISTS retry_payloads (
    ref         TEXT         PRIMARY KEY,
    payload     JSONB        NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS retry_tasks (
    fingerprint    TEXT         PRIMARY KEY,
    id             TEXT         NOT NULL,
    attempts       INTEGER      NOT NULL DEFAULT 0,
    next_eligible  TIMESTAMPTZ  NOT NULL,
    last_error     TEXT         NOT NULL DEFAULT '',
    payload_ref    TEXT         NOT NULL,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_retry_tasks_next_eligible
    ON retry_tasks (next_eligible);
`

// Migrate creates the retry tables and indexes if they do not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlRetry); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
