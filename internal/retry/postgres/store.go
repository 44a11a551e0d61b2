package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/stenograph/internal/retry"
)

var _ retry.Store = (*Store)(nil)

// Store is a [retry.Store] backed by a [pgxpool.Pool]. All operations are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the PostgreSQL database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres retry store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres retry store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres retry store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool. The caller is responsible for running
// [Migrate] and closing the pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Put implements [retry.Store].
func (s *Store) Put(ctx context.Context, t retry.Task) error {
	const q = `
		INSERT INTO retry_tasks (fingerprint, id, attempts, next_eligible, last_error, payload_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (fingerprint) DO UPDATE SET
		    id            = EXCLUDED.id,
		    attempts      = EXCLUDED.attempts,
		    next_eligible = EXCLUDED.next_eligible,
		    last_error    = EXCLUDED.last_error,
		    payload_ref   = EXCLUDED.payload_ref`

	_, err := s.pool.Exec(ctx, q,
		t.Fingerprint, t.ID, t.Attempts, t.NextEligible, t.LastError, t.PayloadRef, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres retry store: put %s: %w", t.ID, err)
	}
	return nil
}

const selectTask = `
	SELECT id, fingerprint, attempts, next_eligible, last_error, payload_ref, created_at
	FROM retry_tasks`

func scanTask(row pgx.Row) (retry.Task, error) {
	var t retry.Task
	err := row.Scan(&t.ID, &t.Fingerprint, &t.Attempts, &t.NextEligible, &t.LastError, &t.PayloadRef, &t.CreatedAt)
	return t, err
}

// Get implements [retry.Store].
func (s *Store) Get(ctx context.Context, fp string) (retry.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, selectTask+` WHERE fingerprint = $1`, fp))
	if errors.Is(err, pgx.ErrNoRows) {
		return retry.Task{}, retry.ErrNotFound
	}
	if err != nil {
		return retry.Task{}, fmt.Errorf("postgres retry store: get: %w", err)
	}
	return t, nil
}

// Delete implements [retry.Store]. The task and its payload are removed in
// one transaction.
func (s *Store) Delete(ctx context.Context, fp string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres retry store: delete: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ref := fp
	err = tx.QueryRow(ctx, `DELETE FROM retry_tasks WHERE fingerprint = $1 RETURNING payload_ref`, fp).Scan(&ref)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres retry store: delete task: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM retry_payloads WHERE ref = $1`, ref); err != nil {
		return fmt.Errorf("postgres retry store: delete payload: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres retry store: delete: commit: %w", err)
	}
	return nil
}

// List implements [retry.Store]. Tasks are ordered by next eligible time.
func (s *Store) List(ctx context.Context) ([]retry.Task, error) {
	rows, err := s.pool.Query(ctx, selectTask+` ORDER BY next_eligible, created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres retry store: list: %w", err)
	}
	defer rows.Close()

	var tasks []retry.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres retry store: list: scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres retry store: list: %w", err)
	}
	return tasks, nil
}

// PutPayload implements [retry.Store].
func (s *Store) PutPayload(ctx context.Context, ref string, p retry.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("postgres retry store: encode payload: %w", err)
	}
	const q = `
		INSERT INTO retry_payloads (ref, payload) VALUES ($1, $2)
		ON CONFLICT (ref) DO UPDATE SET payload = EXCLUDED.payload`
	if _, err := s.pool.Exec(ctx, q, ref, data); err != nil {
		return fmt.Errorf("postgres retry store: put payload: %w", err)
	}
	return nil
}

// GetPayload implements [retry.Store].
func (s *Store) GetPayload(ctx context.Context, ref string) (retry.Payload, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM retry_payloads WHERE ref = $1`, ref).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return retry.Payload{}, retry.ErrNotFound
	}
	if err != nil {
		return retry.Payload{}, fmt.Errorf("postgres retry store: get payload: %w", err)
	}
	var p retry.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return retry.Payload{}, fmt.Errorf("postgres retry store: decode payload: %w", err)
	}
	return p, nil
}

// DeletePayload implements [retry.Store].
func (s *Store) DeletePayload(ctx context.Context, ref string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM retry_payloads WHERE ref = $1`, ref); err != nil {
		return fmt.Errorf("postgres retry store: delete payload: %w", err)
	}
	return nil
}

// ListPayloads implements [retry.Store].
func (s *Store) ListPayloads(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT ref FROM retry_payloads ORDER BY ref`)
	if err != nil {
		return nil, fmt.Errorf("postgres retry store: list payloads: %w", err)
	}
	refs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres retry store: list payloads: %w", err)
	}
	return refs, nil
}

// Ping implements [retry.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
