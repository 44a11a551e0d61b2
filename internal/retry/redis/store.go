// Package redis provides a Redis-backed [retry.Store].
//
// Keys are laid out as:
//
//	<prefix>:task:<fingerprint>   JSON task record
//	<prefix>:payload:<ref>        JSON payload
//	<prefix>:tasks                set of task fingerprints
//	<prefix>:payloads             set of payload references
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/stenograph/internal/retry"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "stenograph:retry"

var _ retry.Store = (*Store)(nil)

// Store is a [retry.Store] backed by a go-redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Default: [DefaultPrefix].
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// New returns a Store using client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dial parses a redis:// URL and returns a Store connected to it.
func Dial(url string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis retry store: parse url: %w", err)
	}
	return New(redis.NewClient(o), opts...), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) taskKey(fp string) string     { return s.prefix + ":task:" + fp }
func (s *Store) payloadKey(ref string) string { return s.prefix + ":payload:" + ref }
func (s *Store) taskIndex() string            { return s.prefix + ":tasks" }
func (s *Store) payloadIndex() string         { return s.prefix + ":payloads" }

// Put implements [retry.Store].
func (s *Store) Put(ctx context.Context, t retry.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis retry store: encode task: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.taskKey(t.Fingerprint), data, 0)
	pipe.SAdd(ctx, s.taskIndex(), t.Fingerprint)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis retry store: put: %w", err)
	}
	return nil
}

// Get implements [retry.Store].
func (s *Store) Get(ctx context.Context, fp string) (retry.Task, error) {
	var t retry.Task
	if err := s.getJSON(ctx, s.taskKey(fp), &t); err != nil {
		return retry.Task{}, err
	}
	return t, nil
}

// Delete implements [retry.Store]. The task, its payload and both index
// entries are removed in one transaction.
func (s *Store) Delete(ctx context.Context, fp string) error {
	ref := fp
	if t, err := s.Get(ctx, fp); err == nil && t.PayloadRef != "" {
		ref = t.PayloadRef
	} else if err != nil && !errors.Is(err, retry.ErrNotFound) {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.taskKey(fp), s.payloadKey(ref))
	pipe.SRem(ctx, s.taskIndex(), fp)
	pipe.SRem(ctx, s.payloadIndex(), ref)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis retry store: delete: %w", err)
	}
	return nil
}

// List implements [retry.Store]. Index entries whose record has expired or
// been removed out of band are skipped.
func (s *Store) List(ctx context.Context) ([]retry.Task, error) {
	fps, err := s.members(ctx, s.taskIndex())
	if err != nil {
		return nil, err
	}
	tasks := make([]retry.Task, 0, len(fps))
	for _, fp := range fps {
		t, err := s.Get(ctx, fp)
		if errors.Is(err, retry.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// PutPayload implements [retry.Store].
func (s *Store) PutPayload(ctx context.Context, ref string, p retry.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis retry store: encode payload: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.payloadKey(ref), data, 0)
	pipe.SAdd(ctx, s.payloadIndex(), ref)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis retry store: put payload: %w", err)
	}
	return nil
}

// GetPayload implements [retry.Store].
func (s *Store) GetPayload(ctx context.Context, ref string) (retry.Payload, error) {
	var p retry.Payload
	if err := s.getJSON(ctx, s.payloadKey(ref), &p); err != nil {
		return retry.Payload{}, err
	}
	return p, nil
}

// DeletePayload implements [retry.Store].
func (s *Store) DeletePayload(ctx context.Context, ref string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.payloadKey(ref))
	pipe.SRem(ctx, s.payloadIndex(), ref)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis retry store: delete payload: %w", err)
	}
	return nil
}

// ListPayloads implements [retry.Store].
func (s *Store) ListPayloads(ctx context.Context) ([]string, error) {
	return s.members(ctx, s.payloadIndex())
}

// Ping implements [retry.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis retry store: ping: %w", err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return retry.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis retry store: get: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("redis retry store: decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) members(ctx context.Context, key string) ([]string, error) {
	m, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis retry store: list: %w", err)
	}
	slices.Sort(m)
	return m, nil
}
