package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrNotFound is returned by a [Store] for an unknown fingerprint or payload
// reference.
var ErrNotFound = errors.New("retry: not found")

// Store persists retry tasks and their payloads so that pending retries
// survive a restart. Implementations must be safe for concurrent use.
type Store interface {
	// Put creates or replaces the task record keyed by t.Fingerprint.
	Put(ctx context.Context, t Task) error

	// Get returns the task record for fp or [ErrNotFound].
	Get(ctx context.Context, fp string) (Task, error)

	// Delete removes the task record for fp together with its payload.
	// Deleting an unknown fingerprint is not an error.
	Delete(ctx context.Context, fp string) error

	// List returns every task record.
	List(ctx context.Context) ([]Task, error)

	// PutPayload stores p under ref.
	PutPayload(ctx context.Context, ref string, p Payload) error

	// GetPayload returns the payload stored under ref or [ErrNotFound].
	GetPayload(ctx context.Context, ref string) (Payload, error)

	// DeletePayload removes the payload stored under ref. Deleting an unknown
	// reference is not an error.
	DeletePayload(ctx context.Context, ref string) error

	// ListPayloads returns every stored payload reference.
	ListPayloads(ctx context.Context) ([]string, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

var _ Store = (*FileStore)(nil)

// FileStore keeps tasks and payloads as JSON files below a directory:
//
//	<dir>/tasks/<fingerprint>.json
//	<dir>/payloads/<ref>.json
//
// Every write goes to a temporary file that is renamed into place.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir, creating the directory
// layout if needed.
func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{"tasks", "payloads"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("retry: create store dir: %w", err)
		}
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory of the store.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) taskPath(fp string) string {
	return filepath.Join(s.dir, "tasks", fp+".json")
}

func (s *FileStore) payloadPath(ref string) string {
	return filepath.Join(s.dir, "payloads", ref+".json")
}

// Put implements [Store].
func (s *FileStore) Put(_ context.Context, t Task) error {
	if err := validKey(t.Fingerprint); err != nil {
		return err
	}
	return writeJSON(s.taskPath(t.Fingerprint), t)
}

// Get implements [Store].
func (s *FileStore) Get(_ context.Context, fp string) (Task, error) {
	var t Task
	if err := validKey(fp); err != nil {
		return t, err
	}
	err := readJSON(s.taskPath(fp), &t)
	return t, err
}

// Delete implements [Store].
func (s *FileStore) Delete(ctx context.Context, fp string) error {
	if err := validKey(fp); err != nil {
		return err
	}
	ref := fp
	var t Task
	if err := readJSON(s.taskPath(fp), &t); err == nil && t.PayloadRef != "" {
		ref = t.PayloadRef
	}
	if err := removeFile(s.taskPath(fp)); err != nil {
		return err
	}
	return s.DeletePayload(ctx, ref)
}

// List implements [Store].
func (s *FileStore) List(_ context.Context) ([]Task, error) {
	names, err := listKeys(filepath.Join(s.dir, "tasks"))
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(names))
	for _, name := range names {
		var t Task
		if err := readJSON(s.taskPath(name), &t); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// PutPayload implements [Store].
func (s *FileStore) PutPayload(_ context.Context, ref string, p Payload) error {
	if err := validKey(ref); err != nil {
		return err
	}
	return writeJSON(s.payloadPath(ref), p)
}

// GetPayload implements [Store].
func (s *FileStore) GetPayload(_ context.Context, ref string) (Payload, error) {
	var p Payload
	if err := validKey(ref); err != nil {
		return p, err
	}
	err := readJSON(s.payloadPath(ref), &p)
	return p, err
}

// DeletePayload implements [Store].
func (s *FileStore) DeletePayload(_ context.Context, ref string) error {
	if err := validKey(ref); err != nil {
		return err
	}
	return removeFile(s.payloadPath(ref))
}

// ListPayloads implements [Store].
func (s *FileStore) ListPayloads(_ context.Context) ([]string, error) {
	return listKeys(filepath.Join(s.dir, "payloads"))
}

// Ping implements [Store].
func (s *FileStore) Ping(_ context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("retry: file store: %w", err)
	}
	return nil
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\.`) {
		return fmt.Errorf("retry: invalid key %q", key)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("retry: encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("retry: write %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("retry: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("retry: write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("retry: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("retry: read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("retry: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("retry: remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

func listKeys(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("retry: list %s: %w", filepath.Base(dir), err)
	}
	var keys []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	slices.Sort(keys)
	return keys, nil
}
