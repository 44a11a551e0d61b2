package dictionary

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Stats summarises the enabled entries of an Engine.
type Stats struct {
	Total     int     `json:"total"`
	Disabled  int     `json:"disabled"`
	AvgWeight float64 `json:"avg_weight"`
	MaxWeight float64 `json:"max_weight"`
	MinWeight float64 `json:"min_weight"`
}

// Stats returns weight statistics.
func (e *Engine) Stats() Stats {
	s := Stats{Total: len(e.entries), Disabled: len(e.all) - len(e.entries)}
	if len(e.entries) == 0 {
		return s
	}
	s.MinWeight = e.entries[len(e.entries)-1].Weight
	s.MaxWeight = e.entries[0].Weight
	var sum float64
	for _, en := range e.entries {
		sum += en.Weight
	}
	s.AvgWeight = sum / float64(len(e.entries))
	return s
}

// PromptTerms returns up to limit distinct replacement terms, heaviest
// first, formatted as "term (weight%)" for a transcription prompt. A limit
// of 0 or less returns all terms.
func (e *Engine) PromptTerms(limit int) []string {
	if e == nil {
		return nil
	}
	seen := make(map[string]bool, len(e.entries))
	var out []string
	for _, en := range e.entries {
		key := strings.ToLower(en.Replacement)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, en.Replacement+" ("+strconv.FormatFloat(en.Weight*100, 'f', 0, 64)+"%)")
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Store holds the current Engine and reloads it from a file. Readers call
// Engine for a snapshot; a reload never mutates an Engine already handed
// out.
type Store struct {
	cur    atomic.Pointer[Engine]
	logger *slog.Logger

	mu   sync.Mutex
	opts []Option
	path string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithEngineOptions sets the options applied to every Engine the store
// builds.
func WithEngineOptions(opts ...Option) StoreOption {
	return func(s *Store) { s.opts = append(s.opts, opts...) }
}

// WithLogger sets the logger for reload reports. Defaults to slog.Default.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore returns a Store holding an empty Engine.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.cur.Store(New(nil, s.opts...))
	return s
}

// Engine returns the current engine. It never returns nil.
func (s *Store) Engine() *Engine { return s.cur.Load() }

// Set replaces the current engine with one built from entries.
func (s *Store) Set(entries []Entry) {
	s.cur.Store(New(entries, s.options()...))
}

// Configure replaces the engine options used by later loads. The current
// engine is left untouched until the next Load, Reload or Set.
func (s *Store) Configure(opts ...Option) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = slices.Clone(opts)
}

func (s *Store) options() []Option {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.opts)
}

// Path returns the file last passed to Load.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Load parses the file at path and makes it current. On error the previous
// engine stays in place.
func (s *Store) Load(path string) error {
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	return s.load(path)
}

// Reload re-reads the file from the last Load.
func (s *Store) Reload() error {
	path := s.Path()
	if path == "" {
		return fmt.Errorf("dictionary: reload: no file loaded")
	}
	return s.load(path)
}

func (s *Store) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("dictionary: open %s: %w", path, err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return err
	}
	e := New(entries, s.options()...)
	s.cur.Store(e)
	s.logger.Info("dictionary loaded", "path", path, "entries", e.Len(), "disabled", len(entries)-e.Len())
	return nil
}
