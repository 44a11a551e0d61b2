package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval used when none is given.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a file and calls a callback with the new contents whenever
// they change. Modification time is checked first; the SHA-256 of the
// contents decides whether a change happened, so touching a file is not a
// change. Polling avoids an fsnotify dependency and works on network mounts.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(data []byte) error
	logger   *slog.Logger

	mu        sync.Mutex
	lastMtime time.Time
	lastHash  [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the watcher's logger. Default: [slog.Default].
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher reads path once to record its current state and starts polling
// in the background. onChange is not called for the initial contents. When
// onChange returns an error the new contents are rejected and the next
// modification is tried again.
func NewWatcher(path string, onChange func(data []byte) error, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	data, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.lastHash = sha256.Sum256(data)
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Stop stops polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	data, mtime, err := w.read()
	if err != nil {
		w.logger.Warn("watcher: cannot read file", "path", w.path, "err", err)
		return
	}
	hash := sha256.Sum256(data)

	w.mu.Lock()
	w.lastMtime = mtime
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	if w.onChange != nil {
		if err := w.onChange(data); err != nil {
			w.logger.Warn("watcher: change rejected, keeping previous state", "path", w.path, "err", err)
			return
		}
	}
	w.mu.Lock()
	w.lastHash = hash
	w.mu.Unlock()
	w.logger.Info("watcher: file reloaded", "path", w.path)
}

func (w *Watcher) read() ([]byte, time.Time, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

// WatchConfig watches a YAML config file. Each valid new version is passed to
// onChange together with the previous one; invalid versions are logged and
// ignored.
func WatchConfig(path string, initial *Config, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	var (
		mu      sync.Mutex
		current = initial
	)
	return NewWatcher(path, func(data []byte) error {
		cfg, err := LoadFromReader(bytes.NewReader(data))
		if err != nil {
			return err
		}
		mu.Lock()
		old := current
		current = cfg
		mu.Unlock()
		if onChange != nil {
			onChange(old, cfg)
		}
		return nil
	}, opts...)
}
