// Package output delivers finished transcript text to its destination.
//
// The pipeline writes one line per final segment to a [Sink]. Sinks are
// swappable: [WriterSink] targets stdout or any io.Writer, [FileSink]
// appends to a transcript file, and [Multi] fans out to several sinks.
package output

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Sink receives transcript text. Implementations must be safe for concurrent
// use.
type Sink interface {
	Write(ctx context.Context, text string) error
}

// Func adapts a function to [Sink].
type Func func(ctx context.Context, text string) error

// Write calls f.
func (f Func) Write(ctx context.Context, text string) error { return f(ctx, text) }

var (
	_ Sink = Func(nil)
	_ Sink = (*WriterSink)(nil)
	_ Sink = (*FileSink)(nil)
	_ Sink = Multi(nil)
)

// WriterSink writes each text as one line to an [io.Writer].
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a WriterSink on w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Write implements [Sink]. Empty text is skipped.
func (s *WriterSink) Write(ctx context.Context, text string) error {
	line := oneLine(text)
	if line == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, line+"\n"); err != nil {
		return fmt.Errorf("output: write: %w", err)
	}
	return nil
}

// FileSink appends each text as one line to a file. Every write is flushed
// before Write returns.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	buf  *bufio.Writer
}

// NewFileSink opens path for appending, creating it if needed.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("output: open %s: %w", path, err)
	}
	return &FileSink{path: path, f: f, buf: bufio.NewWriter(f)}, nil
}

// Path returns the file path.
func (s *FileSink) Path() string { return s.path }

// Write implements [Sink]. Empty text is skipped.
func (s *FileSink) Write(_ context.Context, text string) error {
	line := oneLine(text)
	if line == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("output: %s: %w", s.path, os.ErrClosed)
	}
	if _, err := s.buf.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("output: write %s: %w", s.path, err)
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("output: flush %s: %w", s.path, err)
	}
	return nil
}

// Close closes the file. Further writes fail.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := errors.Join(s.buf.Flush(), s.f.Close())
	s.f = nil
	return err
}

// Multi writes to every sink in order and joins their errors. A failing sink
// does not stop delivery to the others.
type Multi []Sink

// Write implements [Sink].
func (m Multi) Write(ctx context.Context, text string) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// oneLine collapses line breaks so that one text is one output line.
func oneLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
