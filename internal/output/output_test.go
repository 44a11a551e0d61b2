package output_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/stenograph/internal/output"
)

func TestWriterSink(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := output.NewWriterSink(&buf)
	ctx := context.Background()

	for _, text := range []string{"hello world.", "", "  second\nline  "} {
		if err := s.Write(ctx, text); err != nil {
			t.Fatalf("Write(%q): %v", text, err)
		}
	}
	if got, want := buf.String(), "hello world.\nsecond line\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestFileSink_Appends(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "transcript.txt")
	if err := os.WriteFile(path, []byte("earlier\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := output.NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if err := s.Write(context.Background(), "later"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, _ := os.ReadFile(path)
	if got := string(data); got != "earlier\nlater\n" {
		t.Errorf("file = %q", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Write(context.Background(), "after close"); !errors.Is(err, os.ErrClosed) {
		t.Errorf("write after close: err = %v, want os.ErrClosed", err)
	}
}

func TestMulti_DeliversDespiteFailure(t *testing.T) {
	t.Parallel()
	errBroken := errors.New("broken pipe")
	var buf bytes.Buffer
	m := output.Multi{
		output.Func(func(context.Context, string) error { return errBroken }),
		output.NewWriterSink(&buf),
	}
	err := m.Write(context.Background(), "text")
	if !errors.Is(err, errBroken) {
		t.Errorf("err = %v, want errBroken", err)
	}
	if buf.String() != "text\n" {
		t.Errorf("second sink got %q", buf.String())
	}
}
