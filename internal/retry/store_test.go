package retry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/stenograph/internal/retry"
	"github.com/MrWong99/stenograph/pkg/audio"
	"github.com/MrWong99/stenograph/pkg/types"
)

var mono16k = types.AudioFormat{SampleRate: 16000, Channels: 1}

func testPayload(samples ...int16) retry.Payload {
	return retry.Payload{PCM: audio.FromSamples(samples), Format: mono16k, Prompt: "meeting notes", Language: "en"}
}

func newFileStore(t *testing.T) *retry.FileStore {
	t.Helper()
	s, err := retry.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	a := testPayload(1, 2, 3)
	b := testPayload(1, 2, 3)
	b.Prompt = "something else"
	if retry.Fingerprint(a) != retry.Fingerprint(b) {
		t.Error("prompt should not affect the fingerprint")
	}

	c := a
	c.Format = types.AudioFormat{SampleRate: 8000, Channels: 1}
	if retry.Fingerprint(a) == retry.Fingerprint(c) {
		t.Error("format should affect the fingerprint")
	}
	if retry.Fingerprint(a) == retry.Fingerprint(testPayload(1, 2, 4)) {
		t.Error("samples should affect the fingerprint")
	}
	if got := len(retry.Fingerprint(a)); got != 64 {
		t.Errorf("fingerprint length = %d, want 64", got)
	}
}

func TestPayload_JSONSamples(t *testing.T) {
	t.Parallel()
	p := testPayload(1, -2, 32767)
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"samples":[1,-2,32767]`)) {
		t.Errorf("payload JSON = %s, want numeric sample array", data)
	}

	var got retry.Payload
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !bytes.Equal(got.PCM, p.PCM) || got.Format != p.Format || got.Prompt != p.Prompt || got.Language != p.Language {
		t.Errorf("round trip = %+v, want %+v", got, p)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newFileStore(t)

	p := testPayload(5, 6)
	fp := retry.Fingerprint(p)
	task := retry.Task{ID: "t1", Fingerprint: fp, Attempts: 2, PayloadRef: fp, CreatedAt: time.Unix(100, 0).UTC()}

	if err := s.PutPayload(ctx, fp, p); err != nil {
		t.Fatalf("PutPayload: %v", err)
	}
	if err := s.Put(ctx, task); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "t1" || got.Attempts != 2 || !got.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("Get = %+v", got)
	}
	tasks, _ := s.List(ctx)
	if len(tasks) != 1 {
		t.Errorf("List returned %d tasks, want 1", len(tasks))
	}
	refs, _ := s.ListPayloads(ctx)
	if !slices.Equal(refs, []string{fp}) {
		t.Errorf("ListPayloads = %v", refs)
	}

	if err := s.Delete(ctx, fp); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, fp); !errors.Is(err, retry.ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetPayload(ctx, fp); !errors.Is(err, retry.ErrNotFound) {
		t.Errorf("payload should be deleted with its task, err = %v", err)
	}
	if err := s.Delete(ctx, fp); err != nil {
		t.Errorf("deleting a missing task: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestFileStore_RejectsPathKeys(t *testing.T) {
	t.Parallel()
	s := newFileStore(t)
	for _, key := range []string{"", "../escape", "a/b", "x.json"} {
		err := s.Put(context.Background(), retry.Task{Fingerprint: key})
		if err == nil || !strings.Contains(err.Error(), "invalid key") {
			t.Errorf("Put(%q): err = %v, want invalid key", key, err)
		}
	}
}
