package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/stenograph/internal/pipeline"
	"github.com/MrWong99/stenograph/pkg/types"
)

func TestArena_WaitBlocksUntilDrained(t *testing.T) {
	t.Parallel()
	a := pipeline.NewArena()
	if err := a.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on empty arena: %v", err)
	}

	a.Admit(segment("x", 1, true))
	if again := a.Admit(segment("x", 1, true)); again.SegmentID != "x" || a.Active() != 1 {
		t.Fatalf("Admit should be idempotent, Active = %d", a.Active())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Wait(ctx); err == nil {
		t.Fatal("Wait returned with an active segment")
	}

	done := make(chan error, 1)
	go func() { done <- a.Wait(context.Background()) }()
	ps, ok := a.Complete("x")
	if !ok || ps.Status != types.StatusPending {
		t.Fatalf("Complete = %+v, %v", ps, ok)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Complete")
	}
	if _, ok := a.Complete("x"); ok {
		t.Error("second Complete should report false")
	}
}

func TestArena_Discard(t *testing.T) {
	t.Parallel()
	a := pipeline.NewArena()
	a.Admit(segment("x", 1, true))
	a.Admit(segment("y", 2, true))
	a.Complete("y")
	a.Discard()

	if err := a.Wait(context.Background()); err != nil {
		t.Errorf("Wait after Discard: %v", err)
	}
	if len(a.Completed()) != 0 || a.Active() != 0 {
		t.Error("Discard left segments behind")
	}
	if _, ok := a.Complete("x"); ok {
		t.Error("discarded segment completed")
	}
}

func TestStageMeans(t *testing.T) {
	t.Parallel()
	got := pipeline.StageMeans([]types.ProcessedSegment{
		{Timings: types.StageTimings{types.StageTranscribe: 10 * time.Millisecond}},
		{Timings: types.StageTimings{types.StageTranscribe: 30 * time.Millisecond, types.StageCorrect: 4 * time.Millisecond}},
	})
	if got[types.StageTranscribe] != 20*time.Millisecond {
		t.Errorf("transcribe mean = %v", got[types.StageTranscribe])
	}
	if got[types.StageCorrect] != 4*time.Millisecond {
		t.Errorf("correct mean = %v", got[types.StageCorrect])
	}
}
