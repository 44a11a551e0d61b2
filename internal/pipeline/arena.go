package pipeline

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/stenograph/pkg/types"
)

// Arena owns the ProcessedSegments of one session, addressed by segment ID.
// A segment is active from [Arena.Admit] until [Arena.Complete], after which
// it belongs to the completed set. [Arena.Wait] blocks until no segment is
// active. An Arena is safe for concurrent use.
type Arena struct {
	mu        sync.Mutex
	active    map[string]*types.ProcessedSegment
	completed map[string]*types.ProcessedSegment

	// drained is closed whenever active is empty.
	drained chan struct{}
}

// NewArena returns an empty Arena.
func NewArena() *Arena {
	a := &Arena{
		active:    make(map[string]*types.ProcessedSegment),
		completed: make(map[string]*types.ProcessedSegment),
		drained:   make(chan struct{}),
	}
	close(a.drained)
	return a
}

// Admit creates a pending ProcessedSegment for seg in the active set. Admitting
// an already active segment returns the existing entry.
func (a *Arena) Admit(seg types.AudioSegment) *types.ProcessedSegment {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ps, ok := a.active[seg.ID]; ok {
		return ps
	}
	if len(a.active) == 0 {
		a.drained = make(chan struct{})
	}
	ps := newProcessed(seg)
	a.active[seg.ID] = ps
	return ps
}

// Complete moves the segment id from the active to the completed set and
// returns a copy of it. It reports false if id is not active.
func (a *Arena) Complete(id string) (types.ProcessedSegment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps, ok := a.active[id]
	if !ok {
		return types.ProcessedSegment{}, false
	}
	delete(a.active, id)
	a.completed[id] = ps
	if len(a.active) == 0 {
		close(a.drained)
	}
	return *ps, true
}

// Active returns the number of segments still in progress.
func (a *Arena) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// Wait blocks until the active set is empty or ctx is done.
func (a *Arena) Wait(ctx context.Context) error {
	a.mu.Lock()
	ch := a.drained
	a.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Completed returns copies of the completed segments in submission order.
func (a *Arena) Completed() []types.ProcessedSegment {
	a.mu.Lock()
	out := make([]types.ProcessedSegment, 0, len(a.completed))
	for _, ps := range a.completed {
		out = append(out, *ps)
	}
	a.mu.Unlock()
	slices.SortFunc(out, func(x, y types.ProcessedSegment) int { return x.Sequence - y.Sequence })
	return out
}

// Discard drops every segment. Pipeline calls still running on a discarded
// segment complete into nothing.
func (a *Arena) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.active) > 0 {
		close(a.drained)
	}
	clear(a.active)
	clear(a.completed)
}

func newProcessed(seg types.AudioSegment) *types.ProcessedSegment {
	return &types.ProcessedSegment{
		SegmentID: seg.ID,
		Sequence:  seg.Sequence,
		IsInterim: seg.IsInterim,
		Start:     seg.Start,
		End:       seg.End,
		Status:    types.StatusPending,
		Timings:   make(types.StageTimings, len(types.Stages)),
	}
}
