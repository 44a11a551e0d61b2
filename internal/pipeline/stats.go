package pipeline

import (
	"sync"
	"time"

	"github.com/MrWong99/stenograph/pkg/types"
)

// Stats summarises the segments processed by a Pipeline since it was created.
type Stats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// StageMeans is the mean elapsed time of each stage over the segments
	// that ran it.
	StageMeans map[types.Stage]time.Duration `json:"stage_means"`

	// MeanTotal is the mean end-to-end processing time.
	MeanTotal time.Duration `json:"mean_total"`
}

type stageAcc struct {
	sum time.Duration
	n   int
}

type statsCollector struct {
	mu        sync.Mutex
	total     int
	succeeded int
	failed    int
	totalTime time.Duration
	stages    map[types.Stage]*stageAcc
}

func (c *statsCollector) record(ps *types.ProcessedSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if ps.Status == types.StatusCompleted {
		c.succeeded++
	} else {
		c.failed++
	}
	c.totalTime += ps.Total
	if c.stages == nil {
		c.stages = make(map[types.Stage]*stageAcc)
	}
	for st, d := range ps.Timings {
		acc := c.stages[st]
		if acc == nil {
			acc = &stageAcc{}
			c.stages[st] = acc
		}
		acc.sum += d
		acc.n++
	}
}

func (c *statsCollector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Total:      c.total,
		Succeeded:  c.succeeded,
		Failed:     c.failed,
		StageMeans: make(map[types.Stage]time.Duration, len(c.stages)),
	}
	if c.total > 0 {
		s.MeanTotal = c.totalTime / time.Duration(c.total)
	}
	for st, acc := range c.stages {
		s.StageMeans[st] = acc.sum / time.Duration(acc.n)
	}
	return s
}

// StageMeans averages the stage timings of segments. It is used for
// per-session statistics.
func StageMeans(segments []types.ProcessedSegment) map[types.Stage]time.Duration {
	var c statsCollector
	for i := range segments {
		c.record(&segments[i])
	}
	return c.snapshot().StageMeans
}
