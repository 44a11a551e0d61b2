package session

import (
	"context"
	"log/slog"

	"github.com/MrWong99/stenograph/pkg/types"
)

// EventSink receives session lifecycle notifications. Methods are called
// synchronously from the coordinator and from pipeline goroutines, so
// implementations must be safe for concurrent use and must not block.
type EventSink interface {
	SessionStarted(rec types.SessionRecord)
	SegmentCompleted(rec types.SessionRecord, ps types.ProcessedSegment)

	// SegmentFailed follows SegmentCompleted for a segment that failed for
	// a reason other than cancellation. ps.Err holds the cause.
	SegmentFailed(rec types.SessionRecord, ps types.ProcessedSegment)

	// InterimUpdated reports that the live streaming transcript changed.
	// revised is the number of trailing runes of text that were rewritten.
	InterimUpdated(rec types.SessionRecord, text string, revised int)

	SessionCompleted(rec types.SessionRecord, sum Summary)
	SessionError(rec types.SessionRecord, err error)
}

// MultiSink fans every event out to each sink in order.
type MultiSink []EventSink

var _ EventSink = MultiSink(nil)

func (m MultiSink) SessionStarted(rec types.SessionRecord) {
	for _, s := range m {
		s.SessionStarted(rec)
	}
}

func (m MultiSink) SegmentCompleted(rec types.SessionRecord, ps types.ProcessedSegment) {
	for _, s := range m {
		s.SegmentCompleted(rec, ps)
	}
}

func (m MultiSink) SegmentFailed(rec types.SessionRecord, ps types.ProcessedSegment) {
	for _, s := range m {
		s.SegmentFailed(rec, ps)
	}
}

func (m MultiSink) InterimUpdated(rec types.SessionRecord, text string, revised int) {
	for _, s := range m {
		s.InterimUpdated(rec, text, revised)
	}
}

func (m MultiSink) SessionCompleted(rec types.SessionRecord, sum Summary) {
	for _, s := range m {
		s.SessionCompleted(rec, sum)
	}
}

func (m MultiSink) SessionError(rec types.SessionRecord, err error) {
	for _, s := range m {
		s.SessionError(rec, err)
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

var _ EventSink = LogSink{}

func (l LogSink) log() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LogSink) SessionStarted(rec types.SessionRecord) {
	l.log().Info("session started", "session", rec.ID, "mode", rec.Mode)
}

func (l LogSink) SegmentCompleted(rec types.SessionRecord, ps types.ProcessedSegment) {
	lvl := slog.LevelDebug
	if ps.Status == types.StatusFailed {
		lvl = slog.LevelWarn
	}
	l.log().Log(context.Background(), lvl, "segment completed",
		"session", rec.ID,
		"segment", ps.SegmentID,
		"seq", ps.Sequence,
		"status", ps.Status,
		"interim", ps.IsInterim,
		"total", ps.Total,
	)
}

func (l LogSink) SegmentFailed(rec types.SessionRecord, ps types.ProcessedSegment) {
	l.log().Error("segment failed",
		"session", rec.ID,
		"segment", ps.SegmentID,
		"seq", ps.Sequence,
		"attempts", ps.Attempts,
		"err", ps.Err,
	)
}

func (l LogSink) InterimUpdated(rec types.SessionRecord, text string, revised int) {
	l.log().Debug("transcript updated", "session", rec.ID, "chars", rec.CommittedTextLength, "revised", revised)
}

func (l LogSink) SessionCompleted(rec types.SessionRecord, sum Summary) {
	l.log().Info("session completed",
		"session", rec.ID,
		"segments", sum.Stats.Segments,
		"failed", sum.Stats.Failed,
		"words", sum.Stats.Words,
		"duration", sum.Stats.Duration,
	)
}

func (l LogSink) SessionError(rec types.SessionRecord, err error) {
	l.log().Error("session failed", "session", rec.ID, "err", err)
}

type nopSink struct{}

func (nopSink) SessionStarted(types.SessionRecord) {}
func (nopSink) SegmentCompleted(types.SessionRecord, types.ProcessedSegment) {}
func (nopSink) SegmentFailed(types.SessionRecord, types.ProcessedSegment) {}
func (nopSink) InterimUpdated(types.SessionRecord, string, int) {}
func (nopSink) SessionCompleted(types.SessionRecord, Summary) {}
func (nopSink) SessionError(types.SessionRecord, error) {}
