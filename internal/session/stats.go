package session

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/stenograph/internal/pipeline"
	"github.com/MrWong99/stenograph/pkg/types"
)

// Stats describes a finished session.
type Stats struct {
	// Duration is the wall time from start to completion.
	Duration time.Duration `json:"duration"`

	// AudioDuration is the audio covered by final segments.
	AudioDuration time.Duration `json:"audio_duration"`

	Segments  int `json:"segments"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Interims  int `json:"interims"`

	Characters int `json:"characters"`
	Words      int `json:"words"`

	StageMeans map[types.Stage]time.Duration `json:"stage_means,omitempty"`
}

// Summary is returned by EndSession and carried by the completion event.
type Summary struct {
	Record     types.SessionRecord      `json:"record"`
	Transcript string                   `json:"transcript"`
	Stats      Stats                    `json:"stats"`
	Segments   []types.ProcessedSegment `json:"-"`
}

// transcriptOf joins the text of completed final segments, which must be
// sorted by Sequence.
func transcriptOf(segments []types.ProcessedSegment) string {
	var b strings.Builder
	for _, ps := range segments {
		if ps.IsInterim || ps.Status != types.StatusCompleted {
			continue
		}
		text := strings.TrimSpace(ps.FinalText)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
	return b.String()
}

func computeStats(segments []types.ProcessedSegment, transcript string, wall time.Duration) Stats {
	st := Stats{
		Duration:   wall,
		Characters: utf8.RuneCountInString(transcript),
		Words:      len(strings.Fields(transcript)),
		StageMeans: pipeline.StageMeans(segments),
	}
	for _, ps := range segments {
		if ps.IsInterim {
			st.Interims++
			continue
		}
		st.Segments++
		st.AudioDuration += ps.End - ps.Start
		if ps.Status == types.StatusCompleted {
			st.Completed++
		} else {
			st.Failed++
		}
	}
	return st
}

// finals returns the final segments of segments.
func finals(segments []types.ProcessedSegment) []types.ProcessedSegment {
	out := make([]types.ProcessedSegment, 0, len(segments))
	for _, ps := range segments {
		if !ps.IsInterim {
			out = append(out, ps)
		}
	}
	return out
}
