// Package types defines the shared types used across all Stenograph packages.
//
// These types flow between the segment detector, the processing pipeline and
// the session coordinator. Each package keeps its own domain types; only data
// that crosses package boundaries lives here to avoid circular imports.
package types

import (
	"fmt"
	"time"
)

// AudioFormat describes 16-bit signed little-endian PCM audio.
type AudioFormat struct {
	// SampleRate in Hz (e.g., 16000 for speech recognition).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback duration of n bytes of PCM in this format.
func (f AudioFormat) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the number of PCM bytes covering d, aligned to whole frames.
func (f AudioFormat) Bytes(d time.Duration) int {
	frame := f.Channels * 2
	if frame <= 0 || d <= 0 {
		return 0
	}
	n := int(int64(d) * int64(f.BytesPerSecond()) / int64(time.Second))
	return n - n%frame
}

// Valid reports whether the format describes a usable PCM layout.
func (f AudioFormat) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

func (f AudioFormat) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// AudioSegment is one bounded span of audio emitted by the segment detector.
// A segment is immutable once created: the detector hands out its own copy of
// the samples.
type AudioSegment struct {
	// ID uniquely identifies the segment within the process.
	ID string

	// Sequence is the detector's emission index. It is strictly increasing
	// within a stream and defines submission order.
	Sequence int

	// Samples holds raw PCM in Format.
	Samples []byte

	// Format describes Samples.
	Format AudioFormat

	// Start and End are offsets relative to the start of the stream.
	Start time.Duration
	End   time.Duration

	// IsFinal marks a segment that covers a whole utterance.
	IsFinal bool

	// IsInterim marks a rolling micro-commit segment taken while speech is
	// still ongoing.
	IsInterim bool
}

// Duration returns End - Start.
func (s AudioSegment) Duration() time.Duration {
	return s.End - s.Start
}

// SegmentStatus is the lifecycle state of a ProcessedSegment.
type SegmentStatus string

const (
	StatusPending        SegmentStatus = "pending"
	StatusTranscribing   SegmentStatus = "transcribing"
	StatusPostprocessing SegmentStatus = "postprocessing"
	StatusOutputting     SegmentStatus = "outputting"
	StatusCompleted      SegmentStatus = "completed"
	StatusFailed         SegmentStatus = "failed"
)

// Terminal reports whether no further stage will run.
func (s SegmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage names a pipeline stage.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageDictionary Stage = "dictionary"
	StageCorrect    Stage = "correct"
	StageOutput     Stage = "output"
)

// Stages lists all pipeline stages in execution order.
var Stages = []Stage{StageTranscribe, StageDictionary, StageCorrect, StageOutput}

// StageTimings records the elapsed time of each stage that ran.
type StageTimings map[Stage]time.Duration

// Replacement records one dictionary substitution.
type Replacement struct {
	// Original is the span of text that was replaced.
	Original string

	// Replacement is the text that was inserted.
	Replacement string

	// Offset is the rune offset of Original in the text the dictionary pass
	// scanned.
	Offset int

	// Similarity is the normalised edit-distance similarity (0.0–1.0).
	Similarity float64

	// Weight is the effective entry weight used for the decision.
	Weight float64
}

// ProcessedSegment is the result of running one AudioSegment through the
// pipeline. Text fields are filled in as stages complete.
type ProcessedSegment struct {
	SegmentID string
	Sequence  int
	IsInterim bool

	// Audio span covered by the segment.
	Start time.Duration
	End   time.Duration

	RawTranscript  string
	DictionaryText string
	CorrectedText  string
	FinalText      string
	Replacements   []Replacement

	Status  SegmentStatus
	Timings StageTimings
	Total   time.Duration

	// Attempts is the number of transcription attempts made, including
	// retries resolved through the retry queue.
	Attempts int

	// Err is set when Status is StatusFailed.
	Err error
}

// SessionMode selects how a session aggregates segments.
type SessionMode string

const (
	// ModeBatch buffers all audio and transcribes it once when the session ends.
	ModeBatch SessionMode = "batch"

	// ModeStreaming transcribes every detected segment immediately.
	ModeStreaming SessionMode = "streaming"
)

// IsValid reports whether m is a known mode.
func (m SessionMode) IsValid() bool {
	return m == ModeBatch || m == ModeStreaming
}

// SessionState is the state of the session coordinator.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionRecording  SessionState = "recording"
	SessionProcessing SessionState = "processing"
	SessionCompleted  SessionState = "completed"
	SessionError      SessionState = "error"
)

// Active reports whether a session in this state blocks a new session.
func (s SessionState) Active() bool {
	return s == SessionRecording || s == SessionProcessing
}

// SessionRecord describes the one session the coordinator owns.
type SessionRecord struct {
	ID        string       `json:"id,omitempty"`
	Mode      SessionMode  `json:"mode,omitempty"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"started_at,omitzero"`

	// SegmentIDs lists submitted segments in submission order.
	SegmentIDs []string `json:"segment_ids,omitempty"`

	// CommittedTextLength is the rune length of the transcript currently
	// shown to consumers.
	CommittedTextLength int `json:"committed_text_length"`
}
