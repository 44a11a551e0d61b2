// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine scores individual PCM frames. The segment detector turns those
// scores into utterance boundaries, so engines only need to answer "how much
// does this frame look like speech". Each stream gets its own SessionHandle so
// that smoothing state never leaks between streams.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared between goroutines.
package vad

import "errors"

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of frames passed to
	// ProcessFrame.
	SampleRate int

	// Channels is the number of interleaved channels per frame.
	Channels int

	// FrameSizeMs is the nominal frame duration in milliseconds. Engines may
	// reject frames that do not match it.
	FrameSizeMs int

	// SpeechThreshold is the score at or above which a frame is classified
	// as speech. Range: [0.0, 1.0].
	SpeechThreshold float64

	// SilenceThreshold is the score below which an active speech run is
	// considered ended. Must be <= SpeechThreshold. Zero means
	// SpeechThreshold.
	SilenceThreshold float64
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame scores one frame of raw little-endian PCM. It must not
	// block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine creates VAD sessions.
type Engine interface {
	// NewSession returns a session ready to accept frames, or an error if cfg
	// is invalid for this engine.
	NewSession(cfg Config) (SessionHandle, error)
}
