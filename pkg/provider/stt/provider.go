// Package stt defines the transcription half of the gateway contract used by
// the segment pipeline.
//
// A Provider turns one finished audio segment into text. The contract is
// request/response: providers never see the live stream, only the segment
// the detector already closed. Context carried between segments (recent
// transcript, dictionary vocabulary) travels in Request.Prompt.
//
// Providers report failures as *Error values whose Kind tells the pipeline
// whether to halt (KindAuth), retry through the retry queue (KindTransient)
// or retry once inline (KindEmptyResponse). Implementations must be safe for
// concurrent use.
package stt

import (
	"context"
	"time"

	"github.com/MrWong99/stenograph/pkg/types"
)

// MIME types accepted in Request.MIMEType.
const (
	MIMEWAV = "audio/wav"
	MIMEPCM = "audio/pcm"
)

// Request is a single transcription call.
type Request struct {
	// Audio holds the encoded payload described by MIMEType.
	Audio []byte

	// MIMEType is MIMEWAV or MIMEPCM. Providers convert as needed.
	MIMEType string

	// Format describes the PCM layout. Required for MIMEPCM; for MIMEWAV it
	// mirrors the header.
	Format types.AudioFormat

	// Prompt is optional prior context that biases recognition, such as the
	// tail of the previous transcript or vocabulary terms.
	Prompt string

	// Language is a BCP-47 tag. Empty lets the provider auto-detect.
	Language string
}

// Result is the outcome of a successful transcription call.
type Result struct {
	// Text is the recognised speech, trimmed of surrounding whitespace.
	Text string

	// Duration is the audio duration the provider processed.
	Duration time.Duration
}

// Provider is the transcription backend contract.
type Provider interface {
	// Transcribe recognises the speech in req.Audio. A successful call with
	// no recognisable speech returns an *Error of KindEmptyResponse rather
	// than an empty Result.
	Transcribe(ctx context.Context, req Request) (Result, error)

	// Name identifies the backend in logs, metrics and errors.
	Name() string
}
