package stt

import (
	"fmt"
	"time"

	"github.com/MrWong99/stenograph/pkg/audio"
	"github.com/MrWong99/stenograph/pkg/types"
)

// PCM returns the raw PCM payload and format of req, decoding WAV input.
func PCM(req Request) ([]byte, types.AudioFormat, error) {
	switch req.MIMEType {
	case MIMEWAV:
		return audio.DecodeWAV(req.Audio)
	case MIMEPCM, "":
		if !req.Format.Valid() {
			return nil, types.AudioFormat{}, fmt.Errorf("stt: invalid PCM format %v", req.Format)
		}
		return req.Audio, req.Format, nil
	default:
		return nil, types.AudioFormat{}, fmt.Errorf("stt: unsupported MIME type %q", req.MIMEType)
	}
}

// WAV returns req.Audio as a RIFF/WAV file together with its duration,
// encoding raw PCM input.
func WAV(req Request) ([]byte, time.Duration, error) {
	pcm, f, err := PCM(req)
	if err != nil {
		return nil, 0, err
	}
	if req.MIMEType == MIMEWAV {
		return req.Audio, f.Duration(len(pcm)), nil
	}
	return audio.EncodeWAV(pcm, f), f.Duration(len(pcm)), nil
}
