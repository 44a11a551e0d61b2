// Package audio provides helpers for 16-bit signed little-endian PCM: energy
// measurement, format conversion, framing and RIFF/WAV encoding.
package audio

import (
	"encoding/binary"

	"github.com/MrWong99/stenograph/pkg/types"
)

// Convert converts pcm from one format to another. Channels are reduced
// before resampling so that multi-channel input is only resampled once. If
// the formats already match, pcm is returned unchanged.
func Convert(pcm []byte, from, to types.AudioFormat) []byte {
	if from == to || !from.Valid() || !to.Valid() {
		return pcm
	}
	out := pcm
	ch := from.Channels
	if ch != to.Channels && to.Channels == 1 {
		out = Downmix(out, ch)
		ch = 1
	}
	if from.SampleRate != to.SampleRate {
		out = Resample(out, ch, from.SampleRate, to.SampleRate)
	}
	if ch == 1 && to.Channels > 1 {
		out = Upmix(out, to.Channels)
	}
	return out
}

// Downmix averages every interleaved frame of channels samples into a single
// mono sample. A trailing partial frame is dropped.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			off := i*frameBytes + c*2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clamp16(sum/int32(channels))))
	}
	return out
}

// Upmix duplicates each mono sample into channels interleaved copies.
func Upmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	n := len(pcm) / 2
	out := make([]byte, n*2*channels)
	for i := range n {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for c := range channels {
			j := (i*channels + c) * 2
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// Resample converts interleaved PCM between sample rates using linear
// interpolation per channel.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := channels * 2
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, c int) float64 {
		if frame >= srcFrames {
			frame = srcFrames - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[frame*frameBytes+c*2:])))
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		for c := range channels {
			v := sample(idx, c)*(1-frac) + sample(idx+1, c)*frac
			binary.LittleEndian.PutUint16(out[i*frameBytes+c*2:], uint16(int16(v)))
		}
	}
	return out
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
