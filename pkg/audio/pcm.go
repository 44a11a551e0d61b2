package audio

import (
	"encoding/binary"
	"math"

	"github.com/MrWong99/stenograph/pkg/types"
)

// RMS returns the root-mean-square energy of pcm normalised to [0, 1], where
// 1 corresponds to a full-scale square wave. It returns 0 for buffers shorter
// than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Samples decodes pcm into int16 samples. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// FromSamples encodes int16 samples as little-endian PCM.
func FromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Float32Mono converts pcm to mono float32 samples in [-1, 1], averaging
// channels when the input is multi-channel.
func Float32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			off := (i*channels + c) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Framer splits an arbitrary byte stream into fixed-size PCM frames. Bytes
// that do not fill a whole frame are carried over to the next Write.
// A Framer is not safe for concurrent use.
type Framer struct {
	size int
	rest []byte
}

// NewFramer returns a Framer producing frames of frameMs milliseconds in
// format f. frameMs values below 1 are treated as 20ms.
func NewFramer(f types.AudioFormat, frameMs int) *Framer {
	if frameMs < 1 {
		frameMs = 20
	}
	size := f.SampleRate * f.Channels * 2 * frameMs / 1000
	if size < 2 {
		size = 2
	}
	return &Framer{size: size}
}

// FrameSize returns the frame length in bytes.
func (fr *Framer) FrameSize() int { return fr.size }

// Write appends p and returns every complete frame now available. The
// returned frames do not alias p.
func (fr *Framer) Write(p []byte) [][]byte {
	buf := append(fr.rest, p...)
	var frames [][]byte
	for len(buf) >= fr.size {
		frame := make([]byte, fr.size)
		copy(frame, buf[:fr.size])
		frames = append(frames, frame)
		buf = buf[fr.size:]
	}
	fr.rest = append(fr.rest[:0:0], buf...)
	return frames
}

// Pending returns the number of buffered bytes not yet emitted.
func (fr *Framer) Pending() int { return len(fr.rest) }
