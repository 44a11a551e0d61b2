package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/stenograph/pkg/types"
)

// wavHeaderSize is the size of the canonical 44-byte PCM RIFF header.
const wavHeaderSize = 44

// ErrNotWAV is returned by DecodeWAV for input that is not 16-bit PCM WAV.
var ErrNotWAV = errors.New("audio: not a 16-bit PCM WAV stream")

// EncodeWAV wraps raw PCM in a canonical RIFF/WAV container.
func EncodeWAV(pcm []byte, f types.AudioFormat) []byte {
	byteRate := f.SampleRate * f.Channels * 2
	blockAlign := f.Channels * 2
	size := len(pcm)

	buf := make([]byte, wavHeaderSize+size)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+size))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(size))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// DecodeWAV parses a RIFF/WAV stream and returns its PCM payload and format.
// Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(data []byte) ([]byte, types.AudioFormat, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, types.AudioFormat{}, ErrNotWAV
	}

	var (
		format  types.AudioFormat
		haveFmt bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			// Streams written without a final size report a truncated data chunk.
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, types.AudioFormat{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			tag := binary.LittleEndian.Uint16(data[body:])
			bits := binary.LittleEndian.Uint16(data[body+14:])
			if tag != 1 || bits != 16 {
				return nil, types.AudioFormat{}, fmt.Errorf("%w: format tag %d, %d bits", ErrNotWAV, tag, bits)
			}
			format.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			format.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, types.AudioFormat{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			pcm := make([]byte, size-size%2)
			copy(pcm, data[body:body+len(pcm)])
			return pcm, format, nil
		}

		off = body + size + size%2
	}
	return nil, types.AudioFormat{}, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
}
