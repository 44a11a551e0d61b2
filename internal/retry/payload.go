package retry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/MrWong99/stenograph/pkg/audio"
	"github.com/MrWong99/stenograph/pkg/types"
)

// Payload is the audio and request context needed to re-run a failed
// transcription.
type Payload struct {
	PCM      []byte
	Format   types.AudioFormat
	Prompt   string
	Language string
}

// payloadJSON is the persisted form of a Payload. Samples are stored as a
// plain numeric array so that payload files stay inspectable.
type payloadJSON struct {
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Samples    []int16 `json:"samples"`
	Prompt     string  `json:"prompt,omitempty"`
	Language   string  `json:"language,omitempty"`
}

// MarshalJSON implements [json.Marshaler].
func (p Payload) MarshalJSON() ([]byte, error) {
	samples := audio.Samples(p.PCM)
	if samples == nil {
		samples = []int16{}
	}
	return json.Marshal(payloadJSON{
		SampleRate: p.Format.SampleRate,
		Channels:   p.Format.Channels,
		Samples:    samples,
		Prompt:     p.Prompt,
		Language:   p.Language,
	})
}

// UnmarshalJSON implements [json.Unmarshaler].
func (p *Payload) UnmarshalJSON(b []byte) error {
	var pj payloadJSON
	if err := json.Unmarshal(b, &pj); err != nil {
		return err
	}
	*p = Payload{
		PCM:      audio.FromSamples(pj.Samples),
		Format:   types.AudioFormat{SampleRate: pj.SampleRate, Channels: pj.Channels},
		Prompt:   pj.Prompt,
		Language: pj.Language,
	}
	return nil
}

// Duration returns the playback duration of the payload audio.
func (p Payload) Duration() time.Duration {
	return p.Format.Duration(len(p.PCM))
}

// Fingerprint returns the deduplication key of p: the hex SHA-256 of its
// format and PCM bytes. Prompt and language are not part of the key, so a
// repeated failure of the same audio merges into one task.
func Fingerprint(p Payload) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(p.Format.SampleRate)))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.Itoa(p.Format.Channels)))
	h.Write([]byte{':'})
	h.Write(p.PCM)
	return hex.EncodeToString(h.Sum(nil))
}

// Task is one pending retry. Tasks are keyed by Fingerprint; at most one
// task exists per fingerprint.
type Task struct {
	ID           string    `json:"id"`
	Fingerprint  string    `json:"fingerprint"`
	Attempts     int       `json:"attempts"`
	NextEligible time.Time `json:"next_eligible"`
	LastError    string    `json:"last_error,omitempty"`
	PayloadRef   string    `json:"payload_ref"`
	CreatedAt    time.Time `json:"created_at"`
}

func (t Task) String() string {
	return fmt.Sprintf("retry task %s (%.12s, attempt %d)", t.ID, t.Fingerprint, t.Attempts)
}
