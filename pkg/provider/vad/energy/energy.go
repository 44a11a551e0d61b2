// Package energy implements vad.Engine with a root-mean-square energy
// detector. It needs no model files and is the default engine for the
// segment detector.
//
// The reported Probability is the frame's RMS normalised to [0, 1], optionally
// smoothed with an exponential moving average. Event types apply hysteresis:
// a run starts at SpeechThreshold and ends once the score drops below
// SilenceThreshold.
package energy

import (
	"fmt"
	"sync"

	"github.com/MrWong99/stenograph/pkg/audio"
	"github.com/MrWong99/stenograph/pkg/provider/vad"
)

var _ vad.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithSmoothing sets the exponential smoothing factor applied to RMS scores.
// alpha is the weight of the newest frame; 1 (the default) disables
// smoothing.
func WithSmoothing(alpha float64) Option {
	return func(e *Engine) { e.alpha = alpha }
}

// Engine creates energy VAD sessions.
type Engine struct {
	alpha float64
}

// New returns an energy Engine.
func New(opts ...Option) *Engine {
	e := &Engine{alpha: 1}
	for _, o := range opts {
		o(e)
	}
	if e.alpha <= 0 || e.alpha > 1 {
		e.alpha = 1
	}
	return e
}

// NewSession validates cfg and returns a new session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %v outside [0,1]", cfg.SpeechThreshold)
	}
	silence := cfg.SilenceThreshold
	if silence == 0 {
		silence = cfg.SpeechThreshold
	}
	if silence > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v above speech threshold %v", silence, cfg.SpeechThreshold)
	}
	return &session{
		speech:  cfg.SpeechThreshold,
		silence: silence,
		alpha:   e.alpha,
	}, nil
}

type session struct {
	speech  float64
	silence float64
	alpha   float64

	mu       sync.Mutex
	smoothed float64
	primed   bool
	speaking bool
	closed   bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrClosed
	}

	rms := audio.RMS(frame)
	if !s.primed {
		s.smoothed = rms
		s.primed = true
	} else {
		s.smoothed = s.alpha*rms + (1-s.alpha)*s.smoothed
	}
	p := s.smoothed

	var typ vad.VADEventType
	switch {
	case !s.speaking && p >= s.speech:
		s.speaking = true
		typ = vad.VADSpeechStart
	case s.speaking && p < s.silence:
		s.speaking = false
		typ = vad.VADSpeechEnd
	case s.speaking:
		typ = vad.VADSpeechContinue
	default:
		typ = vad.VADSilence
	}
	return vad.VADEvent{Type: typ, Probability: p}, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smoothed = 0
	s.primed = false
	s.speaking = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
