package energy_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/stenograph/pkg/audio"
	"github.com/MrWong99/stenograph/pkg/provider/vad"
	"github.com/MrWong99/stenograph/pkg/provider/vad/energy"
)

func tone(amplitude int16, n int) []byte {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = amplitude
		} else {
			s[i] = -amplitude
		}
	}
	return audio.FromSamples(s)
}

func TestSession_Transitions(t *testing.T) {
	t.Parallel()

	sess, err := energy.New().NewSession(vad.Config{SampleRate: 16000, SpeechThreshold: 0.1, SilenceThreshold: 0.05})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	loud := tone(16384, 320)   // RMS 0.5
	medium := tone(2458, 320)  // RMS ~0.075
	quiet := tone(0, 320)

	want := []struct {
		frame []byte
		typ   vad.VADEventType
	}{
		{quiet, vad.VADSilence},
		{loud, vad.VADSpeechStart},
		{medium, vad.VADSpeechContinue},
		{quiet, vad.VADSpeechEnd},
		{medium, vad.VADSilence},
	}
	for i, step := range want {
		ev, err := sess.ProcessFrame(step.frame)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Type != step.typ {
			t.Errorf("frame %d: type = %v, want %v", i, ev.Type, step.typ)
		}
	}
}

func TestSession_ThresholdIsInclusive(t *testing.T) {
	t.Parallel()

	frame := tone(16384, 64)
	sess, err := energy.New().NewSession(vad.Config{SampleRate: 16000, SpeechThreshold: audio.RMS(frame)})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ev, _ := sess.ProcessFrame(frame)
	if ev.Type != vad.VADSpeechStart {
		t.Errorf("type = %v, want speech_start for a score exactly at threshold", ev.Type)
	}
}

func TestSession_Smoothing(t *testing.T) {
	t.Parallel()

	sess, _ := energy.New(energy.WithSmoothing(0.5)).NewSession(vad.Config{SampleRate: 16000, SpeechThreshold: 0.9})
	_, _ = sess.ProcessFrame(tone(0, 32))
	ev, _ := sess.ProcessFrame(tone(16384, 32))
	if ev.Probability < 0.249 || ev.Probability > 0.251 {
		t.Errorf("smoothed probability = %f, want 0.25", ev.Probability)
	}
}

func TestSession_Closed(t *testing.T) {
	t.Parallel()

	sess, _ := energy.New().NewSession(vad.Config{SampleRate: 16000, SpeechThreshold: 0.5})
	_ = sess.Close()
	if _, err := sess.ProcessFrame(tone(1, 2)); !errors.Is(err, vad.ErrClosed) {
		t.Errorf("err = %v, want vad.ErrClosed", err)
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	t.Parallel()

	cases := map[string]vad.Config{
		"zero rate":          {SpeechThreshold: 0.5},
		"threshold above 1":  {SampleRate: 16000, SpeechThreshold: 1.5},
		"silence above speech": {SampleRate: 16000, SpeechThreshold: 0.2, SilenceThreshold: 0.4},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := energy.New().NewSession(cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
