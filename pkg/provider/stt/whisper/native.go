// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/stenograph/pkg/audio"
	"github.com/MrWong99/stenograph/pkg/provider/stt"
	"github.com/MrWong99/stenograph/pkg/types"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const nativeName = "whisper-native"

// whisper.cpp only accepts 16 kHz mono input.
var nativeFormat = types.AudioFormat{SampleRate: whisperlib.SampleRate, Channels: 1}

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using the whisper.cpp Go bindings.
// The model is loaded once and shared; every Transcribe call runs on its own
// whisper context, so calls may proceed concurrently.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	threads  uint
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default BCP-47 language code. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeThreads sets the number of CPU threads per inference. Zero keeps
// the library default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Name implements stt.Provider.
func (p *NativeProvider) Name() string { return nativeName }

// Transcribe converts the request to 16 kHz mono float32 samples and runs
// inference on a fresh whisper context.
func (p *NativeProvider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	pcm, format, err := stt.PCM(req)
	if err != nil {
		return stt.Result{}, stt.NewError(nativeName, stt.KindInvalid, "prepare audio", err)
	}
	dur := format.Duration(len(pcm))
	samples := audio.Float32Mono(audio.Convert(pcm, format, nativeFormat), 1)

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Result{}, stt.NewError(nativeName, stt.KindTransient, "create context", err)
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}

	// Process has no context parameter; abort between segments instead.
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, stt.NewError(nativeName, stt.KindTransient, "process audio", err)
	}

	var parts []string
	for {
		if err := ctx.Err(); err != nil {
			return stt.Result{}, err
		}
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, stt.NewError(nativeName, stt.KindTransient, "read segment", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	if len(parts) == 0 {
		return stt.Result{}, stt.NewError(nativeName, stt.KindEmptyResponse, "no speech recognised", nil)
	}
	return stt.Result{Text: strings.Join(parts, " "), Duration: dur}, nil
}
