// Package whisper provides whisper.cpp-backed transcription providers.
//
// Provider talks to a running whisper-server binary over its REST API
// (POST /inference, multipart/form-data). NativeProvider links whisper.cpp
// directly through its CGO bindings and avoids the HTTP hop.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	res, err := p.Transcribe(ctx, stt.Request{Audio: wav, MIMEType: stt.MIMEWAV})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/stenograph/pkg/provider/stt"
)

const (
	providerName    = "whisper"
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en"). When empty the server uses the model it was started
// with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 language code sent to the server.
// Request.Language overrides it. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTemperature sets the decoding temperature. Defaults to 0.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = t }
}

// WithHTTPClient replaces the HTTP client. Defaults to a client with a 30s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL   string
	model       string
	language    string
	temperature float64
	httpClient  *http.Client
}

// New creates a Provider for the whisper.cpp server at serverURL (e.g.,
// "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return providerName }

// Transcribe encodes the request as WAV, posts it to /inference and returns
// the recognised text.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	wav, dur, err := stt.WAV(req)
	if err != nil {
		return stt.Result{}, stt.NewError(providerName, stt.KindInvalid, "prepare audio", err)
	}

	body, contentType, err := p.form(wav, req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: build form: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	hreq.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return stt.Result{}, ctx.Err()
		}
		return stt.Result{}, stt.NewError(providerName, stt.KindTransient, "http request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, stt.NewError(providerName, stt.KindTransient, "read response body", err)
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, stt.HTTPError(providerName, resp.StatusCode, string(data))
	}

	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Result{}, stt.NewError(providerName, stt.KindTransient, "parse JSON response", err)
	}
	if result.Error != "" {
		return stt.Result{}, stt.NewError(providerName, stt.KindInvalid, result.Error, nil)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return stt.Result{}, stt.NewError(providerName, stt.KindEmptyResponse, "no speech recognised", nil)
	}
	return stt.Result{Text: text, Duration: dur}, nil
}

// form builds the multipart body understood by whisper-server.
func (p *Provider) form(wav []byte, req stt.Request) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", err
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	fields := [][2]string{
		{"response_format", "json"},
		{"temperature", fmt.Sprintf("%.2f", p.temperature)},
		{"language", lang},
		{"model", p.model},
		{"prompt", req.Prompt},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &body, mw.FormDataContentType(), nil
}
