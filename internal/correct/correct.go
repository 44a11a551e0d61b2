// Package correct implements the optional language-model correction stage of
// the segment pipeline.
//
// The [Corrector] sends dictionary-processed transcript text to an
// [llm.Provider] with a conservative system prompt: fix recognition errors
// and punctuation, never restyle. The model answers with a JSON object; the
// result then passes a guard that rejects rewrites which grow the text too
// much or differ from it too much, since those are almost always the model
// inventing content rather than fixing it.
package correct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/stenograph/pkg/provider/llm"
	"github.com/MrWong99/stenograph/pkg/provider/stt"
)

const (
	defaultTemperature     = 0.1
	defaultMaxGrowthRatio  = 1.6
	defaultMaxDiffRatio    = 0.5
	defaultMinCharsIgnored = 3
)

const systemPrompt = `You are a correction assistant for speech-to-text transcripts.

Fix the transcript the user sends you.

Rules:
- Correct words the recogniser obviously misheard (homophones, near-homophones, split or merged words).
- Add or fix sentence punctuation.
- Fix clear grammar slips only.
- Keep the speaker's tone, wording, slang and style. Do not rephrase, summarise or translate.
- Do not add information that is not in the transcript.
- If nothing needs fixing, return the input unchanged.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"corrected_text": "<full corrected transcript>"}`

// Result is the outcome of a correction.
type Result struct {
	// Text is the corrected text, or the input when no correction applied.
	Text string

	// Changed reports whether Text differs from the input.
	Changed bool

	// Rejected is set when the model proposed a rewrite that failed the
	// guard. Text is then the input.
	Rejected bool
}

// Corrector corrects transcript text with an [llm.Provider]. It is safe for
// concurrent use.
type Corrector struct {
	llm            llm.Provider
	temperature    float64
	maxGrowthRatio float64
	maxDiffRatio   float64
	minChars       int
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(c *Corrector) { c.temperature = temp }
}

// WithMaxGrowthRatio rejects corrections longer than ratio times the input
// (in runes). Default: 1.6.
func WithMaxGrowthRatio(ratio float64) Option {
	return func(c *Corrector) { c.maxGrowthRatio = ratio }
}

// WithMaxDiffRatio rejects corrections whose edit distance to the input,
// relative to the longer of the two, exceeds ratio. Default: 0.5.
func WithMaxDiffRatio(ratio float64) Option {
	return func(c *Corrector) { c.maxDiffRatio = ratio }
}

// WithMinChars skips correction for inputs of at most n runes. Default: 3.
func WithMinChars(n int) Option {
	return func(c *Corrector) { c.minChars = n }
}

// New returns a Corrector backed by provider.
func New(provider llm.Provider, opts ...Option) *Corrector {
	c := &Corrector{
		llm:            provider,
		temperature:    defaultTemperature,
		maxGrowthRatio: defaultMaxGrowthRatio,
		maxDiffRatio:   defaultMaxDiffRatio,
		minChars:       defaultMinCharsIgnored,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name identifies the backing model.
func (c *Corrector) Name() string { return c.llm.Name() }

// Correct asks the model to fix text. history is optional preceding
// transcript that helps the model resolve ambiguous words; it is never
// echoed back.
//
// Unparseable or empty model output degrades to the input text with a nil
// error. Provider failures are returned as *stt.Error so the pipeline can
// apply the same policy as for transcription: KindAuth for rejected
// credentials, KindTransient otherwise.
func (c *Corrector) Correct(ctx context.Context, text, history string) (Result, error) {
	if utf8.RuneCountInString(strings.TrimSpace(text)) <= c.minChars {
		return Result{Text: text}, nil
	}

	user := text
	if history != "" {
		user = fmt.Sprintf("Preceding transcript (for reference only, do not return it):\n%s\n\nTranscript to correct:\n%s", history, text)
	}
	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Temperature:  c.temperature,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
	})
	if err != nil {
		return Result{Text: text}, c.classify(ctx, err)
	}

	corrected, err := parseResponse(resp.Content)
	if err != nil || corrected == "" {
		return Result{Text: text}, nil //nolint:nilerr // unparseable output keeps the input
	}
	if corrected == text {
		return Result{Text: text}, nil
	}
	if !c.accept(text, corrected) {
		return Result{Text: text, Rejected: true}, nil
	}
	return Result{Text: corrected, Changed: true}, nil
}

func (c *Corrector) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case errors.Is(err, llm.ErrAuth):
		return stt.NewError(c.llm.Name(), stt.KindAuth, "correction rejected credentials", err)
	case errors.Is(err, llm.ErrEmptyCompletion):
		return stt.NewError(c.llm.Name(), stt.KindEmptyResponse, "empty correction", err)
	default:
		return stt.NewError(c.llm.Name(), stt.KindTransient, "correction failed", err)
	}
}

// accept applies the length-growth and diff-ratio guard.
func (c *Corrector) accept(original, corrected string) bool {
	on, cn := utf8.RuneCountInString(original), utf8.RuneCountInString(corrected)
	if on == 0 {
		return false
	}
	if c.maxGrowthRatio > 0 && float64(cn) > float64(on)*c.maxGrowthRatio {
		return false
	}
	if c.maxDiffRatio > 0 && DiffRatio(original, corrected) > c.maxDiffRatio {
		return false
	}
	return true
}

// DiffRatio returns the Levenshtein distance between a and b divided by the
// rune length of the longer string. Identical strings yield 0.
func DiffRatio(a, b string) float64 {
	n := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if n == 0 {
		return 0
	}
	return float64(matchr.Levenshtein(a, b)) / float64(n)
}

type llmResponse struct {
	CorrectedText string `json:"corrected_text"`
}

func parseResponse(content string) (string, error) {
	var r llmResponse
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &r); err != nil {
		return "", fmt.Errorf("correct: parse response: %w", err)
	}
	return strings.TrimSpace(r.CorrectedText), nil
}

// stripMarkdown removes optional ```json fences some models wrap output in.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
