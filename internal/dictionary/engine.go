// Package dictionary implements weighted term substitution on transcript
// text.
//
// A dictionary file lists terms the recogniser tends to get wrong together
// with a weight. [Engine.Apply] finds each term in a transcript, either as
// a case-insensitive exact occurrence or as a fuzzy word window whose
// normalised Levenshtein similarity reaches the threshold, and replaces it
// with probability equal to the entry weight. Weights of 90% and above
// always replace. The random source is injectable so tests can pin both
// outcomes.
//
// An Engine is immutable after construction and safe for concurrent use.
// [Store] swaps engines atomically when the file changes on disk.
package dictionary

import (
	"cmp"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/stenograph/pkg/types"
)

const (
	defaultWeightThreshold = 0.8
	defaultMaxWeight       = 1.0

	// alwaysReplaceWeight is the effective weight at which replacement stops
	// being probabilistic.
	alwaysReplaceWeight = 0.9

	// minFuzzyRunes is the shortest term considered for fuzzy matching.
	// Shorter terms produce too many false windows.
	minFuzzyRunes = 4
)

// Result is the outcome of Apply.
type Result struct {
	Text         string
	Replacements []types.Replacement
}

// Engine applies a fixed set of dictionary entries.
type Engine struct {
	entries   []Entry // enabled, by weight desc then file order
	all       []Entry
	threshold float64
	maxWeight float64
	phonetic  bool

	mu  sync.Mutex
	rng *rand.Rand
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithWeightThreshold sets the minimum similarity for a fuzzy candidate.
// Default: 0.8.
func WithWeightThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithMaxWeight caps every entry weight. Default: 1.0.
func WithMaxWeight(w float64) Option {
	return func(e *Engine) { e.maxWeight = w }
}

// WithRand sets the random source used for probabilistic replacement.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// WithSeed seeds a deterministic random source.
func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithPhonetic additionally accepts fuzzy windows that sound like the term
// (shared Double Metaphone code) when their Jaro-Winkler similarity reaches
// the threshold.
func WithPhonetic(enabled bool) Option {
	return func(e *Engine) { e.phonetic = enabled }
}

// New returns an Engine for entries. Disabled entries are kept for
// listing but never applied.
func New(entries []Entry, opts ...Option) *Engine {
	e := &Engine{
		all:       slices.Clone(entries),
		threshold: defaultWeightThreshold,
		maxWeight: defaultMaxWeight,
	}
	for _, o := range opts {
		o(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	for _, en := range entries {
		if en.Enabled {
			e.entries = append(e.entries, en)
		}
	}
	slices.SortStableFunc(e.entries, func(a, b Entry) int {
		return cmp.Compare(b.Weight, a.Weight)
	})
	return e
}

// Entries returns all entries, including disabled ones, in file order.
func (e *Engine) Entries() []Entry { return slices.Clone(e.all) }

// Len returns the number of enabled entries.
func (e *Engine) Len() int { return len(e.entries) }

// Apply runs every enabled entry over text in weight order. Each entry
// scans the output of the previous one; recorded offsets are rune offsets
// into the text as that entry's scan found it.
func (e *Engine) Apply(text string) Result {
	res := Result{Text: text}
	if e == nil || text == "" {
		return res
	}
	for _, en := range e.entries {
		var reps []types.Replacement
		res.Text, reps = e.applyEntry(res.Text, en)
		res.Replacements = append(res.Replacements, reps...)
	}
	return res
}

// span is a candidate match in rune offsets [start, end).
type span struct {
	start, end int
	sim        float64
}

func (e *Engine) applyEntry(text string, en Entry) (string, []types.Replacement) {
	runes := []rune(text)
	lower := foldRunes(runes)
	term := foldRunes([]rune(en.Match))

	cands := exactSpans(lower, term)
	if len(term) >= minFuzzyRunes && !hasHan(term) {
		for _, s := range e.fuzzySpans(lower, term) {
			if !overlapsAny(s, cands) {
				cands = append(cands, s)
			}
		}
		slices.SortFunc(cands, func(a, b span) int { return cmp.Compare(a.start, b.start) })
	}
	if len(cands) == 0 {
		return text, nil
	}

	weight := min(en.Weight, e.maxWeight)
	var (
		out  []rune
		reps []types.Replacement
		last int
	)
	for _, c := range cands {
		orig := string(runes[c.start:c.end])
		repl := matchCase(orig, en.Replacement)
		if repl == orig || !e.decide(weight) {
			continue
		}
		out = append(out, runes[last:c.start]...)
		out = append(out, []rune(repl)...)
		last = c.end
		reps = append(reps, types.Replacement{
			Original:    orig,
			Replacement: repl,
			Offset:      c.start,
			Similarity:  c.sim,
			Weight:      weight,
		})
	}
	if len(reps) == 0 {
		return text, nil
	}
	out = append(out, runes[last:]...)
	return string(out), reps
}

// decide reports whether a candidate with effective weight w is replaced.
func (e *Engine) decide(w float64) bool {
	if w >= alwaysReplaceWeight {
		return true
	}
	if w <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < w
}

// exactSpans returns non-overlapping occurrences of term in text that sit
// on word boundaries.
func exactSpans(text, term []rune) []span {
	var out []span
	n := len(term)
	if n == 0 {
		return nil
	}
	for i := 0; i+n <= len(text); {
		if slices.Equal(text[i:i+n], term) && boundary(text, i-1, term[0]) && boundary(text, i+n, term[n-1]) {
			out = append(out, span{start: i, end: i + n, sim: 1})
			i += n
			continue
		}
		i++
	}
	return out
}

// boundary reports whether the rune at text[i] separates a match whose
// adjacent term rune is edge. Han script has no inter-word spacing, so
// Han on either side always counts as a boundary.
func boundary(text []rune, i int, edge rune) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	r := text[i]
	if isHan(r) || isHan(edge) {
		return true
	}
	return !isWordRune(r)
}

// word is a run of non-Han letters and digits in rune offsets.
type word struct{ start, end int }

func words(text []rune) []word {
	var out []word
	start := -1
	for i, r := range text {
		if isWordRune(r) && !isHan(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, word{start, i})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, word{start, len(text)})
	}
	return out
}

// fuzzySpans slides a window of as many words as term has over text and
// keeps windows similar enough to term. Exact matches are left to
// exactSpans.
func (e *Engine) fuzzySpans(text, term []rune) []span {
	k := len(strings.Fields(string(term)))
	target := strings.Join(strings.Fields(string(term)), " ")
	ws := words(text)

	var out []span
	for i := 0; i+k <= len(ws); i++ {
		parts := make([]string, k)
		for j := range k {
			parts[j] = string(text[ws[i+j].start:ws[i+j].end])
		}
		cand := strings.Join(parts, " ")
		if cand == target {
			continue
		}
		sim := Similarity(cand, target)
		if sim < e.threshold && e.phonetic && soundsAlike(cand, target) {
			sim = max(sim, matchr.JaroWinkler(cand, target, false))
		}
		if sim < e.threshold {
			continue
		}
		s := span{start: ws[i].start, end: ws[i+k-1].end, sim: sim}
		if len(out) > 0 && out[len(out)-1].end > s.start {
			if out[len(out)-1].sim >= s.sim {
				continue
			}
			out = out[:len(out)-1]
		}
		out = append(out, s)
	}
	return out
}

// Similarity returns 1 - Levenshtein(a, b) / max(len(a), len(b)) computed on
// lowercased runes. Two empty strings are identical.
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	n := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if n == 0 {
		return 1
	}
	return 1 - float64(matchr.Levenshtein(a, b))/float64(n)
}

// soundsAlike reports whether any Double Metaphone code of a matches one
// of b.
func soundsAlike(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || x == bs {
			return true
		}
	}
	return false
}

func overlapsAny(s span, others []span) bool {
	for _, o := range others {
		if s.start < o.end && o.start < s.end {
			return true
		}
	}
	return false
}

// matchCase renders repl in the case style of orig: all-caps, capitalised,
// or repl verbatim.
func matchCase(orig, repl string) string {
	var cased, upper int
	first := true
	capitalised := false
	for _, r := range orig {
		if !unicode.IsUpper(r) && !unicode.IsLower(r) {
			continue
		}
		cased++
		if unicode.IsUpper(r) {
			upper++
			if first {
				capitalised = true
			}
		}
		first = false
	}
	switch {
	case cased > 1 && upper == cased:
		return strings.ToUpper(repl)
	case capitalised && upper == 1:
		r, n := utf8.DecodeRuneInString(repl)
		return string(unicode.ToUpper(r)) + repl[n:]
	default:
		return repl
	}
}

// foldRunes lowercases rune by rune so offsets stay aligned with the input.
func foldRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func isHan(r rune) bool { return unicode.Is(unicode.Han, r) }

func hasHan(rs []rune) bool {
	return slices.ContainsFunc(rs, isHan)
}
