package dictionary

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Parse errors. They are wrapped in a *ParseError naming the line.
var (
	ErrMalformed = errors.New("missing weight")
	ErrBadWeight = errors.New("weight must be a percentage in [0,100]")
	ErrEmptyTerm = errors.New("empty term")
)

// ParseError reports an invalid dictionary line.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("dictionary: line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Entry is one dictionary line.
type Entry struct {
	// Match is the term searched for in transcripts (case-insensitive).
	Match string

	// Replacement is inserted in place of a matched span. It equals Match
	// for plain "term:weight%" lines.
	Replacement string

	// Weight is the replacement probability in [0, 1].
	Weight float64

	// Enabled is false for lines prefixed with '!'.
	Enabled bool

	// Line is the 1-based source line number.
	Line int
}

// Parse reads a dictionary file. Each non-blank, non-comment line is one of
//
//	term:weight%
//	term->replacement:weight%
//	term weight%              (legacy)
//
// optionally prefixed with '!' to disable the entry. All problems are
// collected and returned together.
func Parse(r io.Reader) ([]Entry, error) {
	var (
		entries []Entry
		errs    []error
		n       int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if n == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			errs = append(errs, &ParseError{Line: n, Text: line, Err: err})
			continue
		}
		e.Line = n
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dictionary: read: %w", err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	e := Entry{Enabled: true}
	if rest, ok := strings.CutPrefix(line, "!"); ok {
		e.Enabled = false
		line = strings.TrimSpace(rest)
	}

	i := strings.LastIndex(line, ":")
	if i < 0 {
		i = strings.LastIndexAny(line, " \t")
	}
	if i < 0 {
		return Entry{}, ErrMalformed
	}
	terms, weight := strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])

	pct, ok := strings.CutSuffix(weight, "%")
	if !ok {
		return Entry{}, ErrMalformed
	}
	w, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
	if err != nil || math.IsNaN(w) || w < 0 || w > 100 {
		return Entry{}, ErrBadWeight
	}
	e.Weight = w / 100

	match, repl, arrow := strings.Cut(terms, "->")
	e.Match = strings.TrimSpace(match)
	e.Replacement = e.Match
	if arrow {
		e.Replacement = strings.TrimSpace(repl)
	}
	if e.Match == "" || e.Replacement == "" {
		return Entry{}, ErrEmptyTerm
	}
	return e, nil
}

// Format renders entries in the canonical file syntax, one per line.
func Format(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		var sb strings.Builder
		if !e.Enabled {
			sb.WriteByte('!')
		}
		sb.WriteString(e.Match)
		if e.Replacement != e.Match {
			sb.WriteString("->")
			sb.WriteString(e.Replacement)
		}
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatFloat(e.Weight*100, 'f', -1, 64))
		sb.WriteString("%\n")
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return fmt.Errorf("dictionary: format: %w", err)
		}
	}
	return nil
}
