package dictionary_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/stenograph/internal/dictionary"
)

func TestParse(t *testing.T) {
	t.Parallel()
	input := `# tech terms

GPT:100%
gpt4->GPT-4:95%
!kubernetes->Kubernetes:50%
React 30%
C++: 40 %
`
	entries, err := dictionary.Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []dictionary.Entry{
		{Match: "GPT", Replacement: "GPT", Weight: 1, Enabled: true, Line: 3},
		{Match: "gpt4", Replacement: "GPT-4", Weight: 0.95, Enabled: true, Line: 4},
		{Match: "kubernetes", Replacement: "Kubernetes", Weight: 0.5, Enabled: false, Line: 5},
		{Match: "React", Replacement: "React", Weight: 0.3, Enabled: true, Line: 6},
		{Match: "C++", Replacement: "C++", Weight: 0.4, Enabled: true, Line: 7},
	}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(entries), len(want), entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		line string
		want error
	}{
		{"no weight", "GPT", dictionary.ErrMalformed},
		{"no percent", "GPT:100", dictionary.ErrMalformed},
		{"not a number", "GPT:lots%", dictionary.ErrBadWeight},
		{"too heavy", "GPT:150%", dictionary.ErrBadWeight},
		{"negative", "GPT:-5%", dictionary.ErrBadWeight},
		{"nan", "GPT:NaN%", dictionary.ErrBadWeight},
		{"infinite", "GPT:Inf%", dictionary.ErrBadWeight},
		{"empty term", ":50%", dictionary.ErrEmptyTerm},
		{"empty replacement", "gpt->:50%", dictionary.ErrEmptyTerm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := dictionary.Parse(strings.NewReader("# header\n" + tt.line + "\n"))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var pe *dictionary.ParseError
			if !errors.As(err, &pe) || pe.Line != 2 {
				t.Errorf("expected ParseError on line 2, got %v", err)
			}
		})
	}
}

func TestParse_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := dictionary.Parse(strings.NewReader("a:200%\nb\nc:10%\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "line 1") || !strings.Contains(msg, "line 2") {
		t.Errorf("error does not name both lines: %v", msg)
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	t.Parallel()
	in := []dictionary.Entry{
		{Match: "gpt", Replacement: "GPT", Weight: 1, Enabled: true},
		{Match: "React", Replacement: "React", Weight: 0.25, Enabled: false},
	}
	var buf bytes.Buffer
	if err := dictionary.Format(&buf, in); err != nil {
		t.Fatalf("Format: %v", err)
	}
	if got := buf.String(); got != "gpt->GPT:100%\n!React:25%\n" {
		t.Errorf("Format = %q", got)
	}
	out, err := dictionary.Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for i := range in {
		in[i].Line = i + 1
		if out[i] != in[i] {
			t.Errorf("entry %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}
