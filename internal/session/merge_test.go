package session

import (
	"testing"
	"unicode/utf8"
)

func TestMerge(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		committed   string
		candidate   string
		repair      int
		want        string
		rollback    int
		revisedRune int
	}{
		{"empty committed", "", "hello", 12, "hello", 0, 5},
		{"empty candidate", "hello", "", 12, "hello", 0, 0},
		{"extends prefix", "hello wor", "hello world", 12, "hello world", 0, 2},
		{"rewrites tail", "the quick brown fox jumps", "fox jumped over", 12, "the quick brown fox jumped over", 1, 7},
		{"no alignment appends", "good morning", "xyz", 12, "good morning xyz", 0, 3},
		{"single rune overlap is no alignment", "abc d", "dq", 12, "abc d dq", 0, 2},
		{"identical", "same text", "same text", 12, "same text", 0, 0},
		{"ties prefer later start", "ab ab", "ab", 12, "ab ab", 0, 0},
		{"multibyte runes", "你好世界", "世界和平", 12, "你好世界和平", 0, 2},
		{"grows past repair window", "the quick brown fox", "the quick brown fox jumps over", 12, "the quick brown fox jumps over", 0, 11},
		{"tail window", "the quick brown fox jumps", "brown fox jumps over the", 12, "the quick brown fox jumps over the", 0, 9},
		{"rewrite beyond repair kept", "the quick brown fox jumps over", "the quick brown cat leaps over", 12, "the quick brown fox jumps over", 0, 0},
		{"short anchor outside repair appends", "the quick brown fox", "the lazy dog", 12, "the quick brown fox the lazy dog", 0, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rb, rev := Merge(tt.committed, tt.candidate, tt.repair)
			if got != tt.want {
				t.Errorf("merged = %q, want %q", got, tt.want)
			}
			if rb != tt.rollback {
				t.Errorf("rollback = %d, want %d", rb, tt.rollback)
			}
			if rev != tt.revisedRune {
				t.Errorf("revised = %d, want %d", rev, tt.revisedRune)
			}
		})
	}
}

func TestMerge_RollbackBounded(t *testing.T) {
	t.Parallel()
	committed := "one two three four five six seven"
	candidates := []string{"six sevens", "seven eight", "five six", "ix", "completely different text", "e"}
	for _, repair := range []int{0, 3, 12} {
		for _, cand := range candidates {
			merged, rb, _ := Merge(committed, cand, repair)
			if rb > repair {
				t.Errorf("Merge(%q, repair=%d) rolled back %d", cand, repair, rb)
			}
			keep := utf8.RuneCountInString(committed) - rb
			if string([]rune(merged)[:keep]) != string([]rune(committed)[:keep]) {
				t.Errorf("Merge(%q) changed text before the rollback window: %q", cand, merged)
			}
		}
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	rb, rev := diff("hello wor", "hello world.")
	if rb != 0 || rev != 3 {
		t.Errorf("diff = (%d, %d), want (0, 3)", rb, rev)
	}
	rb, rev = diff("hello word", "hello world")
	if rb != 1 || rev != 2 {
		t.Errorf("diff = (%d, %d), want (1, 2)", rb, rev)
	}
}

func TestJoin(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct{ a, b, want string }{
		{"", "b", "b"},
		{"a", "", "a"},
		{"a", "b", "a b"},
		{"a ", "b", "a b"},
	} {
		if got := join(tt.a, tt.b); got != tt.want {
			t.Errorf("join(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
