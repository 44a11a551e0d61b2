package session

import "unicode/utf8"

// minOverlap is the shortest common run that counts as an alignment between
// committed text and a new candidate.
const minOverlap = 2

// Merge aligns candidate against committed and returns the merged text, the
// number of committed runes that were rolled back and the number of runes
// written after the alignment point.
//
// Alignment tries every start position s in committed and measures the
// longest common prefix lcp of committed[s:] and candidate. The merge keeps
// committed[:s+lcp] and appends candidate[lcp:], so it rolls back
// len(committed)-(s+lcp) runes. Alignments that would roll back more than
// repair runes are not taken; among the rest the longest lcp wins, and the
// later s wins a tie.
//
// When the only alignments exceed the repair budget and one of them agrees
// on more than repair runes, candidate is a re-transcription of committed
// that disagrees outside the editable tail, and committed is kept unchanged.
// Otherwise, without an alignment of at least two runes, candidate is
// appended after a space. All positions count runes, not bytes.
func Merge(committed, candidate string, repair int) (merged string, rollback, revised int) {
	c := []rune(committed)
	n := []rune(candidate)
	switch {
	case len(c) == 0:
		return candidate, 0, len(n)
	case len(n) == 0:
		return committed, 0, 0
	}
	repair = max(repair, 0)

	best, at, anchored := 0, -1, false
	for s := range len(c) + 1 {
		l := commonPrefix(c[s:], n)
		if l < minOverlap {
			continue
		}
		if len(c)-(s+l) > repair {
			anchored = anchored || l > repair
			continue
		}
		if l >= best {
			best, at = l, s
		}
	}
	switch {
	case at >= 0:
		cut := at + best
		return string(c[:cut]) + string(n[best:]), len(c) - cut, len(n) - best
	case anchored:
		return committed, 0, 0
	default:
		return join(committed, candidate), 0, len(n)
	}
}

// diff compares two versions of a transcript and reports how many trailing
// runes of prev were dropped and how many trailing runes of next are new.
func diff(prev, next string) (rollback, revised int) {
	a, b := []rune(prev), []rune(next)
	p := commonPrefix(a, b)
	return len(a) - p, len(b) - p
}

func commonPrefix(a, b []rune) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// join concatenates two transcript fragments with exactly one separating
// space when both are non-empty.
func join(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	last, _ := utf8.DecodeLastRuneInString(a)
	first, _ := utf8.DecodeRuneInString(b)
	if last == ' ' || first == ' ' {
		return a + b
	}
	return a + " " + b
}
