// Package grades owns the closed climbing-grade vocabulary and its single
// canonical easy-to-hard order. Every producer of grade data (the mapper's
// detection scan, the reducer's final assembly, CSV imports) goes through
// this package, so round-tripping histograms through CSV or the database can
// never reorder them.
package grades

import (
	"strings"
	"unicode"

	"cotations/packages/domain"
)

// order interleaves UIAA Roman grades just before the French grades they
// historically correspond to. The slice position is the rank; new tokens may
// be inserted at their difficulty position but must never disturb the
// relative order of existing ones.
var order = []string{
	"1",
	"I", "I+",
	"2",
	"II", "II+",

	"3",
	"III", "III+",
	"3+", "3a", "3b", "3c",

	"4",
	"IV-", "IV", "IV+",
	"4a", "4b", "4c", "4c+", "4+",

	"V-", "V", "V+",
	"5", "5+", "5a", "5a+", "5b", "5b+", "5c", "5c+",

	"VI-", "VI", "VI+",
	"6", "6a", "6a+", "6b", "6b+",

	"VII-", "VII", "VII+",
	"6c", "6c+",

	"VIII-", "VIII", "VIII+",
	"7a", "7a+", "7b", "7b+",

	"IX-", "IX", "IX+",
	"7c", "7c+",

	"X-", "X", "X+",
	"8a", "8a+", "8b", "8b+",

	"XI-", "XI",
	"8c", "8c+",
	"9a", "9a+", "9b", "9b+", "9c", "9c+",
}

var (
	rankOf    map[string]int    // normalized token -> rank
	canonical map[string]string // normalized token -> table spelling
	scannable map[string]bool   // normalized tokens without +/- suffixes
)

func init() {
	rankOf = make(map[string]int, len(order))
	canonical = make(map[string]string, len(order))
	scannable = make(map[string]bool, len(order))
	for i, g := range order {
		key := Normalize(g)
		rankOf[key] = i
		canonical[key] = g
		if !strings.ContainsAny(g, "+-") {
			scannable[key] = true
		}
	}
}

// Normalize folds a raw token to the comparison form: trimmed, lowercased.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Valid reports membership in the vocabulary after normalization.
func Valid(s string) bool {
	_, ok := rankOf[Normalize(s)]
	return ok
}

// Rank returns the canonical difficulty index of a token. The index is a
// stable sort key: lower means easier.
func Rank(s string) (int, bool) {
	r, ok := rankOf[Normalize(s)]
	return r, ok
}

// Canonical returns the table spelling for a token (Roman grades upper-case,
// French grades lower-case), so persisted data never carries two spellings
// of the same grade.
func Canonical(s string) (string, bool) {
	c, ok := canonical[Normalize(s)]
	return c, ok
}

// Tokens returns the vocabulary in canonical order. Callers own the copy;
// the prompt builder uses it so the oracle and the validator always agree on
// the recognized set.
func Tokens() []string {
	out := make([]string, len(order))
	copy(out, order)
	return out
}

// SortAndMerge canonicalizes a histogram: unknown tokens and non-positive
// counts are dropped, duplicate tokens are merged by summing, and the result
// is sorted ascending by rank. The output is deterministic for every
// permutation of the input.
func SortAndMerge(pairs []domain.GradeCount) domain.Histogram {
	merged := make(map[int]int)
	for _, p := range pairs {
		if p.Count <= 0 {
			continue
		}
		r, ok := rankOf[Normalize(p.Grade)]
		if !ok {
			continue
		}
		merged[r] += p.Count
	}

	out := make(domain.Histogram, 0, len(merged))
	for r := 0; r < len(order); r++ {
		if c, ok := merged[r]; ok {
			out = append(out, domain.GradeCount{Grade: order[r], Count: c})
		}
	}
	return out
}

// ContainsToken scans free text for any vocabulary token occurring with
// token boundaries (neighbors that are not letters or digits), case
// insensitively. The scan is vocabulary-driven, not a fixed pattern: it
// tracks whatever the order table holds. Tokens carrying a +/- suffix are
// covered by their base token, which is always present in the table, so
// scanning letter/digit runs is sufficient for detection.
func ContainsToken(text string) bool {
	start := -1
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && scannable[strings.ToLower(text[start:i])] {
			return true
		}
		start = -1
	}
	return start >= 0 && scannable[strings.ToLower(text[start:])]
}
