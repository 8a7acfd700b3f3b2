package grades

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cotations/packages/domain"
)

func TestRankTotalOrder(t *testing.T) {
	tokens := Tokens()
	require.NotEmpty(t, tokens)

	prev := -1
	for _, tok := range tokens {
		r, ok := Rank(tok)
		require.True(t, ok, "token %q must have a rank", tok)
		assert.Greater(t, r, prev, "ranks must be strictly increasing along the table")
		prev = r
	}
}

func TestRankInterleavesRomanAndFrench(t *testing.T) {
	pairs := [][2]string{
		{"5c", "6a"},   // plain French progression
		{"III+", "3+"}, // UIAA sits just before its French block
		{"IV-", "IV"},
		{"IV", "IV+"},
		{"VI+", "6"},
		{"XI", "8c"},
		{"9b+", "9c"},
	}
	for _, p := range pairs {
		lo, ok := Rank(p[0])
		require.True(t, ok)
		hi, ok := Rank(p[1])
		require.True(t, ok)
		assert.Less(t, lo, hi, "%s must rank below %s", p[0], p[1])
	}
}

func TestValidNormalizesCaseAndWhitespace(t *testing.T) {
	cases := []struct {
		in    string
		valid bool
	}{
		{"5c", true},
		{" 5C ", true},
		{"vii-", true},
		{"VII-", true},
		{"6", true},
		{"9c+", true},
		{"I", true},
		{"bogus", false},
		{"5d", false},
		{"XII", false},
		{"", false},
		{"6 a", false},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			assert.Equal(t, c.valid, Valid(c.in))
		})
	}
}

func TestCanonicalSpelling(t *testing.T) {
	got, ok := Canonical("vii-")
	require.True(t, ok)
	assert.Equal(t, "VII-", got)

	got, ok = Canonical(" 5C+ ")
	require.True(t, ok)
	assert.Equal(t, "5c+", got)

	_, ok = Canonical("nope")
	assert.False(t, ok)
}

func TestSortAndMergeMergesDuplicates(t *testing.T) {
	in := []domain.GradeCount{
		{Grade: "5c", Count: 2},
		{Grade: "6a", Count: 1},
		{Grade: "5c", Count: 3},
	}
	want := domain.Histogram{
		{Grade: "5c", Count: 5},
		{Grade: "6a", Count: 1},
	}
	assert.Equal(t, want, SortAndMerge(in))
}

func TestSortAndMergeDropsInvalidEntries(t *testing.T) {
	in := []domain.GradeCount{
		{Grade: "6a", Count: 0},
		{Grade: "6b", Count: -3},
		{Grade: "nonsense", Count: 4},
		{Grade: "7a", Count: 1},
	}
	want := domain.Histogram{{Grade: "7a", Count: 1}}
	assert.Equal(t, want, SortAndMerge(in))
}

func TestSortAndMergeCanonicalizesSpelling(t *testing.T) {
	in := []domain.GradeCount{
		{Grade: "vii-", Count: 1},
		{Grade: "VII-", Count: 2},
		{Grade: " 6A ", Count: 1},
	}
	want := domain.Histogram{
		{Grade: "VII-", Count: 3},
		{Grade: "6a", Count: 1},
	}
	assert.Equal(t, want, SortAndMerge(in))
}

func TestSortAndMergeDeterministicAcrossPermutations(t *testing.T) {
	base := []domain.GradeCount{
		{Grade: "6a", Count: 1},
		{Grade: "IV+", Count: 2},
		{Grade: "5c", Count: 4},
		{Grade: "8a", Count: 1},
	}
	want := SortAndMerge(base)
	require.Len(t, want, 4)

	for _, perm := range permutations(base) {
		assert.Equal(t, want, SortAndMerge(perm))
	}
}

func TestSortAndMergeIdempotent(t *testing.T) {
	in := []domain.GradeCount{
		{Grade: "6b", Count: 2},
		{Grade: "V", Count: 1},
		{Grade: "6b", Count: 1},
	}
	once := SortAndMerge(in)
	twice := SortAndMerge(once)
	assert.Equal(t, once, twice)
}

func TestContainsToken(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"french grade", "Belle voie en 6a+ au soleil", true},
		{"uppercase french", "Boulder 7C classic", true},
		{"roman grade", "Klettern im VII- Bereich", true},
		{"lowercase roman", "une longueur en iv puis plus facile", true},
		{"range with bare digits", "8 voies de 4 a 6", true},
		{"grade glued to punctuation", "Crux: 6b+.", true},
		{"no grade at all", "A lovely walk through the forest", false},
		{"token inside a word", "la vie est belle ici", false},
		{"digits inside a number", "altitude 3650m environ", false},
		{"empty", "", false},
		{"grade at end of text", "Depart raide puis 5b", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, ContainsToken(c.text))
		})
	}
}

// permutations returns every ordering of the input (inputs stay small).
func permutations(in []domain.GradeCount) [][]domain.GradeCount {
	if len(in) <= 1 {
		return [][]domain.GradeCount{append([]domain.GradeCount(nil), in...)}
	}
	var out [][]domain.GradeCount
	for i := range in {
		rest := make([]domain.GradeCount, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]domain.GradeCount{in[i]}, p...))
		}
	}
	return out
}
