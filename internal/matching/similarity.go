package matching

import (
	"math"
	"strings"
	"unicode"

	"ArtifactFunnel/internal/domain"
)

// Cosine returns the cosine similarity of two vectors, or 0 when either is empty,
// zero-length or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Jaccard compares the word sets of two texts.
func Jaccard(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[f] = true
	}
	return out
}

func taskText(t domain.SourceTask) string {
	parts := []string{t.Summary}
	if t.Actor != "" {
		parts = append(parts, t.Actor)
	}
	if t.Recipient != "" {
		parts = append(parts, t.Recipient)
	}
	return strings.Join(parts, " ")
}

func itemText(it domain.TrackerItem) string {
	if it.Description == "" {
		return it.Title
	}
	return it.Title + "\n" + it.Description
}
