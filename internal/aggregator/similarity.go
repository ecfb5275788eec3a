package aggregator

import (
	"strings"
	"unicode"

	"github.com/xkilldash9x/scalpel-review/api/schemas"
)

// Weights for the text-only similarity fallback.
const (
	titleWeight       = 0.6
	descriptionWeight = 0.4
)

// Similarity scores how likely two findings describe the same issue, in [0, 1].
func Similarity(a, b schemas.Finding) float64 {
	if a.Line != nil && b.Line != nil && *a.Line == *b.Line {
		if a.Type == b.Type {
			return 1.0
		}
		return 0.7
	}
	if a.Type == b.Type && rangesOverlap(span(a), span(b)) {
		return 0.8
	}
	return titleWeight*jaccard(tokens(a.Title), tokens(b.Title)) +
		descriptionWeight*jaccard(tokens(a.Description), tokens(b.Description))
}

// TextSimilarity is the Jaccard index of the word sets of a and b.
func TextSimilarity(a, b string) float64 {
	return jaccard(tokens(a), tokens(b))
}

// span returns the finding's line range, treating a single line as a range of one.
func span(f schemas.Finding) *schemas.LineRange {
	switch {
	case f.LineRange != nil:
		return f.LineRange
	case f.Line != nil:
		return &schemas.LineRange{Start: *f.Line, End: *f.Line}
	default:
		return nil
	}
}

// rangesOverlap reports whether the shared lines exceed half of the smaller range.
func rangesOverlap(a, b *schemas.LineRange) bool {
	if a == nil || b == nil {
		return false
	}
	lo, hi := max(a.Start, b.Start), min(a.End, b.End)
	if hi < lo {
		return false
	}
	shared := hi - lo + 1
	smaller := min(a.Len(), b.Len())
	return float64(shared) > 0.5*float64(smaller)
}

func tokens(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// jaccard returns |a∩b| / |a∪b|. Two empty sets are identical.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

// titleKey is the coarse bucket key: the first four words of at least three letters.
func titleKey(title string) string {
	fields := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	key := make([]string, 0, 4)
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		key = append(key, f)
		if len(key) == 4 {
			break
		}
	}
	return strings.Join(key, " ")
}
