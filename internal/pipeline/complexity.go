package pipeline

import (
	"regexp"
	"strings"

	"github.com/quarryhq/quarry/internal/store"
)

// Comparison phrasing marks a query complex regardless of length.
var comparisonRegex = regexp.MustCompile(`(?i)\b(compare|versus|vs\.?|difference between|differences between|pros and cons|trade-?offs?|better than|worse than|contrast)\b`)

// multiPartRegex catches explicitly enumerated multi-part questions.
var multiPartRegex = regexp.MustCompile(`(?i)\b(first(ly)?|second(ly)?|and also|as well as)\b`)

// RouteComplexity classifies a query as simple, moderate, or complex using
// pattern matching only. No model call here: this runs on every query and
// must stay off the network.
func RouteComplexity(text string) Complexity {
	trimmed := strings.TrimSpace(text)
	tokens := store.TokenizeText(trimmed)

	questionMarks := strings.Count(trimmed, "?")

	switch {
	case comparisonRegex.MatchString(trimmed),
		questionMarks >= 2,
		multiPartRegex.MatchString(trimmed),
		len(tokens) > 25:
		return ComplexityComplex
	case len(tokens) <= 8:
		return ComplexitySimple
	default:
		return ComplexityModerate
	}
}

// topKFor maps complexity to the post-rerank context size.
func topKFor(c Complexity, simple, moderate, complexK int) int {
	switch c {
	case ComplexitySimple:
		return simple
	case ComplexityComplex:
		return complexK
	default:
		return moderate
	}
}
