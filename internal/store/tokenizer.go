package store

import (
	"regexp"
	"strings"
)

// tokenRegex matches alphanumeric word sequences. Hyphenated words split into
// their parts, which matches how the FTS5 unicode61 tokenizer behaves.
var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// TokenizeText splits prose into lowercase word tokens, filtering tokens
// shorter than two characters.
func TokenizeText(text string) []string {
	var tokens []string

	words := tokenRegex.FindAllString(text, -1)
	for _, word := range words {
		lower := strings.ToLower(word)
		if len(lower) >= 2 {
			tokens = append(tokens, lower)
		}
	}

	return tokens
}

// ContentWords tokenizes text and removes stop words. This is the shared
// vocabulary used by lexical indexing and answer verification.
func ContentWords(text string, stopWords map[string]struct{}) []string {
	return FilterStopWords(TokenizeText(text), stopWords)
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		lower := strings.ToLower(token)
		if _, isStop := stopWords[lower]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a slice of stop words to a map for efficient lookup.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}
