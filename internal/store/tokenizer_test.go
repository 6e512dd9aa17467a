package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "basic sentence",
			input: "The CAP theorem describes tradeoffs.",
			want:  []string{"the", "cap", "theorem", "describes", "tradeoffs"},
		},
		{
			name:  "hyphenated words split",
			input: "write-ahead logging",
			want:  []string{"write", "ahead", "logging"},
		},
		{
			name:  "single char tokens dropped",
			input: "a b theorem",
			want:  []string{"theorem"},
		},
		{
			name:  "numbers kept",
			input: "RFC 2616 section 14",
			want:  []string{"rfc", "2616", "section", "14"},
		},
		{
			name:  "punctuation only",
			input: "?!...",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TokenizeText(tt.input))
		})
	}
}

func TestContentWords_FiltersStopWords(t *testing.T) {
	stop := BuildStopWordMap(DefaultStopWords)

	got := ContentWords("the theorem is about the network", stop)
	assert.Equal(t, []string{"theorem", "about", "network"}, got)
}

func TestBuildStopWordMap_CaseInsensitive(t *testing.T) {
	m := BuildStopWordMap([]string{"The", "AND"})

	filtered := FilterStopWords([]string{"the", "and", "cap"}, m)
	assert.Equal(t, []string{"cap"}, filtered)
}
