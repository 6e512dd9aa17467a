// Package rerank rescores fused retrieval candidates against the query.
//
// The primary scorer prompts the generation LLM for per-passage relevance.
// A deterministic overlap scorer serves as the offline fallback and as the
// reference behavior in tests.
package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/qerrors"
	"github.com/quarryhq/quarry/internal/store"
)

// Scorer assigns a relevance score in [0,1] to each passage for a query.
// The result has one entry per input passage, in input order.
type Scorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
	Available(ctx context.Context) bool
}

// maxPassageChars bounds how much of each passage reaches the scoring
// prompt.
const maxPassageChars = 1200

const scorePromptTemplate = `Rate how relevant each passage is to the question on a scale from 0.0 (irrelevant) to 1.0 (directly answers it).

Question: %s

%s
Respond with ONLY a JSON object of the form {"scores": [0.8, 0.2, ...]} with exactly %d numbers, one per passage, in order.`

// LLMScorer scores passages by prompting a generation model in JSON mode.
type LLMScorer struct {
	generator llm.Generator
}

var _ Scorer = (*LLMScorer)(nil)

// NewLLMScorer creates a scorer over the given generator.
func NewLLMScorer(generator llm.Generator) *LLMScorer {
	return &LLMScorer{generator: generator}
}

// Score prompts the model for one score per passage.
func (s *LLMScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return []float64{}, nil
	}

	var b strings.Builder
	for i, passage := range passages {
		fmt.Fprintf(&b, "Passage %d:\n%s\n\n", i+1, truncate(passage, maxPassageChars))
	}
	prompt := fmt.Sprintf(scorePromptTemplate, query, b.String(), len(passages))

	opts := llm.DefaultOptions()
	opts.JSONMode = true

	raw, err := s.generator.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeGeneratorFailed, "rerank scoring failed", err)
	}

	scores, err := parseScores(raw, len(passages))
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeGeneratorFailed,
			"rerank scoring returned malformed output", err)
	}
	return scores, nil
}

// Available reports whether the underlying generator can serve requests.
func (s *LLMScorer) Available(ctx context.Context) bool {
	return s.generator.Available(ctx)
}

// parseScores extracts the score array, tolerating surrounding text around
// the JSON object.
func parseScores(raw string, want int) ([]float64, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var parsed struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse scores: %w", err)
	}
	if len(parsed.Scores) != want {
		return nil, fmt.Errorf("expected %d scores, got %d", want, len(parsed.Scores))
	}

	for i, score := range parsed.Scores {
		parsed.Scores[i] = clamp01(score)
	}
	return parsed.Scores, nil
}

// OverlapScorer scores passages by content-word overlap with the query.
// Deterministic and dependency-free; used when no LLM is reachable.
type OverlapScorer struct {
	stopWords map[string]struct{}
}

var _ Scorer = (*OverlapScorer)(nil)

// NewOverlapScorer creates an overlap scorer with the default stop words.
func NewOverlapScorer() *OverlapScorer {
	return &OverlapScorer{stopWords: store.BuildStopWordMap(store.DefaultStopWords)}
}

// Score computes the fraction of query content words present in each
// passage.
func (s *OverlapScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	queryWords := store.ContentWords(query, s.stopWords)
	scores := make([]float64, len(passages))
	if len(queryWords) == 0 {
		return scores, nil
	}

	for i, passage := range passages {
		passageWords := make(map[string]bool)
		for _, w := range store.ContentWords(passage, s.stopWords) {
			passageWords[w] = true
		}

		matched := 0
		for _, w := range queryWords {
			if passageWords[w] {
				matched++
			}
		}
		scores[i] = float64(matched) / float64(len(queryWords))
	}
	return scores, nil
}

// Available always reports true.
func (s *OverlapScorer) Available(ctx context.Context) bool { return true }

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
