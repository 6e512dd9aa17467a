package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/store"
)

// Fast-tier weights and default thresholds.
const (
	wordOverlapWeight    = 0.6
	trigramOverlapWeight = 0.4

	// DefaultAcceptThreshold accepts without the LLM tier.
	DefaultAcceptThreshold = 0.8
	// DefaultRejectThreshold rejects without the LLM tier.
	DefaultRejectThreshold = 0.3
	// DefaultHighConfidence skips the slow tier for simple queries whose
	// top rerank score exceeds it.
	DefaultHighConfidence = 0.85
)

const verifyPromptTemplate = `Judge whether the answer is fully supported by the evidence. An answer is grounded when every factual claim it makes appears in the evidence.

Evidence:
%s

Answer:
%s

Respond with ONLY a JSON object: {"grounded": true or false, "score": <0.0-1.0>}`

// Verifier decides whether an answer is supported by its evidence. The
// fast tier is pure lexical overlap; the LLM tier only runs when the fast
// tier lands between the reject and accept thresholds.
type Verifier struct {
	generator llm.Generator
	accept    float64
	reject    float64
	stopWords map[string]struct{}
}

// VerifierConfig tunes the overlap bands.
type VerifierConfig struct {
	AcceptThreshold float64
	RejectThreshold float64
}

// NewVerifier creates a verifier. A nil generator disables the slow tier;
// ambiguous fast-tier scores then resolve by rounding at the band midpoint.
func NewVerifier(generator llm.Generator, cfg VerifierConfig) *Verifier {
	if cfg.AcceptThreshold <= 0 {
		cfg.AcceptThreshold = DefaultAcceptThreshold
	}
	if cfg.RejectThreshold <= 0 {
		cfg.RejectThreshold = DefaultRejectThreshold
	}
	return &Verifier{
		generator: generator,
		accept:    cfg.AcceptThreshold,
		reject:    cfg.RejectThreshold,
		stopWords: store.BuildStopWordMap(store.DefaultStopWords),
	}
}

// Verify scores an answer against evidence. skipSlow accepts ambiguous
// fast-tier results without an LLM call; the orchestrator sets it for
// simple queries whose top rerank score already clears the
// high-confidence threshold.
func (v *Verifier) Verify(ctx context.Context, answer, evidence string, skipSlow bool) Verdict {
	fast := v.fastScore(answer, evidence)

	switch {
	case fast >= v.accept:
		return Verdict{Grounded: true, Score: fast, Tier: 1}
	case fast < v.reject:
		return Verdict{Grounded: false, Score: fast, Tier: 1}
	}

	if skipSlow || v.generator == nil {
		return Verdict{Grounded: fast >= midpoint(v.reject, v.accept), Score: fast, Tier: 1}
	}

	verdict, err := v.slowVerify(ctx, answer, evidence)
	if err != nil {
		// The answer still ships; resolve the ambiguous band locally.
		slog.Warn("slow-tier verification unavailable", "error", err)
		return Verdict{Grounded: fast >= midpoint(v.reject, v.accept), Score: fast, Tier: 1}
	}
	return verdict
}

// fastScore blends content-word overlap with character-trigram overlap.
// Both measure how much of the answer's wording is traceable to evidence.
func (v *Verifier) fastScore(answer, evidence string) float64 {
	return wordOverlapWeight*v.wordOverlap(answer, evidence) +
		trigramOverlapWeight*trigramOverlap(answer, evidence)
}

func (v *Verifier) wordOverlap(answer, evidence string) float64 {
	answerWords := store.ContentWords(answer, v.stopWords)
	if len(answerWords) == 0 {
		return 0
	}

	evidenceSet := make(map[string]bool)
	for _, w := range store.ContentWords(evidence, v.stopWords) {
		evidenceSet[w] = true
	}

	matched := 0
	for _, w := range answerWords {
		if evidenceSet[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(answerWords))
}

func trigramOverlap(answer, evidence string) float64 {
	answerGrams := charTrigrams(answer)
	if len(answerGrams) == 0 {
		return 0
	}

	evidenceSet := make(map[string]bool)
	for _, g := range charTrigrams(evidence) {
		evidenceSet[g] = true
	}

	matched := 0
	for _, g := range answerGrams {
		if evidenceSet[g] {
			matched++
		}
	}
	return float64(matched) / float64(len(answerGrams))
}

func charTrigrams(text string) []string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	runes := []rune(normalized)
	if len(runes) < 3 {
		return nil
	}
	grams := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+3]))
	}
	return grams
}

// slowVerify asks the generator to judge the answer claim by claim.
func (v *Verifier) slowVerify(ctx context.Context, answer, evidence string) (Verdict, error) {
	opts := llm.DefaultOptions()
	opts.JSONMode = true
	opts.MaxTokens = 64

	raw, err := v.generator.Generate(ctx, fmt.Sprintf(verifyPromptTemplate, evidence, answer), opts)
	if err != nil {
		return Verdict{}, err
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("no JSON object in verification response")
	}

	var parsed struct {
		Grounded bool    `json:"grounded"`
		Score    float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return Verdict{}, fmt.Errorf("failed to parse verification response: %w", err)
	}

	if parsed.Score < 0 {
		parsed.Score = 0
	}
	if parsed.Score > 1 {
		parsed.Score = 1
	}
	return Verdict{Grounded: parsed.Grounded, Score: parsed.Score, Tier: 2}, nil
}

func midpoint(lo, hi float64) float64 {
	return (lo + hi) / 2
}
