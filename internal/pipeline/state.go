// Package pipeline implements the adaptive retrieval and generation
// pipeline: intent classification, parallel lexical+vector retrieval,
// reciprocal rank fusion, parent-context expansion, adaptive reranking,
// and a bounded generate/verify loop.
package pipeline

import (
	"time"

	"github.com/quarryhq/quarry/internal/store"
)

// Query is one immutable user request.
type Query struct {
	Text       string
	SessionID  string
	Collection string
}

// Source tags where a ranked result came from.
type Source string

const (
	SourceLexical Source = "lexical"
	SourceVector  Source = "vector"
	SourceFused   Source = "fused"
)

// RankedResult is a passage with its position in one ranking. Scores from
// different sources are never compared directly; fusion works on rank
// position only.
type RankedResult struct {
	Passage store.Passage
	Score   float64
	Rank    int
	Source  Source
}

// RetrievalBatch is one ordered pass of fusion, expansion, and reranking.
type RetrievalBatch []RankedResult

// IntentLabel is the closed set of query intents.
type IntentLabel string

const (
	IntentQuestion      IntentLabel = "question"
	IntentCommand       IntentLabel = "command"
	IntentGreeting      IntentLabel = "greeting"
	IntentGratitude     IntentLabel = "gratitude"
	IntentGarbage       IntentLabel = "garbage"
	IntentOffTopic      IntentLabel = "off_topic"
	IntentFollowup      IntentLabel = "followup"
	IntentSimplify      IntentLabel = "simplify"
	IntentDeepen        IntentLabel = "deepen"
	IntentClarifyNeeded IntentLabel = "clarify_needed"
)

// allIntentLabels is used to validate LLM classifier output.
var allIntentLabels = map[IntentLabel]bool{
	IntentQuestion: true, IntentCommand: true, IntentGreeting: true,
	IntentGratitude: true, IntentGarbage: true, IntentOffTopic: true,
	IntentFollowup: true, IntentSimplify: true, IntentDeepen: true,
	IntentClarifyNeeded: true,
}

// conversationDependent reports whether a label only makes sense with
// prior turns in the session.
func (l IntentLabel) conversationDependent() bool {
	return l == IntentFollowup || l == IntentSimplify || l == IntentDeepen
}

// retrievalIntent reports whether the label routes through full retrieval.
func (l IntentLabel) retrievalIntent() bool {
	return l == IntentQuestion
}

// Intent is a classified query intent.
type Intent struct {
	Label      IntentLabel
	Confidence float64
	// Tier records which cascade tier decided: 0 rules, 1 embedding, 2 LLM.
	Tier int
}

// Complexity routes adaptive parameters: final topK, generation context
// size, and verification-skip eligibility.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityComplex
)

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityComplex:
		return "complex"
	default:
		return "moderate"
	}
}

// Verdict is a groundedness decision.
type Verdict struct {
	Grounded bool
	Score    float64
	// Tier records which verifier tier decided: 1 fast overlap, 2 LLM.
	Tier int
}

// GeneratedAnswer is the output of the generate/verify loop.
type GeneratedAnswer struct {
	Text       string
	Citations  RetrievalBatch
	Verdict    Verdict
	Iterations int
}

// PipelineState is the full mutable record threaded through one query.
// It is owned by exactly one in-flight query and never shared. State shape
// and the stage functions that advance it live in this package and must be
// changed together.
type PipelineState struct {
	Query      Query
	Intent     Intent
	Complexity Complexity
	Batch      RetrievalBatch
	Answer     GeneratedAnswer
	Iteration  int
	Stages     []string
	Errors     []error

	startedAt time.Time
}

func newPipelineState(q Query) *PipelineState {
	return &PipelineState{Query: q, startedAt: time.Now()}
}

// addStage appends to the audit trail.
func (s *PipelineState) addStage(name string) {
	s.Stages = append(s.Stages, name)
}

// addError accumulates a non-fatal error so a degraded answer can still be
// returned.
func (s *PipelineState) addError(err error) {
	if err != nil {
		s.Errors = append(s.Errors, err)
	}
}

// Citation points a caller at a supporting passage.
type Citation struct {
	PassageID string `json:"passage_id"`
	Source    string `json:"source"`
	Page      int    `json:"page,omitempty"`
}

// Result is the final response for one query.
type Result struct {
	Text       string
	Citations  []Citation
	Verdict    Verdict
	Intent     Intent
	Complexity Complexity
	Stages     []string
	Elapsed    time.Duration
	// NoContent marks the distinct "no relevant content" outcome; no
	// generation was attempted.
	NoContent bool
	// Errors lists non-fatal degradations hit along the way.
	Errors []error
}

func citationsFromBatch(batch RetrievalBatch) []Citation {
	citations := make([]Citation, 0, len(batch))
	for _, r := range batch {
		citations = append(citations, Citation{
			PassageID: r.Passage.ID,
			Source:    r.Passage.Source,
			Page:      r.Passage.Page,
		})
	}
	return citations
}
