package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/quarryhq/quarry/internal/pipeline"
)

// PlainAnswerRenderer writes unstyled text, suitable for pipes and CI.
// Phase changes are suppressed so piped output stays just the answer.
type PlainAnswerRenderer struct {
	mu        sync.Mutex
	out       io.Writer
	citations []pipeline.Citation
	streamed  bool
}

// NewPlainAnswerRenderer creates a plain text answer renderer.
func NewPlainAnswerRenderer(cfg Config) *PlainAnswerRenderer {
	return &PlainAnswerRenderer{out: cfg.Output}
}

// Phase implements AnswerRenderer.
func (r *PlainAnswerRenderer) Phase(name string) {}

// Token implements AnswerRenderer.
func (r *PlainAnswerRenderer) Token(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamed = true
	_, _ = io.WriteString(r.out, token)
}

// Citations implements AnswerRenderer. Display is deferred to Finish so
// sources print after the answer body.
func (r *PlainAnswerRenderer) Citations(citations []pipeline.Citation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.citations = citations
}

// Finish implements AnswerRenderer.
func (r *PlainAnswerRenderer) Finish(result *pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.streamed {
		_, _ = io.WriteString(r.out, result.Text)
	}
	_, _ = fmt.Fprintln(r.out)

	citations := result.Citations
	if len(citations) == 0 {
		citations = r.citations
	}
	if len(citations) > 0 {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, "Sources:")
		for i, c := range citations {
			_, _ = fmt.Fprintf(r.out, "  [%d] %s\n", i+1, formatCitation(c))
		}
	}

	if !result.Verdict.Grounded && !result.NoContent {
		_, _ = fmt.Fprintf(r.out, "\nwarning: answer could not be verified against your documents (score %.2f)\n",
			result.Verdict.Score)
	}
}

// Explain implements AnswerRenderer.
func (r *PlainAnswerRenderer) Explain(result *pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintln(r.out)
	_, _ = fmt.Fprintf(r.out, "intent:     %s (confidence %.2f, tier %d)\n",
		result.Intent.Label, result.Intent.Confidence, result.Intent.Tier)
	_, _ = fmt.Fprintf(r.out, "complexity: %s\n", result.Complexity)
	_, _ = fmt.Fprintf(r.out, "verdict:    %s\n", formatVerdict(result.Verdict))
	_, _ = fmt.Fprintf(r.out, "stages:     %s\n", strings.Join(result.Stages, " > "))
	_, _ = fmt.Fprintf(r.out, "elapsed:    %s\n", result.Elapsed.Round(millisecond))
	for _, err := range result.Errors {
		_, _ = fmt.Fprintf(r.out, "degraded:   %v\n", err)
	}
}

// Error implements AnswerRenderer.
func (r *PlainAnswerRenderer) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, "error: %v\n", err)
}

func formatCitation(c pipeline.Citation) string {
	if c.Page > 0 {
		return fmt.Sprintf("%s (page %d)", c.Source, c.Page)
	}
	return c.Source
}

func formatVerdict(v pipeline.Verdict) string {
	state := "ungrounded"
	if v.Grounded {
		state = "grounded"
	}
	tier := "canned"
	switch v.Tier {
	case 1:
		tier = "fast check"
	case 2:
		tier = "llm check"
	}
	return fmt.Sprintf("%s (score %.2f, %s)", state, v.Score, tier)
}

const millisecond = 1000000 // nanoseconds
