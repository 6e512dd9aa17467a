package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/quarryhq/quarry/internal/pipeline"
)

// StyledAnswerRenderer writes lipgloss-styled output for interactive
// terminals. Phase updates overwrite a single progress line that is cleared
// once tokens start streaming.
type StyledAnswerRenderer struct {
	mu        sync.Mutex
	out       io.Writer
	styles    Styles
	citations []pipeline.Citation
	streamed  bool
	phaseLine bool
}

// NewStyledAnswerRenderer creates a styled answer renderer.
func NewStyledAnswerRenderer(cfg Config) *StyledAnswerRenderer {
	return &StyledAnswerRenderer{
		out:    cfg.Output,
		styles: GetStyles(cfg.NoColor || DetectNoColor()),
	}
}

// Phase implements AnswerRenderer.
func (r *StyledAnswerRenderer) Phase(name string) {
	label := phaseLabel(name)
	if label == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streamed {
		return
	}
	_, _ = fmt.Fprintf(r.out, "\r\x1b[2K%s", r.styles.Stage.Render("… "+label))
	r.phaseLine = true
}

// Token implements AnswerRenderer.
func (r *StyledAnswerRenderer) Token(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearPhaseLine()
	r.streamed = true
	_, _ = io.WriteString(r.out, token)
}

// Citations implements AnswerRenderer. Display is deferred to Finish.
func (r *StyledAnswerRenderer) Citations(citations []pipeline.Citation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.citations = citations
}

// Finish implements AnswerRenderer.
func (r *StyledAnswerRenderer) Finish(result *pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearPhaseLine()

	if !r.streamed {
		_, _ = io.WriteString(r.out, result.Text)
	}
	_, _ = fmt.Fprintln(r.out)

	citations := result.Citations
	if len(citations) == 0 {
		citations = r.citations
	}
	if len(citations) > 0 {
		var b strings.Builder
		b.WriteString(r.styles.Label.Render("Sources"))
		for i, c := range citations {
			b.WriteString("\n")
			b.WriteString(r.styles.Citation.Render(fmt.Sprintf("[%d] %s", i+1, formatCitation(c))))
		}
		_, _ = fmt.Fprintf(r.out, "\n%s\n", r.styles.Panel.Render(b.String()))
	}

	if !result.Verdict.Grounded && !result.NoContent {
		warning := fmt.Sprintf("This answer could not be verified against your documents (score %.2f).",
			result.Verdict.Score)
		_, _ = fmt.Fprintf(r.out, "\n%s\n", r.styles.Warning.Render(warning))
	}
}

// Explain implements AnswerRenderer.
func (r *StyledAnswerRenderer) Explain(result *pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	b.WriteString(r.styles.Header.Render("Pipeline"))
	fmt.Fprintf(&b, "\n%s %s (confidence %.2f, tier %d)",
		r.styles.Label.Render("intent:    "), result.Intent.Label, result.Intent.Confidence, result.Intent.Tier)
	fmt.Fprintf(&b, "\n%s %s", r.styles.Label.Render("complexity:"), result.Complexity)
	fmt.Fprintf(&b, "\n%s %s", r.styles.Label.Render("verdict:   "), formatVerdict(result.Verdict))
	fmt.Fprintf(&b, "\n%s %s", r.styles.Label.Render("stages:    "), strings.Join(result.Stages, " > "))
	fmt.Fprintf(&b, "\n%s %s", r.styles.Label.Render("elapsed:   "), result.Elapsed.Round(millisecond).String())
	for _, err := range result.Errors {
		fmt.Fprintf(&b, "\n%s %v", r.styles.Warning.Render("degraded:  "), err)
	}
	_, _ = fmt.Fprintf(r.out, "\n%s\n", r.styles.Panel.Render(b.String()))
}

// Error implements AnswerRenderer.
func (r *StyledAnswerRenderer) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearPhaseLine()
	_, _ = fmt.Fprintf(r.out, "%s\n", r.styles.Error.Render(fmt.Sprintf("error: %v", err)))
}

// clearPhaseLine erases the progress line. Callers hold the mutex.
func (r *StyledAnswerRenderer) clearPhaseLine() {
	if r.phaseLine {
		_, _ = io.WriteString(r.out, "\r\x1b[2K")
		r.phaseLine = false
	}
}
