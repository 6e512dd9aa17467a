// Package ui renders answers, ingestion progress, and status to the
// terminal. Interactive terminals get lipgloss-styled output; pipes and CI
// environments get plain text.
package ui

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/quarryhq/quarry/internal/pipeline"
)

// Config configures terminal output.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) { c.ForcePlain = force }
}

// WithNoColor disables color output.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) { c.NoColor = noColor }
}

// NewConfig creates a Config with the given output and options.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{Output: output}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// AnswerRenderer displays one answer as it streams in.
type AnswerRenderer interface {
	// Phase reports a pipeline stage change.
	Phase(name string)

	// Token writes one generated token.
	Token(token string)

	// Citations displays the supporting passages.
	Citations(citations []pipeline.Citation)

	// Finish completes the answer with its verdict.
	Finish(result *pipeline.Result)

	// Explain prints the audit trail for a finished result.
	Explain(result *pipeline.Result)

	// Error displays a fatal error.
	Error(err error)
}

// NewAnswerRenderer picks styled or plain rendering based on config and
// environment.
func NewAnswerRenderer(cfg Config) AnswerRenderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainAnswerRenderer(cfg)
	}
	return NewStyledAnswerRenderer(cfg)
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if w == nil {
		return false
	}
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// DetectNoColor checks if the NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks if running in a CI environment.
func DetectCI() bool {
	ciVars := []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"}
	for _, v := range ciVars {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}

// phaseLabel maps internal stage names to short progress labels.
func phaseLabel(name string) string {
	switch name {
	case "classify_intent":
		return "classifying"
	case "route_complexity":
		return "routing"
	case "retrieve":
		return "retrieving"
	case "fuse", "expand", "rerank":
		return "ranking"
	case "load_history":
		return "loading history"
	case "generate":
		return "generating"
	case "verify":
		return "verifying"
	case "retry":
		return "regenerating"
	default:
		return ""
	}
}
