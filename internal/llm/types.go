// Package llm provides text generation clients for the answer pipeline.
//
// Two providers are supported: Ollama's native HTTP API and any
// OpenAI-compatible chat endpoint. Both expose the same Generator
// interface so the pipeline never cares which one is wired in.
package llm

import (
	"context"
	"time"
)

const (
	// DefaultGenerateTimeout bounds a single generation request.
	DefaultGenerateTimeout = 90 * time.Second

	// DefaultTemperature keeps answers close to the evidence.
	DefaultTemperature = 0.1
)

// Options tune a single generation call.
type Options struct {
	// Temperature overrides the client default when non-negative.
	Temperature float64
	// JSONMode asks the model to emit valid JSON only.
	JSONMode bool
	// MaxTokens caps the response length when positive.
	MaxTokens int
}

// DefaultOptions returns per-call defaults.
func DefaultOptions() Options {
	return Options{Temperature: DefaultTemperature}
}

// TokenFunc receives generated tokens as they stream in. Returning an
// error aborts the stream.
type TokenFunc func(token string) error

// Generator produces text completions.
type Generator interface {
	// Generate returns the full completion for a prompt.
	Generate(ctx context.Context, prompt string, opts Options) (string, error)

	// GenerateStream streams tokens through fn and returns the full
	// completion once done.
	GenerateStream(ctx context.Context, prompt string, opts Options, fn TokenFunc) (string, error)

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the generator can serve requests.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}
