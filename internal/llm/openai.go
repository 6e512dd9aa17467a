package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/quarryhq/quarry/internal/qerrors"
)

// OpenAIConfig configures a generator against any OpenAI-compatible chat
// endpoint.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIGenerator generates completions through an OpenAI-compatible API
// via langchaingo.
type OpenAIGenerator struct {
	client    *openai.LLM
	modelName string
	timeout   time.Duration

	mu     sync.RWMutex
	closed bool
}

var _ Generator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator creates a generator against an OpenAI-compatible
// endpoint. An empty APIKey is replaced with "none" for local servers.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.Model == "" {
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid, "openai generator model is required", nil)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "none"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGenerateTimeout
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeUpstreamUnavailable, "failed to create openai client", err)
	}

	return &OpenAIGenerator{
		client:    client,
		modelName: cfg.Model,
		timeout:   cfg.Timeout,
	}, nil
}

// Generate returns the full completion for a prompt.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return g.GenerateStream(ctx, prompt, opts, nil)
}

// GenerateStream streams tokens through fn and returns the full
// completion. A nil fn collects without streaming.
func (g *OpenAIGenerator) GenerateStream(ctx context.Context, prompt string, opts Options, fn TokenFunc) (string, error) {
	if g.isClosed() {
		return "", fmt.Errorf("generator is closed")
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	callOpts := []llms.CallOption{}
	if opts.Temperature >= 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.JSONMode {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	var streamErr error
	if fn != nil {
		callOpts = append(callOpts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if err := fn(string(chunk)); err != nil {
				streamErr = err
				return err
			}
			return nil
		}))
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		},
	}

	resp, err := g.client.GenerateContent(reqCtx, messages, callOpts...)
	if err != nil {
		if streamErr != nil {
			return "", streamErr
		}
		return "", qerrors.New(qerrors.ErrCodeGeneratorFailed, "generation request failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", qerrors.New(qerrors.ErrCodeGeneratorFailed, "no completion returned", nil)
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// ModelName returns the model identifier.
func (g *OpenAIGenerator) ModelName() string { return g.modelName }

// Available probes with a one-token completion.
func (g *OpenAIGenerator) Available(ctx context.Context) bool {
	if g.isClosed() {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, ollamaProbeTimeout)
	defer cancel()

	_, err := g.client.GenerateContent(probeCtx, []llms.MessageContent{
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart("ping")}},
	}, llms.WithMaxTokens(1))
	return err == nil
}

// Close marks the generator closed.
func (g *OpenAIGenerator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *OpenAIGenerator) isClosed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}
