package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quarryhq/quarry/internal/qerrors"
)

const (
	// DefaultOllamaHost is the default Ollama API endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultOllamaModel is the default generation model.
	DefaultOllamaModel = "llama3.1:8b"

	ollamaProbeTimeout = 5 * time.Second
)

// OllamaConfig configures the Ollama generator.
type OllamaConfig struct {
	Host    string
	Model   string
	Timeout time.Duration
}

// DefaultOllamaConfig returns sensible defaults.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		Host:    DefaultOllamaHost,
		Model:   DefaultOllamaModel,
		Timeout: DefaultGenerateTimeout,
	}
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// OllamaGenerator generates completions through Ollama's /api/generate.
// A circuit breaker keeps a dead server from stalling every query on
// connect timeouts.
type OllamaGenerator struct {
	client  *http.Client
	config  OllamaConfig
	breaker *qerrors.CircuitBreaker

	mu     sync.RWMutex
	closed bool
}

var _ Generator = (*OllamaGenerator)(nil)

// NewOllamaGenerator creates an Ollama generator. No health check is done
// here; Available probes on demand.
func NewOllamaGenerator(cfg OllamaConfig) *OllamaGenerator {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGenerateTimeout
	}

	// No client-level timeout: streaming responses outlive any fixed
	// value, so per-request contexts carry the deadline.
	return &OllamaGenerator{
		client:  &http.Client{},
		config:  cfg,
		breaker: qerrors.NewCircuitBreaker("ollama-generate"),
	}
}

// Generate returns the full completion for a prompt.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return g.GenerateStream(ctx, prompt, opts, nil)
}

// GenerateStream streams tokens through fn and returns the full
// completion. A nil fn collects without streaming.
func (g *OllamaGenerator) GenerateStream(ctx context.Context, prompt string, opts Options, fn TokenFunc) (string, error) {
	if g.isClosed() {
		return "", fmt.Errorf("generator is closed")
	}

	var result string
	err := g.breaker.Execute(func() error {
		var err error
		result, err = g.doGenerate(ctx, prompt, opts, fn)
		return err
	})
	if err != nil {
		if errors.Is(err, qerrors.ErrCircuitOpen) {
			return "", qerrors.New(qerrors.ErrCodeUpstreamUnavailable,
				"generation temporarily disabled after repeated Ollama failures", err).
				WithSuggestion("check that Ollama is running: ollama serve")
		}
		return "", err
	}
	return result, nil
}

func (g *OllamaGenerator) doGenerate(ctx context.Context, prompt string, opts Options, fn TokenFunc) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	req := ollamaGenerateRequest{
		Model:  g.config.Model,
		Prompt: prompt,
		Stream: fn != nil,
	}
	if opts.JSONMode {
		req.Format = "json"
	}
	options := map[string]any{}
	if opts.Temperature >= 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		req.Options = options
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.config.Host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", qerrors.New(qerrors.ErrCodeGeneratorFailed, "generation request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", qerrors.New(qerrors.ErrCodeGeneratorFailed,
			fmt.Sprintf("generation failed with status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	if fn == nil {
		var result ollamaGenerateResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return "", fmt.Errorf("failed to decode response: %w", err)
		}
		return strings.TrimSpace(result.Response), nil
	}

	// Streaming responses arrive as NDJSON, one chunk per line.
	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaGenerateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			if err := fn(chunk.Response); err != nil {
				return "", err
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read failed: %w", err)
	}
	return strings.TrimSpace(full.String()), nil
}

// ModelName returns the model identifier.
func (g *OllamaGenerator) ModelName() string { return g.config.Model }

// Available probes the Ollama server.
func (g *OllamaGenerator) Available(ctx context.Context) bool {
	if g.isClosed() || !g.breaker.Allow() {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, ollamaProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, g.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections. Safe to call more than once.
func (g *OllamaGenerator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.client.CloseIdleConnections()
	return nil
}

func (g *OllamaGenerator) isClosed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}
