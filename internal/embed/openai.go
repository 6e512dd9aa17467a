package embed

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/quarryhq/quarry/internal/qerrors"
	"github.com/quarryhq/quarry/internal/store"
)

// OpenAIConfig configures the OpenAI-compatible embedder. BaseURL may point
// at any endpoint speaking the OpenAI embeddings API, including a local
// llama.cpp or vLLM server.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// Dimensions must match what the model produces; it is not auto-detected.
	Dimensions int
	BatchSize  int
}

// OpenAIEmbedder generates embeddings through an OpenAI-compatible API.
type OpenAIEmbedder struct {
	embedder  embeddings.Embedder
	modelName string
	dims      int
	batchSize int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an embedder against an OpenAI-compatible
// endpoint. An empty APIKey is replaced with "none" for local servers that
// ignore authentication.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid, "openai embeddings model is required", nil)
	}
	if cfg.Dimensions <= 0 {
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid, "openai embeddings dimensions are required", nil)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "none"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeUpstreamUnavailable, "failed to create openai client", err)
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(cfg.BatchSize))
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeEmbedderFailed, "failed to create embedder", err)
	}

	return &OpenAIEmbedder{
		embedder:  embedder,
		modelName: cfg.Model,
		dims:      cfg.Dimensions,
		batchSize: cfg.BatchSize,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.isClosed() {
		return nil, fmt.Errorf("embedder is closed")
	}
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dims), nil
	}

	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeEmbedderFailed, "embedding request failed", err)
	}
	if len(vec) != e.dims {
		return nil, &store.ErrDimensionMismatch{Expected: e.dims, Got: len(vec)}
	}
	return normalizeVector(vec), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.isClosed() {
		return nil, fmt.Errorf("embedder is closed")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	// The API rejects empty inputs, so substitute a single space and
	// swap zero vectors back in afterward.
	prepared := make([]string, len(texts))
	empty := make([]bool, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			prepared[i] = " "
			empty[i] = true
		} else {
			prepared[i] = text
		}
	}

	vecs, err := e.embedder.EmbedDocuments(ctx, prepared)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeEmbedderFailed, "batch embedding request failed", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vecs))
	}

	for i := range vecs {
		if empty[i] {
			vecs[i] = make([]float32, e.dims)
			continue
		}
		vecs[i] = normalizeVector(vecs[i])
	}
	return vecs, nil
}

// Dimensions returns the embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string { return e.modelName }

// Available reports readiness with a cheap single-token embed probe.
func (e *OpenAIEmbedder) Available(ctx context.Context) bool {
	if e.isClosed() {
		return false
	}
	_, err := e.embedder.EmbedQuery(ctx, "ping")
	return err == nil
}

// Close marks the embedder closed.
func (e *OpenAIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *OpenAIEmbedder) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}
