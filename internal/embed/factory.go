package embed

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/qerrors"
)

// NewEmbedder creates an embedder from config. An empty provider
// auto-detects: Ollama when the server responds, static otherwise. An
// explicitly configured provider never falls back silently; its failure is
// returned so the user sees why.
//
// The result is wrapped with an LRU cache sized by config.
func NewEmbedder(ctx context.Context, cfg config.EmbeddingsConfig) (Embedder, error) {
	var embedder Embedder
	var err error

	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "ollama":
		embedder, err = newOllamaFromConfig(ctx, cfg)
	case "openai":
		embedder, err = NewOpenAIEmbedder(OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		})
	case "static":
		embedder = NewStaticEmbedder(cfg.Dimensions)
	case "":
		embedder, err = newOllamaFromConfig(ctx, cfg)
		if err != nil {
			slog.Warn("ollama unreachable, falling back to static embeddings",
				"host", cfg.OllamaHost,
				"error", err)
			embedder, err = NewStaticEmbedder(cfg.Dimensions), nil
		}
	default:
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid,
			"unknown embeddings provider: "+cfg.Provider, nil)
	}

	if err != nil {
		return nil, err
	}

	return NewCachedEmbedder(embedder, cfg.CacheSize), nil
}

func newOllamaFromConfig(ctx context.Context, cfg config.EmbeddingsConfig) (*OllamaEmbedder, error) {
	ocfg := DefaultOllamaConfig()
	if cfg.OllamaHost != "" {
		ocfg.Host = cfg.OllamaHost
	}
	if cfg.Model != "" {
		ocfg.Model = cfg.Model
	}
	if cfg.Dimensions > 0 {
		ocfg.Dimensions = cfg.Dimensions
	}
	if cfg.BatchSize > 0 {
		ocfg.BatchSize = cfg.BatchSize
	}
	if cfg.TimeoutSeconds > 0 {
		ocfg.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return NewOllamaEmbedder(ctx, ocfg)
}
