package llm

import (
	"strings"
	"time"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/qerrors"
)

// NewGenerator creates a generator from config.
func NewGenerator(cfg config.GeneratorConfig) (Generator, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	switch strings.ToLower(cfg.Provider) {
	case "ollama", "":
		return NewOllamaGenerator(OllamaConfig{
			Host:    cfg.Host,
			Model:   cfg.Model,
			Timeout: timeout,
		}), nil
	case "openai":
		return NewOpenAIGenerator(OpenAIConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: timeout,
		})
	default:
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid,
			"unknown generator provider: "+cfg.Provider, nil)
	}
}
