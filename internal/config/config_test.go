package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, "sqlite", cfg.Retrieval.LexicalBackend)
	assert.Equal(t, 60, cfg.Retrieval.RRFConstant)
	assert.Equal(t, 2, cfg.Retrieval.TopKSimple)
	assert.Equal(t, 3, cfg.Retrieval.TopKModerate)
	assert.Equal(t, 5, cfg.Retrieval.TopKComplex)
	assert.Equal(t, 0.85, cfg.Intent.ExemplarThreshold)
	assert.Equal(t, 0.70, cfg.Intent.LLMConfidence)
	assert.Equal(t, 0.3, cfg.Rerank.RelevanceFloor)
	assert.Equal(t, 0.8, cfg.Verify.AcceptThreshold)
	assert.Equal(t, 0.3, cfg.Verify.RejectThreshold)
	assert.Equal(t, 2, cfg.Verify.MaxIterations)

	require.NoError(t, cfg.Validate())
}

func TestLoadProjectConfig(t *testing.T) {
	// Given a project config overriding retrieval settings
	dir := t.TempDir()
	yaml := `
retrieval:
  lexical_backend: bleve
  rrf_constant: 30
verify:
  max_iterations: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".quarry.yaml"), []byte(yaml), 0o644))

	// When loading from that directory
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Then overridden fields change and the rest keep defaults
	assert.Equal(t, "bleve", cfg.Retrieval.LexicalBackend)
	assert.Equal(t, 30, cfg.Retrieval.RRFConstant)
	assert.Equal(t, 1, cfg.Verify.MaxIterations)
	assert.Equal(t, 2, cfg.Retrieval.TopKSimple)
	assert.Equal(t, "nomic-embed-text", cfg.Embeddings.Model)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".quarry.yaml"), []byte("retrieval: ["), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUARRY_LEXICAL_BACKEND", "bleve")
	t.Setenv("QUARRY_OLLAMA_HOST", "http://gpu-box:11434")
	t.Setenv("QUARRY_RRF_CONSTANT", "90")
	t.Setenv("QUARRY_LOG_LEVEL", "debug")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "bleve", cfg.Retrieval.LexicalBackend)
	assert.Equal(t, 90, cfg.Retrieval.RRFConstant)
	assert.Equal(t, "http://gpu-box:11434", cfg.Embeddings.OllamaHost)
	assert.Equal(t, "http://gpu-box:11434", cfg.Generator.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverrideIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("QUARRY_RRF_CONSTANT", "not-a-number")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Retrieval.RRFConstant)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown lexical backend", func(c *Config) { c.Retrieval.LexicalBackend = "lucene" }},
		{"zero candidates", func(c *Config) { c.Retrieval.Candidates = 0 }},
		{"exemplar threshold above one", func(c *Config) { c.Intent.ExemplarThreshold = 1.5 }},
		{"reject above accept", func(c *Config) {
			c.Verify.RejectThreshold = 0.9
			c.Verify.AcceptThreshold = 0.5
		}},
		{"unknown embeddings provider", func(c *Config) { c.Embeddings.Provider = "vertex" }},
		{"unknown generator provider", func(c *Config) { c.Generator.Provider = "bard" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := NewConfig()
	cfg.Retrieval.RRFConstant = 45
	require.NoError(t, cfg.WriteYAML(path))

	loaded, err := loadYAML(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 45, loaded.Retrieval.RRFConstant)
}

func TestMergeWithKeepsUnsetFields(t *testing.T) {
	base := NewConfig()
	base.mergeWith(&Config{
		Generator: GeneratorConfig{Model: "qwen2.5:14b"},
	})

	assert.Equal(t, "qwen2.5:14b", base.Generator.Model)
	assert.Equal(t, "ollama", base.Generator.Provider)
	assert.Equal(t, 60, base.Retrieval.RRFConstant)
}
