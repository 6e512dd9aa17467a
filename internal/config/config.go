// Package config loads and validates quarry configuration.
//
// Configuration is layered, later layers overriding earlier ones:
//  1. Hardcoded defaults (NewConfig)
//  2. User config (~/.config/quarry/config.yaml)
//  3. Project config (.quarry.yaml in the working directory)
//  4. Environment variables (QUARRY_*)
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for quarry.
type Config struct {
	Version    string           `yaml:"version" json:"version"`
	DataDir    string           `yaml:"data_dir" json:"data_dir"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	Intent     IntentConfig     `yaml:"intent" json:"intent"`
	Rerank     RerankConfig     `yaml:"rerank" json:"rerank"`
	Verify     VerifyConfig     `yaml:"verify" json:"verify"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Generator  GeneratorConfig  `yaml:"generator" json:"generator"`
	History    HistoryConfig    `yaml:"history" json:"history"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// RetrievalConfig controls candidate retrieval and fusion.
type RetrievalConfig struct {
	// LexicalBackend selects the lexical index implementation: "sqlite" or "bleve".
	LexicalBackend string `yaml:"lexical_backend" json:"lexical_backend"`
	// Candidates is the per-retriever candidate pool size.
	Candidates int `yaml:"candidates" json:"candidates"`
	// RRFConstant is the K in 1/(K+rank) reciprocal rank fusion.
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`
	// TopKSimple/Moderate/Complex are the post-rerank context sizes per
	// complexity tier.
	TopKSimple   int `yaml:"top_k_simple" json:"top_k_simple"`
	TopKModerate int `yaml:"top_k_moderate" json:"top_k_moderate"`
	TopKComplex  int `yaml:"top_k_complex" json:"top_k_complex"`
	// TimeoutSeconds bounds a single query through the whole pipeline.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// IntentConfig controls the query intent cascade.
type IntentConfig struct {
	// ExemplarThreshold is the minimum cosine similarity for an
	// embedding-exemplar match to short-circuit the LLM tier.
	ExemplarThreshold float64 `yaml:"exemplar_threshold" json:"exemplar_threshold"`
	// LLMConfidence is the fixed confidence assigned to LLM classifications.
	LLMConfidence float64 `yaml:"llm_confidence" json:"llm_confidence"`
	// CacheSize bounds the classification LRU cache.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// RerankConfig controls candidate rescoring after fusion.
type RerankConfig struct {
	// RelevanceFloor is the minimum fused score kept when no scorer is
	// available.
	RelevanceFloor float64 `yaml:"relevance_floor" json:"relevance_floor"`
	// TimeoutSeconds bounds a single rerank scoring round.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// VerifyConfig controls groundedness verification.
type VerifyConfig struct {
	// AcceptThreshold and RejectThreshold bound the fast overlap tier.
	// Scores at or above AcceptThreshold pass without the LLM tier; scores
	// below RejectThreshold fail without it.
	AcceptThreshold float64 `yaml:"accept_threshold" json:"accept_threshold"`
	RejectThreshold float64 `yaml:"reject_threshold" json:"reject_threshold"`
	// HighConfidence skips the slow tier entirely for simple queries whose
	// top rerank score exceeds it.
	HighConfidence float64 `yaml:"high_confidence" json:"high_confidence"`
	// MaxIterations is the number of regeneration attempts after a failed
	// verification.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
}

// EmbeddingsConfig controls the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "ollama", "openai", or "static". Empty means auto-detect:
	// ollama if reachable, otherwise static.
	Provider   string `yaml:"provider" json:"provider"`
	Model      string `yaml:"model" json:"model"`
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`
	// BaseURL and APIKey apply to the openai provider only.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey  string `yaml:"-" json:"-"`
	// Dimensions of the embedding vectors. Static provider always honors
	// this; remote providers report their own.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	BatchSize  int `yaml:"batch_size" json:"batch_size"`
	// CacheSize bounds the in-memory embedding LRU cache.
	CacheSize      int `yaml:"cache_size" json:"cache_size"`
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// GeneratorConfig controls the answer generation LLM.
type GeneratorConfig struct {
	// Provider is "ollama" or "openai".
	Provider       string  `yaml:"provider" json:"provider"`
	Model          string  `yaml:"model" json:"model"`
	Host           string  `yaml:"host" json:"host"`
	BaseURL        string  `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey         string  `yaml:"-" json:"-"`
	Temperature    float64 `yaml:"temperature" json:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// HistoryConfig controls conversation session storage.
type HistoryConfig struct {
	// MaxTurns is the number of prior turns fed to follow-up handling.
	MaxTurns int `yaml:"max_turns" json:"max_turns"`
	// MaxSessions bounds retained sessions; oldest are pruned past it.
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	FilePath  string `yaml:"file_path,omitempty" json:"file_path,omitempty"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Version: "1.0",
		DataDir: defaultDataDir(),
		Retrieval: RetrievalConfig{
			LexicalBackend: "sqlite",
			Candidates:     50,
			RRFConstant:    60,
			TopKSimple:     2,
			TopKModerate:   3,
			TopKComplex:    5,
			TimeoutSeconds: 60,
		},
		Intent: IntentConfig{
			ExemplarThreshold: 0.85,
			LLMConfidence:     0.70,
			CacheSize:         512,
		},
		Rerank: RerankConfig{
			RelevanceFloor: 0.3,
			TimeoutSeconds: 20,
		},
		Verify: VerifyConfig{
			AcceptThreshold: 0.8,
			RejectThreshold: 0.3,
			HighConfidence:  0.85,
			MaxIterations:   2,
		},
		Embeddings: EmbeddingsConfig{
			Provider:       "",
			Model:          "nomic-embed-text",
			OllamaHost:     "http://localhost:11434",
			Dimensions:     768,
			BatchSize:      32,
			CacheSize:      2048,
			TimeoutSeconds: 30,
		},
		Generator: GeneratorConfig{
			Provider:       "ollama",
			Model:          "llama3.1:8b",
			Host:           "http://localhost:11434",
			Temperature:    0.1,
			TimeoutSeconds: 90,
		},
		History: HistoryConfig{
			MaxTurns:    6,
			MaxSessions: 100,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// defaultDataDir returns ~/.quarry, falling back to a temp dir when the
// home directory cannot be resolved.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "quarry")
	}
	return filepath.Join(home, ".quarry")
}

// GetUserConfigPath returns the user-level config file path, honoring
// XDG_CONFIG_HOME.
func GetUserConfigPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "quarry", "config.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "quarry", "config.yaml"), nil
}

// Load builds the effective configuration for a working directory.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	userPath, err := GetUserConfigPath()
	if err == nil {
		if user, err := loadYAML(userPath); err == nil && user != nil {
			cfg.mergeWith(user)
		}
	}

	for _, name := range []string{".quarry.yaml", ".quarry.yml"} {
		path := filepath.Join(dir, name)
		project, err := loadYAML(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
		if project != nil {
			cfg.mergeWith(project)
			break
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadYAML reads a config file. A missing file returns (nil, nil).
func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	return &cfg, nil
}

// mergeWith overrides fields of c with non-zero fields of other.
func (c *Config) mergeWith(other *Config) {
	if other.Version != "" {
		c.Version = other.Version
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}

	if other.Retrieval.LexicalBackend != "" {
		c.Retrieval.LexicalBackend = other.Retrieval.LexicalBackend
	}
	if other.Retrieval.Candidates > 0 {
		c.Retrieval.Candidates = other.Retrieval.Candidates
	}
	if other.Retrieval.RRFConstant > 0 {
		c.Retrieval.RRFConstant = other.Retrieval.RRFConstant
	}
	if other.Retrieval.TopKSimple > 0 {
		c.Retrieval.TopKSimple = other.Retrieval.TopKSimple
	}
	if other.Retrieval.TopKModerate > 0 {
		c.Retrieval.TopKModerate = other.Retrieval.TopKModerate
	}
	if other.Retrieval.TopKComplex > 0 {
		c.Retrieval.TopKComplex = other.Retrieval.TopKComplex
	}
	if other.Retrieval.TimeoutSeconds > 0 {
		c.Retrieval.TimeoutSeconds = other.Retrieval.TimeoutSeconds
	}

	if other.Intent.ExemplarThreshold > 0 {
		c.Intent.ExemplarThreshold = other.Intent.ExemplarThreshold
	}
	if other.Intent.LLMConfidence > 0 {
		c.Intent.LLMConfidence = other.Intent.LLMConfidence
	}
	if other.Intent.CacheSize > 0 {
		c.Intent.CacheSize = other.Intent.CacheSize
	}

	if other.Rerank.RelevanceFloor > 0 {
		c.Rerank.RelevanceFloor = other.Rerank.RelevanceFloor
	}
	if other.Rerank.TimeoutSeconds > 0 {
		c.Rerank.TimeoutSeconds = other.Rerank.TimeoutSeconds
	}

	if other.Verify.AcceptThreshold > 0 {
		c.Verify.AcceptThreshold = other.Verify.AcceptThreshold
	}
	if other.Verify.RejectThreshold > 0 {
		c.Verify.RejectThreshold = other.Verify.RejectThreshold
	}
	if other.Verify.HighConfidence > 0 {
		c.Verify.HighConfidence = other.Verify.HighConfidence
	}
	if other.Verify.MaxIterations > 0 {
		c.Verify.MaxIterations = other.Verify.MaxIterations
	}

	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.OllamaHost != "" {
		c.Embeddings.OllamaHost = other.Embeddings.OllamaHost
	}
	if other.Embeddings.BaseURL != "" {
		c.Embeddings.BaseURL = other.Embeddings.BaseURL
	}
	if other.Embeddings.Dimensions > 0 {
		c.Embeddings.Dimensions = other.Embeddings.Dimensions
	}
	if other.Embeddings.BatchSize > 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.CacheSize > 0 {
		c.Embeddings.CacheSize = other.Embeddings.CacheSize
	}
	if other.Embeddings.TimeoutSeconds > 0 {
		c.Embeddings.TimeoutSeconds = other.Embeddings.TimeoutSeconds
	}

	if other.Generator.Provider != "" {
		c.Generator.Provider = other.Generator.Provider
	}
	if other.Generator.Model != "" {
		c.Generator.Model = other.Generator.Model
	}
	if other.Generator.Host != "" {
		c.Generator.Host = other.Generator.Host
	}
	if other.Generator.BaseURL != "" {
		c.Generator.BaseURL = other.Generator.BaseURL
	}
	if other.Generator.Temperature > 0 {
		c.Generator.Temperature = other.Generator.Temperature
	}
	if other.Generator.TimeoutSeconds > 0 {
		c.Generator.TimeoutSeconds = other.Generator.TimeoutSeconds
	}

	if other.History.MaxTurns > 0 {
		c.History.MaxTurns = other.History.MaxTurns
	}
	if other.History.MaxSessions > 0 {
		c.History.MaxSessions = other.History.MaxSessions
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.FilePath != "" {
		c.Logging.FilePath = other.Logging.FilePath
	}
	if other.Logging.MaxSizeMB > 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles > 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}
}

// applyEnvOverrides applies QUARRY_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("QUARRY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("QUARRY_LEXICAL_BACKEND"); v != "" {
		c.Retrieval.LexicalBackend = v
	}
	if v := os.Getenv("QUARRY_RRF_CONSTANT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Retrieval.RRFConstant = k
		}
	}
	if v := os.Getenv("QUARRY_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("QUARRY_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("QUARRY_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
		c.Generator.Host = v
	}
	if v := os.Getenv("QUARRY_OPENAI_API_KEY"); v != "" {
		c.Embeddings.APIKey = v
		c.Generator.APIKey = v
	}
	if v := os.Getenv("QUARRY_GENERATOR_MODEL"); v != "" {
		c.Generator.Model = v
	}
	if v := os.Getenv("QUARRY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("QUARRY_TIMEOUT_SECONDS"); v != "" {
		if t, err := strconv.Atoi(v); err == nil && t > 0 {
			c.Retrieval.TimeoutSeconds = t
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Retrieval.LexicalBackend) {
	case "sqlite", "bleve":
	default:
		return fmt.Errorf("retrieval.lexical_backend must be 'sqlite' or 'bleve', got %s", c.Retrieval.LexicalBackend)
	}
	if c.Retrieval.Candidates <= 0 {
		return fmt.Errorf("retrieval.candidates must be positive, got %d", c.Retrieval.Candidates)
	}
	if c.Retrieval.RRFConstant <= 0 {
		return fmt.Errorf("retrieval.rrf_constant must be positive, got %d", c.Retrieval.RRFConstant)
	}
	if c.Retrieval.TopKSimple <= 0 || c.Retrieval.TopKModerate <= 0 || c.Retrieval.TopKComplex <= 0 {
		return fmt.Errorf("retrieval top_k values must be positive")
	}

	if err := validateUnit("intent.exemplar_threshold", c.Intent.ExemplarThreshold); err != nil {
		return err
	}
	if err := validateUnit("intent.llm_confidence", c.Intent.LLMConfidence); err != nil {
		return err
	}
	if err := validateUnit("rerank.relevance_floor", c.Rerank.RelevanceFloor); err != nil {
		return err
	}
	if err := validateUnit("verify.accept_threshold", c.Verify.AcceptThreshold); err != nil {
		return err
	}
	if err := validateUnit("verify.reject_threshold", c.Verify.RejectThreshold); err != nil {
		return err
	}
	if err := validateUnit("verify.high_confidence", c.Verify.HighConfidence); err != nil {
		return err
	}
	if c.Verify.RejectThreshold >= c.Verify.AcceptThreshold {
		return fmt.Errorf("verify.reject_threshold (%.2f) must be below verify.accept_threshold (%.2f)",
			c.Verify.RejectThreshold, c.Verify.AcceptThreshold)
	}
	if c.Verify.MaxIterations < 0 {
		return fmt.Errorf("verify.max_iterations must be non-negative, got %d", c.Verify.MaxIterations)
	}

	if c.Embeddings.Provider != "" {
		validProviders := map[string]bool{"ollama": true, "openai": true, "static": true}
		if !validProviders[strings.ToLower(c.Embeddings.Provider)] {
			return fmt.Errorf("embeddings.provider must be 'ollama', 'openai', 'static', or empty (auto-detect), got %s", c.Embeddings.Provider)
		}
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}

	validGenerators := map[string]bool{"ollama": true, "openai": true}
	if !validGenerators[strings.ToLower(c.Generator.Provider)] {
		return fmt.Errorf("generator.provider must be 'ollama' or 'openai', got %s", c.Generator.Provider)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

func validateUnit(name string, v float64) error {
	if v < 0 || v > 1 || math.IsNaN(v) {
		return fmt.Errorf("%s must be between 0 and 1, got %f", name, v)
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// QueryTimeout returns the per-query pipeline deadline.
func (c *Config) QueryTimeout() (seconds int) {
	if c.Retrieval.TimeoutSeconds > 0 {
		return c.Retrieval.TimeoutSeconds
	}
	return 60
}
