// Package config loads atelier configuration from .atelier/config.yaml with
// environment overrides for credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all atelier configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM oracle configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Library graph configuration
	Library LibraryConfig `yaml:"library"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the oracle's LLM backend.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, ollama
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // ollama or genai

	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model"`    // Default: "embeddinggemma"

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // Default: "gemini-embedding-001"

	// TaskType for GenAI: "SEMANTIC_SIMILARITY", "RETRIEVAL_QUERY", ...
	TaskType string `yaml:"task_type"`
}

// LibraryConfig configures the library store and the graph thresholds.
// The defaults are the operating points the whole system was tuned around;
// override them only with evaluation data in hand.
type LibraryConfig struct {
	DatabasePath string `yaml:"database_path"`

	// Resolution cascade
	AutoReuseThreshold float64 `yaml:"auto_reuse_threshold"` // stage-1 cosine gate
	SearchThreshold    float64 `yaml:"search_threshold"`     // retrieval cosine floor
	SearchLimit        int     `yaml:"search_limit"`         // retrieval candidate cap
	RerankTopN         int     `yaml:"rerank_top_n"`         // candidates handed to the judge

	// Coherence engine
	VariantThreshold  float64 `yaml:"variant_threshold"`  // absorb gate
	MergeThreshold    float64 `yaml:"merge_threshold"`    // family merge gate
	SplitThreshold    float64 `yaml:"split_threshold"`    // cohesion floor before split
	SplitMinCohesion  float64 `yaml:"split_min_cohesion"` // both halves must reach this
	MinSplitSize      int     `yaml:"min_split_size"`
	CoherenceCooldown string  `yaml:"coherence_cooldown"` // duration, e.g. "5m"
	CoherenceBudget   int     `yaml:"coherence_budget"`   // corrective ops per trigger
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "atelier",
		Version: "0.1.0",

		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-3-flash-preview",
			BaseURL:  "https://generativelanguage.googleapis.com/v1beta",
			Timeout:  "120s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		Library: LibraryConfig{
			DatabasePath: ".atelier/library.db",

			AutoReuseThreshold: 0.875,
			SearchThreshold:    0.70,
			SearchLimit:        15,
			RerankTopN:         5,

			VariantThreshold:  0.82,
			MergeThreshold:    0.85,
			SplitThreshold:    0.72,
			SplitMinCohesion:  0.78,
			MinSplitSize:      3,
			CoherenceCooldown: "5m",
			CoherenceBudget:   2,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file is not an
// error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.Embedding.GenAIAPIKey == "" {
			c.Embedding.GenAIAPIKey = key
		}
	}
	if key := os.Getenv("ATELIER_LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if path := os.Getenv("ATELIER_DB"); path != "" {
		c.Library.DatabasePath = path
	}
}

// Validate checks the threshold geometry the graph logic relies on.
func (c *Config) Validate() error {
	lib := c.Library
	for name, v := range map[string]float64{
		"auto_reuse_threshold": lib.AutoReuseThreshold,
		"search_threshold":     lib.SearchThreshold,
		"variant_threshold":    lib.VariantThreshold,
		"merge_threshold":      lib.MergeThreshold,
		"split_threshold":      lib.SplitThreshold,
		"split_min_cohesion":   lib.SplitMinCohesion,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
	}
	if lib.SearchThreshold >= lib.AutoReuseThreshold {
		return fmt.Errorf("search_threshold (%v) must be below auto_reuse_threshold (%v)",
			lib.SearchThreshold, lib.AutoReuseThreshold)
	}
	if lib.SplitMinCohesion <= lib.SplitThreshold {
		return fmt.Errorf("split_min_cohesion (%v) must exceed split_threshold (%v); otherwise every split re-splits",
			lib.SplitMinCohesion, lib.SplitThreshold)
	}
	if lib.MinSplitSize < 3 {
		return fmt.Errorf("min_split_size must be at least 3, got %d", lib.MinSplitSize)
	}
	if lib.CoherenceBudget < 1 {
		return fmt.Errorf("coherence_budget must be positive, got %d", lib.CoherenceBudget)
	}
	if lib.SearchLimit < 1 || lib.RerankTopN < 1 {
		return fmt.Errorf("search_limit and rerank_top_n must be positive")
	}
	return nil
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetCoherenceCooldown returns the coherence cooldown as a duration.
func (c *Config) GetCoherenceCooldown() time.Duration {
	d, err := time.ParseDuration(c.Library.CoherenceCooldown)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}
