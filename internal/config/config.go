// Package config loads and validates steward configuration. Configuration
// is explicit: components receive the sections they need at construction,
// never through process-wide singletons.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all steward configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// StateRoot is the local state directory the kernel persists into.
	StateRoot string `yaml:"state_root"`

	// Kernel holds the closed option set the kernel recognizes.
	Kernel KernelConfig `yaml:"kernel"`

	// Recovery configures the four-level recovery ladder.
	Recovery RecoveryConfig `yaml:"recovery"`

	// Memory configures episode storage and retrieval.
	Memory MemoryConfig `yaml:"memory"`

	// Embedding configures the embedding engine backend.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Logging configures categorized diagnostic logging.
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	Level      string          `yaml:"level" json:"level"`
	JSONFormat bool            `yaml:"json_format" json:"json_format"`
}

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai, local
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	Dimensions     int    `yaml:"dimensions"`
}

// MemoryConfig controls the episode store.
type MemoryConfig struct {
	RetrievalTopK      int     `yaml:"retrieval_top_k"`
	DecayFactor        float64 `yaml:"decay_factor"`         // per-day multiplier base
	SummarizeAfterDays int     `yaml:"summarize_after_days"` // compaction age threshold
	QueryCacheSize     int     `yaml:"query_cache_size"`
}

// RecoveryConfig controls retry behavior per level.
type RecoveryConfig struct {
	BaseBackoffSeconds float64 `yaml:"base_backoff_seconds"`
	BreakerThreshold   int     `yaml:"breaker_threshold"` // consecutive failures before the breaker opens
	AlternativeCount   int     `yaml:"alternative_count"` // candidate plans generated at Level 2
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Name:      "steward",
		Version:   "0.1.0",
		StateRoot: ".steward",
		Kernel:    DefaultKernel(),
		Recovery: RecoveryConfig{
			BaseBackoffSeconds: 2,
			BreakerThreshold:   5,
			AlternativeCount:   3,
		},
		Memory: MemoryConfig{
			RetrievalTopK:      5,
			DecayFactor:        0.98,
			SummarizeAfterDays: 30,
			QueryCacheSize:     256,
		},
		Embedding: EmbeddingConfig{
			Provider:       "local",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			Dimensions:     256,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, applies defaults for any
// unset values, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies STEWARD_* environment variables on top of the
// file configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STEWARD_STATE_ROOT"); v != "" {
		c.StateRoot = v
	}
	if v := os.Getenv("STEWARD_GENAI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("STEWARD_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("STEWARD_CHECKPOINT_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Kernel.CheckpointBudgetUSD = f
		}
	}
	if v := os.Getenv("STEWARD_CHECKPOINT_DAILY_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Kernel.CheckpointDailyBudgetUSD = f
		}
	}
	if v := os.Getenv("STEWARD_DURATION_LIMIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Kernel.DurationLimitSeconds = n
		}
	}
	if v := os.Getenv("STEWARD_EXECUTION_STRATEGY"); v != "" {
		c.Kernel.ExecutionStrategy = ExecutionStrategy(v)
	}
	if v := os.Getenv("STEWARD_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.StateRoot == "" {
		return fmt.Errorf("state_root is required")
	}
	if err := c.Kernel.Validate(); err != nil {
		return err
	}
	if c.Memory.DecayFactor <= 0 || c.Memory.DecayFactor > 1 {
		return fmt.Errorf("memory.decay_factor must be in (0,1], got %v", c.Memory.DecayFactor)
	}
	if c.Memory.RetrievalTopK < 1 {
		return fmt.Errorf("memory.retrieval_top_k must be >= 1")
	}
	if c.Recovery.BreakerThreshold < 1 {
		return fmt.Errorf("recovery.breaker_threshold must be >= 1")
	}
	switch c.Embedding.Provider {
	case "ollama", "genai", "local":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	return nil
}

// WriteStateConfig mirrors the logging section into <state-root>/config.json
// so the logging package (which cannot import config) can read it.
func (c *Config) WriteStateConfig() error {
	if err := os.MkdirAll(c.StateRoot, 0755); err != nil {
		return err
	}
	payload := fmt.Sprintf(
		`{"logging":{"debug_mode":%t,"level":%q,"json_format":%t}}`,
		c.Logging.DebugMode, c.Logging.Level, c.Logging.JSONFormat)
	return os.WriteFile(filepath.Join(c.StateRoot, "config.json"), []byte(payload+"\n"), 0644)
}
