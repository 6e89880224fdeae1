// Package config handles configuration loading and validation.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/spetr/mcp-recall/pkg/types"
)

// Config represents the complete configuration.
type Config struct {
	Project   string          `mapstructure:"project" yaml:"project"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Search    SearchConfig    `mapstructure:"search" yaml:"search"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Watch     WatchConfig     `mapstructure:"watch" yaml:"watch"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider" yaml:"provider"`     // ollama, openai
	Model     string `mapstructure:"model" yaml:"model"`           // model name
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`     // API endpoint
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`       // API key
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"` // texts per batch
}

// SearchConfig contains retrieval configuration.
type SearchConfig struct {
	KeywordWeight  float32 `mapstructure:"keyword_weight" yaml:"keyword_weight"`     // weight for keyword score
	VectorWeight   float32 `mapstructure:"vector_weight" yaml:"vector_weight"`       // weight for vector score
	DualMatchBoost float32 `mapstructure:"dual_match_boost" yaml:"dual_match_boost"` // boost for facts found by both
	DefaultLimit   int     `mapstructure:"default_limit" yaml:"default_limit"`       // default result limit
	MinSimilarity  float32 `mapstructure:"min_similarity" yaml:"min_similarity"`     // default similarity floor

	// DuplicateThresholds are per-table similarity thresholds for
	// duplicate detection.
	DuplicateThresholds map[string]float32 `mapstructure:"duplicate_thresholds" yaml:"duplicate_thresholds"`
}

// StoreConfig contains fact store configuration.
type StoreConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"` // sqlitevec
}

// WatchConfig contains pattern file watcher configuration.
type WatchConfig struct {
	Enabled    bool `mapstructure:"enabled" yaml:"enabled"`
	DebounceMS int  `mapstructure:"debounce_ms" yaml:"debounce_ms"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			Endpoint:  "http://localhost:11434",
			BatchSize: 32,
		},
		Search: SearchConfig{
			KeywordWeight:  0.5,
			VectorWeight:   0.5,
			DualMatchBoost: 1.2,
			DefaultLimit:   10,
			MinSimilarity:  0,
			DuplicateThresholds: map[string]float32{
				string(types.TableDecisions): 0.85,
				string(types.TableProgress):  0.85,
				string(types.TablePatterns):  0.80,
			},
		},
		Store: StoreConfig{
			Provider: "sqlitevec",
		},
		Watch: WatchConfig{
			Enabled:    false,
			DebounceMS: 500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigDir returns the path to .mcp-recall directory.
func ConfigDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".mcp-recall")
}

// ConfigPath returns the path to config.yaml.
func ConfigPath(projectRoot string) string {
	return filepath.Join(ConfigDir(projectRoot), "config.yaml")
}

// StoreDBPath returns the path to recall.db.
func StoreDBPath(projectRoot string) string {
	return filepath.Join(ConfigDir(projectRoot), "recall.db")
}

// Load loads configuration from file, falling back to defaults.
func Load(projectRoot string) (*Config, []string, error) {
	cfg := DefaultConfig()
	warnings := []string{}

	configPath := ConfigPath(projectRoot)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		warnings = append(warnings, "No config file found, using defaults")
		if cfg.Project == "" {
			cfg.Project = filepath.Base(projectRoot)
		}
		return cfg, warnings, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults for missing values
	if cfg.Project == "" {
		cfg.Project = filepath.Base(projectRoot)
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "ollama"
		warnings = append(warnings, "Using default embedding provider: ollama")
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "nomic-embed-text"
	}
	if cfg.Embedding.Endpoint == "" {
		cfg.Embedding.Endpoint = "http://localhost:11434"
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}

	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.KeywordWeight == 0 && cfg.Search.VectorWeight == 0 {
		cfg.Search.KeywordWeight = 0.5
		cfg.Search.VectorWeight = 0.5
	}
	if cfg.Search.DualMatchBoost == 0 {
		cfg.Search.DualMatchBoost = 1.2
	}
	if cfg.Search.DuplicateThresholds == nil {
		cfg.Search.DuplicateThresholds = DefaultConfig().Search.DuplicateThresholds
	}

	if cfg.Store.Provider == "" {
		cfg.Store.Provider = "sqlitevec"
	}
	if cfg.Watch.DebounceMS == 0 {
		cfg.Watch.DebounceMS = 500
	}

	return cfg, warnings, nil
}

// Save saves configuration to file.
func Save(projectRoot string, cfg *Config) error {
	configDir := ConfigDir(projectRoot)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(ConfigPath(projectRoot))
	v.SetConfigType("yaml")

	v.Set("project", cfg.Project)
	v.Set("embedding", cfg.Embedding)
	v.Set("search", cfg.Search)
	v.Set("store", cfg.Store)
	v.Set("watch", cfg.Watch)
	v.Set("logging", cfg.Logging)

	return v.WriteConfig()
}

// Validate validates the configuration.
func Validate(cfg *Config) []error {
	var errs []error

	validEmbeddingProviders := map[string]bool{
		"ollama": true, "openai": true,
	}
	if !validEmbeddingProviders[cfg.Embedding.Provider] {
		errs = append(errs, fmt.Errorf("invalid embedding provider: %s", cfg.Embedding.Provider))
	}

	validStores := map[string]bool{
		"sqlitevec": true,
	}
	if !validStores[cfg.Store.Provider] {
		errs = append(errs, fmt.Errorf("invalid store provider: %s", cfg.Store.Provider))
	}

	if cfg.Search.KeywordWeight < 0 || cfg.Search.VectorWeight < 0 {
		errs = append(errs, fmt.Errorf("search weights must be non-negative"))
	}
	if cfg.Search.KeywordWeight > 1 || cfg.Search.VectorWeight > 1 {
		errs = append(errs, fmt.Errorf("search weights must not exceed 1"))
	}
	if cfg.Search.KeywordWeight+cfg.Search.VectorWeight == 0 {
		errs = append(errs, fmt.Errorf("at least one search weight must be positive"))
	}
	if cfg.Search.DualMatchBoost < 1 {
		errs = append(errs, fmt.Errorf("dual_match_boost must be >= 1, got %g", cfg.Search.DualMatchBoost))
	}
	if cfg.Search.MinSimilarity < 0 || cfg.Search.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("min_similarity must be in [0,1], got %g", cfg.Search.MinSimilarity))
	}
	for table, threshold := range cfg.Search.DuplicateThresholds {
		if !types.ValidTable(types.Table(table)) {
			errs = append(errs, fmt.Errorf("duplicate_thresholds: unknown table %q", table))
		}
		if threshold < 0 || threshold > 1 {
			errs = append(errs, fmt.Errorf("duplicate_thresholds[%s] must be in [0,1], got %g", table, threshold))
		}
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "": true,
	}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Errorf("invalid log level: %s", cfg.Logging.Level))
	}

	return errs
}

// Hash returns a hash of configuration that affects stored embeddings.
// Used for detecting when re-embedding is needed.
func (c *Config) Hash() string {
	data := fmt.Sprintf("%s:%s:%s",
		c.Embedding.Provider,
		c.Embedding.Model,
		c.Embedding.Endpoint,
	)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// DuplicateThreshold returns the duplicate detection threshold for a table.
func (c *Config) DuplicateThreshold(table types.Table) float32 {
	if t, ok := c.Search.DuplicateThresholds[string(table)]; ok {
		return t
	}
	return 0.85
}
