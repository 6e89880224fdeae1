// Package builtin registers all built-in providers with the default registry.
package builtin

import (
	ollamaEmbed "github.com/spetr/mcp-recall/builtin/embedding/ollama"
	openaiEmbed "github.com/spetr/mcp-recall/builtin/embedding/openai"
	"github.com/spetr/mcp-recall/builtin/store/sqlitevec"
	"github.com/spetr/mcp-recall/pkg/provider"
)

func init() {
	// Register embedding providers
	provider.RegisterEmbedding("ollama", func(cfg provider.EmbeddingConfig) (provider.EmbeddingProvider, error) {
		return ollamaEmbed.New(ollamaEmbed.Config{
			Endpoint:  cfg.Endpoint,
			Model:     cfg.Model,
			BatchSize: cfg.BatchSize,
		}), nil
	})

	provider.RegisterEmbedding("openai", func(cfg provider.EmbeddingConfig) (provider.EmbeddingProvider, error) {
		return openaiEmbed.New(openaiEmbed.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.Endpoint,
			Model:     cfg.Model,
			BatchSize: cfg.BatchSize,
		}), nil
	})

	// Register stores
	provider.RegisterStore("sqlitevec", func() (provider.FactStore, error) {
		return sqlitevec.New(), nil
	})
}
