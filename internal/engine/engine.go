package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spetr/mcp-recall/internal/config"
	"github.com/spetr/mcp-recall/pkg/provider"
)

// Engine ties the fact store, the embedding providers and the
// retrieval logic together. All MCP tools and CLI commands go
// through it.
type Engine struct {
	store    provider.FactStore
	resolver provider.Resolver
	cfg      *config.Config
}

// New creates an engine over an initialized store.
func New(store provider.FactStore, resolver provider.Resolver, cfg *config.Config) *Engine {
	return &Engine{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
	}
}

// Store exposes the underlying fact store for listing and stats.
func (e *Engine) Store() provider.FactStore {
	return e.store
}

// ModelResolver resolves model ids to embedding providers using the
// registry. A model id is either a bare model name served by the
// configured provider, or "provider:model" to pick another provider.
type ModelResolver struct {
	cfg      *config.Config
	registry *provider.Registry

	mu    sync.Mutex
	cache map[string]provider.EmbeddingProvider
}

// NewModelResolver creates a resolver backed by a provider registry.
func NewModelResolver(cfg *config.Config, registry *provider.Registry) *ModelResolver {
	if registry == nil {
		registry = provider.DefaultRegistry
	}
	return &ModelResolver{
		cfg:      cfg,
		registry: registry,
		cache:    make(map[string]provider.EmbeddingProvider),
	}
}

// Embedder returns a configured provider for the given model id.
func (r *ModelResolver) Embedder(modelID string) (provider.EmbeddingProvider, error) {
	if modelID == "" {
		return nil, fmt.Errorf("model id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[modelID]; ok {
		return p, nil
	}

	providerName := r.cfg.Embedding.Provider
	model := modelID
	if prefix, rest, ok := strings.Cut(modelID, ":"); ok && r.registry.HasEmbedding(prefix) {
		providerName = prefix
		model = rest
	}

	p, err := r.registry.CreateEmbedding(providerName, provider.EmbeddingConfig{
		Provider:  providerName,
		Model:     model,
		Endpoint:  r.cfg.Embedding.Endpoint,
		APIKey:    r.cfg.Embedding.APIKey,
		BatchSize: r.cfg.Embedding.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	r.cache[modelID] = p
	return p, nil
}

// Close closes all cached providers.
func (r *ModelResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, p := range r.cache {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.cache, id)
	}
	return firstErr
}

// Ensure ModelResolver implements Resolver
var _ provider.Resolver = (*ModelResolver)(nil)
