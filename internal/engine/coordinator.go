package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spetr/mcp-recall/pkg/types"
)

// Record validates a fact, embeds it with the table's active model and
// writes the fact row and vector entry atomically. The embedding runs
// before anything touches the store, so a provider failure leaves
// nothing behind.
func (e *Engine) Record(ctx context.Context, fact types.Fact) (types.Fact, error) {
	if err := fact.Validate(); err != nil {
		return nil, err
	}

	table := fact.Table()
	meta := fact.Meta()
	now := time.Now().UTC()
	if meta.ID == "" {
		meta.ID = fact.GenerateID()
		meta.CreatedAt = now
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	source := fact.EmbeddingText()
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%w: fact has no embeddable text", types.ErrValidation)
	}

	state, err := e.store.ActiveModel(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("resolving active model for %s: %w", table, err)
	}

	embedder, err := e.resolver.Embedder(state.ModelID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
	}

	vectors, err := embedder.Embed(ctx, []string{source})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: provider returned no vector", types.ErrEmbeddingUnavailable)
	}
	vector := vectors[0]
	if len(vector) != state.Dimension {
		return nil, fmt.Errorf("%w: model %s returned dimension %d, table %s expects %d",
			types.ErrEmbeddingUnavailable, state.ModelID, len(vector), table, state.Dimension)
	}

	meta.EmbeddingRef = meta.ID
	entry := &types.VectorEntry{
		Ref:       meta.ID,
		Table:     table,
		Project:   meta.Project,
		ModelID:   state.ModelID,
		Dimension: state.Dimension,
		Excerpt:   excerptOf(source),
		Vector:    vector,
	}

	if err := e.store.PutFact(ctx, fact, entry); err != nil {
		return nil, fmt.Errorf("storing fact: %w", err)
	}

	slog.Debug("recorded fact", "table", table, "id", meta.ID, "project", meta.Project)
	return fact, nil
}

// Get retrieves one fact.
func (e *Engine) Get(ctx context.Context, table types.Table, id string) (types.Fact, error) {
	return e.store.GetFact(ctx, table, id)
}

// Delete removes a fact and its vector entry.
func (e *Engine) Delete(ctx context.Context, table types.Table, id string) error {
	return e.store.DeleteFact(ctx, table, id)
}

// List returns the most recently updated facts of one table.
func (e *Engine) List(ctx context.Context, table types.Table, project string, limit int) ([]types.Fact, error) {
	if limit <= 0 {
		limit = e.cfg.Search.DefaultLimit
	}
	return e.store.ListFacts(ctx, table, project, limit)
}

// Stats returns store counts, active models and consistency info.
func (e *Engine) Stats(ctx context.Context) (*types.StoreStats, error) {
	return e.store.Stats(ctx)
}

// maxExcerptLen bounds the stored excerpt of the embedding text.
const maxExcerptLen = 400

func excerptOf(source string) string {
	source = strings.Join(strings.Fields(source), " ")
	if len(source) <= maxExcerptLen {
		return source
	}
	cut := maxExcerptLen
	for cut > 0 && !utf8.RuneStart(source[cut]) {
		cut--
	}
	return source[:cut]
}
