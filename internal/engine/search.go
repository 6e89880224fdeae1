package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spetr/mcp-recall/pkg/provider"
	"github.com/spetr/mcp-recall/pkg/types"
)

// candidate accumulates keyword and vector evidence for one fact
// during fusion.
type candidate struct {
	ref        string
	table      types.Table
	title      string
	excerpt    string
	keyword    float32
	hasKeyword bool
	vector     float32
	hasVector  bool
	updatedAt  time.Time
}

func candidateKey(table types.Table, ref string) string {
	return string(table) + "/" + ref
}

// Search runs one retrieval request. The strategy comes from the
// query override or the analyzer. Vector and hybrid queries degrade
// to keyword-only when the embedding provider is unavailable.
func (e *Engine) Search(ctx context.Context, q types.Query) (*types.SearchResponse, error) {
	tables := q.Tables
	if len(tables) == 0 {
		tables = types.Tables
	}
	for _, table := range tables {
		if !types.ValidTable(table) {
			return nil, fmt.Errorf("%w: unknown table %q", types.ErrInvalidTarget, table)
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = e.cfg.Search.DefaultLimit
	}

	if strings.TrimSpace(q.Text) == "" {
		return &types.SearchResponse{Strategy: types.StrategyKeyword}, nil
	}

	strategy := q.Strategy
	if strategy == "" {
		strategy = Classify(q.Text).Strategy
	}

	minSim := q.MinSimilarity
	if minSim == 0 {
		minSim = e.cfg.Search.MinSimilarity
	}

	resp := &types.SearchResponse{Strategy: strategy}

	// Gather more candidates than the final limit so fusion has
	// something to merge.
	candidateLimit := limit * 3

	var keywordHits, vectorHits map[string]*candidate
	var err error

	needKeyword := strategy != types.StrategyVector
	needVector := strategy != types.StrategyKeyword

	if needKeyword {
		keywordHits, err = e.keywordCandidates(ctx, tables, q.Project, q.Text, candidateLimit)
		if err != nil {
			return nil, err
		}
	}

	if needVector {
		vectorHits, err = e.vectorCandidates(ctx, tables, q.Project, q.Text, candidateLimit, minSim)
		if err != nil {
			if !isEmbeddingFailure(err) {
				return nil, err
			}
			// Keyword-only degradation
			slog.Warn("embedding unavailable, degrading to keyword search", "error", err)
			resp.Degraded = true
			resp.Warnings = append(resp.Warnings, "embedding provider unavailable, results are keyword-only")
			vectorHits = nil
			if keywordHits == nil {
				keywordHits, err = e.keywordCandidates(ctx, tables, q.Project, q.Text, candidateLimit)
				if err != nil {
					return nil, err
				}
			}
			strategy = types.StrategyKeyword
			resp.Strategy = strategy
		}
	}

	var results []types.SearchResult
	switch strategy {
	case types.StrategyKeyword:
		results = e.singleListResults(keywordHits, types.StrategyKeyword, false)
	case types.StrategyVector:
		results = e.singleListResults(vectorHits, types.StrategyVector, true)
	case types.StrategyKeywordBoost:
		results = e.boostResults(keywordHits, vectorHits)
	case types.StrategyHybrid:
		results = e.fuseResults(keywordHits, vectorHits)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", types.ErrValidation, strategy)
	}

	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	resp.Results = results
	return resp, nil
}

// keywordCandidates collects raw BM25 hits across tables and min-max
// normalizes them over the combined result set.
func (e *Engine) keywordCandidates(ctx context.Context, tables []types.Table, project, text string, limit int) (map[string]*candidate, error) {
	var all []provider.KeywordHit
	for _, table := range tables {
		hits, err := e.store.KeywordSearch(ctx, table, project, text, limit)
		if err != nil {
			return nil, fmt.Errorf("keyword search on %s: %w", table, err)
		}
		all = append(all, hits...)
	}
	if len(all) == 0 {
		return map[string]*candidate{}, nil
	}

	// SQLite bm25() is negative with lower meaning better; negate so
	// higher means better before normalizing.
	relevance := make([]float32, len(all))
	minRel, maxRel := float32(0), float32(0)
	for i, hit := range all {
		rel := float32(-hit.BM25)
		relevance[i] = rel
		if i == 0 || rel < minRel {
			minRel = rel
		}
		if i == 0 || rel > maxRel {
			maxRel = rel
		}
	}

	out := make(map[string]*candidate, len(all))
	for i, hit := range all {
		score := float32(1.0)
		if maxRel > minRel {
			score = (relevance[i] - minRel) / (maxRel - minRel)
		}
		out[candidateKey(hit.Table, hit.Ref)] = &candidate{
			ref:        hit.Ref,
			table:      hit.Table,
			title:      hit.Title,
			excerpt:    hit.Excerpt,
			keyword:    score,
			hasKeyword: true,
			updatedAt:  hit.UpdatedAt,
		}
	}
	return out, nil
}

// vectorCandidates embeds the query per table model and collects
// similarity hits at or above the floor.
func (e *Engine) vectorCandidates(ctx context.Context, tables []types.Table, project, text string, limit int, minSim float32) (map[string]*candidate, error) {
	out := make(map[string]*candidate)

	// Tables can run different active models after a migration, so the
	// query is embedded once per distinct model.
	queryVecs := make(map[string][]float32)

	for _, table := range tables {
		state, err := e.store.ActiveModel(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("active model for %s: %w", table, err)
		}

		vec, ok := queryVecs[state.ModelID]
		if !ok {
			embedder, err := e.resolver.Embedder(state.ModelID)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
			}
			vectors, err := embedder.Embed(ctx, []string{text})
			if err != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
			}
			if len(vectors) != 1 {
				return nil, fmt.Errorf("%w: provider returned no vector", types.ErrEmbeddingUnavailable)
			}
			vec = vectors[0]
			queryVecs[state.ModelID] = vec
		}

		hits, err := e.store.VectorSearch(ctx, table, project, vec, limit)
		if err != nil {
			return nil, fmt.Errorf("vector search on %s: %w", table, err)
		}
		for _, hit := range hits {
			sim := similarityFromDistance(hit.Distance)
			if sim < minSim {
				continue
			}
			out[candidateKey(hit.Table, hit.Ref)] = &candidate{
				ref:       hit.Ref,
				table:     hit.Table,
				title:     hit.Title,
				excerpt:   hit.Excerpt,
				vector:    sim,
				hasVector: true,
				updatedAt: hit.UpdatedAt,
			}
		}
	}
	return out, nil
}

// similarityFromDistance maps cosine distance to a [0,1] similarity.
// Cosine distance ranges to 2 for opposed vectors; anything past 1 is
// clamped to zero similarity.
func similarityFromDistance(distance float32) float32 {
	sim := 1 - distance
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// singleListResults converts one candidate set to results without fusion.
func (e *Engine) singleListResults(hits map[string]*candidate, strategy types.Strategy, vector bool) []types.SearchResult {
	results := make([]types.SearchResult, 0, len(hits))
	for _, c := range hits {
		score := c.keyword
		if vector {
			score = c.vector
		}
		results = append(results, types.SearchResult{
			Ref:       c.ref,
			Table:     c.table,
			Title:     c.title,
			Excerpt:   c.excerpt,
			Score:     score,
			Strategy:  strategy,
			UpdatedAt: c.updatedAt,
		})
	}
	return results
}

// boostResults keeps keyword hits as-is and fills gaps with vector
// hits that keyword search missed.
func (e *Engine) boostResults(keywordHits, vectorHits map[string]*candidate) []types.SearchResult {
	results := e.singleListResults(keywordHits, types.StrategyKeywordBoost, false)
	for key, c := range vectorHits {
		if _, ok := keywordHits[key]; ok {
			continue
		}
		results = append(results, types.SearchResult{
			Ref:       c.ref,
			Table:     c.table,
			Title:     c.title,
			Excerpt:   c.excerpt,
			Score:     c.vector,
			Strategy:  types.StrategyKeywordBoost,
			UpdatedAt: c.updatedAt,
		})
	}
	return results
}

// fuseResults merges both candidate sets with weighted scoring. Facts
// found by both lists get the dual-match boost, capped at 1.
func (e *Engine) fuseResults(keywordHits, vectorHits map[string]*candidate) []types.SearchResult {
	kw := e.cfg.Search.KeywordWeight
	vw := e.cfg.Search.VectorWeight
	boost := e.cfg.Search.DualMatchBoost

	merged := make(map[string]*candidate, len(keywordHits)+len(vectorHits))
	for key, c := range keywordHits {
		merged[key] = c
	}
	for key, c := range vectorHits {
		if existing, ok := merged[key]; ok {
			existing.vector = c.vector
			existing.hasVector = true
			continue
		}
		merged[key] = c
	}

	results := make([]types.SearchResult, 0, len(merged))
	for _, c := range merged {
		var score float32
		switch {
		case c.hasKeyword && c.hasVector:
			score = (c.keyword*kw + c.vector*vw) * boost
			if score > 1 {
				score = 1
			}
		case c.hasKeyword:
			score = c.keyword * kw
		default:
			score = c.vector * vw
		}
		results = append(results, types.SearchResult{
			Ref:       c.ref,
			Table:     c.table,
			Title:     c.title,
			Excerpt:   c.excerpt,
			Score:     score,
			Strategy:  types.StrategyHybrid,
			UpdatedAt: c.updatedAt,
		})
	}
	return results
}

// sortResults orders by score descending, breaking ties by recency
// and then ref for a stable order.
func sortResults(results []types.SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].UpdatedAt.Equal(results[j].UpdatedAt) {
			return results[i].UpdatedAt.After(results[j].UpdatedAt)
		}
		return results[i].Ref < results[j].Ref
	})
}

// isEmbeddingFailure reports whether an error came from the embedding
// provider rather than the store.
func isEmbeddingFailure(err error) bool {
	return errors.Is(err, types.ErrEmbeddingUnavailable)
}

// FindSimilar runs duplicate detection: a vector-only search over one
// table with a per-table threshold. Results carry the matched
// embedding text as the reason.
func (e *Engine) FindSimilar(ctx context.Context, table types.Table, project, description string, threshold float32) ([]types.SearchResult, error) {
	if !types.ValidTable(table) {
		return nil, fmt.Errorf("%w: unknown table %q", types.ErrInvalidTarget, table)
	}
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("%w: description is required", types.ErrValidation)
	}
	if threshold <= 0 {
		threshold = e.cfg.DuplicateThreshold(table)
	}

	hits, err := e.vectorCandidates(ctx, []types.Table{table}, project, description, e.cfg.Search.DefaultLimit, threshold)
	if err != nil {
		return nil, err
	}

	results := make([]types.SearchResult, 0, len(hits))
	for _, c := range hits {
		results = append(results, types.SearchResult{
			Ref:       c.ref,
			Table:     c.table,
			Title:     c.title,
			Excerpt:   c.excerpt,
			Score:     c.vector,
			Strategy:  types.StrategyVector,
			Reason:    "similar embedding text: " + c.excerpt,
			UpdatedAt: c.updatedAt,
		})
	}
	sortResults(results)
	return results, nil
}
