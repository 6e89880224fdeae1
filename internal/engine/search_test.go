package engine

import (
	"context"
	"testing"

	"github.com/spetr/mcp-recall/pkg/types"
)

func vec(values ...float32) []float32 {
	v := make([]float32, testDim)
	copy(v, values)
	return v
}

func TestSearchKeyword(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	putDecisionWithVector(t, e, "d0000001", "Use JWT auth", "Sessions carry signed JWT tokens", vec(1, 0, 0, 0))
	putDecisionWithVector(t, e, "d0000002", "Use WAL mode", "SQLite runs in WAL journal mode", vec(0, 1, 0, 0))

	resp, err := e.Search(ctx, types.Query{
		Text: "JWT tokens", Project: "demo", Strategy: types.StrategyKeyword,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("no results")
	}
	if resp.Results[0].Ref != "d0000001" {
		t.Errorf("top result = %q, want d0000001", resp.Results[0].Ref)
	}
	for _, r := range resp.Results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("score %g for %s out of [0,1]", r.Score, r.Ref)
		}
		if r.Strategy != types.StrategyKeyword {
			t.Errorf("strategy = %q, want keyword", r.Strategy)
		}
	}
}

func TestSearchVectorOrderingAndThreshold(t *testing.T) {
	e, resolver := newTestEngine(t)
	ctx := context.Background()

	putDecisionWithVector(t, e, "d0000003", "Near", "Close to the query", vec(1, 0, 0, 0))
	putDecisionWithVector(t, e, "d0000004", "Mid", "Half way out", vec(0.7071, 0.7071, 0, 0))
	putDecisionWithVector(t, e, "d0000005", "Far", "Orthogonal", vec(0, 0, 1, 0))

	resolver.embedders["fake-a"].overrides["target query"] = vec(1, 0, 0, 0)

	resp, err := e.Search(ctx, types.Query{
		Text: "target query", Project: "demo", Strategy: types.StrategyVector,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(resp.Results))
	}
	if resp.Results[0].Ref != "d0000003" {
		t.Errorf("nearest = %q, want d0000003", resp.Results[0].Ref)
	}
	for i := 1; i < len(resp.Results); i++ {
		if resp.Results[i].Score > resp.Results[i-1].Score {
			t.Errorf("results not sorted by score at %d", i)
		}
	}

	// Raising the similarity floor only removes results
	prev := len(resp.Results)
	for _, minSim := range []float32{0.5, 0.8, 0.95} {
		resp, err := e.Search(ctx, types.Query{
			Text: "target query", Project: "demo",
			Strategy: types.StrategyVector, MinSimilarity: minSim,
		})
		if err != nil {
			t.Fatalf("Search(minSim=%g) failed: %v", minSim, err)
		}
		if len(resp.Results) > prev {
			t.Errorf("raising min_similarity to %g added results: %d > %d", minSim, len(resp.Results), prev)
		}
		for _, r := range resp.Results {
			if r.Score < minSim {
				t.Errorf("result %s score %g below floor %g", r.Ref, r.Score, minSim)
			}
		}
		prev = len(resp.Results)
	}
}

func TestSearchHybridDualMatchBoost(t *testing.T) {
	e, resolver := newTestEngine(t)
	ctx := context.Background()

	// d0000006 matches both keyword and vector, d0000007 only vector
	putDecisionWithVector(t, e, "d0000006", "Token rotation", "Rotate signing tokens weekly", vec(1, 0, 0, 0))
	putDecisionWithVector(t, e, "d0000007", "Unrelated title", "Completely different words here", vec(0.9, 0.1, 0, 0))

	resolver.embedders["fake-a"].overrides["rotate tokens"] = vec(1, 0, 0, 0)

	resp, err := e.Search(ctx, types.Query{
		Text: "rotate tokens", Project: "demo", Strategy: types.StrategyHybrid,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) < 2 {
		t.Fatalf("results = %d, want at least 2", len(resp.Results))
	}
	if resp.Results[0].Ref != "d0000006" {
		t.Errorf("dual-match fact should rank first, got %q", resp.Results[0].Ref)
	}
	for _, r := range resp.Results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("score %g for %s out of [0,1]", r.Score, r.Ref)
		}
		if r.Strategy != types.StrategyHybrid {
			t.Errorf("strategy = %q, want hybrid", r.Strategy)
		}
	}
}

func TestSearchDegradesWithoutEmbedder(t *testing.T) {
	e, resolver := newTestEngine(t)
	ctx := context.Background()

	putDecisionWithVector(t, e, "d0000008", "Retry policy", "Retries use exponential backoff", vec(1, 0, 0, 0))

	resolver.embedders["fake-a"].failAll = true

	resp, err := e.Search(ctx, types.Query{
		Text: "exponential backoff", Project: "demo", Strategy: types.StrategyHybrid,
	})
	if err != nil {
		t.Fatalf("Search should degrade, not fail: %v", err)
	}
	if !resp.Degraded {
		t.Error("Degraded = false, want true")
	}
	if resp.Strategy != types.StrategyKeyword {
		t.Errorf("degraded strategy = %q, want the executed keyword strategy", resp.Strategy)
	}
	if len(resp.Warnings) == 0 {
		t.Error("expected a degradation warning")
	}
	if len(resp.Results) == 0 {
		t.Error("keyword fallback should still return results")
	}
}

func TestSearchAnalyzerPicksStrategy(t *testing.T) {
	e, resolver := newTestEngine(t)
	ctx := context.Background()

	putDecisionWithVector(t, e, "d0000009", "Cache invalidation", "Invalidate on write", vec(1, 0, 0, 0))
	resolver.embedders["fake-a"].overrides["why does the cache invalidate on every write?"] = vec(1, 0, 0, 0)

	resp, err := e.Search(ctx, types.Query{
		Text: "why does the cache invalidate on every write?", Project: "demo",
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Strategy != types.StrategyVector {
		t.Errorf("analyzer strategy = %q, want vector", resp.Strategy)
	}
}

func TestSearchEmptyText(t *testing.T) {
	e, _ := newTestEngine(t)

	resp, err := e.Search(context.Background(), types.Query{Project: "demo"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("results for empty text = %d, want 0", len(resp.Results))
	}
}

func TestSearchUnknownTable(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Search(context.Background(), types.Query{
		Text: "anything", Tables: []types.Table{"chunks"},
	})
	if err == nil {
		t.Fatal("Search with unknown table should fail")
	}
}

func TestSearchProjectIsolation(t *testing.T) {
	e, resolver := newTestEngine(t)
	ctx := context.Background()

	putDecisionWithVector(t, e, "d0000010", "Shared wording", "Same words both projects", vec(1, 0, 0, 0))
	resolver.embedders["fake-a"].overrides["shared wording"] = vec(1, 0, 0, 0)

	resp, err := e.Search(ctx, types.Query{
		Text: "shared wording", Project: "elsewhere", Strategy: types.StrategyHybrid,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("results across projects = %d, want 0", len(resp.Results))
	}
}

func TestFindSimilar(t *testing.T) {
	e, resolver := newTestEngine(t)
	ctx := context.Background()

	putDecisionWithVector(t, e, "d0000011", "Use Redis cache", "Cache session data in Redis", vec(1, 0, 0, 0))
	putDecisionWithVector(t, e, "d0000012", "Unrelated", "Totally different topic", vec(0, 0, 1, 0))

	resolver.embedders["fake-a"].overrides["cache sessions in redis"] = vec(0.99, 0.1, 0, 0)

	results, err := e.FindSimilar(ctx, types.TableDecisions, "demo", "cache sessions in redis", 0.8)
	if err != nil {
		t.Fatalf("FindSimilar failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Ref != "d0000011" {
		t.Errorf("duplicate = %q, want d0000011", results[0].Ref)
	}
	if results[0].Reason == "" {
		t.Error("Reason should carry the matched embedding text")
	}

	// Stricter threshold drops the match
	results, err = e.FindSimilar(ctx, types.TableDecisions, "demo", "cache sessions in redis", 0.999)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("results above strict threshold = %d, want 0", len(results))
	}
}
