package sqlitevec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spetr/mcp-recall/pkg/types"
)

const testDim = 4

func newTestStore(t *testing.T) *Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "sqlitevec-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store := New()
	if err := store.Init(filepath.Join(tmpDir, "recall.db")); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, table := range types.Tables {
		if err := store.EnsureModel(ctx, table, "test-model", testDim); err != nil {
			t.Fatalf("EnsureModel(%s) failed: %v", table, err)
		}
	}
	return store
}

func testVector(values ...float32) []float32 {
	vec := make([]float32, testDim)
	copy(vec, values)
	return vec
}

func testDecision(id, name, text string) (*types.Decision, *types.VectorEntry) {
	now := time.Now().UTC()
	d := &types.Decision{
		FactMeta: types.FactMeta{
			ID:           id,
			Project:      "demo",
			EmbeddingRef: id,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		Name:     name,
		Decision: text,
	}
	entry := &types.VectorEntry{
		Ref:       id,
		Table:     types.TableDecisions,
		Project:   "demo",
		ModelID:   "test-model",
		Dimension: testDim,
		Excerpt:   d.EmbeddingText(),
		Vector:    testVector(1, 0, 0, 0),
	}
	return d, entry
}

func TestActiveModel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state, err := store.ActiveModel(ctx, types.TableDecisions)
	if err != nil {
		t.Fatalf("ActiveModel failed: %v", err)
	}
	if state.ModelID != "test-model" {
		t.Errorf("ModelID = %q, want %q", state.ModelID, "test-model")
	}
	if state.Dimension != testDim {
		t.Errorf("Dimension = %d, want %d", state.Dimension, testDim)
	}
	if state.Generation != 1 {
		t.Errorf("Generation = %d, want 1", state.Generation)
	}

	if _, err := store.ActiveModel(ctx, types.Table("nonsense")); err == nil {
		t.Error("ActiveModel with unknown table should fail")
	}
}

func TestPutGetFact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, entry := testDecision("d0000001", "Use SQLite", "Store facts in a single SQLite file")
	d.Alternatives = []string{"postgres", "flat files"}
	if err := store.PutFact(ctx, d, entry); err != nil {
		t.Fatalf("PutFact failed: %v", err)
	}

	fact, err := store.GetFact(ctx, types.TableDecisions, "d0000001")
	if err != nil {
		t.Fatalf("GetFact failed: %v", err)
	}
	got, ok := fact.(*types.Decision)
	if !ok {
		t.Fatalf("GetFact returned %T, want *types.Decision", fact)
	}
	if got.Name != d.Name {
		t.Errorf("Name = %q, want %q", got.Name, d.Name)
	}
	if got.Decision != d.Decision {
		t.Errorf("Decision = %q, want %q", got.Decision, d.Decision)
	}
	if len(got.Alternatives) != 2 {
		t.Errorf("Alternatives count = %d, want 2", len(got.Alternatives))
	}
	if got.EmbeddingRef != "d0000001" {
		t.Errorf("EmbeddingRef = %q, want %q", got.EmbeddingRef, "d0000001")
	}
}

func TestPutFactDimensionMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, entry := testDecision("d0000002", "Bad vector", "Dimension mismatch must be rejected")
	entry.Dimension = testDim + 1
	entry.Vector = make([]float32, testDim+1)

	if err := store.PutFact(ctx, d, entry); err == nil {
		t.Fatal("PutFact with mismatched dimension should fail")
	}

	// Nothing may be persisted after the failed write
	if _, err := store.GetFact(ctx, types.TableDecisions, "d0000002"); err == nil {
		t.Error("fact row should not exist after failed PutFact")
	}
}

func TestKeywordSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d1, e1 := testDecision("d0000003", "Use JWT auth", "Authenticate sessions with signed JWT tokens")
	d2, e2 := testDecision("d0000004", "Use WAL mode", "Enable WAL journal mode for concurrent reads")
	for _, pair := range []struct {
		d *types.Decision
		e *types.VectorEntry
	}{{d1, e1}, {d2, e2}} {
		if err := store.PutFact(ctx, pair.d, pair.e); err != nil {
			t.Fatalf("PutFact failed: %v", err)
		}
	}

	hits, err := store.KeywordSearch(ctx, types.TableDecisions, "demo", "JWT tokens", 10)
	if err != nil {
		t.Fatalf("KeywordSearch failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("KeywordSearch returned no hits")
	}
	if hits[0].Ref != "d0000003" {
		t.Errorf("top hit = %q, want %q", hits[0].Ref, "d0000003")
	}

	// Scoped to another project there should be nothing
	hits, err = store.KeywordSearch(ctx, types.TableDecisions, "other", "JWT", 10)
	if err != nil {
		t.Fatalf("KeywordSearch failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("cross-project hits = %d, want 0", len(hits))
	}
}

func TestPutFactRewriteRefreshesKeywordIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, e := testDecision("d0000015", "Cache backend", "Keep sessions in memcached for now")
	if err := store.PutFact(ctx, d, e); err != nil {
		t.Fatalf("PutFact failed: %v", err)
	}

	// Re-write the same fact with different content
	d2, e2 := testDecision("d0000015", "Cache backend", "Move sessions to redis cluster")
	if err := store.PutFact(ctx, d2, e2); err != nil {
		t.Fatalf("PutFact rewrite failed: %v", err)
	}

	// The old content must no longer keyword-match
	hits, err := store.KeywordSearch(ctx, types.TableDecisions, "demo", "memcached", 10)
	if err != nil {
		t.Fatalf("KeywordSearch failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("stale content still matches after rewrite: %d hit(s)", len(hits))
	}

	hits, err = store.KeywordSearch(ctx, types.TableDecisions, "demo", "redis", 10)
	if err != nil {
		t.Fatalf("KeywordSearch failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("new content hits = %d, want 1", len(hits))
	}
	if hits[0].Ref != "d0000015" {
		t.Errorf("hit = %q, want d0000015", hits[0].Ref)
	}
}

func TestVectorSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d1, e1 := testDecision("d0000005", "Close match", "First decision")
	e1.Vector = testVector(1, 0, 0, 0)
	d2, e2 := testDecision("d0000006", "Far match", "Second decision")
	e2.Vector = testVector(0, 1, 0, 0)
	if err := store.PutFact(ctx, d1, e1); err != nil {
		t.Fatal(err)
	}
	if err := store.PutFact(ctx, d2, e2); err != nil {
		t.Fatal(err)
	}

	hits, err := store.VectorSearch(ctx, types.TableDecisions, "demo", testVector(1, 0, 0, 0), 10)
	if err != nil {
		t.Fatalf("VectorSearch failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].Ref != "d0000005" {
		t.Errorf("nearest hit = %q, want %q", hits[0].Ref, "d0000005")
	}
	if hits[0].Distance >= hits[1].Distance {
		t.Errorf("hits not ordered by distance: %f >= %f", hits[0].Distance, hits[1].Distance)
	}

	if _, err := store.VectorSearch(ctx, types.TableDecisions, "demo", []float32{1, 0}, 10); err == nil {
		t.Error("VectorSearch with wrong dimension should fail")
	}
}

func TestDeleteFact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, e := testDecision("d0000007", "Ephemeral", "Will be deleted")
	if err := store.PutFact(ctx, d, e); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteFact(ctx, types.TableDecisions, "d0000007"); err != nil {
		t.Fatalf("DeleteFact failed: %v", err)
	}
	if _, err := store.GetFact(ctx, types.TableDecisions, "d0000007"); err == nil {
		t.Error("fact should be gone after delete")
	}

	hits, err := store.VectorSearch(ctx, types.TableDecisions, "demo", testVector(1, 0, 0, 0), 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, hit := range hits {
		if hit.Ref == "d0000007" {
			t.Error("vector entry should be gone after delete")
		}
	}

	if err := store.DeleteFact(ctx, types.TableDecisions, "missing"); err == nil {
		t.Error("DeleteFact for missing id should fail")
	}
}

func TestStagingSwap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, e := testDecision("d0000008", "Survivor", "Should survive the migration")
	if err := store.PutFact(ctx, d, e); err != nil {
		t.Fatal(err)
	}

	generation, err := store.BeginStaging(ctx, types.TableDecisions, "next-model", testDim)
	if err != nil {
		t.Fatalf("BeginStaging failed: %v", err)
	}
	if generation != 2 {
		t.Errorf("generation = %d, want 2", generation)
	}

	entry := &types.VectorEntry{
		Ref:       "d0000008",
		Table:     types.TableDecisions,
		Project:   "demo",
		ModelID:   "next-model",
		Dimension: testDim,
		Excerpt:   d.EmbeddingText(),
		Vector:    testVector(0, 0, 1, 0),
	}
	if err := store.StageVector(ctx, types.TableDecisions, generation, entry); err != nil {
		t.Fatalf("StageVector failed: %v", err)
	}

	// Search still serves the old generation before the swap
	hits, err := store.VectorSearch(ctx, types.TableDecisions, "demo", testVector(1, 0, 0, 0), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("pre-swap hits = %d, want 1", len(hits))
	}

	if err := store.SwapStaging(ctx, types.TableDecisions, generation, "next-model", testDim); err != nil {
		t.Fatalf("SwapStaging failed: %v", err)
	}

	state, err := store.ActiveModel(ctx, types.TableDecisions)
	if err != nil {
		t.Fatal(err)
	}
	if state.ModelID != "next-model" {
		t.Errorf("ModelID = %q, want %q", state.ModelID, "next-model")
	}
	if state.Generation != 2 {
		t.Errorf("Generation = %d, want 2", state.Generation)
	}

	hits, err = store.VectorSearch(ctx, types.TableDecisions, "demo", testVector(0, 0, 1, 0), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Ref != "d0000008" {
		t.Errorf("post-swap search did not find the staged vector: %+v", hits)
	}
}

func TestDropStaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	generation, err := store.BeginStaging(ctx, types.TableDecisions, "next-model", testDim)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.DropStaging(ctx, types.TableDecisions, generation); err != nil {
		t.Fatalf("DropStaging failed: %v", err)
	}

	state, err := store.ActiveModel(ctx, types.TableDecisions)
	if err != nil {
		t.Fatal(err)
	}
	if state.Generation != 1 {
		t.Errorf("Generation = %d, want 1", state.Generation)
	}
	if err := store.DropStaging(ctx, types.TableDecisions, state.Generation); err == nil {
		t.Error("DropStaging of the active generation should fail")
	}
}

func TestCheckConsistency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, e := testDecision("d0000009", "Consistent", "Has a vector")
	if err := store.PutFact(ctx, d, e); err != nil {
		t.Fatal(err)
	}

	dangling, err := store.CheckConsistency(ctx, types.TableDecisions)
	if err != nil {
		t.Fatal(err)
	}
	if len(dangling) != 0 {
		t.Errorf("dangling refs = %v, want none", dangling)
	}

	// A fact written without its vector entry is dangling
	orphan, _ := testDecision("d0000010", "Orphan", "No vector entry")
	if err := store.PutFact(ctx, orphan, nil); err != nil {
		t.Fatal(err)
	}

	dangling, err = store.CheckConsistency(ctx, types.TableDecisions)
	if err != nil {
		t.Fatal(err)
	}
	if len(dangling) != 1 || dangling[0] != "d0000010" {
		t.Errorf("dangling refs = %v, want [d0000010]", dangling)
	}
}

func TestListFacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"First", "Second", "Third"} {
		d, e := testDecision(
			"d000002"+string(rune('0'+i)), name, name+" decision")
		d.UpdatedAt = d.UpdatedAt.Add(time.Duration(i) * time.Second)
		if err := store.PutFact(ctx, d, e); err != nil {
			t.Fatal(err)
		}
	}

	facts, err := store.ListFacts(ctx, types.TableDecisions, "demo", 2)
	if err != nil {
		t.Fatalf("ListFacts failed: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("facts = %d, want 2", len(facts))
	}
	if facts[0].Title() != "Third" {
		t.Errorf("most recent fact = %q, want %q", facts[0].Title(), "Third")
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, e := testDecision("d0000030", "Counted", "Shows up in stats")
	if err := store.PutFact(ctx, d, e); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Facts[types.TableDecisions] != 1 {
		t.Errorf("decision count = %d, want 1", stats.Facts[types.TableDecisions])
	}
	if stats.Vectors[types.TableDecisions] != 1 {
		t.Errorf("vector count = %d, want 1", stats.Vectors[types.TableDecisions])
	}
	if stats.ActiveModels[types.TableDecisions].ModelID != "test-model" {
		t.Errorf("active model = %q, want %q", stats.ActiveModels[types.TableDecisions].ModelID, "test-model")
	}
}
