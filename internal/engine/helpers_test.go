package engine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spetr/mcp-recall/builtin/store/sqlitevec"
	"github.com/spetr/mcp-recall/internal/config"
	"github.com/spetr/mcp-recall/pkg/provider"
	"github.com/spetr/mcp-recall/pkg/types"
)

const testDim = 4

// fakeEmbedder returns deterministic vectors derived from the text
// hash, with optional per-text overrides and failure injection.
type fakeEmbedder struct {
	model     string
	overrides map[string][]float32
	failAll   bool
	failTexts map[string]bool
	calls     int
}

func newFakeEmbedder(model string) *fakeEmbedder {
	return &fakeEmbedder{
		model:     model,
		overrides: make(map[string][]float32),
		failTexts: make(map[string]bool),
	}
}

func (f *fakeEmbedder) Name() string      { return "fake" }
func (f *fakeEmbedder) Model() string     { return f.model }
func (f *fakeEmbedder) Dimensions() int   { return testDim }
func (f *fakeEmbedder) MaxBatchSize() int { return 32 }

func (f *fakeEmbedder) Warmup(ctx context.Context) error { return nil }
func (f *fakeEmbedder) Close() error                     { return nil }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failAll {
		return nil, fmt.Errorf("fake provider is down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failTexts[text] {
			return nil, fmt.Errorf("fake provider rejected text")
		}
		if vec, ok := f.overrides[text]; ok {
			out[i] = vec
			continue
		}
		out[i] = hashVector(f.model + ":" + text)
	}
	return out, nil
}

// hashVector derives a unit vector from a string so distinct texts
// land in distinct directions.
func hashVector(s string) []float32 {
	sum := sha256.Sum256([]byte(s))
	vec := make([]float32, testDim)
	var norm float64
	for i := range vec {
		vec[i] = float32(sum[i])/255 + 0.01
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

var _ provider.EmbeddingProvider = (*fakeEmbedder)(nil)

// fakeResolver maps model ids to fake embedders.
type fakeResolver struct {
	embedders map[string]*fakeEmbedder
}

func (r *fakeResolver) Embedder(modelID string) (provider.EmbeddingProvider, error) {
	if e, ok := r.embedders[modelID]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("unknown model %q", modelID)
}

var _ provider.Resolver = (*fakeResolver)(nil)

// newTestEngine builds an engine over a real sqlite store with the
// fake model "fake-a" active on every table.
func newTestEngine(t *testing.T) (*Engine, *fakeResolver) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "engine-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store := sqlitevec.New()
	if err := store.Init(filepath.Join(tmpDir, "recall.db")); err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, table := range types.Tables {
		if err := store.EnsureModel(ctx, table, "fake-a", testDim); err != nil {
			t.Fatalf("EnsureModel(%s) failed: %v", table, err)
		}
	}

	resolver := &fakeResolver{embedders: map[string]*fakeEmbedder{
		"fake-a": newFakeEmbedder("fake-a"),
		"fake-b": newFakeEmbedder("fake-b"),
	}}

	cfg := config.DefaultConfig()
	cfg.Project = "demo"

	return New(store, resolver, cfg), resolver
}

// recordDecision writes a decision through the coordinator.
func recordDecision(t *testing.T, e *Engine, name, text string) *types.Decision {
	t.Helper()
	fact, err := e.Record(context.Background(), &types.Decision{
		FactMeta: types.FactMeta{Project: "demo"},
		Name:     name,
		Decision: text,
	})
	if err != nil {
		t.Fatalf("Record(%q) failed: %v", name, err)
	}
	return fact.(*types.Decision)
}

// putDecisionWithVector writes a decision directly into the store with
// a chosen vector, bypassing the embedder.
func putDecisionWithVector(t *testing.T, e *Engine, id, name, text string, vec []float32) {
	t.Helper()
	now := time.Now().UTC()
	d := &types.Decision{
		FactMeta: types.FactMeta{
			ID: id, Project: "demo", EmbeddingRef: id,
			CreatedAt: now, UpdatedAt: now,
		},
		Name:     name,
		Decision: text,
	}
	entry := &types.VectorEntry{
		Ref: id, Table: types.TableDecisions, Project: "demo",
		ModelID: "fake-a", Dimension: testDim,
		Excerpt: d.EmbeddingText(), Vector: vec,
	}
	if err := e.store.PutFact(context.Background(), d, entry); err != nil {
		t.Fatalf("PutFact(%q) failed: %v", id, err)
	}
}
