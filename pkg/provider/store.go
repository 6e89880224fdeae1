package provider

import (
	"context"
	"time"

	"github.com/spetr/mcp-recall/pkg/types"
)

// KeywordHit is one raw full-text match. BM25 is the raw score as
// reported by the index (lower is better for SQLite FTS5); the
// retrieval engine normalizes it.
type KeywordHit struct {
	Ref       string
	Table     types.Table
	Title     string
	Excerpt   string
	BM25      float64
	UpdatedAt time.Time
}

// VectorHit is one raw nearest-neighbor match. Distance is cosine
// distance; the retrieval engine converts it to a similarity score.
type VectorHit struct {
	Ref       string
	Table     types.Table
	Title     string
	Excerpt   string
	Distance  float32
	UpdatedAt time.Time
}

// FactStore is the dual store: relational fact tables plus a vector
// index per table, kept consistent inside one backend.
type FactStore interface {
	// Init initializes the store at the given path.
	Init(path string) error

	// Close closes the store.
	Close() error

	// PutFact writes a fact row and its vector entry atomically.
	// The entry may be nil only when re-writing a fact whose vector
	// is staged separately.
	PutFact(ctx context.Context, fact types.Fact, entry *types.VectorEntry) error

	// GetFact retrieves a fact by table and id.
	GetFact(ctx context.Context, table types.Table, id string) (types.Fact, error)

	// DeleteFact removes a fact and its vector entry atomically.
	DeleteFact(ctx context.Context, table types.Table, id string) error

	// ListFacts returns facts ordered by updated_at descending.
	// Empty project means all projects; limit <= 0 means no limit.
	ListFacts(ctx context.Context, table types.Table, project string, limit int) ([]types.Fact, error)

	// KeywordSearch runs a full-text query against one table.
	KeywordSearch(ctx context.Context, table types.Table, project, query string, limit int) ([]KeywordHit, error)

	// VectorSearch runs a nearest-neighbor query against the active
	// generation of one table's vector index.
	VectorSearch(ctx context.Context, table types.Table, project string, vector []float32, limit int) ([]VectorHit, error)

	// ActiveModel returns the active embedding model state for a table.
	ActiveModel(ctx context.Context, table types.Table) (types.ModelState, error)

	// EnsureModel sets the active model for a table if none is set yet.
	EnsureModel(ctx context.Context, table types.Table, modelID string, dimension int) error

	// BeginStaging creates a staging vector collection for a table and
	// returns its generation number.
	BeginStaging(ctx context.Context, table types.Table, modelID string, dimension int) (int, error)

	// StageVector writes one vector entry into a staging generation.
	StageVector(ctx context.Context, table types.Table, generation int, entry *types.VectorEntry) error

	// SwapStaging atomically makes a staged generation active and
	// drops the previous one.
	SwapStaging(ctx context.Context, table types.Table, generation int, modelID string, dimension int) error

	// DropStaging discards a staging generation.
	DropStaging(ctx context.Context, table types.Table, generation int) error

	// Stats returns per-table counts and active model states.
	Stats(ctx context.Context) (*types.StoreStats, error)

	// CheckConsistency returns ids of facts whose embedding reference
	// does not resolve to a vector in the active generation.
	CheckConsistency(ctx context.Context, table types.Table) ([]string, error)
}
