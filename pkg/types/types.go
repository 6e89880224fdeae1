// Package types contains shared types used across mcp-recall.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Table identifies one of the fact tables in the store.
type Table string

const (
	TableDecisions Table = "decisions"
	TableProgress  Table = "progress"
	TablePatterns  Table = "patterns"
)

// Tables lists all known fact tables.
var Tables = []Table{TableDecisions, TableProgress, TablePatterns}

// ValidTable reports whether t names a known fact table.
func ValidTable(t Table) bool {
	switch t {
	case TableDecisions, TableProgress, TablePatterns:
		return true
	}
	return false
}

// Strategy is a retrieval strategy chosen by the query analyzer
// or forced by the caller.
type Strategy string

const (
	StrategyKeyword      Strategy = "keyword"
	StrategyKeywordBoost Strategy = "keyword_boost"
	StrategyVector       Strategy = "vector"
	StrategyHybrid       Strategy = "hybrid"
)

// ProgressStatus represents the state of a progress entry.
type ProgressStatus string

const (
	ProgressNotStarted ProgressStatus = "not-started"
	ProgressInProgress ProgressStatus = "in-progress"
	ProgressTesting    ProgressStatus = "testing"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressBlocked    ProgressStatus = "blocked"
)

// ValidProgressStatus reports whether s is a known progress status.
func ValidProgressStatus(s ProgressStatus) bool {
	switch s {
	case ProgressNotStarted, ProgressInProgress, ProgressTesting, ProgressCompleted, ProgressBlocked:
		return true
	}
	return false
}

// FactMeta holds the fields common to every fact kind.
type FactMeta struct {
	ID           string    `json:"id"`
	Project      string    `json:"project"`
	EmbeddingRef string    `json:"embedding_ref,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fact is the tagged union over the three fact kinds. Each concrete
// struct embeds FactMeta and contributes its own payload fields.
type Fact interface {
	// Table returns the store table this fact belongs to.
	Table() Table

	// Meta returns the common metadata, shared by pointer so the
	// coordinator can stamp IDs and timestamps.
	Meta() *FactMeta

	// Title returns a short human-readable label for result lists.
	Title() string

	// EmbeddingText returns the text that is embedded for this fact.
	EmbeddingText() string

	// Validate checks kind-specific required fields.
	Validate() error

	// GenerateID derives a fresh ID for this fact.
	GenerateID() string
}

// Decision records an architecture or design decision.
type Decision struct {
	FactMeta
	Name         string   `json:"name"`
	Decision     string   `json:"decision"`
	Context      string   `json:"context,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	Impact       string   `json:"impact,omitempty"`
}

func (d *Decision) Table() Table    { return TableDecisions }
func (d *Decision) Meta() *FactMeta { return &d.FactMeta }
func (d *Decision) Title() string   { return d.Name }

func (d *Decision) EmbeddingText() string {
	parts := []string{d.Name, d.Decision, d.Context, d.Impact}
	if len(d.Alternatives) > 0 {
		parts = append(parts, "alternatives: "+strings.Join(d.Alternatives, ", "))
	}
	return joinNonEmpty(parts)
}

func (d *Decision) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: decision name is required", ErrValidation)
	}
	if d.Decision == "" {
		return fmt.Errorf("%w: decision text is required", ErrValidation)
	}
	if d.Project == "" {
		return fmt.Errorf("%w: project is required", ErrValidation)
	}
	return nil
}

// GenerateID generates a unique ID for a decision.
func (d *Decision) GenerateID() string {
	data := fmt.Sprintf("%s:%s:%d", d.Project, d.Name, time.Now().UnixNano())
	hash := sha256.Sum256([]byte(data))
	return "d" + hex.EncodeToString(hash[:])[:7]
}

// Progress records work done towards a milestone.
type Progress struct {
	FactMeta
	Milestone string         `json:"milestone"`
	Status    ProgressStatus `json:"status"`
	Notes     string         `json:"notes,omitempty"`
	Blockers  []string       `json:"blockers,omitempty"`
}

func (p *Progress) Table() Table    { return TableProgress }
func (p *Progress) Meta() *FactMeta { return &p.FactMeta }
func (p *Progress) Title() string   { return p.Milestone }

func (p *Progress) EmbeddingText() string {
	parts := []string{p.Milestone, string(p.Status), p.Notes}
	if len(p.Blockers) > 0 {
		parts = append(parts, "blockers: "+strings.Join(p.Blockers, ", "))
	}
	return joinNonEmpty(parts)
}

func (p *Progress) Validate() error {
	if p.Milestone == "" {
		return fmt.Errorf("%w: milestone is required", ErrValidation)
	}
	if p.Project == "" {
		return fmt.Errorf("%w: project is required", ErrValidation)
	}
	if !ValidProgressStatus(p.Status) {
		return fmt.Errorf("%w: unknown progress status %q", ErrValidation, p.Status)
	}
	return nil
}

// GenerateID generates a unique ID for a progress entry.
func (p *Progress) GenerateID() string {
	data := fmt.Sprintf("%s:%s:%d", p.Project, p.Milestone, time.Now().UnixNano())
	hash := sha256.Sum256([]byte(data))
	return "p" + hex.EncodeToString(hash[:])[:7]
}

// Pattern records a reusable code pattern, usually tied to a source file.
type Pattern struct {
	FactMeta
	Name       string `json:"name"`
	SourcePath string `json:"source_path,omitempty"`
	Content    string `json:"content"`
	Language   string `json:"language,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func (c *Pattern) Table() Table    { return TablePatterns }
func (c *Pattern) Meta() *FactMeta { return &c.FactMeta }
func (c *Pattern) Title() string   { return c.Name }

func (c *Pattern) EmbeddingText() string {
	return joinNonEmpty([]string{c.Name, c.Notes, c.Content})
}

func (c *Pattern) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: pattern name is required", ErrValidation)
	}
	if c.Content == "" {
		return fmt.Errorf("%w: pattern content is required", ErrValidation)
	}
	if c.Project == "" {
		return fmt.Errorf("%w: project is required", ErrValidation)
	}
	return nil
}

// GenerateID generates a unique ID for a pattern.
func (c *Pattern) GenerateID() string {
	data := fmt.Sprintf("%s:%s:%d", c.Project, c.Name, time.Now().UnixNano())
	hash := sha256.Sum256([]byte(data))
	return "c" + hex.EncodeToString(hash[:])[:7]
}

func joinNonEmpty(parts []string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}

// VectorEntry is one row of the vector index side of the store.
// Ref equals the ID of the fact the vector was derived from.
type VectorEntry struct {
	Ref       string    `json:"ref"`
	Table     Table     `json:"table"`
	Project   string    `json:"project"`
	ModelID   string    `json:"model_id"`
	Dimension int       `json:"dimension"`
	Excerpt   string    `json:"excerpt"`
	Vector    []float32 `json:"-"`
}

// ModelState is the active embedding model pointer for one table.
type ModelState struct {
	Table      Table     `json:"table"`
	ModelID    string    `json:"model_id"`
	Dimension  int       `json:"dimension"`
	Generation int       `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Query describes one retrieval request.
type Query struct {
	Text          string   `json:"text"`
	Project       string   `json:"project"`
	Tables        []Table  `json:"tables,omitempty"` // empty means all tables
	Strategy      Strategy `json:"strategy,omitempty"`
	MinSimilarity float32  `json:"min_similarity,omitempty"`
	Limit         int      `json:"limit,omitempty"`
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Ref       string    `json:"ref"`
	Table     Table     `json:"table"`
	Title     string    `json:"title"`
	Excerpt   string    `json:"excerpt,omitempty"`
	Score     float32   `json:"score"`
	Strategy  Strategy  `json:"strategy"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchResponse wraps results with degradation info. Degraded is set
// when a vector or hybrid query fell back to keyword-only because the
// embedding provider was unavailable.
type SearchResponse struct {
	Results  []SearchResult `json:"results"`
	Strategy Strategy       `json:"strategy"`
	Degraded bool           `json:"degraded,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// MigrationReport summarizes one embedding migration run.
type MigrationReport struct {
	Table     Table     `json:"table"`
	FromModel string    `json:"from_model"`
	ToModel   string    `json:"to_model"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
	Swapped   bool      `json:"swapped"`
	Duration  string    `json:"duration,omitempty"`
}

// Failure records one fact that could not be re-embedded.
type Failure struct {
	Ref   string `json:"ref"`
	Error string `json:"error"`
}

// StoreStats reports per-table counts and active models.
type StoreStats struct {
	Facts        map[Table]int        `json:"facts"`
	Vectors      map[Table]int        `json:"vectors"`
	ActiveModels map[Table]ModelState `json:"active_models"`
	DanglingRefs map[Table][]string   `json:"dangling_refs,omitempty"`
}
