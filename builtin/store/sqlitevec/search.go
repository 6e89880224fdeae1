package sqlitevec

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/spetr/mcp-recall/pkg/provider"
	"github.com/spetr/mcp-recall/pkg/types"
)

// titleColumn maps each fact table to its label column.
var titleColumn = map[types.Table]string{
	types.TableDecisions: "name",
	types.TableProgress:  "milestone",
	types.TablePatterns:  "name",
}

// excerptColumn maps each fact table to its body column.
var excerptColumn = map[types.Table]string{
	types.TableDecisions: "decision",
	types.TableProgress:  "notes",
	types.TablePatterns:  "content",
}

// KeywordSearch performs BM25 full-text search against one table.
// Raw BM25 scores are returned; callers normalize them.
func (s *Store) KeywordSearch(ctx context.Context, table types.Table, project, query string, limit int) ([]provider.KeywordHit, error) {
	if !types.ValidTable(table) {
		return nil, fmt.Errorf("%w: unknown table %q", types.ErrInvalidTarget, table)
	}
	if query == "" {
		return nil, fmt.Errorf("%w: query text is required for keyword search", types.ErrValidation)
	}

	sqlQuery := fmt.Sprintf(`
		SELECT t.id, bm25(%s_fts) as bm25_score, t.%s, t.%s, t.updated_at
		FROM %s_fts fts
		JOIN %s t ON fts.id = t.id
		WHERE %s_fts MATCH ?
	`, table, titleColumn[table], excerptColumn[table], table, table, table)

	args := []any{escapeFTSQuery(query)}
	if project != "" {
		sqlQuery += " AND t.project = ?"
		args = append(args, project)
	}
	sqlQuery += " ORDER BY bm25_score LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()

	var hits []provider.KeywordHit
	for rows.Next() {
		var (
			hit     provider.KeywordHit
			excerpt sql.NullString
		)
		if err := rows.Scan(&hit.Ref, &hit.BM25, &hit.Title, &excerpt, &hit.UpdatedAt); err != nil {
			return nil, err
		}
		hit.Table = table
		hit.Excerpt = excerpt.String
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// VectorSearch performs nearest-neighbor search against the active
// generation of one table. Vector hits whose fact row is missing are
// excluded with a warning.
func (s *Store) VectorSearch(ctx context.Context, table types.Table, project string, vector []float32, limit int) ([]provider.VectorHit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is required for vector search", types.ErrValidation)
	}

	state, err := s.ActiveModel(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(vector) != state.Dimension {
		return nil, fmt.Errorf("%w: query vector dimension %d does not match table dimension %d",
			types.ErrValidation, len(vector), state.Dimension)
	}

	sqlQuery := fmt.Sprintf(`
		SELECT v.ref, vec_distance_cosine(v.embedding, ?) as distance,
			m.excerpt, t.%s, t.updated_at
		FROM %s v
		JOIN vector_meta m ON m.ref = v.ref AND m.tbl = ? AND m.generation = ?
		LEFT JOIN %s t ON t.id = v.ref
	`, titleColumn[table], vecTableName(table, state.Generation), table)

	args := []any{floatsToBytes(vector), string(table), state.Generation}
	if project != "" {
		sqlQuery += " WHERE m.project = ?"
		args = append(args, project)
	}
	sqlQuery += " ORDER BY distance ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var hits []provider.VectorHit
	for rows.Next() {
		var (
			hit       provider.VectorHit
			distance  float64
			excerpt   sql.NullString
			title     sql.NullString
			updatedAt sql.NullTime
		)
		if err := rows.Scan(&hit.Ref, &distance, &excerpt, &title, &updatedAt); err != nil {
			return nil, err
		}
		if !title.Valid {
			slog.Warn("vector entry has no fact row, excluding from results",
				"table", table, "ref", hit.Ref)
			continue
		}
		hit.Table = table
		hit.Distance = float32(distance)
		hit.Excerpt = excerpt.String
		hit.Title = title.String
		if updatedAt.Valid {
			hit.UpdatedAt = updatedAt.Time
		} else {
			hit.UpdatedAt = time.Time{}
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}
