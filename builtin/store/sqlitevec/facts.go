package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spetr/mcp-recall/pkg/types"
)

// PutFact writes a fact row and its vector entry in one transaction.
// The vector lands in the active generation read inside the same
// transaction, so writes racing with a migration swap stay consistent.
func (s *Store) PutFact(ctx context.Context, fact types.Fact, entry *types.VectorEntry) error {
	table := fact.Table()
	if !types.ValidTable(table) {
		return fmt.Errorf("%w: unknown table %q", types.ErrInvalidTarget, table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertFact(ctx, tx, fact); err != nil {
		return err
	}

	if entry != nil {
		var generation, dimension int
		err := tx.QueryRowContext(ctx, `
			SELECT generation, dimension FROM vector_state WHERE tbl = ?
		`, string(table)).Scan(&generation, &dimension)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", errNoModelState, table)
		}
		if err != nil {
			return err
		}
		if entry.Dimension != dimension {
			return fmt.Errorf("%w: vector dimension %d does not match table dimension %d",
				types.ErrValidation, entry.Dimension, dimension)
		}
		if err := insertVector(ctx, tx, table, generation, entry); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// insertFact writes one fact row inside a transaction.
func insertFact(ctx context.Context, tx *sql.Tx, fact types.Fact) error {
	meta := fact.Meta()

	switch f := fact.(type) {
	case *types.Decision:
		alternatives, err := json.Marshal(f.Alternatives)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO decisions
			(id, project, name, decision, context, alternatives, impact, embedding_ref, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, meta.ID, meta.Project, f.Name, f.Decision, f.Context, string(alternatives), f.Impact,
			meta.EmbeddingRef, meta.CreatedAt, meta.UpdatedAt)
		return err

	case *types.Progress:
		blockers, err := json.Marshal(f.Blockers)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO progress
			(id, project, milestone, status, notes, blockers, embedding_ref, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, meta.ID, meta.Project, f.Milestone, string(f.Status), f.Notes, string(blockers),
			meta.EmbeddingRef, meta.CreatedAt, meta.UpdatedAt)
		return err

	case *types.Pattern:
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO patterns
			(id, project, name, source_path, content, language, notes, embedding_ref, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, meta.ID, meta.Project, f.Name, f.SourcePath, f.Content, f.Language, f.Notes,
			meta.EmbeddingRef, meta.CreatedAt, meta.UpdatedAt)
		return err

	default:
		return fmt.Errorf("%w: unsupported fact type %T", types.ErrInvalidTarget, fact)
	}
}

// GetFact retrieves a fact by table and id.
func (s *Store) GetFact(ctx context.Context, table types.Table, id string) (types.Fact, error) {
	facts, err := s.queryFacts(ctx, table, `WHERE id = ?`, 0, id)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrNotFound, table, id)
	}
	return facts[0], nil
}

// DeleteFact removes a fact and its vector entry atomically.
func (s *Store) DeleteFact(ctx context.Context, table types.Table, id string) error {
	if !types.ValidTable(table) {
		return fmt.Errorf("%w: unknown table %q", types.ErrInvalidTarget, table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", types.ErrNotFound, table, id)
	}

	var generation int
	err = tx.QueryRowContext(ctx, `
		SELECT generation FROM vector_state WHERE tbl = ?
	`, string(table)).Scan(&generation)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE ref = ?`, vecTableName(table, generation)), id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM vector_meta WHERE ref = ? AND tbl = ? AND generation = ?
		`, id, string(table), generation)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListFacts returns facts ordered by updated_at descending. Empty
// project means all projects; limit <= 0 means no limit.
func (s *Store) ListFacts(ctx context.Context, table types.Table, project string, limit int) ([]types.Fact, error) {
	where := ""
	args := []any{}
	if project != "" {
		where = `WHERE project = ?`
		args = append(args, project)
	}
	return s.queryFacts(ctx, table, where, limit, args...)
}

// queryFacts runs one SELECT against a fact table and scans rows into
// the matching fact type.
func (s *Store) queryFacts(ctx context.Context, table types.Table, where string, limit int, args ...any) ([]types.Fact, error) {
	if !types.ValidTable(table) {
		return nil, fmt.Errorf("%w: unknown table %q", types.ErrInvalidTarget, table)
	}

	var columns string
	switch table {
	case types.TableDecisions:
		columns = "id, project, name, decision, context, alternatives, impact, embedding_ref, created_at, updated_at"
	case types.TableProgress:
		columns = "id, project, milestone, status, notes, blockers, embedding_ref, created_at, updated_at"
	case types.TablePatterns:
		columns = "id, project, name, source_path, content, language, notes, embedding_ref, created_at, updated_at"
	}

	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY updated_at DESC`, columns, table, where)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []types.Fact
	for rows.Next() {
		fact, err := scanFact(table, rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

// scanFact maps one row to its fact type.
func scanFact(table types.Table, rows *sql.Rows) (types.Fact, error) {
	var (
		meta         types.FactMeta
		embeddingRef sql.NullString
		createdAt    time.Time
		updatedAt    time.Time
	)

	switch table {
	case types.TableDecisions:
		var f types.Decision
		var context, alternatives, impact sql.NullString
		err := rows.Scan(&meta.ID, &meta.Project, &f.Name, &f.Decision,
			&context, &alternatives, &impact, &embeddingRef, &createdAt, &updatedAt)
		if err != nil {
			return nil, err
		}
		f.Context = context.String
		f.Impact = impact.String
		if alternatives.Valid && alternatives.String != "" {
			if err := json.Unmarshal([]byte(alternatives.String), &f.Alternatives); err != nil {
				return nil, err
			}
		}
		f.FactMeta = fillMeta(meta, embeddingRef, createdAt, updatedAt)
		return &f, nil

	case types.TableProgress:
		var f types.Progress
		var status string
		var notes, blockers sql.NullString
		err := rows.Scan(&meta.ID, &meta.Project, &f.Milestone, &status,
			&notes, &blockers, &embeddingRef, &createdAt, &updatedAt)
		if err != nil {
			return nil, err
		}
		f.Status = types.ProgressStatus(status)
		f.Notes = notes.String
		if blockers.Valid && blockers.String != "" {
			if err := json.Unmarshal([]byte(blockers.String), &f.Blockers); err != nil {
				return nil, err
			}
		}
		f.FactMeta = fillMeta(meta, embeddingRef, createdAt, updatedAt)
		return &f, nil

	case types.TablePatterns:
		var f types.Pattern
		var sourcePath, language, notes sql.NullString
		err := rows.Scan(&meta.ID, &meta.Project, &f.Name, &sourcePath,
			&f.Content, &language, &notes, &embeddingRef, &createdAt, &updatedAt)
		if err != nil {
			return nil, err
		}
		f.SourcePath = sourcePath.String
		f.Language = language.String
		f.Notes = notes.String
		f.FactMeta = fillMeta(meta, embeddingRef, createdAt, updatedAt)
		return &f, nil
	}

	return nil, fmt.Errorf("%w: unknown table %q", types.ErrInvalidTarget, table)
}

func fillMeta(meta types.FactMeta, ref sql.NullString, createdAt, updatedAt time.Time) types.FactMeta {
	meta.EmbeddingRef = ref.String
	meta.CreatedAt = createdAt
	meta.UpdatedAt = updatedAt
	return meta
}
