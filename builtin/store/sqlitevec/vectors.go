package sqlitevec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spetr/mcp-recall/pkg/types"
)

// errNoModelState marks a table that has no active embedding model yet.
var errNoModelState = errors.New("no model state for table")

// ActiveModel returns the active embedding model state for a table.
func (s *Store) ActiveModel(ctx context.Context, table types.Table) (types.ModelState, error) {
	if !types.ValidTable(table) {
		return types.ModelState{}, fmt.Errorf("%w: unknown table %q", types.ErrInvalidTarget, table)
	}

	var state types.ModelState
	state.Table = table
	err := s.db.QueryRowContext(ctx, `
		SELECT model_id, dimension, generation, updated_at
		FROM vector_state WHERE tbl = ?
	`, string(table)).Scan(&state.ModelID, &state.Dimension, &state.Generation, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return types.ModelState{}, fmt.Errorf("%w: %s", errNoModelState, table)
	}
	if err != nil {
		return types.ModelState{}, err
	}
	return state, nil
}

// EnsureModel sets the active model for a table if none is set yet,
// creating the generation 1 vector table. An existing state is left
// untouched.
func (s *Store) EnsureModel(ctx context.Context, table types.Table, modelID string, dimension int) error {
	if !types.ValidTable(table) {
		return fmt.Errorf("%w: unknown table %q", types.ErrInvalidTarget, table)
	}

	_, err := s.ActiveModel(ctx, table)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errNoModelState) {
		return err
	}

	if err := s.createVecTable(table, 1, dimension); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO vector_state (tbl, model_id, dimension, generation, updated_at)
		VALUES (?, ?, ?, 1, ?)
	`, string(table), modelID, dimension, time.Now().UTC())
	return err
}

// createVecTable creates one vec0 virtual table for a generation.
func (s *Store) createVecTable(table types.Table, generation, dimension int) error {
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
			ref TEXT PRIMARY KEY,
			embedding float[%d]
		)
	`, vecTableName(table, generation), dimension))
	if err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	return nil
}

// BeginStaging creates a staging vector collection for a table and
// returns its generation number. The active generation keeps serving
// reads and writes until SwapStaging.
func (s *Store) BeginStaging(ctx context.Context, table types.Table, modelID string, dimension int) (int, error) {
	state, err := s.ActiveModel(ctx, table)
	if err != nil {
		return 0, err
	}

	generation := state.Generation + 1
	if err := s.createVecTable(table, generation, dimension); err != nil {
		return 0, err
	}

	// A leftover staging table from an aborted run may carry stale rows
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, vecTableName(table, generation))); err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM vector_meta WHERE tbl = ? AND generation = ?
	`, string(table), generation); err != nil {
		return 0, err
	}

	return generation, nil
}

// StageVector writes one vector entry into a staging generation.
func (s *Store) StageVector(ctx context.Context, table types.Table, generation int, entry *types.VectorEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertVector(ctx, tx, table, generation, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// insertVector writes the vec0 row and its meta row inside a transaction.
func insertVector(ctx context.Context, tx *sql.Tx, table types.Table, generation int, entry *types.VectorEntry) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (ref, embedding) VALUES (?, ?)
	`, vecTableName(table, generation)), entry.Ref, floatsToBytes(entry.Vector))
	if err != nil {
		return fmt.Errorf("failed to store embedding for %s: %w", entry.Ref, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO vector_meta (ref, tbl, generation, project, model_id, dimension, excerpt)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.Ref, string(table), generation, entry.Project, entry.ModelID, entry.Dimension, entry.Excerpt)
	if err != nil {
		return fmt.Errorf("failed to store vector meta for %s: %w", entry.Ref, err)
	}
	return nil
}

// SwapStaging atomically makes a staged generation active and drops the
// previous one. The state update and old-data cleanup run in one
// transaction; writes racing with the swap serialize on the database.
func (s *Store) SwapStaging(ctx context.Context, table types.Table, generation int, modelID string, dimension int) error {
	state, err := s.ActiveModel(ctx, table)
	if err != nil {
		return err
	}
	if generation <= state.Generation {
		return fmt.Errorf("%w: generation %d is not newer than active %d", types.ErrInvalidTarget, generation, state.Generation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE vector_state SET model_id = ?, dimension = ?, generation = ?, updated_at = ?
		WHERE tbl = ?
	`, modelID, dimension, generation, time.Now().UTC(), string(table))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM vector_meta WHERE tbl = ? AND generation = ?
	`, string(table), state.Generation)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	// Dropping the old vec0 table is not transactional with the state
	// swap; a leftover table is harmless and cleaned up lazily.
	if _, err := s.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, vecTableName(table, state.Generation))); err != nil {
		return fmt.Errorf("failed to drop old vector table: %w", err)
	}
	return nil
}

// DropStaging discards a staging generation after a failed migration.
func (s *Store) DropStaging(ctx context.Context, table types.Table, generation int) error {
	state, err := s.ActiveModel(ctx, table)
	if err != nil {
		return err
	}
	if generation == state.Generation {
		return fmt.Errorf("%w: cannot drop active generation %d", types.ErrInvalidTarget, generation)
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM vector_meta WHERE tbl = ? AND generation = ?
	`, string(table), generation); err != nil {
		return err
	}
	if _, err := s.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, vecTableName(table, generation))); err != nil {
		return fmt.Errorf("failed to drop staging table: %w", err)
	}
	return nil
}
