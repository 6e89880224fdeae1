// Package sqlitevec implements FactStore using one SQLite file:
// relational fact tables with FTS5 for BM25 keyword search, and
// sqlite-vec vec0 tables for vector search.
package sqlitevec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spetr/mcp-recall/pkg/provider"
	"github.com/spetr/mcp-recall/pkg/types"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// Ensure sqlite-vec Auto() is called exactly once before any db connection
	vecAutoOnce sync.Once
)

// SchemaVersion is incremented when schema changes require rebuilding.
const SchemaVersion = 1

// ftsColumns maps each fact table to the columns indexed for keyword search.
var ftsColumns = map[types.Table][]string{
	types.TableDecisions: {"name", "decision", "context", "impact"},
	types.TableProgress:  {"milestone", "notes"},
	types.TablePatterns:  {"name", "content", "notes"},
}

// Store implements the FactStore interface using sqlite-vec.
type Store struct {
	db   *sql.DB
	path string
}

// New creates a new sqlite-vec store.
func New() *Store {
	return &Store{}
}

// Name returns the store name.
func (s *Store) Name() string {
	return "sqlitevec"
}

// Init initializes the store at the given path.
func (s *Store) Init(path string) error {
	s.path = path

	// Register sqlite-vec extension before opening any database connection.
	// This must be called once before sql.Open() to ensure vec_* functions are available.
	vecAutoOnce.Do(func() {
		sqlite_vec.Auto()
	})

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for concurrent reads, busy_timeout to wait for locks instead
	// of failing immediately. Recursive triggers must be on so the FTS
	// delete triggers fire for the rows INSERT OR REPLACE displaces.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_recursive_triggers=1")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if _, err := db.Exec("SELECT vec_version()"); err != nil {
		return fmt.Errorf("sqlite-vec extension not available: %w", err)
	}

	if err := s.createSchema(); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Check FTS health and auto-repair if corrupted
	for _, table := range types.Tables {
		if err := s.CheckFTSHealth(table); err != nil {
			slog.Warn("FTS index unhealthy, rebuilding", "table", table, "error", err)
			if rebuildErr := s.RebuildFTS(table); rebuildErr != nil {
				slog.Error("failed to rebuild FTS index", "table", table, "error", rebuildErr)
			}
		}
	}

	return nil
}

// Close releases resources and closes connections.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// createSchema creates all fact tables, FTS indexes and vector bookkeeping.
func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			name TEXT NOT NULL,
			decision TEXT NOT NULL,
			context TEXT,
			alternatives TEXT,
			impact TEXT,
			embedding_ref TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS progress (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			milestone TEXT NOT NULL,
			status TEXT NOT NULL,
			notes TEXT,
			blockers TEXT,
			embedding_ref TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			name TEXT NOT NULL,
			source_path TEXT,
			content TEXT NOT NULL,
			language TEXT,
			notes TEXT,
			embedding_ref TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_project ON decisions(project, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_progress_project ON progress(project, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_project ON patterns(project, updated_at)`,
		`CREATE TABLE IF NOT EXISTS vector_state (
			tbl TEXT PRIMARY KEY,
			model_id TEXT NOT NULL,
			dimension INTEGER NOT NULL,
			generation INTEGER NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vector_meta (
			ref TEXT NOT NULL,
			tbl TEXT NOT NULL,
			generation INTEGER NOT NULL,
			project TEXT NOT NULL,
			model_id TEXT NOT NULL,
			dimension INTEGER NOT NULL,
			excerpt TEXT,
			PRIMARY KEY (ref, tbl, generation)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vector_meta_tbl ON vector_meta(tbl, generation, project)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	for _, table := range types.Tables {
		if err := s.createFTS(table); err != nil {
			return err
		}
	}

	return nil
}

// createFTS creates the FTS5 index and sync triggers for one fact table.
func (s *Store) createFTS(table types.Table) error {
	cols := ftsColumns[table]
	colList := strings.Join(cols, ", ")

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS %s_fts USING fts5(
			id,
			%s,
			content='%s',
			content_rowid='rowid',
			tokenize='porter unicode61'
		)
	`, table, colList, table))
	if err != nil {
		return err
	}

	newCols := make([]string, 0, len(cols)+1)
	oldCols := make([]string, 0, len(cols)+1)
	newCols = append(newCols, "new.id")
	oldCols = append(oldCols, "old.id")
	for _, c := range cols {
		newCols = append(newCols, "new."+c)
		oldCols = append(oldCols, "old."+c)
	}

	triggers := []string{
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_ai AFTER INSERT ON %s BEGIN
			INSERT INTO %s_fts(rowid, id, %s) VALUES (new.rowid, %s);
		END`, table, table, table, colList, strings.Join(newCols, ", ")),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_ad AFTER DELETE ON %s BEGIN
			INSERT INTO %s_fts(%s_fts, rowid, id, %s) VALUES('delete', old.rowid, %s);
		END`, table, table, table, table, colList, strings.Join(oldCols, ", ")),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_au AFTER UPDATE ON %s BEGIN
			INSERT INTO %s_fts(%s_fts, rowid, id, %s) VALUES('delete', old.rowid, %s);
			INSERT INTO %s_fts(rowid, id, %s) VALUES (new.rowid, %s);
		END`, table, table, table, table, colList, strings.Join(oldCols, ", "), table, colList, strings.Join(newCols, ", ")),
	}

	for _, trigger := range triggers {
		if _, err := s.db.Exec(trigger); err != nil {
			return err
		}
	}

	return nil
}

// vecTableName returns the vec0 table name for one generation.
func vecTableName(table types.Table, generation int) string {
	return fmt.Sprintf("vec_%s_g%d", table, generation)
}

// Helper functions

// floatsToBytes converts float32 slice to bytes for sqlite-vec.
func floatsToBytes(floats []float32) []byte {
	bytes := make([]byte, len(floats)*4)
	for i, f := range floats {
		bits := math.Float32bits(f)
		bytes[i*4] = byte(bits)
		bytes[i*4+1] = byte(bits >> 8)
		bytes[i*4+2] = byte(bits >> 16)
		bytes[i*4+3] = byte(bits >> 24)
	}
	return bytes
}

// escapeFTSQuery escapes special characters in FTS5 query.
func escapeFTSQuery(query string) string {
	special := []string{"*", "\"", "(", ")", ":", "-", "^", "~"}
	result := query
	for _, s := range special {
		result = strings.ReplaceAll(result, s, "\""+s+"\"")
	}
	return result
}

// CheckFTSHealth verifies that the FTS index is in sync with its fact table.
// Returns nil if healthy, error describing the issue otherwise.
func (s *Store) CheckFTSHealth(table types.Table) error {
	var exists int
	err := s.db.QueryRow(fmt.Sprintf(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='%s_fts'
	`, table)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check FTS table existence: %w", err)
	}
	if exists == 0 {
		return nil
	}

	// A query that exercises the FTS JOIN fails on orphaned FTS entries
	_, err = s.db.Exec(fmt.Sprintf(`
		SELECT t.id FROM %s_fts fts
		JOIN %s t ON fts.rowid = t.rowid
		LIMIT 1
	`, table, table))
	if err != nil {
		return fmt.Errorf("FTS index corrupted: %w", err)
	}

	return nil
}

// RebuildFTS rebuilds the FTS index from its fact table.
func (s *Store) RebuildFTS(table types.Table) error {
	_, err := s.db.Exec(fmt.Sprintf(`INSERT INTO %s_fts(%s_fts) VALUES('rebuild')`, table, table))
	if err != nil {
		return fmt.Errorf("failed to rebuild FTS index: %w", err)
	}
	return nil
}

// Stats returns per-table counts and active model states.
func (s *Store) Stats(ctx context.Context) (*types.StoreStats, error) {
	stats := &types.StoreStats{
		Facts:        make(map[types.Table]int),
		Vectors:      make(map[types.Table]int),
		ActiveModels: make(map[types.Table]types.ModelState),
		DanglingRefs: make(map[types.Table][]string),
	}

	for _, table := range types.Tables {
		var count int
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count); err != nil {
			return nil, err
		}
		stats.Facts[table] = count

		state, err := s.ActiveModel(ctx, table)
		if err != nil {
			if errors.Is(err, errNoModelState) {
				continue
			}
			return nil, err
		}
		stats.ActiveModels[table] = state

		var vcount int
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM vector_meta WHERE tbl = ? AND generation = ?
		`, string(table), state.Generation).Scan(&vcount)
		if err != nil {
			return nil, err
		}
		stats.Vectors[table] = vcount

		dangling, err := s.CheckConsistency(ctx, table)
		if err != nil {
			return nil, err
		}
		if len(dangling) > 0 {
			stats.DanglingRefs[table] = dangling
		}
	}

	return stats, nil
}

// CheckConsistency returns ids of facts whose embedding reference does
// not resolve to a vector entry in the active generation.
func (s *Store) CheckConsistency(ctx context.Context, table types.Table) ([]string, error) {
	if !types.ValidTable(table) {
		return nil, fmt.Errorf("%w: unknown table %q", types.ErrInvalidTarget, table)
	}

	state, err := s.ActiveModel(ctx, table)
	if err != nil {
		if errors.Is(err, errNoModelState) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT t.id FROM %s t
		WHERE t.embedding_ref IS NOT NULL AND t.embedding_ref != ''
		AND NOT EXISTS (
			SELECT 1 FROM vector_meta m
			WHERE m.ref = t.embedding_ref AND m.tbl = ? AND m.generation = ?
		)
	`, table), string(table), state.Generation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dangling []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dangling = append(dangling, id)
	}
	return dangling, rows.Err()
}

// Ensure Store implements FactStore interface
var _ provider.FactStore = (*Store)(nil)
