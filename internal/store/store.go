// Package store persists the library graph in SQLite: items, the three edge
// kinds, and per-item vectors. A single LibraryStore guards the connection
// with a RWMutex; semantic search uses the sqlite-vec extension when it is
// compiled in and falls back to brute-force cosine otherwise.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"atelier/internal/logging"
)

// LibraryStore is the SQLite-backed library graph.
type LibraryStore struct {
	mu        sync.RWMutex
	db        *sql.DB
	dbPath    string
	vectorExt bool
}

// NewLibraryStore initializes the SQLite database at the given path.
// ":memory:" is accepted for tests.
func NewLibraryStore(path string) (*LibraryStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLibraryStore")
	defer timer.Stop()

	logging.Store("Initializing LibraryStore at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	s := &LibraryStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected, ANN search enabled")
	} else {
		logging.StoreDebug("sqlite-vec extension not available, using brute-force search")
	}

	return s, nil
}

func (s *LibraryStore) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			item_type TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			stack TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			libraries TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			is_abstract INTEGER NOT NULL DEFAULT 0,
			last_coherence_check INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			source_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
			target_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			UNIQUE(kind, source_id, target_id)
		)`,
		// A child has at most one parent in the family tree. The partial
		// index makes a second parent edge a constraint violation instead
		// of a silent cycle risk.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_single_parent
			ON edges(target_id) WHERE kind = 'parent'`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_items_name ON items(name COLLATE NOCASE)`,
		`CREATE TABLE IF NOT EXISTS item_vectors (
			item_id TEXT PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
			embedding BLOB,
			centroid BLOB
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema init failed: %w", err)
		}
	}
	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *LibraryStore) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// Close closes the underlying database.
func (s *LibraryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logging.Store("LibraryStore closed")
	return err
}

// Stats summarizes the library graph.
type Stats struct {
	Items       int
	Abstract    int
	Families    int
	Standalone  int
	ParentEdges int
	Expansions  int
	BelongsTo   int
}

// GetStats returns counts over items and edges.
func (s *LibraryStore) GetStats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	queries := []struct {
		dst *int
		sql string
	}{
		{&st.Items, `SELECT COUNT(*) FROM items`},
		{&st.Abstract, `SELECT COUNT(*) FROM items WHERE is_abstract = 1`},
		{&st.Families, `SELECT COUNT(DISTINCT source_id) FROM edges WHERE kind = 'parent'`},
		{&st.ParentEdges, `SELECT COUNT(*) FROM edges WHERE kind = 'parent'`},
		{&st.Expansions, `SELECT COUNT(*) FROM edges WHERE kind = 'expansion'`},
		{&st.BelongsTo, `SELECT COUNT(*) FROM edges WHERE kind = 'belongs_to'`},
		{&st.Standalone, `SELECT COUNT(*) FROM items WHERE id NOT IN
			(SELECT target_id FROM edges WHERE kind = 'parent'
			 UNION SELECT source_id FROM edges WHERE kind = 'parent')`},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.sql).Scan(q.dst); err != nil {
			return Stats{}, fmt.Errorf("stats query failed: %w", err)
		}
	}
	return st, nil
}
