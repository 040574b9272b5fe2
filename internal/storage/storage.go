// Package storage is the SQLite-backed document source of divan. It keeps
// documents with their change etags, per-index indexing counters, and the
// map outputs of map-reduce indexes.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	derrors "github.com/Aman-CERP/divan/internal/errors"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store is the document database.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
	logger *slog.Logger
}

// Open opens (or creates) the database at path. MemoryPath keeps it in
// memory. A database failing its integrity check is not opened.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "storage"))

	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		if err := checkIntegrity(path); err != nil {
			logger.Error("storage_corrupted", slog.String("path", path), slog.String("error", err.Error()))
			return nil, derrors.New(derrors.ErrCodeCorruptIndex,
				fmt.Sprintf("document database %s is corrupted", path), err).
				WithSuggestion("restore the database from a backup")
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: writes are serialized and an in-memory database
	// lives exactly as long as it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Debug("storage_opened", slog.String("path", path))
	return s, nil
}

func checkIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Etags are allocated from one counter shared by puts and deletes.
	CREATE TABLE IF NOT EXISTS sequences (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		key      TEXT PRIMARY KEY,
		etag     INTEGER NOT NULL UNIQUE,
		data     TEXT NOT NULL,
		modified INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tombstones (
		key      TEXT PRIMARY KEY,
		etag     INTEGER NOT NULL UNIQUE,
		modified INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS indexing_stats (
		index_name        TEXT PRIMARY KEY,
		attempts          INTEGER NOT NULL DEFAULT 0,
		successes         INTEGER NOT NULL DEFAULT 0,
		failures          INTEGER NOT NULL DEFAULT 0,
		last_indexed_etag INTEGER NOT NULL DEFAULT 0,
		last_indexed_at   INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS mapped_results (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		view         TEXT NOT NULL,
		document_key TEXT NOT NULL,
		reduce_key   TEXT NOT NULL,
		data         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mapped_by_document ON mapped_results(view, document_key);
	CREATE INDEX IF NOT EXISTS idx_mapped_by_reduce ON mapped_results(view, reduce_key);

	CREATE TABLE IF NOT EXISTS indexing_errors (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		index_name  TEXT NOT NULL,
		document_id TEXT NOT NULL,
		message     TEXT NOT NULL,
		occurred_at INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	INSERT OR IGNORE INTO sequences (name, value) VALUES ('etag', 0);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.path != MemoryPath {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	if s.closed {
		return derrors.New(derrors.ErrCodeStorageFailed, "document database is closed", nil)
	}
	return nil
}

// nextEtag allocates the next etag inside tx.
func nextEtag(ctx context.Context, tx *sql.Tx) (int64, error) {
	var etag int64
	err := tx.QueryRowContext(ctx,
		`UPDATE sequences SET value = value + 1 WHERE name = 'etag' RETURNING value`).Scan(&etag)
	if err != nil {
		return 0, fmt.Errorf("allocate etag: %w", err)
	}
	return etag, nil
}
