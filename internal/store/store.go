// Package store implements the persistent record store on SQLite: the
// vocabulary index with keyword and semantic search, the processed-URL
// ledger behind run idempotency, run artifacts, and per-language coverage
// statistics.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tonguekeeper/internal/embedding"
	"tonguekeeper/internal/logging"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

// LocalStore is the SQLite-backed implementation of types.RecordStore.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	engine embedding.Engine // optional; nil degrades search to keyword-only
}

// NewLocalStore initializes the SQLite database at the given path.
func NewLocalStore(path string, engine embedding.Engine) (*LocalStore, error) {
	logging.Store("Initializing record store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}

	s := &LocalStore{db: db, dbPath: path, engine: engine}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.Store("Record store ready")
	return s, nil
}

func (s *LocalStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS languages (
			code TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			language_code TEXT NOT NULL,
			headword TEXT NOT NULL,
			search_text TEXT NOT NULL,
			doc TEXT NOT NULL,
			embedding TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_language ON records(language_code)`,
		`CREATE INDEX IF NOT EXISTS idx_records_headword ON records(language_code, headword)`,
		`CREATE TABLE IF NOT EXISTS merges (
			retired_id TEXT PRIMARY KEY,
			primary_id TEXT NOT NULL,
			merged_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS processed_urls (
			language_code TEXT NOT NULL,
			url TEXT NOT NULL,
			content_hash TEXT NOT NULL DEFAULT '',
			processed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (language_code, url)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT NOT NULL,
			language_code TEXT NOT NULL,
			doc TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (language_code, id)
		)`,
		`CREATE TABLE IF NOT EXISTS coverage (
			language_code TEXT PRIMARY KEY,
			total_entries INTEGER NOT NULL DEFAULT 0,
			total_sources INTEGER NOT NULL DEFAULT 0,
			total_audio INTEGER NOT NULL DEFAULT 0,
			last_run_id TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// builder returns the squirrel statement builder for SQLite placeholders.
func builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}
