package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quotawatch/quotawatch/internal/errors"
	"github.com/quotawatch/quotawatch/internal/models"
	_ "modernc.org/sqlite"
)

// DB is a SQLite database in WAL mode holding notification caches and the
// run history.
type DB struct {
	mu sync.RWMutex
	db *sql.DB
}

// OpenDB opens or creates the database at dbPath and applies migrations.
func OpenDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS notification_cache (
					cache TEXT NOT NULL,
					key TEXT NOT NULL,
					value TEXT NOT NULL,
					updated_at INTEGER NOT NULL,
					PRIMARY KEY (cache, key)
				);
			`,
		},
		{
			version: 2,
			up: `
				CREATE TABLE IF NOT EXISTS runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					storage TEXT NOT NULL,
					filesystem TEXT NOT NULL,
					started_at INTEGER NOT NULL,
					finished_at INTEGER NOT NULL,
					status TEXT NOT NULL,
					error TEXT NOT NULL DEFAULT '',
					exceeding_users INTEGER NOT NULL DEFAULT 0,
					exceeding_filesets INTEGER NOT NULL DEFAULT 0,
					dry_run INTEGER NOT NULL DEFAULT 0
				);

				CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
				CREATE INDEX IF NOT EXISTS idx_runs_storage ON runs(storage);
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}
	return nil
}

// Close closes the database.
func (s *DB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LoadCache returns all entries of a notification cache. A cache that was
// never written is empty.
func (s *DB) LoadCache(ctx context.Context, name string) (map[string]models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT key, value, updated_at FROM notification_cache WHERE cache = ?", name)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load cache", Err: err}
	}
	defer rows.Close()

	entries := make(map[string]models.CacheEntry)
	for rows.Next() {
		var (
			key, value string
			updatedAt  int64
		)
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan cache entry", Err: err}
		}
		entries[key] = models.CacheEntry{Value: []byte(value), UpdatedAt: time.Unix(0, updatedAt)}
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load cache", Err: err}
	}
	return entries, nil
}

// ReplaceCache atomically replaces the whole content of a cache.
func (s *DB) ReplaceCache(ctx context.Context, name string, entries map[string]models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM notification_cache WHERE cache = ?", name); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "clear cache", Err: err}
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO notification_cache (cache, key, value, updated_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "prepare cache insert", Err: err}
	}
	defer stmt.Close()

	for key, entry := range entries {
		if _, err := stmt.ExecContext(ctx, name, key, string(entry.Value), entry.UpdatedAt.UnixNano()); err != nil {
			return &errors.ErrDatabaseQuery{Operation: "insert cache entry", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit cache", Err: err}
	}
	return nil
}

// ClearCache removes all entries of a cache.
func (s *DB) ClearCache(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM notification_cache WHERE cache = ?", name); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "clear cache", Err: err}
	}
	return nil
}
