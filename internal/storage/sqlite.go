package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"ledgersync/internal/domain"
)

// DB wraps the SQLite database holding the cache tables and bookkeeping.
type DB struct {
	conn *sqlx.DB
	path string
}

// New opens (or creates) the SQLite file at dbPath and applies bookkeeping
// migrations. Any failure here is fatal for a sync cycle.
func New(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: create db directory: %v", domain.ErrStoreUnavailable, err)
	}

	conn, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", domain.ErrStoreUnavailable, err)
	}
	// SQLite only supports one writer. A single connection avoids SQLITE_BUSY
	// and makes transactions the unit of exclusivity.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: dbPath}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrStoreUnavailable, err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Conn returns the underlying connection.
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id TEXT PRIMARY KEY,
			job TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			watermark TEXT NOT NULL DEFAULT '',
			fetched INTEGER NOT NULL DEFAULT 0,
			inserted INTEGER NOT NULL DEFAULT 0,
			ignored INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_runs_job ON sync_runs(job, started_at)`,
		`CREATE TABLE IF NOT EXISTS sync_locks (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %s: %w", firstLine(m), err)
		}
	}

	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
