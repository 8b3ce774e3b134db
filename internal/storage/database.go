package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// EmbeddingEncodingVersion is stored in PRAGMA user_version. Bump it when the
// primary embedding encoding changes; Migrate then drops the primary and
// accelerated tables so they can be rebuilt from the backup store.
const EmbeddingEncodingVersion = 2

// New opens a SQLite database connection at the given path.
// It enables foreign keys, WAL and a busy timeout, and limits the pool to a
// single connection shared by every component.
func New(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// One connection: transactions serialize writers and readers always see
	// committed state.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys (disabled by default in SQLite)
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate runs database migrations to create the required tables.
// It is idempotent and can be run multiple times safely.
func Migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	// Older primary encodings cannot be decoded; drop them and keep backups.
	if version < EmbeddingEncodingVersion {
		for _, stmt := range []string{
			`DROP TABLE IF EXISTS embeddings;`,
			`DROP TABLE IF EXISTS vec_items;`,
		} {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("failed to drop stale embedding table: %w", err)
			}
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL CHECK (type IN ('folder', 'file', 'note')),
			path TEXT NOT NULL UNIQUE,
			parent_path TEXT,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			is_mounted INTEGER NOT NULL DEFAULT 0,
			real_path TEXT,
			-- No ON UPDATE action: relocate rewrites parent_path itself.
			FOREIGN KEY (parent_path) REFERENCES items(path) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_items_path ON items(path);`,
		`CREATE INDEX IF NOT EXISTS idx_items_parent_path ON items(parent_path);`,
		`CREATE INDEX IF NOT EXISTS idx_items_real_path ON items(real_path);`,
		`CREATE TABLE IF NOT EXISTS notes (
			item_id TEXT PRIMARY KEY,
			content TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			item_id TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dim INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS embedding_backups (
			item_id TEXT PRIMARY KEY,
			encoded_embedding TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		fmt.Sprintf(`PRAGMA user_version = %d;`, EmbeddingEncodingVersion),
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

const timeLayout = time.RFC3339Nano

// now returns the timestamp written to created_at / updated_at columns.
func now() string {
	return time.Now().UTC().Format(timeLayout)
}

// parseTimestamp parses a stored timestamp, accepting SQLite's own
// CURRENT_TIMESTAMP format as well.
func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	// Try alternative format (SQLite might use different format)
	return time.Parse("2006-01-02 15:04:05", s)
}
