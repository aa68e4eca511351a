package mirror

import (
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// The mounts table maps each indexed mountpath to the table holding its
// entries and the digest algorithm those entries were hashed with.
const schema = `
CREATE TABLE IF NOT EXISTS mounts (
    mountpath  TEXT PRIMARY KEY,
    table_name TEXT NOT NULL UNIQUE,
    digest     TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const entriesSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL,
    parent_path TEXT NOT NULL,
    digest      BLOB NOT NULL,
    size        INTEGER,
    mtime       TEXT,
    UNIQUE(name, parent_path)
);

CREATE INDEX IF NOT EXISTS %[1]s_digest ON %[1]s (digest);
CREATE INDEX IF NOT EXISTS %[1]s_parent ON %[1]s (parent_path);
`

// OpenDB opens (or creates) the index database at path.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}
	return openDBAt(path)
}

// openDBAt opens the database at the exact path. Useful for testing.
func openDBAt(dbPath string) (*sql.DB, error) {
	l := sub("db")
	l.Info("opening index database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	// Single writer; also keeps paged scans and mutations on one connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		l.Debug(p)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	l := sub("db")
	var version int
	err := db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	if err != nil {
		// meta table doesn't exist or no row: fresh database
		if _, execErr := db.Exec(schema); execErr != nil {
			return fmt.Errorf("create schema: %w", execErr)
		}
		_, execErr := db.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion)
		if execErr != nil {
			return fmt.Errorf("set schema version: %w", execErr)
		}
		l.Info("schema created", "version", schemaVersion)
		return nil
	}

	if version > schemaVersion {
		return fmt.Errorf("index schema version %d is newer than supported %d", version, schemaVersion)
	}
	l.Debug("schema up to date", slog.Int("version", version))
	return nil
}

// tableFor derives the entries table name for a mountpath.
func tableFor(mountpath string) string {
	sum := sha1.Sum([]byte(mountpath))
	return "entries_" + hex.EncodeToString(sum[:8])
}
