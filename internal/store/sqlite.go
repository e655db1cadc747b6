package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteSchema string

// SQLiteStore is a Store persisted in a single SQLite file.
type SQLiteStore struct {
	*sqlStore
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed creates) the database at the
// configured DSN, which is a file path or a "file:" URI.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	if path := sqlitePath(cfg.DSN); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// One writer at a time; a single connection keeps session
	// transactions from failing with SQLITE_BUSY.
	db, err := openDB("sqlite3", cfg.DSN, sqliteSchema, func(db *sql.DB) { db.SetMaxOpenConns(1) })
	if err != nil {
		slog.Error("NewSQLiteStore: open failed", "error", err)
		return nil, err
	}
	slog.Debug("NewSQLiteStore: ready", "path", sqlitePath(cfg.DSN))
	return &SQLiteStore{sqlStore: &sqlStore{db: db, name: "SQLiteStore", now: time.Now}}, nil
}

// sqlitePath returns the file behind dsn, or "" for in-memory databases.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}
