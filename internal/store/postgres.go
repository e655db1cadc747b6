package store

import (
	"database/sql"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Connection pool limits for PostgresStore.
const (
	PostgresMaxOpenConns    = 25
	PostgresMaxIdleConns    = 25
	PostgresConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresSchema string

// PostgresStore is a Store backed by PostgreSQL. Session updates lock the
// row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	*sqlStore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the configured DSN and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := openDB("postgres", cfg.DSN, postgresSchema, func(db *sql.DB) {
		db.SetMaxOpenConns(PostgresMaxOpenConns)
		db.SetMaxIdleConns(PostgresMaxIdleConns)
		db.SetConnMaxLifetime(PostgresConnMaxLifetime)
	})
	if err != nil {
		slog.Error("NewPostgresStore: open failed", "error", err)
		return nil, err
	}
	slog.Debug("NewPostgresStore: ready")
	return &PostgresStore{sqlStore: &sqlStore{
		db:        db,
		name:      "PostgresStore",
		numbered:  true,
		forUpdate: " FOR UPDATE",
		now:       time.Now,
	}}, nil
}
