// Package store provides storage backends for FlowPipe: graphs, campaigns,
// sessions, scheduled nudges and inbound message deduplication.
package store

import (
	"context"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// GraphStore holds flow graphs.
type GraphStore interface {
	GetGraph(ctx context.Context, id string) (*models.FlowGraph, error)
	ListGraphs(ctx context.Context, kind models.GraphKind) ([]models.FlowGraph, error)
	PutGraph(ctx context.Context, g *models.FlowGraph) error
}

// SessionStore holds per-user sessions.
type SessionStore interface {
	GetSession(ctx context.Context, key string) (*models.Session, error)
	PutSession(ctx context.Context, s *models.Session) error
	// UpdateSession applies upd to the stored session and returns the result.
	UpdateSession(ctx context.Context, key string, upd models.SessionUpdate) (*models.Session, error)
	DeleteSession(ctx context.Context, key string) error
	ListSessions(ctx context.Context) ([]models.Session, error)
}

// CampaignStore holds campaigns.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	PutCampaign(ctx context.Context, c *models.Campaign) error
	UpdateCampaign(ctx context.Context, id string, upd models.CampaignUpdate) (*models.Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error
	ListCampaigns(ctx context.Context) ([]models.Campaign, error)
}

// NudgeStore holds scheduled nudges, at most one per user.
type NudgeStore interface {
	// InsertNudge stores n, replacing any nudge already held for n.UserKey.
	InsertNudge(ctx context.Context, n models.Nudge) error
	GetNudge(ctx context.Context, userKey string) (*models.Nudge, error)
	// DeleteNudge removes the user's nudge. Deleting a missing nudge is not an error.
	DeleteNudge(ctx context.Context, userKey string) error
	// ListDueNudges returns up to limit nudges due at or before untilUnixMillis,
	// ordered by due time then user key.
	ListDueNudges(ctx context.Context, untilUnixMillis int64, limit int) ([]models.Nudge, error)
}

// Store is the full persistence surface served by the SQL and in-memory backends.
type Store interface {
	GraphStore
	SessionStore
	CampaignStore
	NudgeStore
	DedupRepo
	Close() error
}

// Opts holds configuration for SQL stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for Postgres URLs and key/value
// connection strings, and "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return "postgres"
	default:
		return "sqlite3"
	}
}
