package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// sqlStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound for drivers that use $n.
type sqlStore struct {
	db        *sql.DB
	name      string
	numbered  bool
	forUpdate string
	now       func() time.Time
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// openDB opens driver/dsn, applies tune, checks connectivity and runs the
// schema script. The database is closed again on any failure.
func openDB(driver, dsn, schema string, tune func(*sql.DB)) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("database DSN not set")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if tune != nil {
		tune(db)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping failed: %w", driver, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply %s schema: %w", driver, err)
	}
	slog.Debug("openDB: schema applied", "driver", driver)
	return db, nil
}

// Close closes the underlying database.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// --- graphs ---

func (s *sqlStore) GetGraph(ctx context.Context, id string) (*models.FlowGraph, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT document FROM flow_graphs WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFound("graph", id)
	}
	if err != nil {
		slog.Error(s.name+".GetGraph: query failed", "error", err, "graph", id)
		return nil, fmt.Errorf("failed to load graph %s: %w", id, err)
	}
	g, err := models.ParseGraph([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("stored graph %s is invalid: %w", id, err)
	}
	return g, nil
}

func (s *sqlStore) ListGraphs(ctx context.Context, kind models.GraphKind) ([]models.FlowGraph, error) {
	query := `SELECT document FROM flow_graphs`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+".ListGraphs: query failed", "error", err, "kind", kind)
		return nil, fmt.Errorf("failed to list graphs: %w", err)
	}
	defer rows.Close()

	var graphs []models.FlowGraph
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan graph row: %w", err)
		}
		g, err := models.ParseGraph([]byte(doc))
		if err != nil {
			slog.Warn(s.name+".ListGraphs: skipping invalid stored graph", "error", err)
			continue
		}
		graphs = append(graphs, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate graph rows: %w", err)
	}
	slog.Debug(s.name+".ListGraphs succeeded", "kind", kind, "count", len(graphs))
	return graphs, nil
}

func (s *sqlStore) PutGraph(ctx context.Context, g *models.FlowGraph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode graph %s: %w", g.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO flow_graphs (id, name, kind, document, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, kind = excluded.kind, document = excluded.document, updated_at = excluded.updated_at`),
		g.ID, g.Name, string(g.Kind), string(doc), s.now().UnixMilli())
	if err != nil {
		slog.Error(s.name+".PutGraph failed", "error", err, "graph", g.ID)
		return fmt.Errorf("failed to store graph %s: %w", g.ID, err)
	}
	slog.Debug(s.name+".PutGraph succeeded", "graph", g.ID, "kind", g.Kind, "nodes", len(g.Nodes))
	return nil
}

// --- campaigns ---

func scanCampaign(scan func(dest ...any) error) (*models.Campaign, error) {
	var (
		c                  models.Campaign
		levels             string
		created, updatedAt int64
	)
	if err := scan(&c.ID, &c.Name, &levels, &created, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(levels), &c.Levels); err != nil {
		return nil, fmt.Errorf("failed to decode levels of campaign %s: %w", c.ID, err)
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &c, nil
}

func (s *sqlStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT id, name, levels, created_at, updated_at FROM campaigns WHERE id = ?`), id)
	c, err := scanCampaign(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFound("campaign", id)
	}
	if err != nil {
		slog.Error(s.name+".GetCampaign failed", "error", err, "campaign", id)
		return nil, fmt.Errorf("failed to load campaign %s: %w", id, err)
	}
	return c, nil
}

func (s *sqlStore) PutCampaign(ctx context.Context, c *models.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	levels, err := json.Marshal(c.Levels)
	if err != nil {
		return fmt.Errorf("failed to encode levels: %w", err)
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO campaigns (id, name, levels, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, levels = excluded.levels, updated_at = excluded.updated_at`),
		c.ID, c.Name, string(levels), c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	if err != nil {
		slog.Error(s.name+".PutCampaign failed", "error", err, "campaign", c.ID)
		return fmt.Errorf("failed to store campaign %s: %w", c.ID, err)
	}
	slog.Debug(s.name+".PutCampaign succeeded", "campaign", c.ID, "levels", len(c.Levels))
	return nil
}

func (s *sqlStore) UpdateCampaign(ctx context.Context, id string, upd models.CampaignUpdate) (*models.Campaign, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	upd.Apply(c)
	if err := s.PutCampaign(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqlStore) DeleteCampaign(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM campaigns WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete campaign %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewNotFound("campaign", id)
	}
	return nil
}

func (s *sqlStore) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, levels, created_at, updated_at FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()
	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows.Scan)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// --- sessions ---

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlStore) loadSession(ctx context.Context, q queryer, key, suffix string) (*models.Session, error) {
	var doc string
	err := q.QueryRowContext(ctx, s.q(`SELECT document FROM sessions WHERE phone_number = ?`+suffix), key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFound("session", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", key, err)
	}
	if sess.CurrentLevelScore == nil {
		sess.CurrentLevelScore = map[string]int{}
	}
	return &sess, nil
}

func (s *sqlStore) saveSession(ctx context.Context, q queryer, sess *models.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.PhoneNumber, err)
	}
	_, err = q.ExecContext(ctx, s.q(`INSERT INTO sessions (phone_number, campaign_id, level_id, node_id, document, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (phone_number) DO UPDATE SET campaign_id = excluded.campaign_id, level_id = excluded.level_id,
		node_id = excluded.node_id, document = excluded.document, updated_at = excluded.updated_at`),
		sess.PhoneNumber, sess.CurrentCampaignID, sess.CurrentLevelID, sess.CurrentNodeID, string(doc), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", sess.PhoneNumber, err)
	}
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, key string) (*models.Session, error) {
	sess, err := s.loadSession(ctx, s.db, key, "")
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		slog.Error(s.name+".GetSession failed", "error", err, "user", key)
	}
	return sess, err
}

func (s *sqlStore) PutSession(ctx context.Context, sess *models.Session) error {
	if err := s.saveSession(ctx, s.db, sess); err != nil {
		slog.Error(s.name+".PutSession failed", "error", err, "user", sess.PhoneNumber)
		return err
	}
	slog.Debug(s.name+".PutSession succeeded", "user", sess.PhoneNumber, "node", sess.CurrentNodeID)
	return nil
}

func (s *sqlStore) UpdateSession(ctx context.Context, key string, upd models.SessionUpdate) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin session update: %w", err)
	}
	defer tx.Rollback()

	sess, err := s.loadSession(ctx, tx, key, s.forUpdate)
	if err != nil {
		return nil, err
	}
	upd.Apply(sess)
	if err := s.saveSession(ctx, tx, sess); err != nil {
		slog.Error(s.name+".UpdateSession failed", "error", err, "user", key)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session update: %w", err)
	}
	slog.Debug(s.name+".UpdateSession succeeded", "user", key, "node", sess.CurrentNodeID)
	return sess, nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE phone_number = ?`), key); err != nil {
		slog.Error(s.name+".DeleteSession failed", "error", err, "user", key)
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

func (s *sqlStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM sessions ORDER BY phone_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	var sessions []models.Session
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		var sess models.Session
		if err := json.Unmarshal([]byte(doc), &sess); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- nudges ---

func (s *sqlStore) InsertNudge(ctx context.Context, n models.Nudge) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO nudges (bucket, sort_key, user_key, due_at, graph_id, node_id) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_key) DO UPDATE SET bucket = excluded.bucket, sort_key = excluded.sort_key,
		due_at = excluded.due_at, graph_id = excluded.graph_id, node_id = excluded.node_id`),
		n.Bucket(), n.SortKey(), n.UserKey, n.DueAtUnixMillis, n.GraphID, n.NodeID)
	if err != nil {
		slog.Error(s.name+".InsertNudge failed", "error", err, "user", n.UserKey)
		return fmt.Errorf("failed to insert nudge for %s: %w", n.UserKey, err)
	}
	slog.Debug(s.name+".InsertNudge succeeded", "user", n.UserKey, "bucket", n.Bucket(), "node", n.NodeID)
	return nil
}

func (s *sqlStore) GetNudge(ctx context.Context, userKey string) (*models.Nudge, error) {
	var n models.Nudge
	err := s.db.QueryRowContext(ctx, s.q(`SELECT user_key, due_at, graph_id, node_id FROM nudges WHERE user_key = ?`), userKey).
		Scan(&n.UserKey, &n.DueAtUnixMillis, &n.GraphID, &n.NodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFound("nudge", userKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load nudge for %s: %w", userKey, err)
	}
	return &n, nil
}

func (s *sqlStore) DeleteNudge(ctx context.Context, userKey string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM nudges WHERE user_key = ?`), userKey); err != nil {
		slog.Error(s.name+".DeleteNudge failed", "error", err, "user", userKey)
		return fmt.Errorf("failed to delete nudge for %s: %w", userKey, err)
	}
	return nil
}

func (s *sqlStore) ListDueNudges(ctx context.Context, untilUnixMillis int64, limit int) ([]models.Nudge, error) {
	query := `SELECT user_key, due_at, graph_id, node_id FROM nudges
		WHERE bucket <= ? AND due_at <= ? ORDER BY due_at, user_key`
	args := []any{models.TimeBucket(untilUnixMillis), untilUnixMillis}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+".ListDueNudges query failed", "error", err)
		return nil, fmt.Errorf("failed to query due nudges: %w", err)
	}
	defer rows.Close()
	var nudges []models.Nudge
	for rows.Next() {
		var n models.Nudge
		if err := rows.Scan(&n.UserKey, &n.DueAtUnixMillis, &n.GraphID, &n.NodeID); err != nil {
			return nil, fmt.Errorf("failed to scan nudge row: %w", err)
		}
		nudges = append(nudges, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate nudge rows: %w", err)
	}
	return nudges, nil
}

// --- inbound dedup ---

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, senderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO inbound_dedup (message_id, sender_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`), messageID, senderID, s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), s.now().UnixMilli(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
