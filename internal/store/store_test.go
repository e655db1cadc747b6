package store

import (
	"context"
	"errors"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func testGraph(id string, kind models.GraphKind) *models.FlowGraph {
	return &models.FlowGraph{
		ID:   id,
		Name: "Graph " + id,
		Kind: kind,
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStart, Data: models.StartData{}},
			{ID: "hello", Type: models.NodeTypeMessage, Data: models.MessageData{Text: "Hello ${user.name}"}},
		},
		Edges: []models.Edge{{ID: "e1", Source: "start", Target: "hello"}},
	}
}

func testSession(key string) *models.Session {
	return &models.Session{
		PhoneNumber:       key,
		Name:              "Asha",
		CurrentCampaignID: "c1",
		CurrentLevelID:    "l1",
		CurrentNodeID:     "start",
		SessionExpiresAt:  time.Now().Add(24 * time.Hour).UnixMilli(),
		CurrentLevelScore: map[string]int{},
		MaxLevelID:        "l1",
	}
}

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("graphs", func(t *testing.T) {
		if _, err := s.GetGraph(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.PutGraph(ctx, testGraph("l1", models.GraphKindLevel)); err != nil {
			t.Fatalf("PutGraph failed: %v", err)
		}
		if err := s.PutGraph(ctx, testGraph("n1", models.GraphKindNudge)); err != nil {
			t.Fatalf("PutGraph failed: %v", err)
		}
		g, err := s.GetGraph(ctx, "l1")
		if err != nil {
			t.Fatalf("GetGraph failed: %v", err)
		}
		if g.Kind != models.GraphKindLevel || len(g.Nodes) != 2 || len(g.Edges) != 1 {
			t.Errorf("graph not stored correctly: %+v", g)
		}
		if msg, ok := g.Node("hello").Data.(models.MessageData); !ok || msg.Text != "Hello ${user.name}" {
			t.Errorf("node data lost: %#v", g.Node("hello").Data)
		}

		nudges, err := s.ListGraphs(ctx, models.GraphKindNudge)
		if err != nil {
			t.Fatalf("ListGraphs failed: %v", err)
		}
		if len(nudges) != 1 || nudges[0].ID != "n1" {
			t.Errorf("expected only n1, got %+v", nudges)
		}
		all, _ := s.ListGraphs(ctx, "")
		if len(all) != 2 {
			t.Errorf("expected 2 graphs, got %d", len(all))
		}

		bad := testGraph("", models.GraphKindLevel)
		if err := s.PutGraph(ctx, bad); !errors.Is(err, models.ErrEmptyGraphID) {
			t.Errorf("expected ErrEmptyGraphID, got %v", err)
		}
	})

	t.Run("campaigns", func(t *testing.T) {
		c := &models.Campaign{ID: "c1", Name: "Summer", Levels: []string{"l1", "l2"}}
		if err := s.PutCampaign(ctx, c); err != nil {
			t.Fatalf("PutCampaign failed: %v", err)
		}
		got, err := s.GetCampaign(ctx, "c1")
		if err != nil {
			t.Fatalf("GetCampaign failed: %v", err)
		}
		if got.Name != "Summer" || len(got.Levels) != 2 || got.CreatedAt.IsZero() {
			t.Errorf("unexpected campaign %+v", got)
		}

		upd, err := s.UpdateCampaign(ctx, "c1", models.CampaignUpdate{Levels: models.Set([]string{"l1", "l2", "l3"})})
		if err != nil {
			t.Fatalf("UpdateCampaign failed: %v", err)
		}
		if upd.Name != "Summer" || len(upd.Levels) != 3 {
			t.Errorf("update not applied: %+v", upd)
		}

		list, _ := s.ListCampaigns(ctx)
		if len(list) != 1 {
			t.Errorf("expected 1 campaign, got %d", len(list))
		}
		if err := s.DeleteCampaign(ctx, "c1"); err != nil {
			t.Fatalf("DeleteCampaign failed: %v", err)
		}
		if err := s.DeleteCampaign(ctx, "c1"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("sessions", func(t *testing.T) {
		if _, err := s.GetSession(ctx, "919000000001"); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.PutSession(ctx, testSession("919000000001")); err != nil {
			t.Fatalf("PutSession failed: %v", err)
		}

		updated, err := s.UpdateSession(ctx, "919000000001", models.SessionUpdate{
			CurrentNodeID:     models.Set("hello"),
			TotalScore:        models.Set(3),
			CurrentLevelScore: models.Set(map[string]int{"q1": 1}),
			PromptInput:       models.Set("42"),
		})
		if err != nil {
			t.Fatalf("UpdateSession failed: %v", err)
		}
		if updated.CurrentNodeID != "hello" || updated.TotalScore != 3 || updated.Name != "Asha" {
			t.Errorf("unexpected update result %+v", updated)
		}

		cleared, err := s.UpdateSession(ctx, "919000000001", models.SessionUpdate{PromptInput: models.Clear[string]()})
		if err != nil {
			t.Fatalf("UpdateSession failed: %v", err)
		}
		if cleared.PromptInput != "" || cleared.CurrentLevelScore["q1"] != 1 {
			t.Errorf("clear touched the wrong fields: %+v", cleared)
		}

		got, _ := s.GetSession(ctx, "919000000001")
		if got.CurrentNodeID != "hello" || got.PromptInput != "" {
			t.Errorf("update not persisted: %+v", got)
		}

		if _, err := s.UpdateSession(ctx, "919000000404", models.SessionUpdate{Name: models.Set("x")}); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound updating a missing session, got %v", err)
		}

		list, _ := s.ListSessions(ctx)
		if len(list) != 1 {
			t.Errorf("expected 1 session, got %d", len(list))
		}
		if err := s.DeleteSession(ctx, "919000000001"); err != nil {
			t.Fatalf("DeleteSession failed: %v", err)
		}
		if _, err := s.GetSession(ctx, "919000000001"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("session survived delete: %v", err)
		}
	})

	t.Run("nudges", func(t *testing.T) {
		runNudgeContract(t, s)
	})

	t.Run("dedup", func(t *testing.T) {
		first, err := s.RecordInbound(ctx, "wamid.1", "919000000001")
		if err != nil || !first {
			t.Fatalf("expected first record to be new, got %v %v", first, err)
		}
		again, err := s.RecordInbound(ctx, "wamid.1", "919000000001")
		if err != nil || again {
			t.Fatalf("expected duplicate, got %v %v", again, err)
		}
		if err := s.MarkProcessed(ctx, "wamid.1"); err != nil {
			t.Errorf("MarkProcessed failed: %v", err)
		}
	})
}

func runNudgeContract(t *testing.T, s NudgeStore) {
	ctx := context.Background()
	base := time.Date(2024, 3, 9, 23, 58, 0, 0, time.UTC).UnixMilli()

	// replaces any earlier nudge of the same user
	mustInsert(t, s, models.Nudge{UserKey: "a", DueAtUnixMillis: base + 10*60000, GraphID: "n1", NodeID: "d1"})
	mustInsert(t, s, models.Nudge{UserKey: "a", DueAtUnixMillis: base + 60000, GraphID: "n1", NodeID: "d2"})
	mustInsert(t, s, models.Nudge{UserKey: "b", DueAtUnixMillis: base, GraphID: "n1", NodeID: "d1"})
	mustInsert(t, s, models.Nudge{UserKey: "c", DueAtUnixMillis: base + 3*60000, GraphID: "n1", NodeID: "d1"})
	mustInsert(t, s, models.Nudge{UserKey: "d", DueAtUnixMillis: base + 48*3600000, GraphID: "n1", NodeID: "d1"})

	got, err := s.GetNudge(ctx, "a")
	if err != nil {
		t.Fatalf("GetNudge failed: %v", err)
	}
	if got.NodeID != "d2" {
		t.Errorf("expected replacement nudge, got %+v", got)
	}

	due, err := s.ListDueNudges(ctx, base+5*60000, 10)
	if err != nil {
		t.Fatalf("ListDueNudges failed: %v", err)
	}
	if keys := nudgeUsers(due); !equalStrings(keys, []string{"b", "a", "c"}) {
		t.Errorf("expected due order [b a c], got %v", keys)
	}

	limited, _ := s.ListDueNudges(ctx, base+5*60000, 2)
	if keys := nudgeUsers(limited); !equalStrings(keys, []string{"b", "a"}) {
		t.Errorf("expected limited order [b a], got %v", keys)
	}

	unlimited, err := s.ListDueNudges(ctx, base+5*60000, 0)
	if err != nil {
		t.Fatalf("ListDueNudges without limit failed: %v", err)
	}
	if keys := nudgeUsers(unlimited); !equalStrings(keys, []string{"b", "a", "c"}) {
		t.Errorf("expected a zero limit to list every due nudge, got %v", keys)
	}

	if err := s.DeleteNudge(ctx, "b"); err != nil {
		t.Fatalf("DeleteNudge failed: %v", err)
	}
	if err := s.DeleteNudge(ctx, "nobody"); err != nil {
		t.Errorf("deleting a missing nudge should succeed, got %v", err)
	}
	if _, err := s.GetNudge(ctx, "b"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	due, _ = s.ListDueNudges(ctx, base+5*60000, 10)
	if keys := nudgeUsers(due); !equalStrings(keys, []string{"a", "c"}) {
		t.Errorf("expected [a c] after delete, got %v", keys)
	}
}

func mustInsert(t *testing.T, s NudgeStore, n models.Nudge) {
	t.Helper()
	if err := s.InsertNudge(context.Background(), n); err != nil {
		t.Fatalf("InsertNudge(%s) failed: %v", n.UserKey, err)
	}
}

func nudgeUsers(ns []models.Nudge) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.UserKey)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestInMemoryStore(t *testing.T) {
	runStoreContract(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "flowpipe.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()
	runStoreContract(t, s)
}

func TestSQLiteStoreReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "flowpipe.db")
	s1, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := s1.PutSession(context.Background(), testSession("919000000002")); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetSession(context.Background(), "919000000002")
	if err != nil || got.Name != "Asha" {
		t.Errorf("session lost across reopen: %+v %v", got, err)
	}
}

func TestSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error without DSN")
	}
}

func TestPostgresStore(t *testing.T) {
	connStr := getenvOrSkip(t, "FLOWPIPE_TEST_POSTGRES_DSN")
	pg, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pg.Close()
	for _, table := range []string{"flow_graphs", "campaigns", "sessions", "nudges", "inbound_dedup"} {
		pg.db.Exec("DELETE FROM " + table)
	}
	runStoreContract(t, pg)
}

func TestRebindPlaceholders(t *testing.T) {
	s := &sqlStore{numbered: true}
	got := s.q(`SELECT a FROM t WHERE b = ? AND c <= ? LIMIT ?`)
	if want := `SELECT a FROM t WHERE b = $1 AND c <= $2 LIMIT $3`; got != want {
		t.Errorf("q() = %q, want %q", got, want)
	}
	plain := &sqlStore{}
	if got := plain.q(`x = ?`); got != `x = ?` {
		t.Errorf("sqlite query rewritten: %q", got)
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":    "postgres",
		"postgresql://localhost/db":      "postgres",
		"host=localhost dbname=flowpipe": "postgres",
		"/var/lib/flowpipe/flowpipe.db":  "sqlite3",
		"file:flowpipe.db?cache=shared":  "sqlite3",
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
