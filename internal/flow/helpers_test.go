package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/nudge"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

const testUser = "919876543210"

type sentMessage struct {
	Kind     string
	To       string
	Text     string
	Options  []string
	Footer   string
	Media    models.MediaKind
	Ref      string
	RefType  models.MediaRefType
	Caption  string
	Sections []models.ListSection
	List     models.ListOptions
}

// recordingSender records every outbound message.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (r *recordingSender) record(m sentMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return r.err
}

func (r *recordingSender) SendText(_ context.Context, to, text string) error {
	return r.record(sentMessage{Kind: "text", To: to, Text: text})
}

func (r *recordingSender) SendChoice(_ context.Context, to, text string, options []string, footer string) error {
	return r.record(sentMessage{Kind: "choice", To: to, Text: text, Options: options, Footer: footer})
}

func (r *recordingSender) SendMedia(_ context.Context, to string, kind models.MediaKind, ref string, refType models.MediaRefType, caption string) error {
	return r.record(sentMessage{Kind: "media", To: to, Media: kind, Ref: ref, RefType: refType, Caption: caption})
}

func (r *recordingSender) SendList(_ context.Context, to, text string, sections []models.ListSection, opts models.ListOptions) error {
	return r.record(sentMessage{Kind: "list", To: to, Text: text, Sections: sections, List: opts})
}

func (r *recordingSender) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

func (r *recordingSender) texts() []string {
	var out []string
	for _, m := range r.messages() {
		out = append(out, m.Text)
	}
	return out
}

func (r *recordingSender) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixedSchools map[string]models.School

func (f fixedSchools) LookupSchool(_ context.Context, code string) (*models.School, error) {
	s, ok := f[code]
	if !ok {
		return nil, errors.New("school not found")
	}
	return &s, nil
}

func node(id string, data models.NodeData) models.Node {
	return models.Node{ID: id, Type: data.NodeType(), Data: data}
}

func withNudge(n models.Node, nudgeID string) models.Node {
	n.Nudge = nudgeID
	return n
}

func edge(source, target string) models.Edge {
	return models.Edge{ID: source + "->" + target, Source: source, Target: target}
}

func handleEdge(source, target, handle string) models.Edge {
	return models.Edge{ID: source + ":" + handle + "->" + target, Source: source, Target: target, SourceHandle: handle}
}

func graph(id string, kind models.GraphKind, nodes []models.Node, edges ...models.Edge) *models.FlowGraph {
	return &models.FlowGraph{ID: id, Name: "Graph " + id, Kind: kind, Nodes: nodes, Edges: edges}
}

type testEnv struct {
	store  *store.InMemoryStore
	sched  *nudge.Scheduler
	sender *recordingSender
	clock  *fakeClock
	engine *Engine
}

// newTestEnv stores levels as the campaign "camp", in order, plus any
// further graphs.
func newTestEnv(t *testing.T, levels []*models.FlowGraph, others []*models.FlowGraph, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewInMemoryStore()
	var ids []string
	for _, g := range levels {
		if err := st.PutGraph(ctx, g); err != nil {
			t.Fatalf("PutGraph(%s) failed: %v", g.ID, err)
		}
		ids = append(ids, g.ID)
	}
	for _, g := range others {
		if err := st.PutGraph(ctx, g); err != nil {
			t.Fatalf("PutGraph(%s) failed: %v", g.ID, err)
		}
	}
	if err := st.PutCampaign(ctx, &models.Campaign{ID: "camp", Name: "Campaign", Levels: ids}); err != nil {
		t.Fatalf("PutCampaign failed: %v", err)
	}

	env := &testEnv{
		store:  st,
		sched:  nudge.NewScheduler(st),
		sender: &recordingSender{},
		clock:  &fakeClock{t: time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)},
	}
	opts = append([]Option{WithDefaultCampaign("camp"), WithClock(env.clock.Now)}, opts...)
	env.engine = NewEngine(st, env.sched, env.sender, opts...)
	return env
}

func (env *testEnv) send(t *testing.T, text string) Result {
	t.Helper()
	res, err := env.engine.HandleInbound(context.Background(), models.InboundEvent{
		MessageID:   "wamid." + text,
		SenderID:    testUser,
		SenderName:  "Asha",
		MessageType: models.MessageTypeText,
		Text:        text,
	})
	if err != nil {
		t.Fatalf("HandleInbound(%q) failed: %v", text, err)
	}
	return res
}

func (env *testEnv) session(t *testing.T) *models.Session {
	t.Helper()
	sess, err := env.store.GetSession(context.Background(), testUser)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	return sess
}

// park stores a session positioned at nodeID of levelID.
func (env *testEnv) park(t *testing.T, levelID, nodeID string, mutate ...func(*models.Session)) {
	t.Helper()
	sess := &models.Session{
		PhoneNumber:       testUser,
		Name:              "Asha",
		CurrentCampaignID: "camp",
		CurrentLevelID:    levelID,
		CurrentNodeID:     nodeID,
		CurrentLevelScore: map[string]int{},
		MaxLevelID:        levelID,
	}
	for _, m := range mutate {
		m(sess)
	}
	if err := env.store.PutSession(context.Background(), sess); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}
}

func (env *testEnv) liveNudge(t *testing.T) *models.Nudge {
	t.Helper()
	n, err := env.sched.Get(context.Background(), testUser)
	if err != nil {
		t.Fatalf("Get nudge failed: %v", err)
	}
	return n
}
