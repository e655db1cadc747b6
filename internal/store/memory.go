package store

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// InMemoryStore is a process-local Store used by tests and by the server
// when no database is configured.
type InMemoryStore struct {
	mu        sync.RWMutex
	graphs    map[string]models.FlowGraph
	campaigns map[string]models.Campaign
	sessions  map[string]*models.Session
	nudges    map[string]models.Nudge
	inbound   map[string]DedupRecord
	now       func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		graphs:    make(map[string]models.FlowGraph),
		campaigns: make(map[string]models.Campaign),
		sessions:  make(map[string]*models.Session),
		nudges:    make(map[string]models.Nudge),
		inbound:   make(map[string]DedupRecord),
		now:       time.Now,
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetGraph(_ context.Context, id string) (*models.FlowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[id]
	if !ok {
		return nil, models.NewNotFound("graph", id)
	}
	return &g, nil
}

func (s *InMemoryStore) ListGraphs(_ context.Context, kind models.GraphKind) ([]models.FlowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FlowGraph
	for _, id := range slices.Sorted(maps.Keys(s.graphs)) {
		g := s.graphs[id]
		if kind == "" || g.Kind == kind {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *InMemoryStore) PutGraph(_ context.Context, g *models.FlowGraph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[g.ID] = *g
	slog.Debug("InMemoryStore.PutGraph", "graph", g.ID, "kind", g.Kind)
	return nil
}

func (s *InMemoryStore) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, models.NewNotFound("campaign", id)
	}
	c.Levels = slices.Clone(c.Levels)
	return &c, nil
}

func (s *InMemoryStore) PutCampaign(_ context.Context, c *models.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if prev, ok := s.campaigns[c.ID]; ok && c.CreatedAt.IsZero() {
		c.CreatedAt = prev.CreatedAt
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	stored := *c
	stored.Levels = slices.Clone(c.Levels)
	s.campaigns[c.ID] = stored
	return nil
}

func (s *InMemoryStore) UpdateCampaign(ctx context.Context, id string, upd models.CampaignUpdate) (*models.Campaign, error) {
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

func (s *InMemoryStore) DeleteCampaign(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[id]; !ok {
		return models.NewNotFound("campaign", id)
	}
	delete(s.campaigns, id)
	return nil
}

func (s *InMemoryStore) ListCampaigns(_ context.Context) ([]models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Campaign
	for _, id := range slices.Sorted(maps.Keys(s.campaigns)) {
		out = append(out, s.campaigns[id])
	}
	return out, nil
}

func (s *InMemoryStore) GetSession(_ context.Context, key string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, models.NewNotFound("session", key)
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) PutSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := sess.Clone()
	if stored.CurrentLevelScore == nil {
		stored.CurrentLevelScore = map[string]int{}
	}
	s.sessions[sess.PhoneNumber] = stored
	return nil
}

func (s *InMemoryStore) UpdateSession(_ context.Context, key string, upd models.SessionUpdate) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, models.NewNotFound("session", key)
	}
	next := sess.Clone()
	upd.Apply(next)
	s.sessions[key] = next
	return next.Clone(), nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

func (s *InMemoryStore) ListSessions(_ context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, key := range slices.Sorted(maps.Keys(s.sessions)) {
		out = append(out, *s.sessions[key].Clone())
	}
	return out, nil
}

func (s *InMemoryStore) InsertNudge(_ context.Context, n models.Nudge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nudges[n.UserKey] = n
	return nil
}

func (s *InMemoryStore) GetNudge(_ context.Context, userKey string) (*models.Nudge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nudges[userKey]
	if !ok {
		return nil, models.NewNotFound("nudge", userKey)
	}
	return &n, nil
}

func (s *InMemoryStore) DeleteNudge(_ context.Context, userKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nudges, userKey)
	return nil
}

func (s *InMemoryStore) ListDueNudges(_ context.Context, untilUnixMillis int64, limit int) ([]models.Nudge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.Nudge
	for _, n := range s.nudges {
		if n.DueAtUnixMillis <= untilUnixMillis {
			due = append(due, n)
		}
	}
	slices.SortFunc(due, func(a, b models.Nudge) int {
		if a.DueAtUnixMillis != b.DueAtUnixMillis {
			if a.DueAtUnixMillis < b.DueAtUnixMillis {
				return -1
			}
			return 1
		}
		return strings.Compare(a.UserKey, b.UserKey)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.inbound[messageID]; dup {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, SenderID: senderID, ReceivedAt: s.now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := s.now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}
