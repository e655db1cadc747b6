// Package nudge schedules and drains re-engagement nudges. At most one nudge
// is live per user; draining hands due nudges back to the walk engine.
package nudge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Scheduler is the nudge API used by the walk engine.
type Scheduler struct {
	store store.NudgeStore
}

// NewScheduler wraps a NudgeStore.
func NewScheduler(s store.NudgeStore) *Scheduler {
	return &Scheduler{store: s}
}

// Schedule replaces any nudge held for userKey with one that will walk
// graphID from nodeID at dueAt.
func (s *Scheduler) Schedule(ctx context.Context, userKey, graphID, nodeID string, dueAt time.Time) error {
	if err := s.store.DeleteNudge(ctx, userKey); err != nil {
		return fmt.Errorf("failed to clear previous nudge: %w", err)
	}
	n := models.Nudge{
		UserKey:         userKey,
		DueAtUnixMillis: dueAt.UnixMilli(),
		GraphID:         graphID,
		NodeID:          nodeID,
	}
	if err := s.store.InsertNudge(ctx, n); err != nil {
		return err
	}
	slog.Debug("Scheduler.Schedule: nudge armed", "user", userKey, "graph", graphID, "node", nodeID, "due", dueAt)
	return nil
}

// Cancel removes the user's live nudge, if any.
func (s *Scheduler) Cancel(ctx context.Context, userKey string) error {
	if err := s.store.DeleteNudge(ctx, userKey); err != nil {
		return fmt.Errorf("failed to cancel nudge: %w", err)
	}
	slog.Debug("Scheduler.Cancel: nudge cancelled", "user", userKey)
	return nil
}

// Get returns the user's live nudge, or nil when there is none.
func (s *Scheduler) Get(ctx context.Context, userKey string) (*models.Nudge, error) {
	n, err := s.store.GetNudge(ctx, userKey)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return n, err
}

// DrainDue returns up to batchSize nudges due at or before now, earliest
// first. Draining does not remove them.
func (s *Scheduler) DrainDue(ctx context.Context, now time.Time, batchSize int) ([]models.Nudge, error) {
	return s.store.ListDueNudges(ctx, now.UnixMilli(), batchSize)
}

// CancelIfUnchanged removes the user's nudge only when it is still exactly n.
// A nudge walk that re-armed the user keeps its new nudge.
func (s *Scheduler) CancelIfUnchanged(ctx context.Context, n models.Nudge) error {
	live, err := s.Get(ctx, n.UserKey)
	if err != nil {
		return err
	}
	if live == nil || *live != n {
		return nil
	}
	return s.Cancel(ctx, n.UserKey)
}
