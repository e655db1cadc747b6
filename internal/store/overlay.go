package store

import (
	"context"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// GraphOverlay serves graphs from a dedicated GraphStore and everything else
// from the base Store.
type GraphOverlay struct {
	Store
	Graphs GraphStore
}

func (o *GraphOverlay) GetGraph(ctx context.Context, id string) (*models.FlowGraph, error) {
	return o.Graphs.GetGraph(ctx, id)
}

func (o *GraphOverlay) ListGraphs(ctx context.Context, kind models.GraphKind) ([]models.FlowGraph, error) {
	return o.Graphs.ListGraphs(ctx, kind)
}

func (o *GraphOverlay) PutGraph(ctx context.Context, g *models.FlowGraph) error {
	return o.Graphs.PutGraph(ctx, g)
}

// NudgeOverlay serves nudges from a dedicated NudgeStore.
type NudgeOverlay struct {
	Store
	Nudges NudgeStore
}

func (o *NudgeOverlay) InsertNudge(ctx context.Context, n models.Nudge) error {
	return o.Nudges.InsertNudge(ctx, n)
}

func (o *NudgeOverlay) GetNudge(ctx context.Context, userKey string) (*models.Nudge, error) {
	return o.Nudges.GetNudge(ctx, userKey)
}

func (o *NudgeOverlay) DeleteNudge(ctx context.Context, userKey string) error {
	return o.Nudges.DeleteNudge(ctx, userKey)
}

func (o *NudgeOverlay) ListDueNudges(ctx context.Context, until int64, limit int) ([]models.Nudge, error) {
	return o.Nudges.ListDueNudges(ctx, until, limit)
}
