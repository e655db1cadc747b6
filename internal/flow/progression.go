package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// nextLevel returns the graph of the level after levelID in the user's
// campaign, or nil at the last level.
func (w *walk) nextLevel(ctx context.Context, levelID string) (*models.FlowGraph, error) {
	c := w.loadCampaign(ctx)
	if c == nil {
		return nil, models.NewNotFound("campaign", w.sess.CurrentCampaignID)
	}
	nextID, ok := c.NextLevel(levelID)
	if !ok {
		return nil, nil
	}
	g, err := w.e.graphs.GetGraph(ctx, nextID)
	if err != nil {
		return nil, fmt.Errorf("failed to load level %s of campaign %s: %w", nextID, c.ID, err)
	}
	slog.Info("flow.nextLevel: advancing level", "user", w.key, "campaign", c.ID, "from", levelID, "to", nextID)
	return g, nil
}

// levelStart loads the level at index i of the user's campaign and its start
// node.
func (w *walk) levelStart(ctx context.Context, i int) (*models.FlowGraph, *models.Node, error) {
	c := w.loadCampaign(ctx)
	if c == nil {
		return nil, nil, models.NewNotFound("campaign", w.sess.CurrentCampaignID)
	}
	if i < 0 || i >= len(c.Levels) {
		return nil, nil, models.NewNotFound("level", fmt.Sprintf("%s[%d]", c.ID, i))
	}
	g, err := w.e.graphs.GetGraph(ctx, c.Levels[i])
	if err != nil {
		return nil, nil, err
	}
	start := g.StartNode()
	if start == nil {
		return nil, nil, &models.GraphIntegrityError{GraphID: g.ID, Message: msgNodeNotFound("start")}
	}
	return g, start, nil
}
