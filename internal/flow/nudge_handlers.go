package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Nudge graph nodes never move the user's level position.

func emitNudgeMessage(ctx context.Context, w *walk, _ *models.FlowGraph, n models.Node) error {
	w.sendText(ctx, n.Data.(models.MessageData).Text)
	return nil
}

// emitNudgeDelay schedules the walk to resume at this node once the delay has
// passed.
func emitNudgeDelay(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	d := n.Data.(models.DelayData)
	if d.Message != "" {
		w.sendText(ctx, d.Message)
	}
	due := w.e.now().Add(time.Duration(d.DelayInSecs) * time.Second)
	return w.e.nudges.Schedule(ctx, w.key, g.ID, n.ID, due)
}

func emitNudgeEnd(ctx context.Context, w *walk, _ *models.FlowGraph, n models.Node) error {
	if text := n.Data.(models.EndData).Text; text != "" {
		w.sendText(ctx, text)
	}
	return w.e.nudges.Cancel(ctx, w.key)
}
