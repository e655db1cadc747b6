package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/vars"
)

// State is where a walk ended.
type State string

const (
	StateRunning State = "running"
	// StatePaused means the walk is waiting for the next inbound message.
	StatePaused State = "paused"
	// StateFailed means the walk stopped on an error. Recovered failures have
	// already told the user and re-sent the current node.
	StateFailed State = "failed"
)

// Result summarises one walk.
type Result struct {
	State   State
	GraphID string
	NodeID  string
	Steps   int
	// Err is the recovered advance error, if any.
	Err error
}

// walk carries the state of one invocation: the user's session snapshot and
// the chat input, which stays the same for every step.
type walk struct {
	e        *Engine
	key      string
	sess     *models.Session
	input    string
	campaign *models.Campaign
}

func (e *Engine) newWalk(sess *models.Session, input string) *walk {
	return &walk{e: e, key: sess.PhoneNumber, sess: sess, input: input}
}

// run walks g from nodeID until a node pauses, no progress is made, or an
// advance fails.
func (w *walk) run(ctx context.Context, g *models.FlowGraph, nodeID string) (Result, error) {
	start := time.Now()
	res, err := w.loop(ctx, g, nodeID)
	if err != nil {
		res.State = StateFailed
	}
	w.e.metrics.ObserveWalk(string(g.Kind), string(res.State), time.Since(start))
	return res, err
}

func (w *walk) loop(ctx context.Context, g *models.FlowGraph, nodeID string) (Result, error) {
	res := Result{State: StateRunning, GraphID: g.ID, NodeID: nodeID}

	raw := g.Node(nodeID)
	if raw == nil {
		w.sendText(ctx, msgWalkFailed)
		return res, &models.GraphIntegrityError{GraphID: g.ID, NodeID: nodeID, Message: msgNodeNotFound(nodeID)}
	}
	cur, err := w.interpolate(g, *raw)
	if err != nil {
		return res, err
	}
	budget := w.e.stepsPerNode * len(g.Nodes)

	for step := 0; ; step++ {
		if step >= budget {
			slog.Error("flow.walk: step budget exhausted", "user", w.key, "graph", g.ID, "node", cur.ID, "steps", step)
			w.sendText(ctx, msgWalkFailed)
			return res, &models.GraphIntegrityError{GraphID: g.ID, NodeID: cur.ID, Message: "walk did not pause"}
		}
		res.Steps = step + 1

		h, err := w.e.table.Lookup(cur.Type, g.Kind)
		if err != nil {
			return res, err
		}
		tr, err := h.Advance(ctx, w, g, cur)
		if err != nil {
			msg, ok := models.UserMessage(err)
			if !ok {
				return res, err
			}
			slog.Info("flow.walk: advance rejected", "user", w.key, "graph", g.ID, "node", cur.ID, "error", err)
			w.sendText(ctx, msg)
			if err := w.emit(ctx, h, g, cur); err != nil {
				return res, err
			}
			res.State = StateFailed
			res.Err = err
			return res, nil
		}
		if !tr.Update.IsEmpty() {
			if err := w.apply(ctx, tr.Update); err != nil {
				return res, err
			}
		}

		next := g
		if tr.Graph != nil {
			next = tr.Graph
		}
		if next.ID == g.ID && tr.Node.ID == cur.ID {
			// No progress: re-send the node the user is parked on, but only
			// when this invocation started there.
			if step == 0 {
				cur, err = w.interpolate(g, tr.Node)
				if err != nil {
					return res, err
				}
				if err := w.emit(ctx, h, g, cur); err != nil {
					return res, err
				}
			}
			res.State = StatePaused
			return res, nil
		}
		if next.ID != g.ID {
			slog.Debug("flow.walk: switching graph", "user", w.key, "from", g.ID, "to", next.ID)
			g = next
			budget += w.e.stepsPerNode * len(g.Nodes)
		}

		target, err := w.interpolate(g, tr.Node)
		if err != nil {
			return res, err
		}
		nh, err := w.e.table.Lookup(target.Type, g.Kind)
		if err != nil {
			return res, err
		}
		if err := w.emit(ctx, nh, g, target); err != nil {
			return res, err
		}
		res.GraphID, res.NodeID = g.ID, target.ID
		if nh.PauseAfterEmit {
			res.State = StatePaused
			return res, nil
		}
		cur = target
	}
}

func (w *walk) emit(ctx context.Context, h Handler, g *models.FlowGraph, n models.Node) error {
	slog.Debug("flow.walk: emit", "user", w.key, "graph", g.ID, "node", n.ID, "type", n.Type)
	if err := h.Emit(ctx, w, g, n); err != nil {
		return fmt.Errorf("emit %s node %s: %w", n.Type, n.ID, err)
	}
	w.e.metrics.NodeEmitted(string(n.Type), string(g.Kind))
	return nil
}

func (w *walk) scope() *vars.Scope {
	return vars.NewScope(w.sess, w.input)
}

// interpolate instantiates n's data for the current session and input.
func (w *walk) interpolate(g *models.FlowGraph, n models.Node) (models.Node, error) {
	parsed, err := w.scope().ParseNode(n)
	if err != nil {
		return n, &models.GraphIntegrityError{GraphID: g.ID, NodeID: n.ID, Message: msgNodeNotFound(n.ID)}
	}
	return parsed, nil
}

// apply writes upd to the session. Moving to a later level raises the
// max-level watermark.
func (w *walk) apply(ctx context.Context, upd models.SessionUpdate) error {
	if upd.CurrentLevelID.IsSet() && upd.MaxLevelID.IsZero() {
		if c := w.loadCampaign(ctx); c != nil {
			if c.LevelIndex(upd.CurrentLevelID.Value()) > c.LevelIndex(w.sess.MaxLevelID) {
				upd.MaxLevelID = models.Set(upd.CurrentLevelID.Value())
			}
		}
	}
	sess, err := w.e.sessions.UpdateSession(ctx, w.key, upd)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", w.key, err)
	}
	w.sess = sess
	return nil
}

// loadCampaign returns the user's campaign, or nil when it cannot be loaded.
func (w *walk) loadCampaign(ctx context.Context) *models.Campaign {
	if w.campaign != nil && w.campaign.ID == w.sess.CurrentCampaignID {
		return w.campaign
	}
	c, err := w.e.campaigns.GetCampaign(ctx, w.sess.CurrentCampaignID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Warn("flow.walk: failed to load campaign", "user", w.key, "campaign", w.sess.CurrentCampaignID, "error", err)
		}
		return nil
	}
	w.campaign = c
	return c
}

func (w *walk) sendText(ctx context.Context, text string) {
	if err := w.e.sender.SendText(ctx, w.key, text); err != nil {
		slog.Warn("flow.walk: send text failed", "user", w.key, "error", err)
	}
}

func (w *walk) sendChoice(ctx context.Context, text string, options []string, footer string) {
	if err := w.e.sender.SendChoice(ctx, w.key, text, options, footer); err != nil {
		slog.Warn("flow.walk: send choice failed", "user", w.key, "error", err)
	}
}

func (w *walk) sendMedia(ctx context.Context, kind models.MediaKind, ref string, refType models.MediaRefType, caption string) {
	if err := w.e.sender.SendMedia(ctx, w.key, kind, ref, refType, caption); err != nil {
		slog.Warn("flow.walk: send media failed", "user", w.key, "kind", kind, "error", err)
	}
}

func (w *walk) sendList(ctx context.Context, text string, sections []models.ListSection, opts models.ListOptions) {
	if err := w.e.sender.SendList(ctx, w.key, text, sections, opts); err != nil {
		slog.Warn("flow.walk: send list failed", "user", w.key, "error", err)
	}
}
