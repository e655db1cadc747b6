package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrNoDefaultCampaign is returned when a new user arrives and no default
// campaign is configured.
var ErrNoDefaultCampaign = errors.New("no default campaign configured")

// HandleInbound walks the sender's session with the event's input. New
// senders are seeded at the start of the default campaign.
func (e *Engine) HandleInbound(ctx context.Context, ev models.InboundEvent) (Result, error) {
	sess, err := e.loadOrCreate(ctx, ev.SenderID, ev.SenderName)
	if err != nil {
		return Result{State: StateFailed}, err
	}
	w := e.newWalk(sess, "")

	if ev.IsMedia() {
		if ev.MediaID == "" {
			slog.Info("Engine.HandleInbound: media without id", "user", ev.SenderID, "type", ev.MessageType)
			return Result{State: StatePaused, GraphID: sess.CurrentLevelID, NodeID: sess.CurrentNodeID}, nil
		}
		refType := models.MediaRefID
		if strings.HasPrefix(ev.MediaID, "https://") || strings.HasPrefix(ev.MediaID, "http://") {
			refType = models.MediaRefLink
		}
		slog.Debug("Engine.HandleInbound: echoing media", "user", ev.SenderID, "type", ev.MessageType)
		w.sendMedia(ctx, models.MediaKind(ev.MessageType), ev.MediaID, refType, ev.MediaID)
		return Result{State: StatePaused, GraphID: sess.CurrentLevelID, NodeID: sess.CurrentNodeID}, nil
	}
	input, ok := ev.Input()
	if !ok && ev.MessageType != models.MessageTypeText && ev.MessageType != models.MessageTypeInteractive {
		slog.Info("Engine.HandleInbound: ignoring message", "user", ev.SenderID, "type", ev.MessageType)
		return Result{State: StatePaused, GraphID: sess.CurrentLevelID, NodeID: sess.CurrentNodeID}, nil
	}
	if ok {
		w.input = input
	}

	g, err := e.graphs.GetGraph(ctx, sess.CurrentLevelID)
	if err != nil {
		return Result{State: StateFailed}, fmt.Errorf("failed to load graph for %s: %w", ev.SenderID, err)
	}
	if ok && w.isCommand(input, g.Kind) {
		handled, err := w.command(ctx, input)
		if err != nil {
			return Result{State: StateFailed, GraphID: g.ID}, err
		}
		if handled {
			slog.Debug("Engine.HandleInbound: command handled", "user", ev.SenderID, "command", input)
			return Result{State: StatePaused, GraphID: g.ID, NodeID: w.sess.CurrentNodeID}, nil
		}
	}

	res, err := w.run(ctx, g, sess.CurrentNodeID)
	if err != nil {
		slog.Error("Engine.HandleInbound: walk failed", "user", ev.SenderID, "graph", g.ID, "error", err)
		return res, err
	}
	slog.Debug("Engine.HandleInbound: walk finished", "user", ev.SenderID, "state", res.State, "graph", res.GraphID, "node", res.NodeID)
	return res, nil
}

// ResumeNudge walks a due nudge's graph from its stored node. A nudge that
// is no longer the user's live nudge, or that an erased user left behind, is
// ignored. Callers hold the user's lock.
func (e *Engine) ResumeNudge(ctx context.Context, n models.Nudge) error {
	live, err := e.nudges.Get(ctx, n.UserKey)
	if err != nil {
		return err
	}
	if live == nil || *live != n {
		slog.Info("Engine.ResumeNudge: nudge superseded, skipping", "user", n.UserKey, "graph", n.GraphID, "node", n.NodeID)
		return nil
	}
	sess, err := e.sessions.GetSession(ctx, n.UserKey)
	if errors.Is(err, models.ErrNotFound) {
		slog.Info("Engine.ResumeNudge: no session for nudge", "user", n.UserKey)
		return nil
	}
	if err != nil {
		return err
	}
	g, err := e.graphs.GetGraph(ctx, n.GraphID)
	if err != nil {
		return fmt.Errorf("failed to load nudge graph %s: %w", n.GraphID, err)
	}
	res, err := e.newWalk(sess, "").run(ctx, g, n.NodeID)
	if err != nil {
		return err
	}
	slog.Debug("Engine.ResumeNudge: walk finished", "user", n.UserKey, "state", res.State, "node", res.NodeID)
	return nil
}

// Session returns the stored session for key.
func (e *Engine) Session(ctx context.Context, key string) (*models.Session, error) {
	return e.sessions.GetSession(ctx, key)
}

// EraseUser cancels the user's nudge and deletes the session.
func (e *Engine) EraseUser(ctx context.Context, key string) error {
	if err := e.nudges.Cancel(ctx, key); err != nil {
		return err
	}
	return e.sessions.DeleteSession(ctx, key)
}

// ResetUser erases the user and seeds a fresh session at the start of the
// default campaign, keeping the user's name.
func (e *Engine) ResetUser(ctx context.Context, key string) (*models.Session, error) {
	name := ""
	if sess, err := e.sessions.GetSession(ctx, key); err == nil {
		name = sess.Name
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if err := e.EraseUser(ctx, key); err != nil {
		return nil, err
	}
	return e.createSession(ctx, key, name)
}

func (e *Engine) loadOrCreate(ctx context.Context, key, name string) (*models.Session, error) {
	sess, err := e.sessions.GetSession(ctx, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	return e.createSession(ctx, key, name)
}

// createSession seeds a session at the start node of the default campaign's
// first level.
func (e *Engine) createSession(ctx context.Context, key, name string) (*models.Session, error) {
	if e.defaultCampaign == "" {
		return nil, ErrNoDefaultCampaign
	}
	c, err := e.campaigns.GetCampaign(ctx, e.defaultCampaign)
	if err != nil {
		return nil, fmt.Errorf("failed to load default campaign: %w", err)
	}
	first, ok := c.FirstLevel()
	if !ok {
		return nil, fmt.Errorf("campaign %s has no levels", c.ID)
	}
	g, err := e.graphs.GetGraph(ctx, first)
	if err != nil {
		return nil, fmt.Errorf("failed to load first level of campaign %s: %w", c.ID, err)
	}
	start := g.StartNode()
	if start == nil {
		return nil, &models.GraphIntegrityError{GraphID: g.ID, Message: msgNodeNotFound("start")}
	}
	sess := &models.Session{
		PhoneNumber:       key,
		Name:              name,
		CurrentCampaignID: c.ID,
		CurrentLevelID:    g.ID,
		CurrentNodeID:     start.ID,
		SessionExpiresAt:  e.now().Add(e.sessionTTL).UnixMilli(),
		CurrentLevelScore: map[string]int{},
		MaxLevelID:        g.ID,
	}
	if err := e.sessions.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", key, err)
	}
	slog.Info("Engine.createSession: new user", "user", key, "campaign", c.ID, "level", g.ID)
	return sess, nil
}
