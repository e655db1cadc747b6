package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// CommandPrefix starts a slash command.
const CommandPrefix = "/"

var levelCommandPattern = regexp.MustCompile(`^level-(\d+)$`)

// isCommand reports whether input should be handled as a command for a user
// walking a graph of kind k.
func (w *walk) isCommand(input string, k models.GraphKind) bool {
	if !strings.HasPrefix(input, CommandPrefix) {
		return false
	}
	return k == models.GraphKindLevel || w.e.isAdmin(w.key)
}

// command runs input as a slash command. It reports false for text that is
// not a known command, which is then walked as ordinary input.
func (w *walk) command(ctx context.Context, input string) (bool, error) {
	name := strings.TrimSpace(strings.TrimPrefix(input, CommandPrefix))
	switch {
	case name == "help":
		w.sendText(ctx, helpText)
		return true, nil
	case name == "levels":
		return true, w.listLevels(ctx)
	case name == "clean":
		return true, w.clean(ctx)
	}
	if m := levelCommandPattern.FindStringSubmatch(name); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			n = 0
		}
		return true, w.switchLevel(ctx, n)
	}
	return false, nil
}

// listLevels sends the campaign's levels, marking the ones past the user's
// max level as locked.
func (w *walk) listLevels(ctx context.Context) error {
	c := w.loadCampaign(ctx)
	if c == nil {
		return models.NewNotFound("campaign", w.sess.CurrentCampaignID)
	}
	maxIdx := c.LevelIndex(w.sess.MaxLevelID)
	var b strings.Builder
	b.WriteString(levelsHeader)
	for i, id := range c.Levels {
		name := id
		if g, err := w.e.graphs.GetGraph(ctx, id); err == nil && g.Name != "" {
			name = g.Name
		} else if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		lock := ""
		if i > maxIdx {
			lock = " 🔒"
		}
		fmt.Fprintf(&b, "\n\nLevel %d%s: %s", i+1, lock, name)
	}
	w.sendText(ctx, b.String())
	return nil
}

// switchLevel parks the user on the start node of level n (1-based). The
// next message walks from there.
func (w *walk) switchLevel(ctx context.Context, n int) error {
	g, start, err := w.levelStart(ctx, n-1)
	if errors.Is(err, models.ErrNotFound) {
		w.sendText(ctx, fmt.Sprintf("Level %d does not exist. Use /levels to see the available levels.", n))
		return nil
	}
	if err != nil {
		return err
	}
	if err := w.apply(ctx, models.SessionUpdate{
		CurrentLevelID:    models.Set(g.ID),
		CurrentNodeID:     models.Set(start.ID),
		CurrentLevelScore: models.Set(map[string]int{}),
		DelayWaitTillUnix: models.Clear[int64](),
	}); err != nil {
		return err
	}
	slog.Info("flow.switchLevel: level switched", "user", w.key, "level", g.ID)
	name := g.Name
	if name == "" {
		name = g.ID
	}
	w.sendText(ctx, fmt.Sprintf("Switched to Level %d: %s. Send any message to start.", n, name))
	return nil
}

// clean erases the user. The nudge goes first so it cannot fire for a
// session that no longer exists.
func (w *walk) clean(ctx context.Context) error {
	if err := w.e.nudges.Cancel(ctx, w.key); err != nil {
		return err
	}
	if err := w.e.sessions.DeleteSession(ctx, w.key); err != nil {
		return err
	}
	slog.Info("flow.clean: session deleted", "user", w.key)
	w.sendText(ctx, cleanReply)
	return nil
}
