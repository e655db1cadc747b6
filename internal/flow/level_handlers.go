package flow

import (
	"context"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// afterLevelEmit records n as the user's position, together with extra, and
// re-arms the nudge the node resolves to. Without one the live nudge is
// cancelled.
func (w *walk) afterLevelEmit(ctx context.Context, g *models.FlowGraph, n models.Node, extra models.SessionUpdate) error {
	nudgeID := resolveNudge(n.Nudge, w.sess.CurrentNudgeID)
	pos := models.SessionUpdate{
		CurrentNodeID:  models.Set(n.ID),
		CurrentLevelID: models.Set(g.ID),
	}
	if nudgeID != "" {
		pos.CurrentNudgeID = models.Set(nudgeID)
	} else {
		pos.CurrentNudgeID = models.Clear[string]()
	}
	if err := w.apply(ctx, extra.Merge(pos)); err != nil {
		return err
	}
	if nudgeID == "" {
		return w.e.nudges.Cancel(ctx, w.key)
	}
	return w.armNudge(ctx, nudgeID)
}

// resolveNudge applies a node's nudge override to the session's current nudge.
func resolveNudge(override, current string) string {
	switch override {
	case "", models.NudgeInherit:
		return current
	case models.NudgeNone:
		return ""
	default:
		return override
	}
}

// armNudge walks the nudge graph from its start node, which schedules the
// graph's first delay.
func (w *walk) armNudge(ctx context.Context, graphID string) error {
	ng, err := w.e.graphs.GetGraph(ctx, graphID)
	if err != nil {
		return err
	}
	start := ng.StartNode()
	if start == nil {
		return &models.GraphIntegrityError{GraphID: ng.ID, Message: "nudge graph has no start node"}
	}
	nested := &walk{e: w.e, key: w.key, sess: w.sess, campaign: w.campaign}
	if _, err := nested.run(ctx, ng, start.ID); err != nil {
		return err
	}
	w.sess = nested.sess
	return nil
}

func advanceIfElse(_ context.Context, w *walk, g *models.FlowGraph, n models.Node) (Transition, error) {
	d := n.Data.(models.IfElseData)
	branch := w.scope().Branch(d.Conditions)
	next, err := followIndex(g, n, branch)
	return Transition{Node: next}, err
}

func emitMessage(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	w.sendText(ctx, n.Data.(models.MessageData).Text)
	return w.afterLevelEmit(ctx, g, n, models.SessionUpdate{})
}

// advanceLevelStart leaves the start node with an empty level score.
func advanceLevelStart(_ context.Context, _ *walk, g *models.FlowGraph, n models.Node) (Transition, error) {
	next, err := followEdge(g, n, "")
	return Transition{Node: next, Update: models.SessionUpdate{CurrentLevelScore: models.Set(map[string]int{})}}, err
}

func emitLevelStart(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	return w.afterLevelEmit(ctx, g, n, models.SessionUpdate{CurrentLevelScore: models.Set(map[string]int{})})
}

func advancePrompt(_ context.Context, w *walk, g *models.FlowGraph, n models.Node) (Transition, error) {
	input, err := requireInput(w, n)
	if err != nil {
		return Transition{}, err
	}
	d := n.Data.(models.PromptData)
	if d.Type == models.PromptInputNumber {
		if _, ok := leadingInt(input); !ok {
			return Transition{}, &models.InputValidationError{NodeID: n.ID, Input: input, Message: msgNumberRequired(input)}
		}
		length := utf8.RuneCountInString(input)
		if d.Max != 0 && length > d.Max {
			return Transition{}, &models.InputValidationError{NodeID: n.ID, Input: input, Message: msgInputOverRange(input, d.Max)}
		}
		if d.Min != 0 && length < d.Min {
			return Transition{}, &models.InputValidationError{NodeID: n.ID, Input: input, Message: msgInputUnderRange(input, d.Min)}
		}
	}
	next, err := followEdge(g, n, "")
	return Transition{Node: next, Update: models.SessionUpdate{PromptInput: models.Set(input)}}, err
}

// leadingInt parses the integer prefix of s, after leading white space.
func leadingInt(s string) (int, bool) {
	s = strings.TrimLeft(s, " \t\n\r\f\v")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	v, err := strconv.Atoi(s[:end])
	if err != nil {
		// Out of range; still a number.
		return 0, true
	}
	return v, true
}

func emitPrompt(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	if text := n.Data.(models.PromptData).Text; text != "" {
		w.sendText(ctx, text)
	}
	return w.afterLevelEmit(ctx, g, n, models.SessionUpdate{})
}

func advanceButton(_ context.Context, w *walk, g *models.FlowGraph, n models.Node) (Transition, error) {
	input, err := requireInput(w, n)
	if err != nil {
		return Transition{}, err
	}
	i, err := matchOption(n, input, n.Data.(models.ButtonData).Buttons)
	if err != nil {
		return Transition{}, err
	}
	next, err := followIndex(g, n, i)
	return Transition{Node: next}, err
}

func emitButton(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	d := n.Data.(models.ButtonData)
	w.sendChoice(ctx, d.Text, d.Buttons, d.Footer)
	return w.afterLevelEmit(ctx, g, n, models.SessionUpdate{})
}

// advanceList follows the chosen option. A scored list records the first
// answer only.
func advanceList(_ context.Context, w *walk, g *models.FlowGraph, n models.Node) (Transition, error) {
	input, err := requireInput(w, n)
	if err != nil {
		return Transition{}, err
	}
	d := n.Data.(models.ListData)
	i, err := matchOption(n, input, d.Buttons)
	if err != nil {
		return Transition{}, err
	}
	var upd models.SessionUpdate
	if _, marked := w.sess.CurrentLevelScore[n.ID]; d.CorrectIndex != nil && !marked {
		point := 0
		if i == *d.CorrectIndex {
			point = 1
		}
		scores := maps.Clone(w.sess.CurrentLevelScore)
		if scores == nil {
			scores = map[string]int{}
		}
		scores[n.ID] = point
		upd.CurrentLevelScore = models.Set(scores)
		upd.TotalScore = models.Set(w.sess.TotalScore + point)
	}
	next, err := followIndex(g, n, i)
	return Transition{Node: next, Update: upd}, err
}

func emitList(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	d := n.Data.(models.ListData)
	w.sendList(ctx, d.Text, listSections(d.Buttons), models.ListOptions{
		Header: d.Header,
		Footer: d.Footer,
		Button: d.ButtonLabel,
	})
	return w.afterLevelEmit(ctx, g, n, models.SessionUpdate{})
}

// listSections puts each option in its own single-row section.
func listSections(options []string) []models.ListSection {
	sections := make([]models.ListSection, 0, len(options))
	for i, o := range options {
		id := strconv.Itoa(i + 1)
		sections = append(sections, models.ListSection{
			Title: "option-" + id,
			Rows:  []models.ListRow{{ID: id, Title: o}},
		})
	}
	return sections
}

// advanceLevelEnd moves to the start of the campaign's next level. At the
// last level the walk stays put.
func advanceLevelEnd(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) (Transition, error) {
	next, err := w.nextLevel(ctx, g.ID)
	if err != nil {
		return Transition{}, err
	}
	if next == nil {
		slog.Debug("flow.advanceLevelEnd: campaign complete", "user", w.key, "graph", g.ID)
		return stay(g, n), nil
	}
	start := next.StartNode()
	if start == nil {
		return Transition{}, &models.GraphIntegrityError{GraphID: next.ID, Message: msgNodeNotFound("start")}
	}
	return Transition{Graph: next, Node: *start}, nil
}

func emitLevelEnd(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	if text := n.Data.(models.EndData).Text; text != "" {
		w.sendText(ctx, text)
	}
	return w.afterLevelEmit(ctx, g, n, models.SessionUpdate{})
}

func emitVideo(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	d := n.Data.(models.VideoData)
	refType := d.MediaType
	if refType == "" {
		refType = models.MediaRefID
	}
	w.sendMedia(ctx, models.MediaVideo, d.Media, refType, d.Caption)
	return w.afterLevelEmit(ctx, g, n, models.SessionUpdate{})
}

// advanceLevelDelay holds the walk until the stored wake time has passed.
func advanceLevelDelay(_ context.Context, w *walk, g *models.FlowGraph, n models.Node) (Transition, error) {
	till := w.sess.DelayWaitTillUnix
	if till != 0 && w.e.now().UnixMilli() < till {
		return stay(g, n), nil
	}
	next, err := followEdge(g, n, "")
	return Transition{Node: next, Update: models.SessionUpdate{DelayWaitTillUnix: models.Clear[int64]()}}, err
}

// emitLevelDelay starts the wait on arrival. While a wait is running only the
// waiting message is sent.
func emitLevelDelay(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	d := n.Data.(models.DelayData)
	if w.sess.DelayWaitTillUnix != 0 {
		if d.Message != "" {
			w.sendText(ctx, d.Message)
		}
		return nil
	}
	till := w.e.now().Add(time.Duration(d.DelayInSecs) * time.Second).UnixMilli()
	return w.afterLevelEmit(ctx, g, n, models.SessionUpdate{DelayWaitTillUnix: models.Set(till)})
}

func emitDocument(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	w.sendMedia(ctx, models.MediaDocument, n.Data.(models.DocumentData).ID, models.MediaRefID, "")
	return w.afterLevelEmit(ctx, g, n, models.SessionUpdate{})
}

// emitUserUpdate writes the node's non-empty fields into the session.
func emitUserUpdate(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	d := n.Data.(models.UserUpdateData)
	var upd models.SessionUpdate
	if d.Name != "" {
		upd.Name = models.Set(d.Name)
	}
	if age := strings.TrimSpace(d.Age); age != "" {
		if v, err := strconv.Atoi(age); err == nil {
			upd.Age = models.Set(v)
		} else {
			slog.Warn("flow.emitUserUpdate: ignoring non-numeric age", "user", w.key, "node", n.ID, "age", age)
		}
	}
	if d.DiseCode != "" {
		ob := w.sess.Onboarding
		ob.DiseCode = d.DiseCode
		upd.Onboarding = models.Set(ob)
	}
	return w.afterLevelEmit(ctx, g, n, upd)
}
