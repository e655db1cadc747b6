package flow

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// twoLevels is a campaign of a name prompt level followed by a button level.
func twoLevels() []*models.FlowGraph {
	l1 := graph("l1", models.GraphKindLevel, []models.Node{
		node("s1", models.StartData{}),
		node("p1", models.PromptData{Text: "What is your name?"}),
		node("m1", models.MessageData{Text: "Hello ${user.prompt_input}, score ${user.total_score}"}),
		node("e1", models.EndData{Text: "Level done"}),
	}, edge("s1", "p1"), edge("p1", "m1"), edge("m1", "e1"))

	l2 := graph("l2", models.GraphKindLevel, []models.Node{
		node("s2", models.StartData{}),
		node("b2", models.ButtonData{Text: "Pick one", Buttons: []string{"A", "B"}, Footer: "choose"}),
		node("ma", models.MessageData{Text: "You chose A"}),
		node("mb", models.MessageData{Text: "You chose B"}),
		node("e2", models.EndData{}),
	}, edge("s2", "b2"), handleEdge("b2", "ma", "0"), handleEdge("b2", "mb", "1"), edge("ma", "e2"), edge("mb", "e2"))
	return []*models.FlowGraph{l1, l2}
}

func TestNewUserIsSeededAndPausesAtFirstContent(t *testing.T) {
	env := newTestEnv(t, twoLevels(), nil)

	res := env.send(t, "hi")
	if res.State != StatePaused || res.NodeID != "p1" {
		t.Fatalf("expected pause at p1, got %+v", res)
	}
	sess := env.session(t)
	if sess.CurrentCampaignID != "camp" || sess.CurrentLevelID != "l1" || sess.CurrentNodeID != "p1" {
		t.Errorf("unexpected position: %+v", sess)
	}
	if sess.MaxLevelID != "l1" {
		t.Errorf("expected max level l1, got %q", sess.MaxLevelID)
	}
	if sess.CurrentLevelScore == nil || len(sess.CurrentLevelScore) != 0 {
		t.Errorf("expected empty level score, got %v", sess.CurrentLevelScore)
	}
	if sess.Name != "Asha" {
		t.Errorf("expected sender name to be stored, got %q", sess.Name)
	}
	if want := env.clock.Now().Add(DefaultSessionTTL).UnixMilli(); sess.SessionExpiresAt != want {
		t.Errorf("SessionExpiresAt = %d, want %d", sess.SessionExpiresAt, want)
	}
	if got := env.sender.texts(); !slices.Equal(got, []string{"What is your name?"}) {
		t.Errorf("unexpected messages: %q", got)
	}
}

func TestSessionExpiryIsSetAtCreationOnly(t *testing.T) {
	env := newTestEnv(t, twoLevels(), nil)

	env.send(t, "hi")
	created := env.session(t).SessionExpiresAt

	env.clock.Advance(time.Hour)
	env.send(t, "Asha")
	if got := env.session(t).SessionExpiresAt; got != created {
		t.Errorf("SessionExpiresAt moved on a later message: %d, want %d", got, created)
	}
}

func TestEndOfLevelMovesToNextLevel(t *testing.T) {
	env := newTestEnv(t, twoLevels(), nil)
	env.send(t, "hi")
	env.sender.reset()

	res := env.send(t, "Ravi")
	if res.State != StatePaused || res.GraphID != "l2" || res.NodeID != "b2" {
		t.Fatalf("expected pause at l2/b2, got %+v", res)
	}
	sess := env.session(t)
	if sess.CurrentLevelID != "l2" || sess.CurrentNodeID != "b2" {
		t.Errorf("unexpected position: %s/%s", sess.CurrentLevelID, sess.CurrentNodeID)
	}
	if sess.MaxLevelID != "l2" {
		t.Errorf("expected max level watermark l2, got %q", sess.MaxLevelID)
	}
	if sess.PromptInput != "Ravi" {
		t.Errorf("expected prompt input Ravi, got %q", sess.PromptInput)
	}

	msgs := env.sender.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Text != "Hello Ravi, score 0" {
		t.Errorf("interpolated message = %q", msgs[0].Text)
	}
	if msgs[1].Text != "Level done" {
		t.Errorf("end message = %q", msgs[1].Text)
	}
	if msgs[2].Kind != "choice" || !slices.Equal(msgs[2].Options, []string{"A", "B"}) || msgs[2].Footer != "choose" {
		t.Errorf("unexpected choice message: %+v", msgs[2])
	}
}

func TestWatermarkDoesNotMoveBackwards(t *testing.T) {
	env := newTestEnv(t, twoLevels(), nil)
	env.park(t, "l1", "p1", func(s *models.Session) { s.MaxLevelID = "l2" })

	env.send(t, "Ravi")
	// The walk passed through l1 before reaching l2; the watermark stays.
	if got := env.session(t).MaxLevelID; got != "l2" {
		t.Errorf("MaxLevelID = %q, want l2", got)
	}
}

func TestButtonChoiceFollowsMatchingHandle(t *testing.T) {
	env := newTestEnv(t, twoLevels(), nil)
	env.park(t, "l2", "b2")

	res := env.send(t, "B")
	if res.State != StatePaused {
		t.Fatalf("expected paused, got %s", res.State)
	}
	if got := env.sender.texts(); len(got) == 0 || got[0] != "You chose B" {
		t.Errorf("expected B branch, got %q", got)
	}
	// Last level: the walk stops at the end node without re-sending it.
	if got := env.session(t).CurrentNodeID; got != "e2" {
		t.Errorf("CurrentNodeID = %q, want e2", got)
	}
}

func TestButtonChoiceWithoutMatchRepeatsNode(t *testing.T) {
	env := newTestEnv(t, twoLevels(), nil)
	env.park(t, "l2", "b2")

	res := env.send(t, "C")
	if res.State != StateFailed {
		t.Fatalf("expected failed state, got %s", res.State)
	}
	var iv *models.InputValidationError
	if !errors.As(res.Err, &iv) {
		t.Fatalf("expected InputValidationError, got %v", res.Err)
	}
	msgs := env.sender.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected guidance and re-sent node, got %+v", msgs)
	}
	if msgs[0].Text != msgNoMatchingOption("C") {
		t.Errorf("guidance = %q", msgs[0].Text)
	}
	if msgs[1].Kind != "choice" || msgs[1].Text != "Pick one" {
		t.Errorf("expected button node re-sent, got %+v", msgs[1])
	}
	if got := env.session(t).CurrentNodeID; got != "b2" {
		t.Errorf("CurrentNodeID = %q, want b2", got)
	}
}

func TestLastLevelEndIsResentWhenParked(t *testing.T) {
	levels := twoLevels()[:1]
	env := newTestEnv(t, levels, nil)
	env.park(t, "l1", "e1")

	res := env.send(t, "hello?")
	if res.State != StatePaused || res.NodeID != "e1" {
		t.Fatalf("expected pause at e1, got %+v", res)
	}
	if got := env.sender.texts(); !slices.Equal(got, []string{"Level done"}) {
		t.Errorf("unexpected messages: %q", got)
	}
}

func TestIfElseBranches(t *testing.T) {
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		node("c", models.IfElseData{Conditions: []models.Condition{
			{Variable: "chat.input", Operator: models.OpEqual, Type: models.ConditionString, Value: "yes"},
			{Variable: "chat.input", Operator: models.OpEqual, Type: models.ConditionString, Value: "no"},
		}}),
		node("y", models.MessageData{Text: "yes branch"}),
		node("n", models.MessageData{Text: "no branch"}),
		node("o", models.MessageData{Text: "else branch"}),
		node("p", models.PromptData{}),
	},
		edge("s", "c"),
		handleEdge("c", "y", "0"), handleEdge("c", "n", "1"), handleEdge("c", "o", "2"),
		edge("y", "p"), edge("n", "p"), edge("o", "p"),
	)

	tests := []struct {
		input string
		want  string
	}{
		{"yes", "yes branch"},
		{"no", "no branch"},
		{"maybe", "else branch"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			env := newTestEnv(t, []*models.FlowGraph{level}, nil)
			env.park(t, "l1", "c")
			env.send(t, tt.input)
			if got := env.sender.texts(); !slices.Equal(got, []string{tt.want}) {
				t.Errorf("messages = %q, want [%q]", got, tt.want)
			}
			if got := env.session(t).CurrentNodeID; got != "p" {
				t.Errorf("CurrentNodeID = %q, want p", got)
			}
		})
	}
}

func TestWalkStepBudget(t *testing.T) {
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		node("a", models.MessageData{Text: "a"}),
		node("b", models.MessageData{Text: "b"}),
	}, edge("s", "a"), edge("a", "b"), edge("b", "a"))
	env := newTestEnv(t, []*models.FlowGraph{level}, nil)
	env.park(t, "l1", "s")

	_, err := env.engine.HandleInbound(context.Background(), models.InboundEvent{
		SenderID: testUser, MessageType: models.MessageTypeText, Text: "go",
	})
	var gi *models.GraphIntegrityError
	if !errors.As(err, &gi) {
		t.Fatalf("expected GraphIntegrityError, got %v", err)
	}
	texts := env.sender.texts()
	// One message per step, then the failure notice.
	if want := DefaultStepsPerNode*3 + 1; len(texts) != want {
		t.Fatalf("expected %d messages, got %d", want, len(texts))
	}
	if texts[len(texts)-1] != msgWalkFailed {
		t.Errorf("expected failure notice last, got %q", texts[len(texts)-1])
	}
}

func TestMissingCurrentNode(t *testing.T) {
	env := newTestEnv(t, twoLevels(), nil)
	env.park(t, "l1", "ghost")

	_, err := env.engine.HandleInbound(context.Background(), models.InboundEvent{
		SenderID: testUser, MessageType: models.MessageTypeText, Text: "hi",
	})
	var gi *models.GraphIntegrityError
	if !errors.As(err, &gi) || gi.NodeID != "ghost" {
		t.Fatalf("expected GraphIntegrityError for ghost, got %v", err)
	}
	if got := env.sender.texts(); !slices.Equal(got, []string{msgWalkFailed}) {
		t.Errorf("unexpected messages: %q", got)
	}
}

func TestMissingEdgeIsReportedAndNodeResent(t *testing.T) {
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		node("p", models.PromptData{Text: "Say something"}),
	}, edge("s", "p"))
	env := newTestEnv(t, []*models.FlowGraph{level}, nil)
	env.park(t, "l1", "p")

	res := env.send(t, "hello")
	if res.State != StateFailed {
		t.Fatalf("expected failed state, got %s", res.State)
	}
	want := []string{msgEdgeNotFound("p", "0"), "Say something"}
	if got := env.sender.texts(); !slices.Equal(got, want) {
		t.Errorf("messages = %q, want %q", got, want)
	}
}

func TestSendFailuresDoNotStopTheWalk(t *testing.T) {
	env := newTestEnv(t, twoLevels(), nil)
	env.sender.err = errors.New("channel down")

	res := env.send(t, "hi")
	if res.State != StatePaused || res.NodeID != "p1" {
		t.Fatalf("expected pause at p1, got %+v", res)
	}
}

func TestNoDefaultCampaign(t *testing.T) {
	env := newTestEnv(t, twoLevels(), nil, WithDefaultCampaign(""))
	_, err := env.engine.HandleInbound(context.Background(), models.InboundEvent{
		SenderID: testUser, MessageType: models.MessageTypeText, Text: "hi",
	})
	if !errors.Is(err, ErrNoDefaultCampaign) {
		t.Fatalf("expected ErrNoDefaultCampaign, got %v", err)
	}
}

func TestMediaIsEchoed(t *testing.T) {
	env := newTestEnv(t, twoLevels(), nil)
	env.park(t, "l1", "p1")

	_, err := env.engine.HandleInbound(context.Background(), models.InboundEvent{
		SenderID: testUser, MessageType: models.MessageTypeImage, MediaID: "media-1",
	})
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	msgs := env.sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one echo, got %+v", msgs)
	}
	m := msgs[0]
	if m.Kind != "media" || m.Media != models.MediaImage || m.Ref != "media-1" || m.RefType != models.MediaRefID || m.Caption != "media-1" {
		t.Errorf("unexpected echo: %+v", m)
	}
	if got := env.session(t).CurrentNodeID; got != "p1" {
		t.Errorf("media must not move the walk, node = %q", got)
	}
}

func TestStickerIsIgnored(t *testing.T) {
	env := newTestEnv(t, twoLevels(), nil)
	env.park(t, "l1", "p1")

	_, err := env.engine.HandleInbound(context.Background(), models.InboundEvent{
		SenderID: testUser, MessageType: models.MessageTypeSticker,
	})
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if got := env.sender.messages(); len(got) != 0 {
		t.Errorf("expected no messages, got %+v", got)
	}
}

func TestResetAndEraseUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, twoLevels(), nil)
	env.park(t, "l2", "b2", func(s *models.Session) { s.TotalScore = 4 })
	if err := env.sched.Schedule(ctx, testUser, "remind", "d", env.clock.Now()); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	sess, err := env.engine.ResetUser(ctx, testUser)
	if err != nil {
		t.Fatalf("ResetUser failed: %v", err)
	}
	if sess.CurrentLevelID != "l1" || sess.CurrentNodeID != "s1" || sess.TotalScore != 0 || sess.Name != "Asha" {
		t.Errorf("unexpected reset session: %+v", sess)
	}
	if n := env.liveNudge(t); n != nil {
		t.Errorf("expected nudge to be cancelled, got %+v", n)
	}

	if err := env.engine.EraseUser(ctx, testUser); err != nil {
		t.Fatalf("EraseUser failed: %v", err)
	}
	if _, err := env.engine.Session(ctx, testUser); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound after erase, got %v", err)
	}
}
