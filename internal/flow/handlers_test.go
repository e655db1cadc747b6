package flow

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestHandlerTablePauseFlags(t *testing.T) {
	table := NewHandlerTable()
	tests := []struct {
		nt    models.NodeType
		kind  models.GraphKind
		pause bool
	}{
		{models.NodeTypeIfElse, models.GraphKindLevel, false},
		{models.NodeTypeMessage, models.GraphKindLevel, false},
		{models.NodeTypeMessage, models.GraphKindNudge, false},
		{models.NodeTypeStart, models.GraphKindLevel, false},
		{models.NodeTypeStart, models.GraphKindNudge, false},
		{models.NodeTypePrompt, models.GraphKindLevel, true},
		{models.NodeTypeButton, models.GraphKindLevel, true},
		{models.NodeTypeList, models.GraphKindLevel, true},
		{models.NodeTypeEnd, models.GraphKindLevel, false},
		{models.NodeTypeEnd, models.GraphKindNudge, true},
		{models.NodeTypeVideo, models.GraphKindLevel, false},
		{models.NodeTypeDelay, models.GraphKindLevel, true},
		{models.NodeTypeDelay, models.GraphKindNudge, true},
		{models.NodeTypeDocument, models.GraphKindLevel, false},
		{models.NodeTypeUserUpdate, models.GraphKindLevel, false},
		{models.NodeTypeLinkParser, models.GraphKindLevel, false},
		{models.NodeTypeValidateDise, models.GraphKindLevel, false},
		{models.NodeTypeConfirmSchool, models.GraphKindLevel, true},
	}
	for _, tt := range tests {
		h, err := table.Lookup(tt.nt, tt.kind)
		if err != nil {
			t.Errorf("Lookup(%s, %s) failed: %v", tt.nt, tt.kind, err)
			continue
		}
		if h.PauseAfterEmit != tt.pause {
			t.Errorf("%s/%s PauseAfterEmit = %v, want %v", tt.nt, tt.kind, h.PauseAfterEmit, tt.pause)
		}
	}

	for _, nt := range []models.NodeType{models.NodeTypePrompt, models.NodeTypeButton, models.NodeTypeIfElse} {
		if _, err := table.Lookup(nt, models.GraphKindNudge); err == nil {
			t.Errorf("expected no nudge handler for %s", nt)
		}
	}
}

func TestLinearNodesRecordTargetPosition(t *testing.T) {
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		node("m", models.MessageData{Text: "hello"}),
		node("v", models.VideoData{Media: "https://cdn.example/v.mp4", MediaType: models.MediaRefLink, Caption: "Watch"}),
		node("d", models.DocumentData{ID: "doc-1"}),
		node("p", models.PromptData{}),
	}, edge("s", "m"), edge("m", "v"), edge("v", "d"), edge("d", "p"))

	for _, from := range []string{"s", "m", "v", "d"} {
		t.Run(from, func(t *testing.T) {
			env := newTestEnv(t, []*models.FlowGraph{level}, nil)
			env.park(t, "l1", from)
			env.send(t, "next")
			if got := env.session(t).CurrentNodeID; got != "p" {
				t.Errorf("CurrentNodeID = %q, want p", got)
			}
		})
	}

	env := newTestEnv(t, []*models.FlowGraph{level}, nil)
	env.park(t, "l1", "s")
	env.send(t, "next")
	msgs := env.sender.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %+v", msgs)
	}
	if v := msgs[1]; v.Media != models.MediaVideo || v.Ref != "https://cdn.example/v.mp4" || v.RefType != models.MediaRefLink || v.Caption != "Watch" {
		t.Errorf("unexpected video message: %+v", v)
	}
	if d := msgs[2]; d.Media != models.MediaDocument || d.Ref != "doc-1" || d.RefType != models.MediaRefID || d.Caption != "" {
		t.Errorf("unexpected document message: %+v", d)
	}
}

func TestPromptValidation(t *testing.T) {
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		node("p", models.PromptData{Text: "Enter your PIN", Type: models.PromptInputNumber, Min: 2, Max: 4}),
		node("done", models.PromptData{Text: "Thanks"}),
	}, edge("s", "p"), edge("p", "done"))

	tests := []struct {
		input string
		want  string
	}{
		{"abc", msgNumberRequired("abc")},
		{"12345", msgInputOverRange("12345", 4)},
		{"7", msgInputUnderRange("7", 2)},
		{" ", msgInputNotFound},
		{"42", ""},
		{"12ab", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			env := newTestEnv(t, []*models.FlowGraph{level}, nil)
			env.park(t, "l1", "p")
			env.send(t, tt.input)
			sess := env.session(t)
			if tt.want == "" {
				if sess.CurrentNodeID != "done" || sess.PromptInput != tt.input {
					t.Errorf("expected input accepted, got node %q input %q", sess.CurrentNodeID, sess.PromptInput)
				}
				return
			}
			want := []string{tt.want, "Enter your PIN"}
			if got := env.sender.texts(); !slices.Equal(got, want) {
				t.Errorf("messages = %q, want %q", got, want)
			}
			if sess.CurrentNodeID != "p" {
				t.Errorf("CurrentNodeID = %q, want p", sess.CurrentNodeID)
			}
		})
	}
}

func TestLeadingInt(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"42", 42, true},
		{"  -7 apples", -7, true},
		{"+3", 3, true},
		{"12ab", 12, true},
		{"abc", 0, false},
		{"-", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := leadingInt(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("leadingInt(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLevelDelay(t *testing.T) {
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		node("d", models.DelayData{DelayInSecs: 60, Message: "Please wait"}),
		node("m", models.MessageData{Text: "After the wait"}),
		node("p", models.PromptData{}),
	}, edge("s", "d"), edge("d", "m"), edge("m", "p"))
	env := newTestEnv(t, []*models.FlowGraph{level}, nil)
	env.park(t, "l1", "s")

	// Arriving starts the wait without sending anything.
	res := env.send(t, "hi")
	if res.State != StatePaused || res.NodeID != "d" {
		t.Fatalf("expected pause at d, got %+v", res)
	}
	wantTill := env.clock.Now().Add(60 * time.Second).UnixMilli()
	if got := env.session(t).DelayWaitTillUnix; got != wantTill {
		t.Fatalf("DelayWaitTillUnix = %d, want %d", got, wantTill)
	}
	if got := env.sender.messages(); len(got) != 0 {
		t.Errorf("expected no messages on arrival, got %+v", got)
	}

	// Early messages stay on the node and get the waiting message.
	for i := 0; i < 2; i++ {
		env.sender.reset()
		env.clock.Advance(10 * time.Second)
		env.send(t, "are we there yet")
		sess := env.session(t)
		if sess.CurrentNodeID != "d" || sess.DelayWaitTillUnix != wantTill {
			t.Fatalf("early message moved the walk: node %q till %d", sess.CurrentNodeID, sess.DelayWaitTillUnix)
		}
		if got := env.sender.texts(); !slices.Equal(got, []string{"Please wait"}) {
			t.Errorf("messages = %q", got)
		}
	}

	env.sender.reset()
	env.clock.Advance(time.Minute)
	env.send(t, "now?")
	sess := env.session(t)
	if sess.CurrentNodeID != "p" || sess.DelayWaitTillUnix != 0 {
		t.Errorf("expected wait cleared and walk at p, got node %q till %d", sess.CurrentNodeID, sess.DelayWaitTillUnix)
	}
	if got := env.sender.texts(); !slices.Equal(got, []string{"After the wait"}) {
		t.Errorf("messages = %q", got)
	}
}

func TestLevelDelayAdvanceIsIdempotentOnceDue(t *testing.T) {
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		node("d", models.DelayData{DelayInSecs: 60}),
		node("p", models.PromptData{}),
	}, edge("s", "d"), edge("d", "p"))
	env := newTestEnv(t, []*models.FlowGraph{level}, nil)
	g, _ := env.store.GetGraph(context.Background(), "l1")
	d := *g.Node("d")

	sess := &models.Session{PhoneNumber: testUser, DelayWaitTillUnix: env.clock.Now().Add(-time.Second).UnixMilli()}
	w := env.engine.newWalk(sess, "")
	for i := 0; i < 3; i++ {
		tr, err := advanceLevelDelay(context.Background(), w, g, d)
		if err != nil {
			t.Fatalf("advance failed: %v", err)
		}
		if tr.Node.ID != "p" || !tr.Update.DelayWaitTillUnix.IsClear() {
			t.Fatalf("call %d: expected edge followed with wait cleared, got %+v", i, tr)
		}
		// Apply the clear as the driver would.
		tr.Update.Apply(w.sess)
	}

	w.sess.DelayWaitTillUnix = env.clock.Now().Add(time.Hour).UnixMilli()
	for i := 0; i < 3; i++ {
		tr, _ := advanceLevelDelay(context.Background(), w, g, d)
		if tr.Node.ID != "d" || !tr.Update.IsEmpty() {
			t.Fatalf("call %d: expected no progress, got %+v", i, tr)
		}
	}
}

func TestListScoresFirstAnswerOnly(t *testing.T) {
	correct := 1
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		node("q", models.ListData{
			Text:         "2 + 2 = ?",
			Buttons:      []string{"3", "4", "5"},
			Header:       "Quiz",
			Footer:       "pick one",
			ButtonLabel:  "Answers",
			CorrectIndex: &correct,
		}),
		node("p", models.PromptData{}),
	}, edge("s", "q"), handleEdge("q", "p", "0"), handleEdge("q", "p", "1"), handleEdge("q", "p", "2"))

	env := newTestEnv(t, []*models.FlowGraph{level}, nil)
	env.park(t, "l1", "s")
	env.send(t, "hi")
	msgs := env.sender.messages()
	if len(msgs) != 1 || msgs[0].Kind != "list" {
		t.Fatalf("expected one list message, got %+v", msgs)
	}
	wantSections := []models.ListSection{
		{Title: "option-1", Rows: []models.ListRow{{ID: "1", Title: "3"}}},
		{Title: "option-2", Rows: []models.ListRow{{ID: "2", Title: "4"}}},
		{Title: "option-3", Rows: []models.ListRow{{ID: "3", Title: "5"}}},
	}
	for i, s := range msgs[0].Sections {
		if s.Title != wantSections[i].Title || !slices.Equal(s.Rows, wantSections[i].Rows) {
			t.Errorf("section %d = %+v, want %+v", i, s, wantSections[i])
		}
	}
	if msgs[0].List != (models.ListOptions{Header: "Quiz", Footer: "pick one", Button: "Answers"}) {
		t.Errorf("unexpected list options: %+v", msgs[0].List)
	}

	env.send(t, "4")
	sess := env.session(t)
	if sess.TotalScore != 1 || sess.CurrentLevelScore["q"] != 1 {
		t.Fatalf("expected correct answer scored, got total %d level %v", sess.TotalScore, sess.CurrentLevelScore)
	}

	// A second visit to the same node does not score again.
	env.park(t, "l1", "q", func(s *models.Session) {
		s.TotalScore = 1
		s.CurrentLevelScore = map[string]int{"q": 1}
	})
	env.send(t, "3")
	sess = env.session(t)
	if sess.TotalScore != 1 || sess.CurrentLevelScore["q"] != 1 || sess.CurrentNodeID != "p" {
		t.Errorf("revisit changed the score: total %d level %v node %q", sess.TotalScore, sess.CurrentLevelScore, sess.CurrentNodeID)
	}
}

func TestListWrongAnswerScoresZero(t *testing.T) {
	correct := 0
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		node("q", models.ListData{Text: "Capital?", Buttons: []string{"Delhi", "Mumbai"}, CorrectIndex: &correct}),
		node("p", models.PromptData{}),
	}, edge("s", "q"), handleEdge("q", "p", "0"), handleEdge("q", "p", "1"))
	env := newTestEnv(t, []*models.FlowGraph{level}, nil)
	env.park(t, "l1", "q")

	env.send(t, "Mumbai")
	sess := env.session(t)
	if v, ok := sess.CurrentLevelScore["q"]; !ok || v != 0 || sess.TotalScore != 0 {
		t.Errorf("expected q scored 0, got %v total %d", sess.CurrentLevelScore, sess.TotalScore)
	}
	if got := levelScore(sess); got != "0/1" {
		t.Errorf("level score = %q, want 0/1", got)
	}
}

func levelScore(sess *models.Session) string {
	w := &walk{sess: sess}
	v, _ := w.scope().Resolve("user.level_score")
	return v
}

func TestUserUpdate(t *testing.T) {
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		node("u", models.UserUpdateData{Name: "${chat.input}", Age: "15", DiseCode: "0912"}),
		node("p", models.PromptData{}),
	}, edge("s", "u"), edge("u", "p"))
	env := newTestEnv(t, []*models.FlowGraph{level}, nil)
	env.park(t, "l1", "s", func(s *models.Session) { s.SchoolName = "GPS Rampur" })

	env.send(t, "Ravi")
	sess := env.session(t)
	if sess.Name != "Ravi" || sess.Age != 15 || sess.DiseCode != "0912" {
		t.Errorf("unexpected session: name %q age %d dise %q", sess.Name, sess.Age, sess.DiseCode)
	}
	if sess.SchoolName != "GPS Rampur" {
		t.Errorf("user update must keep other onboarding fields, school = %q", sess.SchoolName)
	}
}

// remindGraph waits an hour, asks once, waits a day and signs off.
func remindGraph() *models.FlowGraph {
	return graph("remind", models.GraphKindNudge, []models.Node{
		node("ns", models.StartData{}),
		node("nd1", models.DelayData{DelayInSecs: 3600}),
		node("nm", models.MessageData{Text: "Are you there, ${user.name}?"}),
		node("nd2", models.DelayData{DelayInSecs: 86400}),
		node("ne", models.EndData{Text: "Bye for now"}),
	}, edge("ns", "nd1"), edge("nd1", "nm"), edge("nm", "nd2"), edge("nd2", "ne"))
}

func TestNudgeLifecycle(t *testing.T) {
	ctx := context.Background()
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		withNudge(node("p", models.PromptData{Text: "Your name?"}), "remind"),
		node("m", models.MessageData{Text: "Thanks"}),
		withNudge(node("p2", models.PromptData{Text: "Your age?"}), models.NudgeNone),
	}, edge("s", "p"), edge("p", "m"), edge("m", "p2"))
	env := newTestEnv(t, []*models.FlowGraph{level}, []*models.FlowGraph{remindGraph()})
	env.park(t, "l1", "s")

	env.send(t, "hi")
	if got := env.session(t).CurrentNudgeID; got != "remind" {
		t.Fatalf("CurrentNudgeID = %q, want remind", got)
	}
	n := env.liveNudge(t)
	if n == nil {
		t.Fatal("expected a nudge to be armed")
	}
	want := models.Nudge{UserKey: testUser, GraphID: "remind", NodeID: "nd1", DueAtUnixMillis: env.clock.Now().Add(time.Hour).UnixMilli()}
	if *n != want {
		t.Fatalf("nudge = %+v, want %+v", *n, want)
	}
	if got := env.sender.texts(); !slices.Equal(got, []string{"Your name?"}) {
		t.Errorf("arming must not send nudge content, messages = %q", got)
	}

	// First resume asks and re-arms for the next day.
	env.sender.reset()
	env.clock.Advance(time.Hour)
	if err := env.engine.ResumeNudge(ctx, *n); err != nil {
		t.Fatalf("ResumeNudge failed: %v", err)
	}
	if got := env.sender.texts(); !slices.Equal(got, []string{"Are you there, Asha?"}) {
		t.Errorf("messages = %q", got)
	}
	n = env.liveNudge(t)
	if n == nil || n.NodeID != "nd2" || !n.DueAt().Equal(env.clock.Now().Add(24*time.Hour)) {
		t.Fatalf("expected nudge re-armed at nd2, got %+v", n)
	}
	if got := env.session(t).CurrentNodeID; got != "p" {
		t.Errorf("nudge walk moved the level position to %q", got)
	}

	// Second resume signs off and retires the nudge.
	env.sender.reset()
	if err := env.engine.ResumeNudge(ctx, *n); err != nil {
		t.Fatalf("ResumeNudge failed: %v", err)
	}
	if got := env.sender.texts(); !slices.Equal(got, []string{"Bye for now"}) {
		t.Errorf("messages = %q", got)
	}
	if n := env.liveNudge(t); n != nil {
		t.Errorf("expected no live nudge, got %+v", n)
	}
}

func TestNudgeNoneCancels(t *testing.T) {
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		withNudge(node("p", models.PromptData{Text: "Your name?"}), "remind"),
		withNudge(node("p2", models.PromptData{Text: "Your age?"}), models.NudgeNone),
	}, edge("s", "p"), edge("p", "p2"))
	env := newTestEnv(t, []*models.FlowGraph{level}, []*models.FlowGraph{remindGraph()})
	env.park(t, "l1", "s")

	env.send(t, "hi")
	if env.liveNudge(t) == nil {
		t.Fatal("expected a nudge after reaching p")
	}
	env.send(t, "Ravi")
	if n := env.liveNudge(t); n != nil {
		t.Errorf("expected nudge cancelled, got %+v", n)
	}
	if got := env.session(t).CurrentNudgeID; got != "" {
		t.Errorf("CurrentNudgeID = %q, want empty", got)
	}
}

func TestNudgeIsInherited(t *testing.T) {
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		withNudge(node("p", models.PromptData{}), "remind"),
		withNudge(node("p2", models.PromptData{}), models.NudgeInherit),
	}, edge("s", "p"), edge("p", "p2"))
	env := newTestEnv(t, []*models.FlowGraph{level}, []*models.FlowGraph{remindGraph()})
	env.park(t, "l1", "s")

	env.send(t, "hi")
	env.clock.Advance(30 * time.Minute)
	env.send(t, "Ravi")
	n := env.liveNudge(t)
	if n == nil || n.GraphID != "remind" || n.NodeID != "nd1" {
		t.Fatalf("expected inherited nudge, got %+v", n)
	}
	if want := env.clock.Now().Add(time.Hour).UnixMilli(); n.DueAtUnixMillis != want {
		t.Errorf("expected nudge re-armed from the latest emit, due %d want %d", n.DueAtUnixMillis, want)
	}
}

func TestResumeNudgeSkipsSupersededNudge(t *testing.T) {
	ctx := context.Background()
	level := graph("l1", models.GraphKindLevel, []models.Node{
		node("s", models.StartData{}),
		withNudge(node("p", models.PromptData{Text: "Your name?"}), "remind"),
		withNudge(node("p2", models.PromptData{Text: "Your age?"}), models.NudgeInherit),
	}, edge("s", "p"), edge("p", "p2"))
	env := newTestEnv(t, []*models.FlowGraph{level}, []*models.FlowGraph{remindGraph()})
	env.park(t, "l1", "s")

	env.send(t, "hi")
	env.clock.Advance(2 * time.Hour)
	due, err := env.sched.DrainDue(ctx, env.clock.Now(), 10)
	if err != nil {
		t.Fatalf("DrainDue failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one due nudge, got %+v", due)
	}
	stale := due[0]

	// The user answers before the drained nudge is walked.
	env.send(t, "Ravi")
	fresh := env.liveNudge(t)
	if fresh == nil || *fresh == stale {
		t.Fatalf("expected the reply to re-arm the nudge, got %+v", fresh)
	}

	env.sender.reset()
	if err := env.engine.ResumeNudge(ctx, stale); err != nil {
		t.Fatalf("ResumeNudge failed: %v", err)
	}
	if got := env.sender.messages(); len(got) != 0 {
		t.Errorf("superseded nudge must not send, got %q", env.sender.texts())
	}
	if n := env.liveNudge(t); n == nil || *n != *fresh {
		t.Errorf("live nudge = %+v, want %+v", n, *fresh)
	}
}

func TestResumeNudgeForErasedUser(t *testing.T) {
	env := newTestEnv(t, twoLevels(), []*models.FlowGraph{remindGraph()})
	err := env.engine.ResumeNudge(context.Background(), models.Nudge{UserKey: "gone", GraphID: "remind", NodeID: "nd1"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got := env.sender.messages(); len(got) != 0 {
		t.Errorf("expected no messages, got %+v", got)
	}
}
