package flow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Transition is the outcome of an advance: the node to visit next, the graph
// it belongs to when that differs from the current one, and the session
// changes to make before the next node is interpolated.
type Transition struct {
	Graph  *models.FlowGraph
	Node   models.Node
	Update models.SessionUpdate
}

// AdvanceFunc computes where the walk goes from n.
type AdvanceFunc func(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) (Transition, error)

// EmitFunc performs the side effects of arriving at n.
type EmitFunc func(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error

// Handler is the behaviour of one node type in one graph kind.
type Handler struct {
	Advance        AdvanceFunc
	Emit           EmitFunc
	PauseAfterEmit bool
}

// HandlerTable maps node type and graph kind to a handler.
type HandlerTable map[models.NodeType]map[models.GraphKind]Handler

// Lookup returns the handler for t in graphs of kind k.
func (t HandlerTable) Lookup(nt models.NodeType, k models.GraphKind) (Handler, error) {
	h, ok := t[nt][k]
	if !ok {
		return Handler{}, fmt.Errorf("no handler for %s nodes in %s graphs", nt, k)
	}
	return h, nil
}

// NewHandlerTable builds the node behaviour table.
func NewHandlerTable() HandlerTable {
	return HandlerTable{
		models.NodeTypeIfElse: {
			models.GraphKindLevel: {Advance: advanceIfElse, Emit: emitPosition},
		},
		models.NodeTypeMessage: {
			models.GraphKindLevel: {Advance: advanceLinear, Emit: emitMessage},
			models.GraphKindNudge: {Advance: advanceLinear, Emit: emitNudgeMessage},
		},
		models.NodeTypeStart: {
			models.GraphKindLevel: {Advance: advanceLevelStart, Emit: emitLevelStart},
			models.GraphKindNudge: {Advance: advanceLinear, Emit: emitNothing},
		},
		models.NodeTypePrompt: {
			models.GraphKindLevel: {Advance: advancePrompt, Emit: emitPrompt, PauseAfterEmit: true},
		},
		models.NodeTypeButton: {
			models.GraphKindLevel: {Advance: advanceButton, Emit: emitButton, PauseAfterEmit: true},
		},
		models.NodeTypeList: {
			models.GraphKindLevel: {Advance: advanceList, Emit: emitList, PauseAfterEmit: true},
		},
		models.NodeTypeEnd: {
			models.GraphKindLevel: {Advance: advanceLevelEnd, Emit: emitLevelEnd},
			models.GraphKindNudge: {Advance: advanceStay, Emit: emitNudgeEnd, PauseAfterEmit: true},
		},
		models.NodeTypeVideo: {
			models.GraphKindLevel: {Advance: advanceLinear, Emit: emitVideo},
		},
		models.NodeTypeDelay: {
			models.GraphKindLevel: {Advance: advanceLevelDelay, Emit: emitLevelDelay, PauseAfterEmit: true},
			models.GraphKindNudge: {Advance: advanceLinear, Emit: emitNudgeDelay, PauseAfterEmit: true},
		},
		models.NodeTypeDocument: {
			models.GraphKindLevel: {Advance: advanceLinear, Emit: emitDocument},
		},
		models.NodeTypeUserUpdate: {
			models.GraphKindLevel: {Advance: advanceLinear, Emit: emitUserUpdate},
		},
		models.NodeTypeLinkParser: {
			models.GraphKindLevel: {Advance: advanceLinkParser, Emit: emitPosition},
		},
		models.NodeTypeValidateDise: {
			models.GraphKindLevel: {Advance: advanceValidateDise, Emit: emitPosition},
		},
		models.NodeTypeConfirmSchool: {
			models.GraphKindLevel: {Advance: advanceConfirmSchool, Emit: emitConfirmSchool, PauseAfterEmit: true},
		},
	}
}

// followEdge returns the target of the edge leaving n with the given handle.
// An empty handle takes the first outgoing edge.
func followEdge(g *models.FlowGraph, n models.Node, handle string) (models.Node, error) {
	for _, e := range g.OutgoingEdges(n.ID) {
		if handle != "" && e.SourceHandle != handle {
			continue
		}
		target := g.Node(e.Target)
		if target == nil {
			return models.Node{}, &models.GraphIntegrityError{GraphID: g.ID, NodeID: e.Target, Message: msgNodeNotFound(e.Target)}
		}
		return *target, nil
	}
	shown := handle
	if shown == "" {
		shown = "0"
	}
	return models.Node{}, &models.GraphIntegrityError{GraphID: g.ID, NodeID: n.ID, Message: msgEdgeNotFound(n.ID, shown)}
}

func followIndex(g *models.FlowGraph, n models.Node, i int) (models.Node, error) {
	return followEdge(g, n, strconv.Itoa(i))
}

// stay is the transition that makes no progress.
func stay(g *models.FlowGraph, n models.Node) Transition {
	if raw := g.Node(n.ID); raw != nil {
		return Transition{Node: *raw}
	}
	return Transition{Node: n}
}

func advanceLinear(_ context.Context, _ *walk, g *models.FlowGraph, n models.Node) (Transition, error) {
	next, err := followEdge(g, n, "")
	return Transition{Node: next}, err
}

func advanceStay(_ context.Context, _ *walk, g *models.FlowGraph, n models.Node) (Transition, error) {
	return stay(g, n), nil
}

func emitNothing(context.Context, *walk, *models.FlowGraph, models.Node) error {
	return nil
}

// emitPosition records the walk's position for nodes with nothing to send.
func emitPosition(ctx context.Context, w *walk, g *models.FlowGraph, n models.Node) error {
	return w.afterLevelEmit(ctx, g, n, models.SessionUpdate{})
}

// requireInput returns the chat input, or the error asking the user for it.
func requireInput(w *walk, n models.Node) (string, error) {
	if w.input == "" {
		return "", &models.InputValidationError{NodeID: n.ID, Message: msgInputNotFound}
	}
	return w.input, nil
}

// matchOption returns the index of the option equal to input.
func matchOption(n models.Node, input string, options []string) (int, error) {
	for i, o := range options {
		if o == input {
			return i, nil
		}
	}
	return -1, &models.InputValidationError{NodeID: n.ID, Input: input, Message: msgNoMatchingOption(input)}
}
