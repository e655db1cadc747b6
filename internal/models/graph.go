package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GraphKind distinguishes campaign levels from re-engagement (nudge) graphs.
type GraphKind string

const (
	// GraphKindLevel is one ordered stage of a campaign.
	GraphKindLevel GraphKind = "level"
	// GraphKindNudge is a short re-engagement graph attached to a session.
	GraphKindNudge GraphKind = "nudge"
)

// IsValid reports whether k is a known graph kind.
func (k GraphKind) IsValid() bool {
	return k == GraphKindLevel || k == GraphKindNudge
}

// Nudge override values carried on nodes. Any other non-empty value is the id
// of a nudge graph.
const (
	NudgeInherit = "inherit"
	NudgeNone    = "none"
)

// Graph validation errors.
var (
	ErrInvalidGraphKind = errors.New("invalid graph kind")
	ErrEmptyGraphID     = errors.New("graph id is required")
	ErrDuplicateNodeID  = errors.New("duplicate node id")
	ErrDanglingEdge     = errors.New("edge references unknown node")
	ErrMissingStartNode = errors.New("graph has no start node")
)

// Edge is a directed connection between two nodes. SourceHandle selects among
// several outgoing edges of a branching node.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Node is one typed step of a graph. Data always holds the variant matching Type.
type Node struct {
	ID    string   `json:"id"`
	Type  NodeType `json:"type"`
	Data  NodeData `json:"data"`
	Nudge string   `json:"nudge,omitempty"`
}

type nodeDocument struct {
	ID    string          `json:"id"`
	Type  NodeType        `json:"type"`
	Data  json.RawMessage `json:"data"`
	Nudge string          `json:"nudge,omitempty"`
}

// UnmarshalJSON decodes a node and its type-specific payload. Unknown node
// types are rejected here so that a stored graph is always walkable.
func (n *Node) UnmarshalJSON(b []byte) error {
	var doc nodeDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	data, err := DecodeNodeData(doc.Type, doc.Data)
	if err != nil {
		return fmt.Errorf("node %q: %w", doc.ID, err)
	}
	n.ID = doc.ID
	n.Type = doc.Type
	n.Data = data
	n.Nudge = doc.Nudge
	return nil
}

// FlowGraph is an immutable, named graph of nodes and edges.
type FlowGraph struct {
	ID       string
	Name     string
	Kind     GraphKind
	Nodes    []Node
	Edges    []Edge
	Created  time.Time
	Modified time.Time
}

// graphDocument is the stored and authored form of a graph, matching the
// documents produced by the flow editor.
type graphDocument struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Kind     GraphKind `json:"type"`
	Data     graphData `json:"data"`
	Created  time.Time `json:"created,omitzero"`
	Modified time.Time `json:"modified,omitzero"`
}

type graphData struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// MarshalJSON encodes the graph in its document form.
func (g FlowGraph) MarshalJSON() ([]byte, error) {
	nodes, edges := g.Nodes, g.Edges
	if nodes == nil {
		nodes = []Node{}
	}
	if edges == nil {
		edges = []Edge{}
	}
	return json.Marshal(graphDocument{
		ID:       g.ID,
		Name:     g.Name,
		Kind:     g.Kind,
		Data:     graphData{Nodes: nodes, Edges: edges},
		Created:  g.Created,
		Modified: g.Modified,
	})
}

// UnmarshalJSON decodes the document form of a graph.
func (g *FlowGraph) UnmarshalJSON(b []byte) error {
	var doc graphDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*g = FlowGraph{
		ID:       doc.ID,
		Name:     doc.Name,
		Kind:     doc.Kind,
		Nodes:    doc.Data.Nodes,
		Edges:    doc.Data.Edges,
		Created:  doc.Created,
		Modified: doc.Modified,
	}
	return nil
}

// ParseGraph decodes and validates a graph document.
func ParseGraph(b []byte) (*FlowGraph, error) {
	var g FlowGraph
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks the structural invariants a walk relies on: a known kind,
// unique node ids, edges between existing nodes and a start node.
func (g *FlowGraph) Validate() error {
	if g.ID == "" {
		return ErrEmptyGraphID
	}
	if !g.Kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidGraphKind, g.Kind)
	}
	seen := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateNodeID, n.ID)
		}
		seen[n.ID] = struct{}{}
		if n.Data == nil || n.Data.NodeType() != n.Type {
			return fmt.Errorf("node %q: %w: %q", n.ID, ErrUnknownNodeType, n.Type)
		}
	}
	for _, e := range g.Edges {
		if _, ok := seen[e.Source]; !ok {
			return fmt.Errorf("%w: edge %q source %q", ErrDanglingEdge, e.ID, e.Source)
		}
		if _, ok := seen[e.Target]; !ok {
			return fmt.Errorf("%w: edge %q target %q", ErrDanglingEdge, e.ID, e.Target)
		}
	}
	if g.StartNode() == nil {
		return ErrMissingStartNode
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (g *FlowGraph) Node(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// StartNode returns the first start node of the graph, or nil.
func (g *FlowGraph) StartNode() *Node {
	for i := range g.Nodes {
		if g.Nodes[i].Type == NodeTypeStart {
			return &g.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns the edges leaving nodeID in authored order.
func (g *FlowGraph) OutgoingEdges(nodeID string) []Edge {
	var edges []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}
