package graph

import (
	"github.com/hookflow/hookflow/pkg/schema"
)

// Node is a single workflow node parsed from a snapshot.
type Node struct {
	ID   string
	Kind string
	Data map[string]any
}

// Edge is a directed connection between two nodes. SourceHandle carries the
// optional branch label (e.g. "cond-true") set by the workflow editor.
type Edge struct {
	ID           string
	Source       string
	Target       string
	SourceHandle string
}

// Graph is the in-memory adjacency structure built from a run snapshot.
// It is immutable after Build; the engine never mutates it during traversal.
type Graph struct {
	nodes    map[string]*Node
	order    []string // node IDs in snapshot order
	edgesOut map[string][]Edge
}

// Build parses a stored workflow snapshot into a Graph. It fails when the
// snapshot lacks a nodes or edges collection, or when a node is missing its
// id/type or an edge its source/target. Edges referencing unknown nodes are
// kept as-is; they are simply unreachable during traversal.
func Build(snapshot map[string]any) (*Graph, error) {
	nodesRaw, ok := snapshot["nodes"].([]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "snapshot has no nodes collection")
	}
	edgesRaw, ok := snapshot["edges"].([]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "snapshot has no edges collection")
	}

	g := &Graph{
		nodes:    make(map[string]*Node, len(nodesRaw)),
		order:    make([]string, 0, len(nodesRaw)),
		edgesOut: make(map[string][]Edge),
	}

	for i, raw := range nodesRaw {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d is not an object", i)
		}
		id, _ := obj["id"].(string)
		kind, _ := obj["type"].(string)
		if id == "" || kind == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d is missing id or type", i)
		}
		data, _ := obj["data"].(map[string]any)
		if _, dup := g.nodes[id]; !dup {
			g.order = append(g.order, id)
		}
		g.nodes[id] = &Node{ID: id, Kind: kind, Data: data}
	}

	for i, raw := range edgesRaw {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge at index %d is not an object", i)
		}
		source, _ := obj["source"].(string)
		target, _ := obj["target"].(string)
		if source == "" || target == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge at index %d is missing source or target", i)
		}
		id, _ := obj["id"].(string)
		handle, _ := obj["sourceHandle"].(string)
		g.edgesOut[source] = append(g.edgesOut[source], Edge{
			ID:           id,
			Source:       source,
			Target:       target,
			SourceHandle: handle,
		})
	}

	return g, nil
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Outgoing returns the ordered outgoing edges of a node. Edge order is
// preserved from the snapshot; the first matching edge wins when several
// share a handle label. Unknown ids yield an empty slice, not an error.
func (g *Graph) Outgoing(nodeID string) []Edge {
	return g.edgesOut[nodeID]
}

// Triggers returns all trigger nodes in snapshot order. Snapshot order keeps
// multi-trigger graphs deterministic.
func (g *Graph) Triggers() []*Node {
	var out []*Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.Kind == schema.NodeKindTrigger {
			out = append(out, n)
		}
	}
	return out
}

// First returns the first node in snapshot order, or nil for an empty graph.
// Used as a traversal fallback when a graph has no trigger node.
func (g *Graph) First() *Node {
	if len(g.order) == 0 {
		return nil
	}
	return g.nodes[g.order[0]]
}
