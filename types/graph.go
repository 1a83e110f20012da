package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeNotFound indicates a node id absent from the definition.
	ErrNodeNotFound = errors.New("node not found in definition")
	// ErrNoMatchingEdge indicates no outgoing edge carries the outcome code.
	ErrNoMatchingEdge = errors.New("no matching edge for outcome")
)

// Validate checks the structural invariants of a definition: a non-empty id,
// at least one node, an existing start node, edges that reference existing
// nodes, and no ambiguous duplicate (source, outcome) pairs. Two edges may
// share a source and outcome only if at most one of them is unguarded.
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return errors.New("definition ID cannot be empty")
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("definition %s has no nodes", d.ID)
	}
	if _, ok := d.Nodes[d.StartNode]; !ok {
		return fmt.Errorf("definition %s: start node %q does not exist", d.ID, d.StartNode)
	}

	unguarded := make(map[string]bool)
	for _, e := range d.Edges {
		if _, ok := d.Nodes[e.From]; !ok {
			return fmt.Errorf("definition %s: edge source %q does not exist", d.ID, e.From)
		}
		if _, ok := d.Nodes[e.To]; !ok {
			return fmt.Errorf("definition %s: edge target %q does not exist", d.ID, e.To)
		}
		if e.Outcome == "" {
			return fmt.Errorf("definition %s: edge %s->%s has no outcome code", d.ID, e.From, e.To)
		}
		if e.Condition == "" {
			key := e.From + "\x00" + e.Outcome
			if unguarded[key] {
				return fmt.Errorf("definition %s: duplicate outcome %q from node %q", d.ID, e.Outcome, e.From)
			}
			unguarded[key] = true
		}
	}
	return nil
}

// NodeExists reports whether nodeID is part of the definition.
func (d *WorkflowDefinition) NodeExists(nodeID string) bool {
	_, ok := d.Nodes[nodeID]
	return ok
}

// OutgoingEdges returns the outgoing edges of nodeID in definition order.
// The result is empty for terminal nodes.
func (d *WorkflowDefinition) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EdgesFor returns the outgoing edges of nodeID carrying the given outcome
// code, in definition order. Guard evaluation is the caller's concern.
func (d *WorkflowDefinition) EdgesFor(nodeID, outcome string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.From == nodeID && e.Outcome == outcome {
			out = append(out, e)
		}
	}
	return out
}

// ResolveNext returns the target of the first edge from nodeID carrying
// outcome, ignoring guard conditions. It fails with ErrNoMatchingEdge when
// no edge matches and ErrNodeNotFound when nodeID is unknown.
func (d *WorkflowDefinition) ResolveNext(nodeID, outcome string) (string, error) {
	if !d.NodeExists(nodeID) {
		return "", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	for _, e := range d.Edges {
		if e.From == nodeID && e.Outcome == outcome {
			return e.To, nil
		}
	}
	return "", fmt.Errorf("%w: node=%s outcome=%s", ErrNoMatchingEdge, nodeID, outcome)
}

// IsTerminal reports whether nodeID has no outgoing edges. Reaching a
// terminal node completes the instance.
func (d *WorkflowDefinition) IsTerminal(nodeID string) bool {
	for _, e := range d.Edges {
		if e.From == nodeID {
			return false
		}
	}
	return true
}

// TerminalNodes returns the derived set of nodes with zero outgoing edges.
func (d *WorkflowDefinition) TerminalNodes() []string {
	var out []string
	for id := range d.Nodes {
		if d.IsTerminal(id) {
			out = append(out, id)
		}
	}
	return out
}

// ShortestPathLen returns the number of nodes on the shortest path from
// "from" to "to", both endpoints included, following edge direction. The
// graph may contain cycles; a plain breadth-first search handles them.
// Returns 0 when "to" is unreachable.
func (d *WorkflowDefinition) ShortestPathLen(from, to string) int {
	if !d.NodeExists(from) || !d.NodeExists(to) {
		return 0
	}
	if from == to {
		return 1
	}

	adj := make(map[string][]string, len(d.Nodes))
	for _, e := range d.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	dist := map[string]int{from: 1}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[cur] + 1
			if next == to {
				return dist[next]
			}
			queue = append(queue, next)
		}
	}
	return 0
}

// DistanceToTerminal returns the number of nodes on the shortest path from
// nodeID to its nearest terminal node, nodeID included. Returns 0 when no
// terminal node is reachable (a definition whose every path loops forever).
func (d *WorkflowDefinition) DistanceToTerminal(nodeID string) int {
	if !d.NodeExists(nodeID) {
		return 0
	}
	best := 0
	for _, t := range d.TerminalNodes() {
		if n := d.ShortestPathLen(nodeID, t); n > 0 && (best == 0 || n < best) {
			best = n
		}
	}
	return best
}
