package workflow

import (
	"context"
	"math"
)

// Progress is a display-only estimate of how far an instance has traveled
// through its definition graph. The graph may contain loops and multiple
// paths, so the numbers are a heuristic: never use them for correctness
// decisions.
type Progress struct {
	Percentage     int    `json:"percentage"`
	CompletedNodes int    `json:"completed_nodes"`
	TotalNodes     int    `json:"total_nodes"`
	Status         string `json:"status"`
}

// GetProgress estimates an instance's completion. CompletedNodes counts the
// distinct nodes the instance has actually visited (derived from where its
// tasks were created plus the current node, so loop-backs count a node
// once). TotalNodes is the shortest-path length from the start node to the
// current node plus the shortest remaining path to a terminal node, the
// current node counted once. Re-querying after an advance never decreases
// CompletedNodes.
func (e *Engine) GetProgress(ctx context.Context, instanceID uint64) (*Progress, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.definition(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}

	tasks, err := e.store.FindTasksByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{inst.CurrentNode: true}
	for i := range tasks {
		visited[tasks[i].NodeID] = true
	}
	completed := len(visited)

	toCurrent := def.ShortestPathLen(def.StartNode, inst.CurrentNode)
	if toCurrent == 0 {
		// Current node unreachable from start; a loop-free estimate is
		// impossible, fall back to the whole graph.
		toCurrent = len(def.Nodes)
	}
	toTerminal := def.DistanceToTerminal(inst.CurrentNode)
	total := toCurrent + toTerminal
	if toTerminal > 0 {
		total-- // the current node sits on both paths
	}
	if total < 1 {
		total = 1
	}

	pct := int(math.Round(float64(completed) / float64(total) * 100))
	if pct > 100 {
		pct = 100
	}

	return &Progress{
		Percentage:     pct,
		CompletedNodes: completed,
		TotalNodes:     total,
		Status:         inst.Status,
	}, nil
}
