package types

import "time"

// Instance statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
)

// WorkflowDefinition is the immutable description of a process: a set of
// named nodes and outcome-guarded edges between them. Definitions are loaded
// once and shared read-only; no component mutates one at runtime.
type WorkflowDefinition struct {
	ID        string          `json:"id"` // e.g. "hiring_workflow_v1"
	Name      string          `json:"name"`
	StartNode string          `json:"start_node"`
	Nodes     map[string]Node `json:"nodes"`
	Edges     []Edge          `json:"edges"` // ordered; order breaks guard ties
}

// Node is a named stage in the process with assignable work.
type Node struct {
	Label            string        `json:"label"`
	Roles            []string      `json:"roles,omitempty"` // required-role-set, resolved externally
	EntityKind       string        `json:"entity_kind,omitempty"`
	ExpectedDuration time.Duration `json:"expected_duration,omitempty"`
}

// Edge is a labeled transition fired by a discrete outcome code. Condition
// is an optional guard expression evaluated against the instance's entity
// context; an empty Condition matches unconditionally.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Outcome   string `json:"outcome"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// WorkflowInstance is one live execution of a definition against one
// business entity.
type WorkflowInstance struct {
	ID          uint64 `json:"id"`
	WorkflowID  string `json:"workflow_id"`
	Name        string `json:"instance_name"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	CurrentNode string `json:"current_node_id"`
	Status      string `json:"status"`
	Version     uint64 `json:"version"` // optimistic lock, bumped on every advance
	StartedBy   string `json:"started_by,omitempty"`
	StartedAt   int64  `json:"started_at"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}

// IsActive reports whether the instance still accepts task completions.
func (i *WorkflowInstance) IsActive() bool {
	return i.Status == StatusActive
}

// WorkflowTask is one assignable unit of work at a node, bound to one user.
// A task snapshots the instance's current node at creation time; once the
// instance advances, tasks for the prior node remain as historical records.
type WorkflowTask struct {
	ID          uint64 `json:"id"`
	InstanceID  uint64 `json:"workflow_instance_id"`
	NodeID      string `json:"node_id"`
	Name        string `json:"task_name"`
	Description string `json:"task_description,omitempty"`
	AssignedTo  string `json:"assigned_to_user_id"`
	DueDate     int64  `json:"due_date,omitempty"` // 0 means no due date
	Status      string `json:"status"`
	Result      string `json:"execution_result,omitempty"` // outcome code, set on completion
	Comments    string `json:"comments,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}

// IsActionableBy reports whether userID may still complete this task.
func (t *WorkflowTask) IsActionableBy(userID string) bool {
	if t.AssignedTo != userID {
		return false
	}
	return t.Status == TaskPending || t.Status == TaskInProgress
}
