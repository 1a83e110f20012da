package workflow

import "context"

// EntityContext carries the business-entity coordinates the resolver needs
// to map a node's required roles to concrete users, e.g. "HR recruiter for
// the organization owning this vacancy".
type EntityContext struct {
	WorkflowID string
	InstanceID uint64
	EntityType string
	EntityID   string
	Roles      []string // the node's required-role-set
}

// AssigneeResolver maps a node's required-role-set to concrete user ids.
// It is supplied by the hosting application; organizational data (teams,
// positions, departments) is outside the engine's scope. An empty result is
// not an error at this level — the engine decides how to treat it.
type AssigneeResolver interface {
	ResolveAssignees(ctx context.Context, nodeID string, ec EntityContext) ([]string, error)
}

// AssigneeResolverFunc is a function adapter for AssigneeResolver.
type AssigneeResolverFunc func(ctx context.Context, nodeID string, ec EntityContext) ([]string, error)

// ResolveAssignees implements the AssigneeResolver interface.
func (f AssigneeResolverFunc) ResolveAssignees(ctx context.Context, nodeID string, ec EntityContext) ([]string, error) {
	return f(ctx, nodeID, ec)
}

// StaticResolver resolves assignees from a fixed node-to-users table.
// Useful for tests and single-team deployments.
type StaticResolver struct {
	Assignees map[string][]string // node id -> user ids
}

// ResolveAssignees returns the configured users for nodeID.
func (r *StaticResolver) ResolveAssignees(_ context.Context, nodeID string, _ EntityContext) ([]string, error) {
	return r.Assignees[nodeID], nil
}
