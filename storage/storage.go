package storage

import (
	"context"
	"errors"

	"github.com/hybr/workflow-engine/types"
)

// Store errors.
var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrTaskNotFound       = errors.New("task not found")
	// ErrVersionConflict is returned by UpdateInstanceCAS when the stored
	// instance version no longer matches the expected one.
	ErrVersionConflict = errors.New("instance version conflict")
)

// DefinitionStore persists workflow definitions. Definitions are written
// once at registration time and read-only afterwards.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error)
}

// InstanceStore persists workflow instances. Instances are append-only:
// cancellation is a status update, never a delete.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst types.WorkflowInstance) error
	GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error)

	// UpdateInstance overwrites an instance unconditionally.
	UpdateInstance(ctx context.Context, inst types.WorkflowInstance) error

	// UpdateInstanceCAS overwrites an instance only if the stored version
	// equals expectedVersion, failing with ErrVersionConflict otherwise.
	// This is the serialization point for concurrent advancement.
	UpdateInstanceCAS(ctx context.Context, inst types.WorkflowInstance, expectedVersion uint64) error

	// FindByEntity returns every instance bound to the given business
	// entity, any status.
	FindByEntity(ctx context.Context, entityType, entityID string) ([]types.WorkflowInstance, error)

	// FindByWorkflowID returns instances of a definition, optionally
	// filtered by status ("" matches all) and capped at limit (0 = no cap).
	FindByWorkflowID(ctx context.Context, workflowID, status string, limit int) ([]types.WorkflowInstance, error)

	CountInstances(ctx context.Context, workflowID, status string) (int, error)
}

// TaskStore persists workflow tasks. Tasks are created in batch when an
// instance enters a node and mutated exactly once, at completion.
type TaskStore interface {
	CreateTask(ctx context.Context, task types.WorkflowTask) error
	CreateTasks(ctx context.Context, tasks []types.WorkflowTask) error
	GetTask(ctx context.Context, id uint64) (types.WorkflowTask, error)
	UpdateTask(ctx context.Context, task types.WorkflowTask) error

	// FindTasksByUser returns a user's tasks, optionally filtered by status.
	FindTasksByUser(ctx context.Context, userID, status string) ([]types.WorkflowTask, error)

	// FindTasksByInstance returns every task ever created for an instance,
	// the progress estimator's source for visited nodes.
	FindTasksByInstance(ctx context.Context, instanceID uint64) ([]types.WorkflowTask, error)
}

// Storage aggregates the three store contracts a full deployment provides.
type Storage interface {
	DefinitionStore
	InstanceStore
	TaskStore
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
