package workflow

import (
	"errors"

	"github.com/hybr/workflow-engine/storage"
	"github.com/hybr/workflow-engine/types"
)

// Engine error taxonomy. Not-found and graph errors are owned by the
// packages that detect them and re-exported here so callers can match the
// whole taxonomy against one package.
var (
	ErrDefinitionNotFound = storage.ErrDefinitionNotFound
	ErrInstanceNotFound   = storage.ErrInstanceNotFound
	ErrTaskNotFound       = storage.ErrTaskNotFound
	ErrNoMatchingEdge     = types.ErrNoMatchingEdge

	// ErrDuplicateActiveInstance indicates another active instance already
	// drives the same business entity.
	ErrDuplicateActiveInstance = errors.New("active instance already exists for entity")

	// ErrInstanceNotActive indicates a completion or cancellation against a
	// completed or cancelled instance.
	ErrInstanceNotActive = errors.New("instance is not active")

	// ErrAlreadyCompleted indicates a replayed completion of a task.
	ErrAlreadyCompleted = errors.New("task is already completed")

	// ErrNotAuthorized indicates the completing user is not the task's
	// assignee. Assignment is per-user, not per-role, once generated.
	ErrNotAuthorized = errors.New("task is not assigned to this user")

	// ErrEmptyResult indicates a completion without an outcome code.
	ErrEmptyResult = errors.New("execution result cannot be empty")

	// ErrConcurrentAdvance indicates a completion lost the race to advance
	// the instance: the current node changed under it and the retry could
	// not resolve a transition either. The task's completion record is kept.
	ErrConcurrentAdvance = errors.New("concurrent advance on instance")

	// ErrAssigneeResolutionEmpty indicates the resolver returned no users
	// for a node, a data/configuration fault requiring manual intervention.
	ErrAssigneeResolutionEmpty = errors.New("assignee resolution returned no users")
)
