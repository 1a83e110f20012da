package workflow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/hybr/workflow-engine/events"
	"github.com/hybr/workflow-engine/rules"
	"github.com/hybr/workflow-engine/storage"
	"github.com/hybr/workflow-engine/types"
)

// StaleTaskPolicy decides what happens to still-open sibling tasks at a node
// the instance has just left (e.g. a dual sign-off stage where only one
// approval is required to advance).
type StaleTaskPolicy int

const (
	// StalePolicyOrphan leaves sibling tasks as historical pending records.
	// They are no longer actionable: completing one fails with
	// ErrConcurrentAdvance because the instance has moved on.
	StalePolicyOrphan StaleTaskPolicy = iota

	// StalePolicyCancel marks sibling tasks cancelled during the advance.
	StalePolicyCancel
)

const lockStripes = 64

// Engine orchestrates workflow instances: it starts them, generates and
// assigns tasks for the current node, consumes reported outcomes, resolves
// transitions against the definition graph, and advances or finishes the
// instance. All operations are synchronous; the engine is a reactive state
// machine driven entirely by its callers.
type Engine struct {
	store     storage.Storage
	resolver  AssigneeResolver
	evaluator rules.Evaluator
	eventBus  *events.EventBus
	generate  generator.Generator
	logger    *zap.Logger

	definitions map[string]types.WorkflowDefinition
	mu          sync.RWMutex

	// Striped per-instance locks serialize advancement in-process; the
	// store-level version CAS covers multi-process deployments.
	locks [lockStripes]sync.Mutex

	stalePolicy          StaleTaskPolicy
	failOnEmptyAssignees bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's structured logger. Defaults to a no-op.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEvaluator sets a custom guard-expression evaluator.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithEventBus sets the event bus lifecycle events are published to.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

// WithStaleTaskPolicy sets the policy for sibling tasks left behind by an
// advance. Defaults to StalePolicyOrphan.
func WithStaleTaskPolicy(policy StaleTaskPolicy) Option {
	return func(e *Engine) {
		e.stalePolicy = policy
	}
}

// WithFailOnEmptyAssignees makes StartWorkflow roll back (cancel) the new
// instance and fail with ErrAssigneeResolutionEmpty when the resolver
// returns no users for the start node, instead of leaving the instance
// active with zero tasks.
func WithFailOnEmptyAssignees() Option {
	return func(e *Engine) {
		e.failOnEmptyAssignees = true
	}
}

// NewEngine creates a new Engine with the given generator, storage, and
// assignee resolver. Storage defaults to in-memory when nil.
func NewEngine(generate generator.Generator, store storage.Storage, resolver AssigneeResolver, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if resolver == nil {
		return nil, errors.New("assignee resolver is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		store:       store,
		resolver:    resolver,
		evaluator:   rules.NewExprEvaluator(),
		eventBus:    events.NewEventBus(),
		generate:    generate,
		logger:      zap.NewNop(),
		definitions: make(map[string]types.WorkflowDefinition),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// Stop gracefully stops the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}

// RegisterDefinition validates and persists a workflow definition.
// Definitions are immutable once registered.
func (e *Engine) RegisterDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to save definition %s: %w", def.ID, err)
	}

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()

	e.logger.Info("definition registered",
		zap.String("workflow", def.ID),
		zap.Int("nodes", len(def.Nodes)),
		zap.Int("edges", len(def.Edges)))
	return nil
}

// definition retrieves a definition by ID, checking cache first then storage.
func (e *Engine) definition(ctx context.Context, workflowID string) (types.WorkflowDefinition, error) {
	e.mu.RLock()
	def, ok := e.definitions[workflowID]
	e.mu.RUnlock()

	if ok {
		return def, nil
	}

	def, err := e.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()

	return def, nil
}

// lockFor returns the advancement lock striped to an instance id.
func (e *Engine) lockFor(instanceID uint64) *sync.Mutex {
	return &e.locks[instanceID%lockStripes]
}

// lockForEntity returns the lock striped to a business entity, serializing
// concurrent starts against the same entity in-process.
func (e *Engine) lockForEntity(entityType, entityID string) *sync.Mutex {
	h := fnv.New64a()
	h.Write([]byte(entityType))
	h.Write([]byte{0})
	h.Write([]byte(entityID))
	return &e.locks[h.Sum64()%lockStripes]
}

// publishEvent publishes a lifecycle event, ignoring no-subscriber results.
func (e *Engine) publishEvent(ctx context.Context, event events.Event) {
	if err := e.eventBus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("failed to publish event",
			zap.String("type", event.Type),
			zap.Uint64("instance", event.InstanceID),
			zap.Error(err))
	}
}

// StartWorkflow creates a new instance of a definition at its start node
// and generates the initial task batch. At most one active instance may
// exist per (entityType, entityID) pair; concurrent starts for the same
// entity are serialized in-process, multi-process deployments additionally
// need a store-level uniqueness guarantee. The instance and its initial
// tasks are created all-or-nothing: if task creation fails the instance is
// marked cancelled rather than left active with no actionable work.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID, name, entityType, entityID, startedBy string) (*types.WorkflowInstance, error) {
	def, err := e.definition(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	lock := e.lockForEntity(entityType, entityID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := e.store.FindByEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing instances: %w", err)
	}
	for i := range existing {
		if existing[i].IsActive() {
			return nil, fmt.Errorf("%w: entity=%s/%s instance=%d",
				ErrDuplicateActiveInstance, entityType, entityID, existing[i].ID)
		}
	}

	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance ID: %w", err)
	}

	inst := types.WorkflowInstance{
		ID:          id,
		WorkflowID:  workflowID,
		Name:        name,
		EntityType:  entityType,
		EntityID:    entityID,
		CurrentNode: def.StartNode,
		Status:      types.StatusActive,
		Version:     1,
		StartedBy:   startedBy,
		StartedAt:   time.Now().UnixMilli(),
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	tasks, err := e.createTaskBatch(ctx, def, &inst, def.StartNode)
	if err != nil {
		e.rollbackInstance(ctx, inst)
		return nil, err
	}
	if len(tasks) == 0 {
		if e.failOnEmptyAssignees {
			e.rollbackInstance(ctx, inst)
			return nil, fmt.Errorf("%w: workflow=%s node=%s", ErrAssigneeResolutionEmpty, workflowID, def.StartNode)
		}
		// Per contract the instance stays active at the node with zero
		// tasks; the host must treat this as a configuration fault.
		e.logger.Warn("no assignees resolved for start node",
			zap.String("workflow", workflowID),
			zap.Uint64("instance", inst.ID),
			zap.String("node", def.StartNode))
		e.publishEvent(ctx, events.Event{
			Type:       events.EventAssigneesEmpty,
			InstanceID: inst.ID,
			NodeID:     def.StartNode,
		})
	}

	e.logger.Info("workflow started",
		zap.String("workflow", workflowID),
		zap.Uint64("instance", inst.ID),
		zap.String("entity", entityType+"/"+entityID),
		zap.Int("tasks", len(tasks)))
	e.publishEvent(ctx, events.Event{
		Type:       events.EventWorkflowStarted,
		InstanceID: inst.ID,
		NodeID:     def.StartNode,
		Data:       map[string]interface{}{"entity_type": entityType, "entity_id": entityID},
	})

	return &inst, nil
}

// rollbackInstance marks a just-created instance cancelled after its task
// batch failed. Instances are append-only, so cancellation stands in for
// deletion.
func (e *Engine) rollbackInstance(ctx context.Context, inst types.WorkflowInstance) {
	inst.Status = types.StatusCancelled
	inst.CompletedAt = time.Now().UnixMilli()
	inst.Version++
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		e.logger.Error("failed to roll back instance",
			zap.Uint64("instance", inst.ID), zap.Error(err))
	}
}

// createTaskBatch resolves assignees for a node and creates one pending task
// per user. Returns the created tasks; an empty slice means the resolver
// returned no users and nothing was created.
func (e *Engine) createTaskBatch(ctx context.Context, def types.WorkflowDefinition, inst *types.WorkflowInstance, nodeID string) ([]types.WorkflowTask, error) {
	node := def.Nodes[nodeID]

	assignees, err := e.resolver.ResolveAssignees(ctx, nodeID, EntityContext{
		WorkflowID: def.ID,
		InstanceID: inst.ID,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		Roles:      node.Roles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve assignees for node %s: %w", nodeID, err)
	}
	if len(assignees) == 0 {
		return nil, nil
	}

	now := time.Now()
	var dueDate int64
	if node.ExpectedDuration > 0 {
		dueDate = now.Add(node.ExpectedDuration).UnixMilli()
	}

	tasks := make([]types.WorkflowTask, 0, len(assignees))
	for _, userID := range assignees {
		id, err := e.generate.NextID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate task ID: %w", err)
		}
		tasks = append(tasks, types.WorkflowTask{
			ID:          id,
			InstanceID:  inst.ID,
			NodeID:      nodeID,
			Name:        node.Label,
			Description: fmt.Sprintf("%s (%s)", node.Label, inst.Name),
			AssignedTo:  userID,
			DueDate:     dueDate,
			Status:      types.TaskPending,
			CreatedAt:   now.UnixMilli(),
		})
	}

	if err := e.store.CreateTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("failed to create task batch for node %s: %w", nodeID, err)
	}

	for i := range tasks {
		e.publishEvent(ctx, events.Event{
			Type:       events.EventTaskCreated,
			InstanceID: inst.ID,
			TaskID:     tasks[i].ID,
			NodeID:     nodeID,
			Data:       map[string]interface{}{"assigned_to": tasks[i].AssignedTo},
		})
	}
	return tasks, nil
}

// CompleteResult is the outcome of a CompleteTask call.
type CompleteResult struct {
	Instance *types.WorkflowInstance
	Message  string
}

// CompleteTask records a task's outcome and advances its instance along the
// edge matching the outcome code. The completion record is made durable
// before the transition is resolved: a completed task with no valid
// transition is a process error to surface, not to roll back. Advancement is
// serialized per instance; a completion that observes a changed current node
// fails with ErrConcurrentAdvance rather than double-advancing.
func (e *Engine) CompleteTask(ctx context.Context, taskID uint64, result, comments, userID string) (*CompleteResult, error) {
	if result == "" {
		return nil, ErrEmptyResult
	}

	// The first read only locates the task's instance for the lock. All
	// status checks run on a fresh read under the lock: otherwise two
	// replayed completions could both observe the task pending and both
	// advance a self-loop.
	located, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	lock := e.lockFor(located.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == types.TaskCompleted {
		return nil, fmt.Errorf("%w: task=%d", ErrAlreadyCompleted, taskID)
	}
	if task.Status == types.TaskCancelled {
		// Cancelled by an earlier advance or workflow cancellation.
		return nil, fmt.Errorf("%w: task=%d is cancelled", ErrConcurrentAdvance, taskID)
	}
	if task.AssignedTo != userID {
		return nil, fmt.Errorf("%w: task=%d user=%s", ErrNotAuthorized, taskID, userID)
	}

	inst, err := e.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	if !inst.IsActive() {
		return nil, fmt.Errorf("%w: instance=%d status=%s", ErrInstanceNotActive, inst.ID, inst.Status)
	}

	// Step 1: the completion record is the durable source of truth even if
	// the advance below fails.
	task.Status = types.TaskCompleted
	task.Result = result
	task.Comments = comments
	task.CompletedAt = time.Now().UnixMilli()
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to record task completion: %w", err)
	}
	e.publishEvent(ctx, events.Event{
		Type:       events.EventTaskCompleted,
		InstanceID: inst.ID,
		TaskID:     task.ID,
		NodeID:     task.NodeID,
		Data:       map[string]interface{}{"result": result, "completed_by": userID},
	})
	e.logger.Info("task completed",
		zap.Uint64("task", task.ID),
		zap.Uint64("instance", inst.ID),
		zap.String("node", task.NodeID),
		zap.String("result", result))

	// Steps 2-3, with one retry on a cross-process version conflict.
	res, err := e.advance(ctx, &task, &inst)
	if errors.Is(err, storage.ErrVersionConflict) {
		e.logger.Warn("version conflict on advance, retrying",
			zap.Uint64("instance", inst.ID), zap.Uint64("task", task.ID))
		inst, err = e.store.GetInstance(ctx, task.InstanceID)
		if err != nil {
			return nil, err
		}
		res, err = e.advance(ctx, &task, &inst)
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: instance=%d", ErrConcurrentAdvance, inst.ID)
		}
	}
	return res, err
}

// advance resolves the transition for a completed task and moves the
// instance, completing the workflow when the target is terminal.
func (e *Engine) advance(ctx context.Context, task *types.WorkflowTask, inst *types.WorkflowInstance) (*CompleteResult, error) {
	if !inst.IsActive() {
		return nil, fmt.Errorf("%w: instance=%d status=%s", ErrInstanceNotActive, inst.ID, inst.Status)
	}
	if task.NodeID != inst.CurrentNode {
		// The instance moved on while this task was open; its outcome no
		// longer drives a transition.
		return nil, fmt.Errorf("%w: instance=%d task_node=%s current_node=%s",
			ErrConcurrentAdvance, inst.ID, task.NodeID, inst.CurrentNode)
	}

	def, err := e.definition(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}

	target, err := e.resolveTransition(def, inst, task)
	if err != nil {
		return nil, err
	}

	expected := inst.Version
	prior := inst.CurrentNode
	inst.CurrentNode = target
	inst.Version++
	terminal := def.IsTerminal(target)
	if terminal {
		inst.Status = types.StatusCompleted
		inst.CompletedAt = time.Now().UnixMilli()
	}
	if err := e.store.UpdateInstanceCAS(ctx, *inst, expected); err != nil {
		return nil, err
	}

	if e.stalePolicy == StalePolicyCancel {
		e.cancelOpenTasks(ctx, inst.ID, prior)
	}

	e.publishEvent(ctx, events.Event{
		Type:       events.EventInstanceAdvanced,
		InstanceID: inst.ID,
		NodeID:     target,
		Data:       map[string]interface{}{"from": prior, "outcome": task.Result},
	})

	if terminal {
		e.logger.Info("workflow completed",
			zap.String("workflow", inst.WorkflowID),
			zap.Uint64("instance", inst.ID),
			zap.String("node", target))
		e.publishEvent(ctx, events.Event{
			Type:       events.EventWorkflowCompleted,
			InstanceID: inst.ID,
			NodeID:     target,
		})
		return &CompleteResult{Instance: inst, Message: "workflow completed"}, nil
	}

	tasks, err := e.createTaskBatch(ctx, def, inst, target)
	if err != nil {
		// The advance is durable; surface the task fault for repair.
		return nil, err
	}
	if len(tasks) == 0 {
		e.logger.Warn("no assignees resolved for node",
			zap.Uint64("instance", inst.ID),
			zap.String("node", target))
		e.publishEvent(ctx, events.Event{
			Type:       events.EventAssigneesEmpty,
			InstanceID: inst.ID,
			NodeID:     target,
		})
	}

	e.logger.Info("instance advanced",
		zap.Uint64("instance", inst.ID),
		zap.String("from", prior),
		zap.String("to", target),
		zap.Int("tasks", len(tasks)))
	return &CompleteResult{Instance: inst, Message: "advanced to " + target}, nil
}

// resolveTransition picks the edge fired by the task's outcome. Among edges
// sharing the outcome code the first whose guard passes wins; guard-less
// edges always pass.
func (e *Engine) resolveTransition(def types.WorkflowDefinition, inst *types.WorkflowInstance, task *types.WorkflowTask) (string, error) {
	candidates := def.EdgesFor(inst.CurrentNode, task.Result)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: instance=%d node=%s outcome=%s",
			ErrNoMatchingEdge, inst.ID, inst.CurrentNode, task.Result)
	}

	env := map[string]interface{}{
		"workflow_id":   inst.WorkflowID,
		"instance_name": inst.Name,
		"entity_type":   inst.EntityType,
		"entity_id":     inst.EntityID,
		"outcome":       task.Result,
		"comments":      task.Comments,
		"completed_by":  task.AssignedTo,
	}
	for _, edge := range candidates {
		pass, err := e.evaluator.Evaluate(edge.Condition, env)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate guard on %s->%s: %w", edge.From, edge.To, err)
		}
		if pass {
			return edge.To, nil
		}
	}
	return "", fmt.Errorf("%w: instance=%d node=%s outcome=%s (all guards failed)",
		ErrNoMatchingEdge, inst.ID, inst.CurrentNode, task.Result)
}

// cancelOpenTasks marks every still-open task of an instance at nodeID
// cancelled. Failures are logged, not surfaced: the advance already
// happened and sibling cleanup is best-effort.
func (e *Engine) cancelOpenTasks(ctx context.Context, instanceID uint64, nodeID string) {
	tasks, err := e.store.FindTasksByInstance(ctx, instanceID)
	if err != nil {
		e.logger.Error("failed to list tasks for stale cleanup",
			zap.Uint64("instance", instanceID), zap.Error(err))
		return
	}
	for i := range tasks {
		task := tasks[i]
		if nodeID != "" && task.NodeID != nodeID {
			continue
		}
		if task.Status != types.TaskPending && task.Status != types.TaskInProgress {
			continue
		}
		task.Status = types.TaskCancelled
		if err := e.store.UpdateTask(ctx, task); err != nil {
			e.logger.Error("failed to cancel stale task",
				zap.Uint64("task", task.ID), zap.Error(err))
		}
	}
}

// CancelWorkflow marks an active instance cancelled and cancels its open
// tasks. Cancellation is a status change, never a removal; the audit trail
// stays intact.
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID uint64, cancelledBy string) error {
	lock := e.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.IsActive() {
		return fmt.Errorf("%w: instance=%d status=%s", ErrInstanceNotActive, inst.ID, inst.Status)
	}

	expected := inst.Version
	inst.Status = types.StatusCancelled
	inst.CompletedAt = time.Now().UnixMilli()
	inst.Version++
	if err := e.store.UpdateInstanceCAS(ctx, inst, expected); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// Another process advanced or cancelled the instance first.
			return fmt.Errorf("%w: instance=%d", ErrConcurrentAdvance, inst.ID)
		}
		return err
	}

	e.cancelOpenTasks(ctx, inst.ID, "")

	e.logger.Info("workflow cancelled",
		zap.String("workflow", inst.WorkflowID),
		zap.Uint64("instance", inst.ID),
		zap.String("cancelled_by", cancelledBy))
	e.publishEvent(ctx, events.Event{
		Type:       events.EventWorkflowCancelled,
		InstanceID: inst.ID,
		NodeID:     inst.CurrentNode,
		Data:       map[string]interface{}{"cancelled_by": cancelledBy},
	})
	return nil
}

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (*types.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetDefinition retrieves a workflow definition by ID.
func (e *Engine) GetDefinition(ctx context.Context, workflowID string) (*types.WorkflowDefinition, error) {
	def, err := e.definition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// FindByEntity returns every instance bound to a business entity.
func (e *Engine) FindByEntity(ctx context.Context, entityType, entityID string) ([]types.WorkflowInstance, error) {
	return e.store.FindByEntity(ctx, entityType, entityID)
}

// FindByWorkflowID returns instances of a definition, optionally filtered
// by status and capped at limit.
func (e *Engine) FindByWorkflowID(ctx context.Context, workflowID, status string, limit int) ([]types.WorkflowInstance, error) {
	return e.store.FindByWorkflowID(ctx, workflowID, status, limit)
}

// TasksForUser returns a user's tasks, optionally filtered by status.
func (e *Engine) TasksForUser(ctx context.Context, userID, status string) ([]types.WorkflowTask, error) {
	return e.store.FindTasksByUser(ctx, userID, status)
}
