package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hybr/workflow-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface,
// suitable for tests and single-process deployments.
type MemoryStorage struct {
	definitions map[string]types.WorkflowDefinition
	instances   map[uint64]types.WorkflowInstance
	tasks       map[uint64]types.WorkflowTask
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string]types.WorkflowDefinition),
		instances:   make(map[uint64]types.WorkflowInstance),
		tasks:       make(map[uint64]types.WorkflowTask),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a workflow definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.ID] = def
		return nil
	})
}

// GetDefinition retrieves a workflow definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
}

// CreateInstance saves a new workflow instance to memory.
func (s *MemoryStorage) CreateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[inst.ID] = inst
		return nil
	})
}

// GetInstance retrieves a workflow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
}

// UpdateInstance overwrites a workflow instance unconditionally.
func (s *MemoryStorage) UpdateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[inst.ID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
		}
		s.instances[inst.ID] = inst
		return nil
	})
}

// UpdateInstanceCAS overwrites a workflow instance only if the stored
// version still matches expectedVersion.
func (s *MemoryStorage) UpdateInstanceCAS(ctx context.Context, inst types.WorkflowInstance, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, ok := s.instances[inst.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
		}
		if stored.Version != expectedVersion {
			return fmt.Errorf("%w: id=%d expected=%d stored=%d", ErrVersionConflict, inst.ID, expectedVersion, stored.Version)
		}
		s.instances[inst.ID] = inst
		return nil
	})
}

// FindByEntity returns every instance bound to the given business entity.
func (s *MemoryStorage) FindByEntity(ctx context.Context, entityType, entityID string) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowInstance
		for _, inst := range s.instances {
			if inst.EntityType == entityType && inst.EntityID == entityID {
				out = append(out, inst)
			}
		}
		sortInstances(out)
		return out, nil
	})
}

// FindByWorkflowID returns instances of a definition filtered by status.
func (s *MemoryStorage) FindByWorkflowID(ctx context.Context, workflowID, status string, limit int) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowInstance
		for _, inst := range s.instances {
			if inst.WorkflowID != workflowID {
				continue
			}
			if status != "" && inst.Status != status {
				continue
			}
			out = append(out, inst)
		}
		sortInstances(out)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
}

// CountInstances counts instances of a definition filtered by status.
func (s *MemoryStorage) CountInstances(ctx context.Context, workflowID, status string) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		n := 0
		for _, inst := range s.instances {
			if inst.WorkflowID != workflowID {
				continue
			}
			if status != "" && inst.Status != status {
				continue
			}
			n++
		}
		return n, nil
	})
}

// CreateTask saves a new task to memory.
func (s *MemoryStorage) CreateTask(ctx context.Context, task types.WorkflowTask) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.tasks[task.ID] = task
		return nil
	})
}

// CreateTasks saves a batch of tasks under a single lock.
func (s *MemoryStorage) CreateTasks(ctx context.Context, tasks []types.WorkflowTask) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, task := range tasks {
			s.tasks[task.ID] = task
		}
		return nil
	})
}

// GetTask retrieves a task from memory.
func (s *MemoryStorage) GetTask(ctx context.Context, id uint64) (types.WorkflowTask, error) {
	return getItem(ctx, &s.mu, s.tasks, id, ErrTaskNotFound)
}

// UpdateTask overwrites a task.
func (s *MemoryStorage) UpdateTask(ctx context.Context, task types.WorkflowTask) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.tasks[task.ID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrTaskNotFound, task.ID)
		}
		s.tasks[task.ID] = task
		return nil
	})
}

// FindTasksByUser returns a user's tasks filtered by status.
func (s *MemoryStorage) FindTasksByUser(ctx context.Context, userID, status string) ([]types.WorkflowTask, error) {
	return withContext(ctx, func() ([]types.WorkflowTask, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowTask
		for _, task := range s.tasks {
			if task.AssignedTo != userID {
				continue
			}
			if status != "" && task.Status != status {
				continue
			}
			out = append(out, task)
		}
		sortTasks(out)
		return out, nil
	})
}

// FindTasksByInstance returns every task created for an instance.
func (s *MemoryStorage) FindTasksByInstance(ctx context.Context, instanceID uint64) ([]types.WorkflowTask, error) {
	return withContext(ctx, func() ([]types.WorkflowTask, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowTask
		for _, task := range s.tasks {
			if task.InstanceID == instanceID {
				out = append(out, task)
			}
		}
		sortTasks(out)
		return out, nil
	})
}

// Map iteration order is random; finders sort by id so results are stable.
func sortInstances(insts []types.WorkflowInstance) {
	sort.Slice(insts, func(i, j int) bool { return insts[i].ID < insts[j].ID })
}

func sortTasks(tasks []types.WorkflowTask) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}
