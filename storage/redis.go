package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hybr/workflow-engine/types"
)

const (
	definitionPrefix = "wf:def:"
	instancePrefix   = "wf:inst:"
	taskPrefix       = "wf:task:"

	// Secondary index sets.
	entityIndexPrefix   = "wf:idx:entity:"
	workflowIndexPrefix = "wf:idx:workflow:"
	userIndexPrefix     = "wf:idx:user:"
	instTaskIndexPrefix = "wf:idx:insttasks:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Entities are stored as JSON values under prefixed keys; finders are served
// from set-based secondary indexes maintained on every create.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// saveJSON marshals and stores a value under key.
func (s *RedisStorage) saveJSON(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getJSON retrieves and unmarshals the value under key.
func getJSON[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// getManyJSON fetches and unmarshals the members of an index set.
func getManyJSON[T any](ctx context.Context, client *redis.Client, indexKey, valuePrefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		ids, err := client.SMembers(ctx, indexKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read index %s: %v", indexKey, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = valuePrefix + id
		}
		raws, err := client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to mget from index %s: %v", indexKey, err)
		}

		out := make([]T, 0, len(raws))
		for i, raw := range raws {
			str, ok := raw.(string)
			if !ok {
				continue // index member without a value key; skip
			}
			var item T
			if err := json.Unmarshal([]byte(str), &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", keys[i], err)
			}
			out = append(out, item)
		}
		return out, nil
	})
}

func instanceKey(id uint64) string { return instancePrefix + strconv.FormatUint(id, 10) }
func taskKey(id uint64) string     { return taskPrefix + strconv.FormatUint(id, 10) }

func entityIndexKey(entityType, entityID string) string {
	return entityIndexPrefix + entityType + ":" + entityID
}

// SaveDefinition saves a workflow definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return s.saveJSON(ctx, definitionPrefix+def.ID, def)
}

// GetDefinition retrieves a workflow definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	return getJSON[types.WorkflowDefinition](ctx, s.client, definitionPrefix+id, ErrDefinitionNotFound)
}

// CreateInstance stores a new instance and registers it in the entity and
// workflow indexes within one transaction.
func (s *RedisStorage) CreateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, instanceKey(inst.ID), data, 0)
		pipe.SAdd(ctx, entityIndexKey(inst.EntityType, inst.EntityID), inst.ID)
		pipe.SAdd(ctx, workflowIndexPrefix+inst.WorkflowID, inst.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to create instance %d: %v", inst.ID, err)
		}
		return nil
	})
}

// GetInstance retrieves a workflow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getJSON[types.WorkflowInstance](ctx, s.client, instanceKey(id), ErrInstanceNotFound)
}

// UpdateInstance overwrites an instance unconditionally.
func (s *RedisStorage) UpdateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return s.saveJSON(ctx, instanceKey(inst.ID), inst)
}

// UpdateInstanceCAS overwrites an instance only if the stored version still
// matches expectedVersion, using a WATCH transaction so two concurrent
// advances of the same instance cannot both succeed.
func (s *RedisStorage) UpdateInstanceCAS(ctx context.Context, inst types.WorkflowInstance, expectedVersion uint64) error {
	key := instanceKey(inst.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
		} else if err != nil {
			return fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var stored types.WorkflowInstance
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		if stored.Version != expectedVersion {
			return fmt.Errorf("%w: id=%d expected=%d stored=%d", ErrVersionConflict, inst.ID, expectedVersion, stored.Version)
		}

		updated, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// The key changed between WATCH and EXEC.
		return fmt.Errorf("%w: id=%d", ErrVersionConflict, inst.ID)
	}
	return err
}

// FindByEntity returns every instance bound to the given business entity.
func (s *RedisStorage) FindByEntity(ctx context.Context, entityType, entityID string) ([]types.WorkflowInstance, error) {
	out, err := getManyJSON[types.WorkflowInstance](ctx, s.client, entityIndexKey(entityType, entityID), instancePrefix)
	if err != nil {
		return nil, err
	}
	sortInstances(out)
	return out, nil
}

// FindByWorkflowID returns instances of a definition filtered by status.
func (s *RedisStorage) FindByWorkflowID(ctx context.Context, workflowID, status string, limit int) ([]types.WorkflowInstance, error) {
	all, err := getManyJSON[types.WorkflowInstance](ctx, s.client, workflowIndexPrefix+workflowID, instancePrefix)
	if err != nil {
		return nil, err
	}
	var out []types.WorkflowInstance
	for _, inst := range all {
		if status == "" || inst.Status == status {
			out = append(out, inst)
		}
	}
	sortInstances(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountInstances counts instances of a definition filtered by status.
func (s *RedisStorage) CountInstances(ctx context.Context, workflowID, status string) (int, error) {
	insts, err := s.FindByWorkflowID(ctx, workflowID, status, 0)
	if err != nil {
		return 0, err
	}
	return len(insts), nil
}

// CreateTask stores a task and registers it in the user and instance indexes.
func (s *RedisStorage) CreateTask(ctx context.Context, task types.WorkflowTask) error {
	return s.CreateTasks(ctx, []types.WorkflowTask{task})
}

// CreateTasks stores a batch of tasks in one transaction.
func (s *RedisStorage) CreateTasks(ctx context.Context, tasks []types.WorkflowTask) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		for _, task := range tasks {
			data, err := json.Marshal(task)
			if err != nil {
				return fmt.Errorf("failed to marshal task %d: %v", task.ID, err)
			}
			pipe.Set(ctx, taskKey(task.ID), data, 0)
			pipe.SAdd(ctx, userIndexPrefix+task.AssignedTo, task.ID)
			pipe.SAdd(ctx, instTaskIndexPrefix+strconv.FormatUint(task.InstanceID, 10), task.ID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to create task batch: %v", err)
		}
		return nil
	})
}

// GetTask retrieves a task from Redis.
func (s *RedisStorage) GetTask(ctx context.Context, id uint64) (types.WorkflowTask, error) {
	return getJSON[types.WorkflowTask](ctx, s.client, taskKey(id), ErrTaskNotFound)
}

// UpdateTask overwrites a task.
func (s *RedisStorage) UpdateTask(ctx context.Context, task types.WorkflowTask) error {
	return s.saveJSON(ctx, taskKey(task.ID), task)
}

// FindTasksByUser returns a user's tasks filtered by status.
func (s *RedisStorage) FindTasksByUser(ctx context.Context, userID, status string) ([]types.WorkflowTask, error) {
	all, err := getManyJSON[types.WorkflowTask](ctx, s.client, userIndexPrefix+userID, taskPrefix)
	if err != nil {
		return nil, err
	}
	var out []types.WorkflowTask
	for _, task := range all {
		if status == "" || task.Status == status {
			out = append(out, task)
		}
	}
	sortTasks(out)
	return out, nil
}

// FindTasksByInstance returns every task created for an instance.
func (s *RedisStorage) FindTasksByInstance(ctx context.Context, instanceID uint64) ([]types.WorkflowTask, error) {
	out, err := getManyJSON[types.WorkflowTask](ctx, s.client, instTaskIndexPrefix+strconv.FormatUint(instanceID, 10), taskPrefix)
	if err != nil {
		return nil, err
	}
	sortTasks(out)
	return out, nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
