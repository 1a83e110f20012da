package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hybr/workflow-engine/events"
	"github.com/hybr/workflow-engine/storage"
	"github.com/hybr/workflow-engine/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

// failingTaskStore wraps MemoryStorage and fails every task batch create,
// for exercising StartWorkflow's rollback path.
type failingTaskStore struct {
	*storage.MemoryStorage
}

func (s *failingTaskStore) CreateTasks(ctx context.Context, tasks []types.WorkflowTask) error {
	return errors.New("task store unavailable")
}

// gatedTaskStore blocks the first two GetTask reads until both callers have
// arrived, forcing two concurrent completions to observe the same pending
// snapshot of a task.
type gatedTaskStore struct {
	*storage.MemoryStorage
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func newGatedTaskStore() *gatedTaskStore {
	return &gatedTaskStore{
		MemoryStorage: storage.NewMemoryStorage(),
		release:       make(chan struct{}),
	}
}

func (s *gatedTaskStore) GetTask(ctx context.Context, id uint64) (types.WorkflowTask, error) {
	s.mu.Lock()
	s.arrived++
	n := s.arrived
	s.mu.Unlock()
	if n <= 2 {
		if n == 2 {
			close(s.release)
		}
		<-s.release
	}
	return s.MemoryStorage.GetTask(ctx, id)
}

// conflictedStore fails every compare-and-set, as if another process always
// won the write race.
type conflictedStore struct {
	*storage.MemoryStorage
}

func (s *conflictedStore) UpdateInstanceCAS(ctx context.Context, inst types.WorkflowInstance, expectedVersion uint64) error {
	return storage.ErrVersionConflict
}

// hiringDef is a small pipeline: A (start) with a "fail" self-loop,
// B with a "reject" back-edge to A, C terminal.
func hiringDef() types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:        "hiring_v1",
		Name:      "Hiring",
		StartNode: "A",
		Nodes: map[string]types.Node{
			"A": {Label: "Screening", Roles: []string{"recruiter"}},
			"B": {Label: "Interview", Roles: []string{"manager"}},
			"C": {Label: "Hired"},
		},
		Edges: []types.Edge{
			{From: "A", To: "B", Outcome: "pass"},
			{From: "A", To: "A", Outcome: "fail"},
			{From: "B", To: "C", Outcome: "approve"},
			{From: "B", To: "A", Outcome: "reject"},
		},
	}
}

func singleAssignee() *StaticResolver {
	return &StaticResolver{Assignees: map[string][]string{
		"A": {"alice"},
		"B": {"bob"},
	}}
}

func newTestEngine(t *testing.T, store storage.Storage, resolver AssigneeResolver, opts ...Option) *Engine {
	t.Helper()
	engine, err := NewEngine(&MockGenerator{}, store, resolver, opts...)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Stop(context.Background()) })
	return engine
}

func mustRegister(t *testing.T, engine *Engine, def types.WorkflowDefinition) {
	t.Helper()
	if err := engine.RegisterDefinition(context.Background(), def); err != nil {
		t.Fatalf("failed to register definition: %v", err)
	}
}

func pendingTask(t *testing.T, engine *Engine, user string) types.WorkflowTask {
	t.Helper()
	tasks, err := engine.TasksForUser(context.Background(), user, types.TaskPending)
	if err != nil {
		t.Fatalf("failed to list tasks for %s: %v", user, err)
	}
	if len(tasks) == 0 {
		t.Fatalf("expected a pending task for %s, got none", user)
	}
	return tasks[0]
}

func TestNewEngine(t *testing.T) {
	gen := &MockGenerator{}
	resolver := singleAssignee()

	engine, err := NewEngine(gen, nil, resolver)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if engine == nil {
		t.Fatal("expected non-nil Engine")
	}
	engine.Stop(context.Background())

	if _, err = NewEngine(nil, nil, resolver); err == nil || err.Error() != "generator is required" {
		t.Errorf("expected error 'generator is required', got %v", err)
	}
	if _, err = NewEngine(gen, nil, nil); err == nil || err.Error() != "assignee resolver is required" {
		t.Errorf("expected error 'assignee resolver is required', got %v", err)
	}
}

func TestRegisterDefinitionValidates(t *testing.T) {
	engine := newTestEngine(t, nil, singleAssignee())
	ctx := context.Background()

	bad := hiringDef()
	bad.Edges = append(bad.Edges, types.Edge{From: "A", To: "B", Outcome: "pass"})
	if err := engine.RegisterDefinition(ctx, bad); err == nil {
		t.Fatal("expected duplicate-outcome definition to be rejected")
	}

	if err := engine.RegisterDefinition(ctx, hiringDef()); err != nil {
		t.Fatalf("expected valid definition to register, got %v", err)
	}

	got, err := engine.GetDefinition(ctx, "hiring_v1")
	if err != nil || got.ID != "hiring_v1" {
		t.Errorf("expected stored definition hiring_v1, got %v, error: %v", got, err)
	}
}

func TestStartWorkflow(t *testing.T) {
	engine := newTestEngine(t, nil, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, hiringDef())

	inst, err := engine.StartWorkflow(ctx, "hiring_v1", "Backend #1", "vacancy", "vac-1", "dora")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if inst.CurrentNode != "A" {
		t.Errorf("expected current node A, got %s", inst.CurrentNode)
	}
	if inst.Status != types.StatusActive {
		t.Errorf("expected status active, got %s", inst.Status)
	}

	task := pendingTask(t, engine, "alice")
	if task.NodeID != "A" {
		t.Errorf("expected task at node A, got %s", task.NodeID)
	}
	if task.InstanceID != inst.ID {
		t.Errorf("expected task bound to instance %d, got %d", inst.ID, task.InstanceID)
	}
}

func TestStartWorkflowUnknownDefinition(t *testing.T) {
	engine := newTestEngine(t, nil, singleAssignee())

	_, err := engine.StartWorkflow(context.Background(), "nope", "X", "vacancy", "vac-1", "dora")
	if !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("expected ErrDefinitionNotFound, got %v", err)
	}
}

func TestStartWorkflowDuplicateActive(t *testing.T) {
	engine := newTestEngine(t, nil, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, hiringDef())

	if _, err := engine.StartWorkflow(ctx, "hiring_v1", "First", "vacancy", "vac-1", "dora"); err != nil {
		t.Fatalf("first start failed: %v", err)
	}

	_, err := engine.StartWorkflow(ctx, "hiring_v1", "Second", "vacancy", "vac-1", "dora")
	if !errors.Is(err, ErrDuplicateActiveInstance) {
		t.Fatalf("expected ErrDuplicateActiveInstance, got %v", err)
	}

	// A different entity is independent.
	if _, err := engine.StartWorkflow(ctx, "hiring_v1", "Other", "vacancy", "vac-2", "dora"); err != nil {
		t.Fatalf("start for other entity failed: %v", err)
	}
}

func TestStartWorkflowRollsBackOnTaskFailure(t *testing.T) {
	store := &failingTaskStore{storage.NewMemoryStorage()}
	engine := newTestEngine(t, store, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, hiringDef())

	if _, err := engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", "vac-1", "dora"); err == nil {
		t.Fatal("expected task store failure to surface")
	}

	insts, err := engine.FindByEntity(ctx, "vacancy", "vac-1")
	if err != nil {
		t.Fatalf("FindByEntity failed: %v", err)
	}
	if len(insts) != 1 {
		t.Fatalf("expected the rolled-back instance to remain on record, got %d", len(insts))
	}
	if insts[0].Status != types.StatusCancelled {
		t.Errorf("expected rolled-back instance to be cancelled, got %s", insts[0].Status)
	}

	// The entity is free for a retry once the failed instance is cancelled.
	if _, err := engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", "vac-1", "dora"); err == nil {
		t.Fatal("expected failure again with broken task store")
	}
}

// TestCompleteTaskScenario walks the full pipeline: fail keeps the
// instance at A with a fresh task, pass moves to B, approve completes at C.
func TestCompleteTaskScenario(t *testing.T) {
	engine := newTestEngine(t, nil, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, hiringDef())

	inst, err := engine.StartWorkflow(ctx, "hiring_v1", "Backend #1", "vacancy", "vac-1", "dora")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// fail: self-loop back to A with a new task there.
	first := pendingTask(t, engine, "alice")
	res, err := engine.CompleteTask(ctx, first.ID, "fail", "incomplete resume", "alice")
	if err != nil {
		t.Fatalf("complete with fail errored: %v", err)
	}
	if res.Instance.CurrentNode != "A" {
		t.Errorf("expected self-loop to keep node A, got %s", res.Instance.CurrentNode)
	}
	second := pendingTask(t, engine, "alice")
	if second.ID == first.ID {
		t.Error("expected a fresh task at A after the self-loop")
	}

	// pass: advance to B.
	res, err = engine.CompleteTask(ctx, second.ID, "pass", "", "alice")
	if err != nil {
		t.Fatalf("complete with pass errored: %v", err)
	}
	if res.Instance.CurrentNode != "B" {
		t.Errorf("expected node B, got %s", res.Instance.CurrentNode)
	}
	if res.Message != "advanced to B" {
		t.Errorf("unexpected message %q", res.Message)
	}

	// approve: C is terminal, workflow completes, no new tasks.
	bTask := pendingTask(t, engine, "bob")
	res, err = engine.CompleteTask(ctx, bTask.ID, "approve", "great fit", "bob")
	if err != nil {
		t.Fatalf("complete with approve errored: %v", err)
	}
	if res.Instance.Status != types.StatusCompleted {
		t.Errorf("expected completed status, got %s", res.Instance.Status)
	}
	if res.Instance.CurrentNode != "C" {
		t.Errorf("expected node C, got %s", res.Instance.CurrentNode)
	}
	if res.Instance.CompletedAt == 0 {
		t.Error("expected CompletedAt to be set")
	}
	if res.Message != "workflow completed" {
		t.Errorf("unexpected message %q", res.Message)
	}

	final, _ := engine.GetInstance(ctx, inst.ID)
	if final.Status != types.StatusCompleted {
		t.Errorf("expected persisted completed status, got %s", final.Status)
	}
	if tasks, _ := engine.TasksForUser(ctx, "alice", types.TaskPending); len(tasks) != 0 {
		t.Errorf("expected no pending tasks after completion, got %d", len(tasks))
	}
	if tasks, _ := engine.TasksForUser(ctx, "bob", types.TaskPending); len(tasks) != 0 {
		t.Errorf("expected no pending tasks after completion, got %d", len(tasks))
	}
}

func TestCompleteTaskPreconditions(t *testing.T) {
	engine := newTestEngine(t, nil, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, hiringDef())

	if _, err := engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", "vac-1", "dora"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	task := pendingTask(t, engine, "alice")

	t.Run("empty result", func(t *testing.T) {
		if _, err := engine.CompleteTask(ctx, task.ID, "", "", "alice"); !errors.Is(err, ErrEmptyResult) {
			t.Errorf("expected ErrEmptyResult, got %v", err)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		if _, err := engine.CompleteTask(ctx, 9999, "pass", "", "alice"); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("expected ErrTaskNotFound, got %v", err)
		}
	})

	t.Run("wrong user", func(t *testing.T) {
		if _, err := engine.CompleteTask(ctx, task.ID, "pass", "", "mallory"); !errors.Is(err, ErrNotAuthorized) {
			t.Errorf("expected ErrNotAuthorized, got %v", err)
		}
	})

	t.Run("unknown outcome leaves instance untouched", func(t *testing.T) {
		_, err := engine.CompleteTask(ctx, task.ID, "maybe", "", "alice")
		if !errors.Is(err, ErrNoMatchingEdge) {
			t.Fatalf("expected ErrNoMatchingEdge, got %v", err)
		}
		inst, _ := engine.GetInstance(ctx, task.InstanceID)
		if inst.CurrentNode != "A" {
			t.Errorf("expected instance to remain at A, got %s", inst.CurrentNode)
		}
		// The completion record itself is durable.
		got, _ := engine.store.GetTask(ctx, task.ID)
		if got.Status != types.TaskCompleted {
			t.Errorf("expected completion to be recorded, got status %s", got.Status)
		}
	})

	t.Run("replay fails with AlreadyCompleted", func(t *testing.T) {
		if _, err := engine.CompleteTask(ctx, task.ID, "pass", "", "alice"); !errors.Is(err, ErrAlreadyCompleted) {
			t.Errorf("expected ErrAlreadyCompleted, got %v", err)
		}
	})
}

func TestCompleteTaskOnInactiveInstance(t *testing.T) {
	engine := newTestEngine(t, nil, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, hiringDef())

	inst, err := engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", "vac-1", "dora")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	task := pendingTask(t, engine, "alice")

	if err := engine.CancelWorkflow(ctx, inst.ID, "dora"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	_, err = engine.CompleteTask(ctx, task.ID, "pass", "", "alice")
	if !errors.Is(err, ErrInstanceNotActive) && !errors.Is(err, ErrConcurrentAdvance) {
		t.Fatalf("expected completion on cancelled instance to fail, got %v", err)
	}
}

// TestDualApprovalRace covers the shared-node case: two users hold
// tasks at the same node; the first completion advances and the second must
// fail with ErrConcurrentAdvance, never double-advance.
func TestDualApprovalRace(t *testing.T) {
	def := types.WorkflowDefinition{
		ID:        "dual_v1",
		Name:      "Dual Approval",
		StartNode: "review",
		Nodes: map[string]types.Node{
			"review":  {Label: "Dual Review"},
			"final":   {Label: "Final Check"},
			"done":    {Label: "Done"},
			"dropped": {Label: "Dropped"},
		},
		Edges: []types.Edge{
			{From: "review", To: "final", Outcome: "approve"},
			{From: "review", To: "dropped", Outcome: "reject"},
			{From: "final", To: "done", Outcome: "confirm"},
		},
	}
	resolver := &StaticResolver{Assignees: map[string][]string{
		"review": {"bob", "carol"},
		"final":  {"dave"},
	}}

	t.Run("sequential conflicting outcomes", func(t *testing.T) {
		engine := newTestEngine(t, nil, resolver)
		ctx := context.Background()
		mustRegister(t, engine, def)

		inst, err := engine.StartWorkflow(ctx, "dual_v1", "X", "vacancy", "vac-1", "dora")
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}

		bobTask := pendingTask(t, engine, "bob")
		carolTask := pendingTask(t, engine, "carol")

		if _, err := engine.CompleteTask(ctx, bobTask.ID, "approve", "", "bob"); err != nil {
			t.Fatalf("first completion failed: %v", err)
		}

		_, err = engine.CompleteTask(ctx, carolTask.ID, "reject", "", "carol")
		if !errors.Is(err, ErrConcurrentAdvance) {
			t.Fatalf("expected ErrConcurrentAdvance, got %v", err)
		}

		got, _ := engine.GetInstance(ctx, inst.ID)
		if got.CurrentNode != "final" {
			t.Errorf("expected instance at final, got %s", got.CurrentNode)
		}
	})

	t.Run("concurrent completions have one winner", func(t *testing.T) {
		engine := newTestEngine(t, nil, resolver)
		ctx := context.Background()
		mustRegister(t, engine, def)

		inst, err := engine.StartWorkflow(ctx, "dual_v1", "X", "vacancy", "vac-9", "dora")
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}

		bobTask := pendingTask(t, engine, "bob")
		carolTask := pendingTask(t, engine, "carol")

		var wg sync.WaitGroup
		results := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, results[0] = engine.CompleteTask(ctx, bobTask.ID, "approve", "", "bob")
		}()
		go func() {
			defer wg.Done()
			_, results[1] = engine.CompleteTask(ctx, carolTask.ID, "reject", "", "carol")
		}()
		wg.Wait()

		winners := 0
		for _, err := range results {
			if err == nil {
				winners++
			} else if !errors.Is(err, ErrConcurrentAdvance) && !errors.Is(err, ErrInstanceNotActive) {
				// A reject winner lands on the terminal dropped node, so the
				// loser may observe an already-finished instance instead.
				t.Errorf("expected the losing completion to fail safely, got %v", err)
			}
		}
		if winners != 1 {
			t.Fatalf("expected exactly one winner, got %d", winners)
		}

		got, _ := engine.GetInstance(ctx, inst.ID)
		if got.CurrentNode != "final" && got.CurrentNode != "dropped" {
			t.Errorf("expected instance at final or dropped, got %s", got.CurrentNode)
		}
	})

	t.Run("cancel policy cleans up sibling task", func(t *testing.T) {
		engine := newTestEngine(t, nil, resolver, WithStaleTaskPolicy(StalePolicyCancel))
		ctx := context.Background()
		mustRegister(t, engine, def)

		if _, err := engine.StartWorkflow(ctx, "dual_v1", "X", "vacancy", "vac-5", "dora"); err != nil {
			t.Fatalf("start failed: %v", err)
		}

		bobTask := pendingTask(t, engine, "bob")
		carolTask := pendingTask(t, engine, "carol")

		if _, err := engine.CompleteTask(ctx, bobTask.ID, "approve", "", "bob"); err != nil {
			t.Fatalf("completion failed: %v", err)
		}

		got, err := engine.store.GetTask(ctx, carolTask.ID)
		if err != nil {
			t.Fatalf("failed to load sibling task: %v", err)
		}
		if got.Status != types.TaskCancelled {
			t.Errorf("expected sibling task cancelled, got %s", got.Status)
		}
		if _, err := engine.CompleteTask(ctx, carolTask.ID, "reject", "", "carol"); !errors.Is(err, ErrConcurrentAdvance) {
			t.Errorf("expected ErrConcurrentAdvance on cancelled task, got %v", err)
		}
	})
}

// TestCompleteTaskReplayRace replays the same task from two goroutines that
// both read it while still pending. Exactly one may win; the other must fail
// with ErrAlreadyCompleted, and the instance must advance exactly once even
// on a self-loop where the stale-node check cannot catch the replay.
func TestCompleteTaskReplayRace(t *testing.T) {
	store := newGatedTaskStore()
	engine := newTestEngine(t, store, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, hiringDef())

	inst, err := engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", "vac-1", "dora")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	task := pendingTask(t, engine, "alice")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = engine.CompleteTask(ctx, task.ID, "fail", "", "alice")
		}()
	}
	wg.Wait()

	winners, replays := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrAlreadyCompleted):
			replays++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 || replays != 1 {
		t.Fatalf("expected 1 winner and 1 ErrAlreadyCompleted, got %d/%d", winners, replays)
	}

	got, _ := engine.GetInstance(ctx, inst.ID)
	if got.Version != 2 {
		t.Errorf("expected exactly one advance (version 2), got version %d", got.Version)
	}
	pending, _ := engine.TasksForUser(ctx, "alice", types.TaskPending)
	if len(pending) != 1 {
		t.Errorf("expected one fresh task at A, got %d", len(pending))
	}
}

// TestStartWorkflowConcurrentSameEntity races two starts for one entity:
// only one may create an active instance.
func TestStartWorkflowConcurrentSameEntity(t *testing.T) {
	engine := newTestEngine(t, nil, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, hiringDef())

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", "vac-1", "dora")
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrDuplicateActiveInstance) {
			t.Errorf("expected ErrDuplicateActiveInstance for loser, got %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one successful start, got %d", winners)
	}

	insts, _ := engine.FindByEntity(ctx, "vacancy", "vac-1")
	active := 0
	for i := range insts {
		if insts[i].IsActive() {
			active++
		}
	}
	if active != 1 {
		t.Errorf("expected exactly one active instance, got %d", active)
	}
}

func TestEdgeGuards(t *testing.T) {
	def := types.WorkflowDefinition{
		ID:        "guarded_v1",
		Name:      "Guarded Routing",
		StartNode: "triage",
		Nodes: map[string]types.Node{
			"triage": {Label: "Triage"},
			"senior": {Label: "Senior Review"},
			"junior": {Label: "Junior Review"},
		},
		Edges: []types.Edge{
			{From: "triage", To: "senior", Outcome: "route", Condition: `comments == "senior"`},
			{From: "triage", To: "junior", Outcome: "route"},
		},
	}
	resolver := &StaticResolver{Assignees: map[string][]string{"triage": {"alice"}}}

	run := func(t *testing.T, comments, wantNode string) {
		engine := newTestEngine(t, nil, resolver)
		ctx := context.Background()
		mustRegister(t, engine, def)

		if _, err := engine.StartWorkflow(ctx, "guarded_v1", "X", "vacancy", "vac-1", "dora"); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		task := pendingTask(t, engine, "alice")
		res, err := engine.CompleteTask(ctx, task.ID, "route", comments, "alice")
		if err != nil {
			t.Fatalf("complete failed: %v", err)
		}
		if res.Instance.CurrentNode != wantNode {
			t.Errorf("expected %s, got %s", wantNode, res.Instance.CurrentNode)
		}
	}

	t.Run("guard match routes to senior", func(t *testing.T) { run(t, "senior", "senior") })
	t.Run("guard miss falls through to junior", func(t *testing.T) { run(t, "", "junior") })
}

func TestEmptyAssignees(t *testing.T) {
	ctx := context.Background()

	t.Run("default leaves instance active with zero tasks", func(t *testing.T) {
		resolver := &StaticResolver{Assignees: map[string][]string{"A": {"alice"}}} // nothing for B
		engine := newTestEngine(t, nil, resolver)
		mustRegister(t, engine, hiringDef())

		if _, err := engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", "vac-1", "dora"); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		task := pendingTask(t, engine, "alice")
		res, err := engine.CompleteTask(ctx, task.ID, "pass", "", "alice")
		if err != nil {
			t.Fatalf("complete failed: %v", err)
		}
		if res.Instance.CurrentNode != "B" || res.Instance.Status != types.StatusActive {
			t.Errorf("expected active instance at B, got %s/%s", res.Instance.CurrentNode, res.Instance.Status)
		}
		if tasks, _ := engine.TasksForUser(ctx, "bob", types.TaskPending); len(tasks) != 0 {
			t.Errorf("expected no tasks at B, got %d", len(tasks))
		}
	})

	t.Run("strict mode rolls back the start", func(t *testing.T) {
		resolver := &StaticResolver{Assignees: map[string][]string{}} // nobody anywhere
		engine := newTestEngine(t, nil, resolver, WithFailOnEmptyAssignees())
		mustRegister(t, engine, hiringDef())

		_, err := engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", "vac-1", "dora")
		if !errors.Is(err, ErrAssigneeResolutionEmpty) {
			t.Fatalf("expected ErrAssigneeResolutionEmpty, got %v", err)
		}

		insts, _ := engine.FindByEntity(ctx, "vacancy", "vac-1")
		if len(insts) != 1 || insts[0].Status != types.StatusCancelled {
			t.Errorf("expected a cancelled instance on record, got %+v", insts)
		}
	})
}

func TestCancelWorkflow(t *testing.T) {
	engine := newTestEngine(t, nil, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, hiringDef())

	inst, err := engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", "vac-1", "dora")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	task := pendingTask(t, engine, "alice")

	if err := engine.CancelWorkflow(ctx, inst.ID, "dora"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	got, _ := engine.GetInstance(ctx, inst.ID)
	if got.Status != types.StatusCancelled {
		t.Errorf("expected cancelled status, got %s", got.Status)
	}
	cancelled, _ := engine.store.GetTask(ctx, task.ID)
	if cancelled.Status != types.TaskCancelled {
		t.Errorf("expected open task cancelled, got %s", cancelled.Status)
	}

	if err := engine.CancelWorkflow(ctx, inst.ID, "dora"); !errors.Is(err, ErrInstanceNotActive) {
		t.Errorf("expected ErrInstanceNotActive on double cancel, got %v", err)
	}

	// The entity is free for a new run after cancellation.
	if _, err := engine.StartWorkflow(ctx, "hiring_v1", "Y", "vacancy", "vac-1", "dora"); err != nil {
		t.Errorf("expected restart after cancel to succeed, got %v", err)
	}
}

// TestCancelWorkflowVersionConflict checks a lost write race during
// cancellation surfaces as ErrConcurrentAdvance, not a raw storage error.
func TestCancelWorkflowVersionConflict(t *testing.T) {
	store := &conflictedStore{storage.NewMemoryStorage()}
	engine := newTestEngine(t, store, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, hiringDef())

	inst, err := engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", "vac-1", "dora")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	err = engine.CancelWorkflow(ctx, inst.ID, "dora")
	if !errors.Is(err, ErrConcurrentAdvance) {
		t.Fatalf("expected ErrConcurrentAdvance, got %v", err)
	}
	if errors.Is(err, storage.ErrVersionConflict) {
		t.Error("storage-level conflict error should not leak through CancelWorkflow")
	}
}

func TestTaskDueDateFromExpectedDuration(t *testing.T) {
	def := hiringDef()
	node := def.Nodes["A"]
	node.ExpectedDuration = 48 * time.Hour
	def.Nodes["A"] = node

	engine := newTestEngine(t, nil, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, def)

	if _, err := engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", "vac-1", "dora"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	task := pendingTask(t, engine, "alice")
	if task.DueDate == 0 {
		t.Fatal("expected a due date derived from the node's expected duration")
	}
	wantAfter := time.Now().Add(47 * time.Hour).UnixMilli()
	if task.DueDate < wantAfter {
		t.Errorf("due date %d earlier than expected", task.DueDate)
	}
}

func TestWorkflowCompletedEvent(t *testing.T) {
	engine := newTestEngine(t, nil, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, hiringDef())

	completed := make(chan events.Event, 1)
	engine.SubscribeEvent(events.EventWorkflowCompleted, events.EventHandlerFunc(
		func(ctx context.Context, event events.Event) error {
			completed <- event
			return nil
		}))

	inst, err := engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", "vac-1", "dora")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	aTask := pendingTask(t, engine, "alice")
	if _, err := engine.CompleteTask(ctx, aTask.ID, "pass", "", "alice"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	bTask := pendingTask(t, engine, "bob")
	if _, err := engine.CompleteTask(ctx, bTask.ID, "approve", "", "bob"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	select {
	case event := <-completed:
		if event.InstanceID != inst.ID || event.NodeID != "C" {
			t.Errorf("unexpected event payload: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("workflow_completed event not received")
	}
}

func TestFindByWorkflowID(t *testing.T) {
	engine := newTestEngine(t, nil, singleAssignee())
	ctx := context.Background()
	mustRegister(t, engine, hiringDef())

	for _, entity := range []string{"vac-1", "vac-2", "vac-3"} {
		if _, err := engine.StartWorkflow(ctx, "hiring_v1", "X", "vacancy", entity, "dora"); err != nil {
			t.Fatalf("start failed: %v", err)
		}
	}

	active, err := engine.FindByWorkflowID(ctx, "hiring_v1", types.StatusActive, 0)
	if err != nil {
		t.Fatalf("FindByWorkflowID failed: %v", err)
	}
	if len(active) != 3 {
		t.Errorf("expected 3 active instances, got %d", len(active))
	}

	capped, err := engine.FindByWorkflowID(ctx, "hiring_v1", "", 2)
	if err != nil {
		t.Fatalf("FindByWorkflowID failed: %v", err)
	}
	if len(capped) != 2 {
		t.Errorf("expected 2 instances with limit, got %d", len(capped))
	}
}
