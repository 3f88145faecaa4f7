package orchestrator

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/artifacts"
	"github.com/aristath/conductor/internal/engine"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/failure"
	"github.com/aristath/conductor/internal/gitops"
	"github.com/aristath/conductor/internal/progress"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/supervisor"
	"github.com/aristath/conductor/internal/taskgraph"
)

// memVCS keeps branch and worktree bookkeeping in memory.
type memVCS struct {
	mu        sync.Mutex
	branches  map[string]bool
	worktrees map[string]string
}

func newMemVCS() *memVCS {
	return &memVCS{branches: make(map[string]bool), worktrees: make(map[string]string)}
}

func (v *memVCS) PruneStale() error { return nil }

func (v *memVCS) WorktreeFor(branch string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	path, ok := v.worktrees[branch]
	return path, ok
}

func (v *memVCS) RemoveWorktree(path string, force bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for branch, p := range v.worktrees {
		if p == path {
			delete(v.worktrees, branch)
		}
	}
	return nil
}

func (v *memVCS) BranchExists(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.branches[name]
}

func (v *memVCS) DeleteBranch(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.branches, name)
	return nil
}

func (v *memVCS) CreateBranch(name, base string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.branches[name] = true
	return nil
}

func (v *memVCS) AddWorktree(path, branch string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.worktrees[branch] = path
	return nil
}

func (v *memVCS) CommitCount(string, string) (int, error)       { return 1, nil }
func (v *memVCS) ChangedFiles(string, string) ([]string, error) { return nil, nil }
func (v *memVCS) IsClean(string) (bool, error)                  { return true, nil }
func (v *memVCS) Checkout(string) error                         { return nil }
func (v *memVCS) Merge(string) error                            { return nil }
func (v *memVCS) MergeAbort() error                             { return nil }
func (v *memVCS) ConflictedFiles() ([]string, error)            { return nil, nil }
func (v *memVCS) DiffSummary(string) (string, error)            { return "", nil }
func (v *memVCS) Push(string) error                             { return nil }

// recordingEngine reports scripted outcomes per task and records start order.
type recordingEngine struct {
	taskID string
	rec    *recorder
	err    error
}

type recorder struct {
	mu     sync.Mutex
	starts []string
}

func (r *recorder) add(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, taskID)
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.starts...)
}

func (e *recordingEngine) Name() string      { return "claude" }
func (e *recordingEngine) SessionID() string { return "" }

func (e *recordingEngine) Execute(ctx context.Context, prompt string, opts engine.Options) (*engine.Result, error) {
	e.rec.add(e.taskID)
	if e.err != nil {
		return nil, e.err
	}
	return &engine.Result{ResponseText: "done"}, nil
}

type testRig struct {
	coord *Coordinator
	rec   *recorder
	ctrl  *failure.Controller
}

// newRig wires a coordinator over fakes. engineErrs scripts per-task failures.
func newRig(t *testing.T, graph string, concurrency int, engineErrs map[string]error) *testRig {
	t.Helper()

	store, err := taskgraph.Parse([]byte(graph))
	if err != nil {
		t.Fatal(err)
	}

	run := artifacts.NewRunDir(t.TempDir(), "test-prd")
	if err := run.Ensure(); err != nil {
		t.Fatal(err)
	}

	vcs := newMemVCS()
	rec := &recorder{}
	ctrl := failure.NewController(50 * time.Millisecond)

	sup := supervisor.New(supervisor.Config{
		VCS:    vcs,
		RunDir: run,
		Factory: func(taskID string) (engine.Engine, error) {
			return &recordingEngine{taskID: taskID, rec: rec, err: engineErrs[taskID]}, nil
		},
		Breakers:   supervisor.NewBreakerRegistry(),
		Retry:      supervisor.RetryConfig{MaxRetries: 0, Delay: 0},
		BaseBranch: "main",
		Latched:    ctrl.Latched,
	})

	// Worktree scratch paths must exist for the supervisor's spec copy, so
	// root the manager in a temp dir.
	trees := gitops.NewManager(gitops.ManagerConfig{
		RepoPath:   t.TempDir(),
		BaseBranch: "main",
		Prefix:     "prd/test-prd",
	}, &mkdirVCS{VCS: vcs})

	coord := New(Config{
		Concurrency: concurrency,
		Store:       store,
		Worktrees:   trees,
		Supervisor:  sup,
		Failure:     ctrl,
		Procs:       engine.NewProcessManager(),
		Bus:         events.NewBus(),
		Progress:    progress.NewAggregator(),
		RunDir:      run,
	})

	return &testRig{coord: coord, rec: rec, ctrl: ctrl}
}

// mkdirVCS creates the worktree directory on AddWorktree so the supervisor
// can write into it.
type mkdirVCS struct {
	gitops.VCS
}

func (v *mkdirVCS) AddWorktree(path, branch string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	return v.VCS.AddWorktree(path, branch)
}

func TestRunLinearChain(t *testing.T) {
	graph := `{"version": 1, "tasks": [
		{"id": "A", "title": "a", "completed": false},
		{"id": "B", "title": "b", "completed": false, "dependsOn": ["A"]},
		{"id": "C", "title": "c", "completed": false, "dependsOn": ["B"]}
	]}`
	rig := newRig(t, graph, 3, nil)

	result, err := rig.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Failed() {
		t.Fatalf("run failed unexpectedly: %+v", result)
	}
	// Dependency order is respected even with slack concurrency.
	order := rig.rec.order()
	if len(order) != 3 || order[0] != "A" || order[1] != "B" || order[2] != "C" {
		t.Errorf("execution order = %v, want [A B C]", order)
	}
	if len(result.CompletedBranches) != 3 {
		t.Errorf("completed branches = %v", result.CompletedBranches)
	}
	if !rig.coord.Scheduler().Drained() {
		t.Error("scheduler not drained")
	}
}

func TestRunFanOutWithSharedLock(t *testing.T) {
	graph := `{"version": 1, "tasks": [
		{"id": "X", "title": "x", "completed": false, "touches": ["package.json"]},
		{"id": "Y", "title": "y", "completed": false, "touches": ["package.json"]},
		{"id": "Z", "title": "z", "completed": false, "touches": ["src/web/**"]}
	]}`
	rig := newRig(t, graph, 3, nil)

	result, err := rig.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.CompletedBranches) != 3 {
		t.Fatalf("all three should complete, got %v", result.CompletedBranches)
	}
	// X and Y are serialized by the lockfile lock; X is declared first.
	order := rig.rec.order()
	posX, posY := -1, -1
	for i, id := range order {
		if id == "X" {
			posX = i
		}
		if id == "Y" {
			posY = i
		}
	}
	if posX == -1 || posY == -1 || posX > posY {
		t.Errorf("X should start before Y, order = %v", order)
	}
}

func TestRunExternalFailureLatches(t *testing.T) {
	graph := `{"version": 1, "tasks": [
		{"id": "K", "title": "k", "completed": false},
		{"id": "L", "title": "l", "completed": false, "dependsOn": ["K"]}
	]}`
	rig := newRig(t, graph, 2, map[string]error{
		"K": errors.New("claude: command not found"),
	})

	result, err := rig.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.Latched {
		t.Fatal("external failure should latch the run")
	}
	if !result.Failed() {
		t.Error("latched run must report failure")
	}
	// L was never admitted.
	order := rig.rec.order()
	if len(order) != 1 || order[0] != "K" {
		t.Errorf("execution order = %v, want [K] only", order)
	}
	if rig.coord.Scheduler().StateOf("L") != scheduler.StatePending {
		t.Errorf("L should remain pending")
	}
	if len(result.Blocked) == 0 {
		t.Error("latched result should explain blocked tasks")
	}
}

func TestRunInternalFailureDoesNotLatch(t *testing.T) {
	graph := `{"version": 1, "tasks": [
		{"id": "A", "title": "a", "completed": false},
		{"id": "B", "title": "b", "completed": false}
	]}`
	rig := newRig(t, graph, 1, map[string]error{
		"A": errors.New("assertion failed in unit tests"),
	})

	result, err := rig.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Latched {
		t.Error("internal failure must not latch")
	}
	// B still ran: a failing task never aborts siblings.
	order := rig.rec.order()
	if len(order) != 2 {
		t.Errorf("execution order = %v, want both tasks", order)
	}
	if len(result.CompletedBranches) != 1 {
		t.Errorf("completed = %v, want just B", result.CompletedBranches)
	}
}

func TestRunDeadlockDiagnosis(t *testing.T) {
	graph := `{"version": 1, "tasks": [
		{"id": "A", "title": "a", "completed": false},
		{"id": "B", "title": "b", "completed": false, "dependsOn": ["A"]}
	]}`
	rig := newRig(t, graph, 2, map[string]error{
		"A": errors.New("tests failed"),
	})

	result, err := rig.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.Deadlocked {
		t.Fatal("B waiting on failed A is a deadlock")
	}

	found := false
	for _, reason := range result.Blocked {
		if reason.TaskID == "B" {
			found = true
			if len(reason.Deps) != 1 || reason.Deps[0].ID != "A" || reason.Deps[0].State != scheduler.StateFailed {
				t.Errorf("unexpected reason: %+v", reason)
			}
		}
	}
	if !found {
		t.Error("missing block explanation for B")
	}

	diag := FormatBlocked(result.Blocked)
	if diag == "" {
		t.Error("empty deadlock diagnostic")
	}
}

func TestRunAllCompletedSkipsEverything(t *testing.T) {
	graph := `{"version": 1, "tasks": [
		{"id": "A", "title": "a", "completed": true}
	]}`
	rig := newRig(t, graph, 2, nil)

	result, err := rig.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(rig.rec.order()) != 0 {
		t.Errorf("nothing should run, got %v", rig.rec.order())
	}
	if len(result.CompletedBranches) != 0 {
		t.Errorf("no new branches expected, got %v", result.CompletedBranches)
	}
}
