package gitops

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

// fakeVCS records calls and simulates branch/worktree bookkeeping.
type fakeVCS struct {
	calls     []string
	branches  map[string]bool
	worktrees map[string]string // branch -> path
	dirty     map[string]bool   // path -> dirty
	failOn    string            // call name that should error
}

func newFakeVCS() *fakeVCS {
	return &fakeVCS{
		branches:  make(map[string]bool),
		worktrees: make(map[string]string),
		dirty:     make(map[string]bool),
	}
}

func (f *fakeVCS) record(call string) error {
	f.calls = append(f.calls, call)
	name, _, _ := strings.Cut(call, " ")
	if f.failOn != "" && name == f.failOn {
		return fmt.Errorf("%s failed: permission denied", name)
	}
	return nil
}

func (f *fakeVCS) PruneStale() error { return f.record("prune") }

func (f *fakeVCS) WorktreeFor(branch string) (string, bool) {
	path, ok := f.worktrees[branch]
	return path, ok
}

func (f *fakeVCS) RemoveWorktree(path string, force bool) error {
	for branch, p := range f.worktrees {
		if p == path {
			delete(f.worktrees, branch)
		}
	}
	return f.record(fmt.Sprintf("remove-worktree %s force=%v", path, force))
}

func (f *fakeVCS) BranchExists(name string) bool { return f.branches[name] }

func (f *fakeVCS) DeleteBranch(name string) error {
	delete(f.branches, name)
	return f.record("delete-branch " + name)
}

func (f *fakeVCS) CreateBranch(name, base string) error {
	f.branches[name] = true
	return f.record(fmt.Sprintf("create-branch %s from %s", name, base))
}

func (f *fakeVCS) AddWorktree(path, branch string) error {
	f.worktrees[branch] = path
	return f.record(fmt.Sprintf("add-worktree %s %s", path, branch))
}

func (f *fakeVCS) CommitCount(dir, spec string) (int, error) { return 1, nil }

func (f *fakeVCS) ChangedFiles(dir, spec string) ([]string, error) { return nil, nil }

func (f *fakeVCS) IsClean(dir string) (bool, error) { return !f.dirty[dir], nil }

func (f *fakeVCS) Checkout(branch string) error { return f.record("checkout " + branch) }

func (f *fakeVCS) Merge(branch string) error { return f.record("merge " + branch) }

func (f *fakeVCS) MergeAbort() error { return f.record("merge-abort") }

func (f *fakeVCS) ConflictedFiles() ([]string, error) { return nil, nil }

func (f *fakeVCS) DiffSummary(spec string) (string, error) { return "", nil }

func (f *fakeVCS) Push(branch string) error { return f.record("push " + branch) }

func (f *fakeVCS) callNames() []string {
	var names []string
	for _, call := range f.calls {
		name, _, _ := strings.Cut(call, " ")
		names = append(names, name)
	}
	return names
}

func newTestManager(vcs VCS) *Manager {
	return NewManager(ManagerConfig{
		RepoPath:   "/repo",
		BaseBranch: "main",
		Prefix:     "prd/checkout",
	}, vcs)
}

func TestBranchName(t *testing.T) {
	m := newTestManager(newFakeVCS())

	tests := []struct {
		taskID  string
		ordinal int
		want    string
	}{
		{"TASK-001", 1, "prd/checkout/task-001-a1"},
		{"Add User Model", 3, "prd/checkout/add-user-model-a3"},
		{"FIX-002", 7, "prd/checkout/fix-002-a7"},
	}
	for _, tt := range tests {
		if got := m.BranchName(tt.taskID, tt.ordinal); got != tt.want {
			t.Errorf("BranchName(%q, %d) = %q, want %q", tt.taskID, tt.ordinal, got, tt.want)
		}
	}
}

func TestProvisionFresh(t *testing.T) {
	vcs := newFakeVCS()
	m := newTestManager(vcs)

	wt, err := m.Provision("TASK-001", 1)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if wt.Branch != "prd/checkout/task-001-a1" {
		t.Errorf("branch = %q", wt.Branch)
	}
	if wt.TaskID != "TASK-001" {
		t.Errorf("taskID = %q", wt.TaskID)
	}

	want := []string{"prune", "create-branch", "add-worktree"}
	got := vcs.callNames()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestProvisionReplacesStale(t *testing.T) {
	vcs := newFakeVCS()
	branch := "prd/checkout/task-001-a1"
	vcs.branches[branch] = true
	vcs.worktrees[branch] = "/repo/.conductor-worktrees/old"

	m := newTestManager(vcs)
	if _, err := m.Provision("TASK-001", 1); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	want := []string{"prune", "remove-worktree", "delete-branch", "create-branch", "add-worktree"}
	got := vcs.callNames()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestProvisionError(t *testing.T) {
	vcs := newFakeVCS()
	vcs.failOn = "create-branch"

	m := newTestManager(vcs)
	if _, err := m.Provision("TASK-001", 1); err == nil {
		t.Fatal("expected provision error")
	}
}

func TestTeardownClean(t *testing.T) {
	vcs := newFakeVCS()
	m := newTestManager(vcs)

	wt, _ := m.Provision("TASK-001", 1)
	vcs.calls = nil

	var log bytes.Buffer
	if err := m.Teardown(wt, &log); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}

	if got := vcs.callNames(); len(got) != 1 || got[0] != "remove-worktree" {
		t.Errorf("calls = %v, want [remove-worktree]", got)
	}
	if log.Len() != 0 {
		t.Errorf("unexpected preservation record: %s", log.String())
	}
	// The branch is never deleted by teardown; ownership passes to integration.
	if !vcs.branches[wt.Branch] {
		t.Error("teardown deleted the task branch")
	}
}

func TestTeardownDirtyPreserves(t *testing.T) {
	vcs := newFakeVCS()
	m := newTestManager(vcs)

	wt, _ := m.Provision("TASK-001", 1)
	vcs.dirty[wt.Path] = true
	vcs.calls = nil

	var log bytes.Buffer
	if err := m.Teardown(wt, &log); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}

	if got := vcs.callNames(); len(got) != 0 {
		t.Errorf("dirty worktree should not be removed, calls = %v", got)
	}
	if !strings.Contains(log.String(), "preserved") {
		t.Errorf("missing preservation record, log = %q", log.String())
	}
}

func TestKebab(t *testing.T) {
	tests := []struct{ in, want string }{
		{"TASK-001", "task-001"},
		{"Add User Model!", "add-user-model"},
		{"a__b", "a-b"},
		{"--x--", "x"},
	}
	for _, tt := range tests {
		if got := kebab(tt.in); got != tt.want {
			t.Errorf("kebab(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
