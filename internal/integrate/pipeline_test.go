package integrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/aristath/conductor/internal/artifacts"
	"github.com/aristath/conductor/internal/engine"
	"github.com/aristath/conductor/internal/taskgraph"
)

// mergeVCS simulates merges with scripted conflicts.
type mergeVCS struct {
	calls        []string
	branches     map[string]bool
	conflictOn   map[string][]string // branch -> conflicted files
	resolved     bool                // set by the resolver stub
	currentMerge string
}

func newMergeVCS(branches ...string) *mergeVCS {
	v := &mergeVCS{
		branches:   make(map[string]bool),
		conflictOn: make(map[string][]string),
	}
	for _, b := range branches {
		v.branches[b] = true
	}
	return v
}

func (v *mergeVCS) record(call string) { v.calls = append(v.calls, call) }

func (v *mergeVCS) PruneStale() error                             { return nil }
func (v *mergeVCS) WorktreeFor(string) (string, bool)             { return "", false }
func (v *mergeVCS) RemoveWorktree(string, bool) error             { return nil }
func (v *mergeVCS) BranchExists(name string) bool                 { return v.branches[name] }
func (v *mergeVCS) CommitCount(string, string) (int, error)       { return 1, nil }
func (v *mergeVCS) ChangedFiles(string, string) ([]string, error) { return nil, nil }
func (v *mergeVCS) IsClean(string) (bool, error)                  { return true, nil }
func (v *mergeVCS) DiffSummary(string) (string, error)            { return "3 files changed", nil }
func (v *mergeVCS) Push(string) error                             { return nil }

func (v *mergeVCS) DeleteBranch(name string) error {
	delete(v.branches, name)
	v.record("delete " + name)
	return nil
}

func (v *mergeVCS) CreateBranch(name, base string) error {
	v.branches[name] = true
	v.record(fmt.Sprintf("create %s from %s", name, base))
	return nil
}

func (v *mergeVCS) AddWorktree(string, string) error { return nil }

func (v *mergeVCS) Checkout(branch string) error {
	v.record("checkout " + branch)
	return nil
}

func (v *mergeVCS) Merge(branch string) error {
	v.record("merge " + branch)
	if _, conflicted := v.conflictOn[branch]; conflicted {
		v.currentMerge = branch
		return fmt.Errorf("merge of %s has conflicts", branch)
	}
	return nil
}

func (v *mergeVCS) MergeAbort() error {
	v.record("merge-abort")
	v.currentMerge = ""
	return nil
}

func (v *mergeVCS) ConflictedFiles() ([]string, error) {
	if v.currentMerge == "" || v.resolved {
		return nil, nil
	}
	return v.conflictOn[v.currentMerge], nil
}

// stubAgent is an engine whose Execute runs a callback.
type stubAgent struct {
	onExecute func(prompt string) *engine.Result
	calls     int
	prompts   []string
}

func (a *stubAgent) Name() string      { return "claude" }
func (a *stubAgent) SessionID() string { return "" }

func (a *stubAgent) Execute(ctx context.Context, prompt string, opts engine.Options) (*engine.Result, error) {
	a.calls++
	a.prompts = append(a.prompts, prompt)
	if a.onExecute != nil {
		return a.onExecute(prompt), nil
	}
	return &engine.Result{ResponseText: "ok"}, nil
}

func pipelineStore(t *testing.T) *taskgraph.Store {
	t.Helper()
	s, err := taskgraph.Parse([]byte(`{"version": 1, "tasks": [
		{"id": "A", "title": "a", "completed": true},
		{"id": "B", "title": "b", "completed": true, "dependsOn": ["A"], "mergeNotes": "keep route order"},
		{"id": "C", "title": "c", "completed": true, "dependsOn": ["A"]}
	]}`))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newPipeline(t *testing.T, vcs *mergeVCS, store *taskgraph.Store, resolver, reviewer *stubAgent) (*Pipeline, *artifacts.RunDir) {
	t.Helper()

	run := artifacts.NewRunDir(t.TempDir(), "test-prd")
	if err := run.Ensure(); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		VCS:        vcs,
		Store:      store,
		RunDir:     run,
		BaseBranch: "main",
		PRDID:      "test-prd",
	}
	if resolver != nil {
		cfg.NewResolver = func() (engine.Engine, error) { return resolver, nil }
	}
	if reviewer != nil {
		cfg.NewReviewer = func() (engine.Engine, error) { return reviewer, nil }
	}
	return New(cfg), run
}

func branchesOf(ids ...string) map[string]string {
	out := make(map[string]string)
	for _, id := range ids {
		out[id] = "task/" + strings.ToLower(id)
	}
	return out
}

func TestRunMergesInDependencyOrder(t *testing.T) {
	vcs := newMergeVCS("task/a", "task/b", "task/c")
	pipe, _ := newPipeline(t, vcs, pipelineStore(t), nil, nil)

	summary, err := pipe.Run(context.Background(), branchesOf("A", "B", "C"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !summary.AllMerged {
		t.Fatal("expected all branches merged")
	}

	var merges []string
	for _, call := range vcs.calls {
		if after, ok := strings.CutPrefix(call, "merge "); ok && after != summary.IntegrationBranch {
			merges = append(merges, after)
		}
	}
	if len(merges) != 3 || merges[0] != "task/a" {
		t.Errorf("merge order = %v, want task/a first", merges)
	}

	// Merged branches were deleted; no review configured, so the integration
	// branch was finalized to base.
	for _, branch := range []string{"task/a", "task/b", "task/c"} {
		if vcs.branches[branch] {
			t.Errorf("merged branch %s not deleted", branch)
		}
	}
	if !summary.FinalizedToBase {
		t.Error("expected finalization to base")
	}
	if vcs.branches[summary.IntegrationBranch] {
		t.Error("integration branch not deleted after finalization")
	}
}

func TestRunEmptyBranchesIsNoop(t *testing.T) {
	vcs := newMergeVCS()
	pipe, _ := newPipeline(t, vcs, pipelineStore(t), nil, nil)

	summary, err := pipe.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(vcs.calls) != 0 {
		t.Errorf("no VCS calls expected, got %v", vcs.calls)
	}
	if summary.AllMerged {
		t.Error("empty run should not claim AllMerged")
	}
}

func TestRunResolvesConflict(t *testing.T) {
	vcs := newMergeVCS("task/a", "task/b", "task/c")
	vcs.conflictOn["task/b"] = []string{"routes/api.ts"}

	resolver := &stubAgent{}
	resolver.onExecute = func(prompt string) *engine.Result {
		vcs.resolved = true // Simulates edit + stage + commit
		return &engine.Result{ResponseText: "resolved"}
	}

	pipe, _ := newPipeline(t, vcs, pipelineStore(t), resolver, nil)

	summary, err := pipe.Run(context.Background(), branchesOf("A", "B", "C"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if resolver.calls != 1 {
		t.Errorf("resolver invoked %d times, want 1", resolver.calls)
	}
	// The resolver prompt carries the conflicted paths and the merge notes.
	if !strings.Contains(resolver.prompts[0], "routes/api.ts") {
		t.Errorf("prompt missing conflict path:\n%s", resolver.prompts[0])
	}
	if !strings.Contains(resolver.prompts[0], "keep route order") {
		t.Errorf("prompt missing merge notes:\n%s", resolver.prompts[0])
	}

	if !summary.AllMerged {
		t.Error("conflict was resolved; expected all merged")
	}
	for _, result := range summary.Results {
		if result.TaskID == "B" && !result.Resolved {
			t.Error("B should be marked resolved")
		}
	}
	if vcs.branches["task/b"] {
		t.Error("resolved branch not deleted")
	}
}

func TestRunUnresolvedConflictAborts(t *testing.T) {
	vcs := newMergeVCS("task/a", "task/b", "task/c")
	vcs.conflictOn["task/b"] = []string{"routes/api.ts"}

	resolver := &stubAgent{} // Does not clear conflicts
	pipe, _ := newPipeline(t, vcs, pipelineStore(t), resolver, nil)

	summary, err := pipe.Run(context.Background(), branchesOf("A", "B", "C"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.AllMerged {
		t.Error("unresolved conflict should leave AllMerged false")
	}
	if summary.FinalizedToBase {
		t.Error("must not finalize with unresolved branches")
	}

	aborted := false
	for _, call := range vcs.calls {
		if call == "merge-abort" {
			aborted = true
		}
	}
	if !aborted {
		t.Error("merge was not aborted")
	}
	// The unresolved branch is preserved for inspection, as is integration.
	if !vcs.branches["task/b"] {
		t.Error("unresolved branch was deleted")
	}
	if !vcs.branches[summary.IntegrationBranch] {
		t.Error("integration branch was deleted")
	}
}

func TestRunReviewBlockerAppendsFixTasks(t *testing.T) {
	vcs := newMergeVCS("task/a", "task/b", "task/c")
	store := pipelineStore(t)

	var run *artifacts.RunDir
	reviewer := &stubAgent{}
	reviewer.onExecute = func(prompt string) *engine.Result {
		report := ReviewReport{Issues: []ReviewIssue{
			{Severity: SeverityBlocker, Description: "cart total ignores discount codes"},
			{Severity: SeverityWarning, Description: "naming drift"},
		}}
		data, _ := json.Marshal(report)
		os.WriteFile(run.ReviewReportPath(), data, 0644)
		return &engine.Result{ResponseText: "reviewed"}
	}

	pipe, rundir := newPipeline(t, vcs, store, nil, reviewer)
	run = rundir

	summary, err := pipe.Run(context.Background(), branchesOf("A", "B", "C"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.FinalizedToBase {
		t.Error("blocker must prevent merge to base")
	}
	if !reflect.DeepEqual(summary.FixTaskIDs, []string{"FIX-001"}) {
		t.Errorf("fix tasks = %v, want [FIX-001]", summary.FixTaskIDs)
	}

	fix, ok := store.Get("FIX-001")
	if !ok {
		t.Fatal("fix task not in store")
	}
	if len(fix.DependsOn) != 0 || len(fix.Locks) != 0 {
		t.Errorf("fix task must have empty deps and locks: %+v", fix)
	}
	if !strings.Contains(fix.Title, "cart total ignores discount codes") {
		t.Errorf("fix title = %q", fix.Title)
	}
	if !vcs.branches[summary.IntegrationBranch] {
		t.Error("integration branch must be preserved for inspection")
	}
}

func TestRunReviewCleanFinalizes(t *testing.T) {
	vcs := newMergeVCS("task/a", "task/b", "task/c")

	var run *artifacts.RunDir
	reviewer := &stubAgent{}
	reviewer.onExecute = func(prompt string) *engine.Result {
		data, _ := json.Marshal(ReviewReport{Issues: []ReviewIssue{
			{Severity: SeverityCritical, Description: "worth a look, not blocking"},
		}})
		os.WriteFile(run.ReviewReportPath(), data, 0644)
		return &engine.Result{ResponseText: "reviewed"}
	}

	pipe, rundir := newPipeline(t, vcs, pipelineStore(t), nil, reviewer)
	run = rundir

	summary, err := pipe.Run(context.Background(), branchesOf("A", "B", "C"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Only blocker severity prevents finalization.
	if !summary.FinalizedToBase {
		t.Error("critical issues alone must not block finalization")
	}
	if len(summary.FixTaskIDs) != 0 {
		t.Errorf("no fix tasks expected, got %v", summary.FixTaskIDs)
	}
}
