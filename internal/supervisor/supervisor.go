// Package supervisor owns the lifecycle of a single agent run: worktree
// preparation, prompt assembly, invocation with retries, outcome gating, and
// report production. Each supervisor is a bulkhead; a failing task never
// aborts its siblings.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/conductor/internal/artifacts"
	"github.com/aristath/conductor/internal/engine"
	"github.com/aristath/conductor/internal/failure"
	"github.com/aristath/conductor/internal/gitops"
	"github.com/aristath/conductor/internal/taskgraph"
)

// progressFile is the agent-maintained progress log inside the worktree.
const progressFile = "PROGRESS.md"

// progressNoteLines bounds how much of the progress file lands in the report.
const progressNoteLines = 10

// EngineFactory creates an engine bound to a task. The supervisor calls it
// once per task so each agent gets its own session.
type EngineFactory func(taskID string) (engine.Engine, error)

// Outcome is what a supervisor reports back to the coordinator.
type Outcome struct {
	TaskID      string
	Success     bool
	FailureKind failure.Kind // Set when Success is false
	Err         error
	Report      *artifacts.Report
}

// Config wires a supervisor's collaborators.
type Config struct {
	VCS        gitops.VCS
	RunDir     *artifacts.RunDir
	Factory    EngineFactory
	Breakers   *BreakerRegistry
	Retry      RetryConfig
	BaseBranch string
	PushMode   bool // Push the branch and open a change request on success

	// OpenChangeRequest opens a change request for a pushed branch. Defaults
	// to the gh CLI; injectable for tests.
	OpenChangeRequest func(workDir, branch, title string) error

	// SaveSession records the engine session bound to a task, enabling resume.
	// Optional.
	SaveSession func(taskID, sessionID, engineType string)

	// Latched reports whether the run's external-failure latch is set. A task
	// that dies after the latch is recorded as an external timeout, not as its
	// own failure. Optional.
	Latched func() bool

	// Now is the report timestamp source. Defaults to time.Now.
	Now func() time.Time
}

// Supervisor runs one task inside its worktree and produces its terminal
// report.
type Supervisor struct {
	cfg Config
}

// New creates a supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OpenChangeRequest == nil {
		cfg.OpenChangeRequest = ghChangeRequest
	}
	return &Supervisor{cfg: cfg}
}

// Run executes the task's agent in the given worktree and returns its outcome.
// The report inside the outcome is already persisted when Run returns.
func (s *Supervisor) Run(ctx context.Context, task *taskgraph.Task, wt *gitops.Worktree) Outcome {
	if err := s.prepareWorktree(task, wt); err != nil {
		return s.fail(task, wt, fmt.Errorf("preparing worktree: %w", err))
	}

	eng, err := s.cfg.Factory(task.ID)
	if err != nil {
		return s.fail(task, wt, fmt.Errorf("creating engine: %w", err))
	}

	prompt := BuildPrompt(task)
	opts := engine.Options{
		WorkDir: wt.Path,
		LogFile: s.cfg.RunDir.LogPath(task.ID),
		TeeFile: s.cfg.RunDir.StreamPath(task.ID),
	}

	result, err := executeWithRetry(ctx, eng, prompt, opts, s.cfg.Breakers.Get(eng.Name()), s.cfg.Retry)
	if s.cfg.SaveSession != nil && eng.SessionID() != "" {
		s.cfg.SaveSession(task.ID, eng.SessionID(), eng.Name())
	}
	if err != nil {
		return s.fail(task, wt, err)
	}

	// Commit gate: agent claims of success without at least one commit on the
	// task branch are failures regardless of stdout.
	commits, err := s.cfg.VCS.CommitCount(wt.Path, s.cfg.BaseBranch+"..HEAD")
	if err != nil {
		return s.fail(task, wt, fmt.Errorf("counting commits: %w", err))
	}
	if commits == 0 {
		return s.fail(task, wt, errors.New("agent finished without committing any work"))
	}

	changed, err := s.cfg.VCS.ChangedFiles(wt.Path, s.cfg.BaseBranch+"..HEAD")
	if err != nil {
		s.log(task.ID, fmt.Sprintf("could not list changed files: %v", err))
	}
	s.noteUndeclaredTouches(task, changed)

	if s.cfg.PushMode {
		if err := s.cfg.VCS.Push(wt.Branch); err != nil {
			return s.fail(task, wt, fmt.Errorf("pushing branch: %w", err))
		}
		if err := s.cfg.OpenChangeRequest(wt.Path, wt.Branch, task.Title); err != nil {
			s.log(task.ID, fmt.Sprintf("could not open change request: %v", err))
		}
	}

	report := &artifacts.Report{
		TaskID:        task.ID,
		Title:         task.Title,
		Branch:        wt.Branch,
		Status:        artifacts.StatusDone,
		Commits:       commits,
		ChangedFiles:  changed,
		ProgressNotes: s.progressNotes(wt),
		Timestamp:     s.cfg.Now(),
	}
	if err := s.cfg.RunDir.WriteReport(report); err != nil {
		return s.fail(task, wt, fmt.Errorf("persisting report: %w", err))
	}

	s.logUsage(task.ID, result)

	return Outcome{TaskID: task.ID, Success: true, Report: report}
}

// prepareWorktree copies the task specification into the worktree and ensures
// the progress file exists.
func (s *Supervisor) prepareWorktree(task *taskgraph.Task, wt *gitops.Worktree) error {
	if data, err := os.ReadFile(s.cfg.RunDir.TasksPath()); err == nil {
		if err := os.WriteFile(filepath.Join(wt.Path, "tasks.json"), data, 0644); err != nil {
			return fmt.Errorf("copying task file: %w", err)
		}
	}

	progressPath := filepath.Join(wt.Path, progressFile)
	if _, err := os.Stat(progressPath); os.IsNotExist(err) {
		header := fmt.Sprintf("# Progress: %s\n", task.ID)
		if err := os.WriteFile(progressPath, []byte(header), 0644); err != nil {
			return fmt.Errorf("creating progress file: %w", err)
		}
	}
	return nil
}

// BuildPrompt assembles the agent instructions from the task metadata.
func BuildPrompt(task *taskgraph.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are implementing task %s: %s\n\n", task.ID, task.Title)
	b.WriteString("Work only inside this directory. Commit your changes with git when done.\n")
	fmt.Fprintf(&b, "Record each step you take in %s.\n\n", progressFile)

	if len(task.Touches) > 0 {
		fmt.Fprintf(&b, "You may modify only these paths: %s\n", strings.Join(task.Touches, ", "))
	}
	if len(task.Locks) > 0 {
		fmt.Fprintf(&b, "Declared resource locks: %s\n", strings.Join(task.Locks, ", "))
	}
	if inferred := taskgraph.InferLocks(task.Touches); len(inferred) > 0 {
		fmt.Fprintf(&b, "Inferred resource locks: %s\n", strings.Join(inferred, ", "))
	}
	return b.String()
}

// fail classifies the error, persists a failed report, and returns the outcome.
func (s *Supervisor) fail(task *taskgraph.Task, wt *gitops.Worktree, err error) Outcome {
	kind := failure.Classify(err.Error())
	if kind != failure.KindExternal && s.cfg.Latched != nil && s.cfg.Latched() {
		kind = failure.KindExternal
		err = fmt.Errorf("externally timed out after run latch: %w", err)
	}

	report := &artifacts.Report{
		TaskID:        task.ID,
		Title:         task.Title,
		Branch:        wt.Branch,
		Status:        artifacts.StatusFailed,
		FailureType:   string(kind),
		ErrorMessage:  err.Error(),
		ProgressNotes: s.progressNotes(wt),
		Timestamp:     s.cfg.Now(),
	}
	if commits, cErr := s.cfg.VCS.CommitCount(wt.Path, s.cfg.BaseBranch+"..HEAD"); cErr == nil {
		report.Commits = commits
	}

	if wErr := s.cfg.RunDir.WriteReport(report); wErr != nil {
		s.log(task.ID, fmt.Sprintf("could not persist failed report: %v", wErr))
	}
	s.log(task.ID, fmt.Sprintf("task failed (%s): %v", kind, err))

	return Outcome{
		TaskID:      task.ID,
		Success:     false,
		FailureKind: kind,
		Err:         err,
		Report:      report,
	}
}

// noteUndeclaredTouches records files changed outside the declared touches.
// Informational only; not enforced.
func (s *Supervisor) noteUndeclaredTouches(task *taskgraph.Task, changed []string) {
	if len(task.Touches) == 0 {
		return
	}
	for _, file := range changed {
		if file == progressFile || file == "tasks.json" {
			continue
		}
		if !matchesAnyPattern(file, task.Touches) {
			s.log(task.ID, fmt.Sprintf("changed file outside declared touches: %s", file))
		}
	}
}

func matchesAnyPattern(file string, patterns []string) bool {
	for _, p := range patterns {
		prefix := strings.TrimSuffix(strings.TrimSuffix(p, "**"), "*")
		prefix = strings.TrimSuffix(prefix, "/")
		if prefix == "" || strings.HasPrefix(file, prefix) {
			return true
		}
		if ok, _ := filepath.Match(p, file); ok {
			return true
		}
	}
	return false
}

// progressNotes returns the tail of the agent's progress file.
func (s *Supervisor) progressNotes(wt *gitops.Worktree) string {
	data, err := os.ReadFile(filepath.Join(wt.Path, progressFile))
	if err != nil {
		return ""
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) > progressNoteLines {
		lines = lines[len(lines)-progressNoteLines:]
	}
	return strings.Join(lines, " | ")
}

func (s *Supervisor) log(taskID, line string) {
	_ = s.cfg.RunDir.AppendLog(taskID, line)
}

func (s *Supervisor) logUsage(taskID string, result *engine.Result) {
	if result == nil {
		return
	}
	s.log(taskID, fmt.Sprintf("usage: input_tokens=%d output_tokens=%d cost=%.4f duration=%s",
		result.InputTokens, result.OutputTokens, result.CostUSD, result.Duration))
}

// ghChangeRequest opens a change request with the gh CLI.
func ghChangeRequest(workDir, branch, title string) error {
	cmd := exec.Command("gh", "pr", "create", "--head", branch, "--title", title, "--fill")
	cmd.Dir = workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gh pr create failed: %w (output: %s)", err, string(output))
	}
	return nil
}
