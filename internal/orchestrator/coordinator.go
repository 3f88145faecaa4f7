// Package orchestrator drives the run: it asks the scheduler for admissible
// tasks, provisions worktrees, launches agent supervisors, and feeds terminal
// outcomes back into the scheduler until the graph drains or the run latches.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/artifacts"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/failure"
	"github.com/aristath/conductor/internal/gitops"
	"github.com/aristath/conductor/internal/progress"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/supervisor"
	"github.com/aristath/conductor/internal/taskgraph"
)

// Config wires the coordinator's collaborators.
type Config struct {
	Concurrency int
	Store       *taskgraph.Store
	Worktrees   *gitops.Manager
	Supervisor  *supervisor.Supervisor
	Failure     *failure.Controller
	Procs       failure.Stopper
	Bus         *events.Bus
	Progress    *progress.Aggregator
	RunDir      *artifacts.RunDir
}

// RunResult summarizes the execute phase.
type RunResult struct {
	Outcomes          []supervisor.Outcome
	CompletedBranches map[string]string // taskID -> branch, for integration
	Latched           bool
	Deadlocked        bool
	Blocked           []*scheduler.BlockReason // Populated on deadlock or latch
}

// Failed reports whether the run must exit non-zero.
func (r *RunResult) Failed() bool {
	return r.Latched || r.Deadlocked
}

// Coordinator owns all scheduler-state mutations. Supervisors run on their
// own goroutines and communicate exclusively through the outcome channel.
type Coordinator struct {
	cfg   Config
	sched *scheduler.Scheduler

	mu      sync.Mutex
	trees   map[string]*gitops.Worktree
	ordinal int
}

// New creates a coordinator over a freshly built scheduler.
func New(cfg Config) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Coordinator{
		cfg:   cfg,
		sched: scheduler.New(cfg.Store),
		trees: make(map[string]*gitops.Worktree),
	}
}

// Scheduler exposes the scheduler for read-only inspection.
func (c *Coordinator) Scheduler() *scheduler.Scheduler {
	return c.sched
}

// Run executes the graph until it drains, deadlocks, or latches on an
// external failure. Context cancellation (signal) behaves like a latch: no
// further admissions, then a graceful stop.
func (c *Coordinator) Run(ctx context.Context) (*RunResult, error) {
	result := &RunResult{
		CompletedBranches: make(map[string]string),
	}

	outcomes := make(chan supervisor.Outcome)
	g, gctx := errgroup.WithContext(context.Background())

	stopTicker := c.startProgressTicker()
	defer stopTicker()

	inflight := 0
	for {
		// Latch or signal ends admission; stragglers are handled below under
		// the failure controller's escalating stop.
		if c.cfg.Failure.Latched() || ctx.Err() != nil {
			break
		}

		for _, task := range c.sched.Admit(c.cfg.Concurrency) {
			wt, err := c.launch(gctx, g, task, outcomes)
			if err != nil {
				// Provisioning failed before an agent ever ran; the
				// supervisor was never involved so fail the task here.
				log.Printf("ERROR: could not launch task %q: %v", task.ID, err)
				_ = c.sched.Fail(task.ID)
				c.writeLaunchFailure(task, err)
				continue
			}
			inflight++
			c.publishAdmitted(task, wt)
		}

		if inflight == 0 {
			if c.sched.Drained() {
				break
			}
			if c.sched.IsDeadlocked() {
				result.Deadlocked = true
				result.Blocked = c.explainPending()
				break
			}
			// Only transient: a launch failure just freed a dependent or a
			// lock; re-check on the next iteration.
			continue
		}

		outcome := <-outcomes
		inflight--
		c.settle(outcome, result)
	}

	if inflight > 0 {
		done := make(chan struct{})
		go func() {
			for ; inflight > 0; inflight-- {
				c.settle(<-outcomes, result)
			}
			close(done)
		}()
		c.cfg.Failure.GracefulStop(done, c.cfg.Procs)
	}

	_ = g.Wait()

	result.Latched = c.cfg.Failure.Latched()
	if result.Latched && len(result.Blocked) == 0 {
		result.Blocked = c.explainPending()
	}
	c.publishProgress()
	return result, ctx.Err()
}

// launch provisions a worktree and starts the supervisor goroutine.
func (c *Coordinator) launch(ctx context.Context, g *errgroup.Group, task *taskgraph.Task, outcomes chan<- supervisor.Outcome) (*gitops.Worktree, error) {
	c.mu.Lock()
	c.ordinal++
	ordinal := c.ordinal
	c.mu.Unlock()

	wt, err := c.cfg.Worktrees.Provision(task.ID, ordinal)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.trees[task.ID] = wt
	c.mu.Unlock()

	if c.cfg.Progress != nil {
		c.cfg.Progress.Watch(task.ID, c.cfg.RunDir.StreamPath(task.ID))
	}

	g.Go(func() error {
		outcomes <- c.cfg.Supervisor.Run(ctx, task, wt)
		return nil
	})
	return wt, nil
}

// settle applies a terminal outcome to the scheduler and reclaims the
// worktree. Runs only on the coordinator goroutine.
func (c *Coordinator) settle(outcome supervisor.Outcome, result *RunResult) {
	result.Outcomes = append(result.Outcomes, outcome)

	c.mu.Lock()
	wt := c.trees[outcome.TaskID]
	delete(c.trees, outcome.TaskID)
	c.mu.Unlock()

	if c.cfg.Progress != nil {
		c.cfg.Progress.Forget(outcome.TaskID)
	}

	if outcome.Success {
		if err := c.sched.Complete(outcome.TaskID); err != nil {
			log.Printf("ERROR: completing task %q: %v", outcome.TaskID, err)
		}
		if wt != nil {
			result.CompletedBranches[outcome.TaskID] = wt.Branch
		}
		c.publishCompleted(outcome)
	} else {
		if err := c.sched.Fail(outcome.TaskID); err != nil {
			log.Printf("ERROR: failing task %q: %v", outcome.TaskID, err)
		}
		if outcome.Err != nil {
			if _, latchedNow := c.cfg.Failure.Record(outcome.TaskID, outcome.Err.Error()); latchedNow {
				log.Printf("external failure on task %q, stopping admission: %v", outcome.TaskID, outcome.Err)
			}
		}
		c.publishFailed(outcome)
	}

	if wt != nil {
		logf := &logWriter{rundir: c.cfg.RunDir, taskID: outcome.TaskID}
		if err := c.cfg.Worktrees.Teardown(wt, logf); err != nil {
			log.Printf("WARNING: tearing down worktree for %q: %v", outcome.TaskID, err)
		}
	}

	c.publishProgress()
}

// writeLaunchFailure persists a failed report for a task that never reached
// its supervisor.
func (c *Coordinator) writeLaunchFailure(task *taskgraph.Task, err error) {
	report := &artifacts.Report{
		TaskID:       task.ID,
		Title:        task.Title,
		Status:       artifacts.StatusFailed,
		FailureType:  string(failure.Classify(err.Error())),
		ErrorMessage: err.Error(),
		Timestamp:    time.Now(),
	}
	if wErr := c.cfg.RunDir.WriteReport(report); wErr != nil {
		log.Printf("ERROR: persisting launch-failure report for %q: %v", task.ID, wErr)
	}
}

// explainPending gathers the blocked-by explanation for every pending task.
func (c *Coordinator) explainPending() []*scheduler.BlockReason {
	var out []*scheduler.BlockReason
	for _, id := range c.sched.Pending() {
		if reason, err := c.sched.ExplainBlock(id); err == nil {
			out = append(out, reason)
		}
	}
	return out
}

// FormatBlocked renders the deadlock diagnostic.
func FormatBlocked(blocked []*scheduler.BlockReason) string {
	var b strings.Builder
	for _, reason := range blocked {
		fmt.Fprintf(&b, "  %s blocked by:", reason.TaskID)
		for _, dep := range reason.Deps {
			fmt.Fprintf(&b, " dep %s (%s)", dep.ID, dep.State)
		}
		for _, hold := range reason.HeldLocks {
			fmt.Fprintf(&b, " lock %s (held by %s)", hold.Lock, hold.Holder)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (c *Coordinator) startProgressTicker() func() {
	if c.cfg.Progress == nil || c.cfg.Bus == nil {
		return func() {}
	}

	ticker := time.NewTicker(time.Second)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for id, step := range c.cfg.Progress.Snapshot() {
					c.cfg.Bus.Publish(events.TaskStepEvent{ID: id, Step: step, Timestamp: time.Now()})
				}
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func (c *Coordinator) publishAdmitted(task *taskgraph.Task, wt *gitops.Worktree) {
	if c.cfg.Bus == nil {
		return
	}
	c.cfg.Bus.Publish(events.TaskAdmittedEvent{
		ID:        task.ID,
		Title:     task.Title,
		Branch:    wt.Branch,
		Locks:     task.EffectiveLocks(),
		Timestamp: time.Now(),
	})
}

func (c *Coordinator) publishCompleted(outcome supervisor.Outcome) {
	if c.cfg.Bus == nil {
		return
	}
	commits := 0
	if outcome.Report != nil {
		commits = outcome.Report.Commits
	}
	c.cfg.Bus.Publish(events.TaskCompletedEvent{
		ID:        outcome.TaskID,
		Commits:   commits,
		Timestamp: time.Now(),
	})
}

func (c *Coordinator) publishFailed(outcome supervisor.Outcome) {
	if c.cfg.Bus == nil {
		return
	}
	message := ""
	if outcome.Err != nil {
		message = outcome.Err.Error()
	}
	c.cfg.Bus.Publish(events.TaskFailedEvent{
		ID:          outcome.TaskID,
		FailureType: string(outcome.FailureKind),
		Message:     message,
		Timestamp:   time.Now(),
	})
}

func (c *Coordinator) publishProgress() {
	if c.cfg.Bus == nil {
		return
	}
	c.cfg.Bus.Publish(events.RunProgressEvent{
		Total:     c.cfg.Store.Len(),
		Done:      c.sched.Count(scheduler.StateDone),
		Running:   c.sched.Count(scheduler.StateRunning),
		Failed:    c.sched.Count(scheduler.StateFailed),
		Pending:   c.sched.Count(scheduler.StatePending),
		Timestamp: time.Now(),
	})
}

// logWriter adapts the run directory's per-task log to io.Writer for
// worktree-preservation records.
type logWriter struct {
	rundir *artifacts.RunDir
	taskID string
}

func (w *logWriter) Write(p []byte) (int, error) {
	if err := w.rundir.AppendLog(w.taskID, strings.TrimRight(string(p), "\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}
