package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/artifacts"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/engine"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/failure"
	"github.com/aristath/conductor/internal/gitops"
	"github.com/aristath/conductor/internal/integrate"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/progress"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/supervisor"
	"github.com/aristath/conductor/internal/taskgraph"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var tasksFile string

	cmd := &cobra.Command{
		Use:   "run <prd-file>",
		Short: "Orchestrate the tasks generated for a PRD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			prdPath := args[0]
			prdID := prdIDFrom(prdPath)

			rundir := artifacts.NewRunDir(cfg.ArtifactsDir, prdID)
			if err := rundir.Ensure(); err != nil {
				return err
			}
			if err := rundir.CopySpec(prdPath); err != nil {
				return err
			}

			if err := ensureTaskFile(cmd.Context(), cfg, rundir, tasksFile); err != nil {
				return err
			}

			return orchestrate(cmd.Context(), cfg, flags, prdID, rundir, false)
		},
	}

	cmd.Flags().StringVar(&tasksFile, "tasks", "", "pre-generated task file (skips the task-generation agent)")
	return cmd
}

func newResumeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <prd-id>",
		Short: "Resume a previous run, skipping completed tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			prdID := args[0]
			rundir := artifacts.NewRunDir(cfg.ArtifactsDir, prdID)
			if _, err := os.Stat(rundir.TasksPath()); err != nil {
				return fmt.Errorf("no run found for %q: %w", prdID, err)
			}

			return orchestrate(cmd.Context(), cfg, flags, prdID, rundir, true)
		},
	}
}

// prdIDFrom derives the run identifier from the PRD file name.
func prdIDFrom(path string) string {
	base := filepath.Base(path)
	return kebab(strings.TrimSuffix(base, filepath.Ext(base)))
}

// ensureTaskFile places the task-graph into the run directory: copies the
// given file, keeps an existing one, or asks the task-generation agent to
// produce it from the PRD.
func ensureTaskFile(ctx context.Context, cfg *config.Config, rundir *artifacts.RunDir, tasksFile string) error {
	if tasksFile != "" {
		data, err := os.ReadFile(tasksFile)
		if err != nil {
			return fmt.Errorf("reading task file: %w", err)
		}
		return os.WriteFile(rundir.TasksPath(), data, 0644)
	}

	if _, err := os.Stat(rundir.TasksPath()); err == nil {
		return nil
	}

	return generateTasks(ctx, cfg, rundir)
}

// orchestrate wires every component and drives the run to its exit code.
func orchestrate(ctx context.Context, cfg *config.Config, flags *rootFlags, prdID string, rundir *artifacts.RunDir, resume bool) error {
	store, err := taskgraph.Load(rundir.TasksPath())
	if err != nil {
		return err
	}
	if err := store.Validate(); err != nil {
		return &exitCodeError{code: 1, msg: err.Error()}
	}

	if flags.dryRun {
		printAdmissionWaves(store, cfg.Concurrency)
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	repoPath, err := os.Getwd()
	if err != nil {
		return err
	}

	db, err := persistence.NewSQLiteStore(ctx, filepath.Join(cfg.ArtifactsDir, "conductor.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SaveRun(ctx, &persistence.Run{
		PRDID:      prdID,
		Engine:     cfg.Engine,
		BaseBranch: cfg.BaseBranch,
		Status:     persistence.RunStatusRunning,
	}); err != nil {
		return err
	}

	git := gitops.NewGit(repoPath)
	trees := gitops.NewManager(gitops.ManagerConfig{
		RepoPath:   repoPath,
		BaseBranch: cfg.BaseBranch,
		Prefix:     "prd/" + prdID,
	}, git)

	procs := engine.NewProcessManager()
	controller := failure.NewController(time.Duration(cfg.ExternalTimeoutSeconds) * time.Second)
	bus := events.NewBus()
	defer bus.Close()

	renderDone := startRenderer(bus)

	factory := func(taskID string) (engine.Engine, error) {
		engCfg := engine.Config{
			Type:  cfg.Engine,
			Model: cfg.Engines[cfg.Engine].Model,
		}
		if resume {
			if sessionID, engineType, err := db.GetSession(ctx, prdID, taskID); err == nil && engineType == cfg.Engine {
				engCfg.SessionID = sessionID
			}
		}
		return engine.New(engCfg, procs)
	}

	sup := supervisor.New(supervisor.Config{
		VCS:        git,
		RunDir:     rundir,
		Factory:    factory,
		Breakers:   supervisor.NewBreakerRegistry(),
		Retry:      supervisor.RetryConfig{MaxRetries: uint(cfg.MaxRetries), Delay: time.Duration(cfg.RetryDelaySeconds) * time.Second},
		BaseBranch: cfg.BaseBranch,
		PushMode:   flags.pushMode,
		Latched:    controller.Latched,
		SaveSession: func(taskID, sessionID, engineType string) {
			_ = db.SaveSession(ctx, prdID, taskID, sessionID, engineType)
		},
	})

	coord := orchestrator.New(orchestrator.Config{
		Concurrency: cfg.Concurrency,
		Store:       store,
		Worktrees:   trees,
		Supervisor:  sup,
		Failure:     controller,
		Procs:       procs,
		Bus:         bus,
		Progress:    progress.NewAggregator(),
		RunDir:      rundir,
	})

	agentEngine := func() (engine.Engine, error) {
		return engine.New(engine.Config{Type: cfg.Engine, Model: cfg.Engines[cfg.Engine].Model}, procs)
	}
	pipe := integrate.New(integrate.Config{
		VCS:         git,
		Store:       store,
		RunDir:      rundir,
		Bus:         bus,
		BaseBranch:  cfg.BaseBranch,
		PRDID:       prdID,
		NewResolver: agentEngine,
		NewReviewer: agentEngine,
	})

	result, summary, runErr := orchestrator.Orchestrate(ctx, coord, pipe, orchestrator.Options{PushMode: flags.pushMode})

	persistOutcome(context.Background(), db, prdID, store, coord, result)
	bus.Close()
	<-renderDone

	printRunSummary(result, summary)

	switch {
	case runErr != nil && ctx.Err() != nil:
		_ = db.UpdateRunStatus(context.Background(), prdID, persistence.RunStatusTerminated)
		return &exitCodeError{code: 130, msg: "interrupted"}
	case result != nil && result.Latched:
		_ = db.UpdateRunStatus(context.Background(), prdID, persistence.RunStatusFailed)
		taskID, message := controllerCause(controller)
		return &exitCodeError{code: 1, msg: fmt.Sprintf("external failure on task %s: %s", taskID, message)}
	case result != nil && result.Deadlocked:
		_ = db.UpdateRunStatus(context.Background(), prdID, persistence.RunStatusFailed)
		return &exitCodeError{code: 1, msg: "scheduler deadlocked:\n" + orchestrator.FormatBlocked(result.Blocked)}
	case runErr != nil:
		_ = db.UpdateRunStatus(context.Background(), prdID, persistence.RunStatusFailed)
		return runErr
	default:
		_ = db.UpdateRunStatus(context.Background(), prdID, persistence.RunStatusSucceeded)
		return nil
	}
}

func controllerCause(c *failure.Controller) (string, string) {
	taskID, message := c.Cause()
	return taskID, message
}

// persistOutcome snapshots final task states into the run store.
func persistOutcome(ctx context.Context, db persistence.Store, prdID string, store *taskgraph.Store, coord *orchestrator.Coordinator, result *orchestrator.RunResult) {
	if result == nil {
		return
	}

	branches := make(map[string]string)
	failures := make(map[string]supervisor.Outcome)
	for _, outcome := range result.Outcomes {
		if outcome.Report != nil {
			branches[outcome.TaskID] = outcome.Report.Branch
		}
		if !outcome.Success {
			failures[outcome.TaskID] = outcome
		}
	}

	for _, id := range store.IDs() {
		state := &persistence.TaskState{
			TaskID: id,
			Status: coord.Scheduler().StateOf(id).String(),
			Branch: branches[id],
		}
		if outcome, ok := failures[id]; ok {
			state.FailureType = string(outcome.FailureKind)
			if outcome.Err != nil {
				state.Error = outcome.Err.Error()
			}
		}
		_ = db.SaveTaskState(ctx, prdID, state)
	}
}

// printAdmissionWaves simulates scheduling without running anything. The
// simulation runs on an in-memory copy so completions are not persisted.
func printAdmissionWaves(store *taskgraph.Store, concurrency int) {
	data, err := store.Serialize()
	if err != nil {
		fmt.Println("could not serialize task-graph:", err)
		return
	}
	sim, err := taskgraph.Parse(data)
	if err != nil {
		fmt.Println("could not copy task-graph:", err)
		return
	}

	sched := scheduler.New(sim)
	wave := 1
	for !sched.Drained() {
		admitted := sched.Admit(concurrency)
		if len(admitted) == 0 {
			fmt.Println("deadlock: remaining tasks can never be admitted")
			for _, id := range sched.Pending() {
				if reason, err := sched.ExplainBlock(id); err == nil {
					fmt.Print(orchestrator.FormatBlocked([]*scheduler.BlockReason{reason}))
				}
			}
			return
		}

		var names []string
		for _, t := range admitted {
			label := t.ID
			if locks := t.EffectiveLocks(); len(locks) > 0 {
				label += " [" + strings.Join(locks, ",") + "]"
			}
			names = append(names, label)
		}
		fmt.Printf("wave %d: %s\n", wave, strings.Join(names, ", "))
		wave++

		for _, t := range admitted {
			_ = sched.Complete(t.ID)
		}
	}
}

// kebab lowercases an identifier and collapses separators into dashes.
func kebab(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
