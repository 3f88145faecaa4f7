package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aristath/conductor/internal/artifacts"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/engine"
	"github.com/aristath/conductor/internal/taskgraph"
)

// generateTasks asks the task-generation agent to turn the PRD into a task
// file. The agent is opaque; only its output file is inspected.
func generateTasks(ctx context.Context, cfg *config.Config, rundir *artifacts.RunDir) error {
	eng, err := engine.New(engine.Config{
		Type:  cfg.Engine,
		Model: cfg.Engines[cfg.Engine].Model,
	}, engine.NewProcessManager())
	if err != nil {
		return err
	}

	prompt := fmt.Sprintf(`Read the product requirements document at %s and break it into
independent coding tasks. Write the result to %s as JSON:

{
  "version": 1,
  "tasks": [
    {
      "id": "TASK-001",
      "title": "...",
      "completed": false,
      "dependsOn": [],
      "touches": ["src/..."],
      "locks": [],
      "mergeNotes": ""
    }
  ]
}

Order tasks so shared files (package manifests, migrations, routes) are
touched by as few tasks as possible, and declare every file each task will
modify in its touches list.`, rundir.SpecPath(), rundir.TasksPath())

	if _, err := eng.Execute(ctx, prompt, engine.Options{}); err != nil {
		return fmt.Errorf("task-generation agent failed: %w", err)
	}

	if _, err := os.Stat(rundir.TasksPath()); err != nil {
		return fmt.Errorf("task-generation agent produced no task file: %w", err)
	}
	// Reject unusable output early rather than at orchestration time.
	if _, err := taskgraph.Load(rundir.TasksPath()); err != nil {
		return fmt.Errorf("task-generation agent produced an invalid task file: %w", err)
	}
	return nil
}
