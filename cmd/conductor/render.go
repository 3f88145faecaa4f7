package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/integrate"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/progress"
)

var (
	admittedColor = color.New(color.FgCyan)
	doneColor     = color.New(color.FgGreen)
	failedColor   = color.New(color.FgRed)
	mergeColor    = color.New(color.FgYellow)
	stepColor     = color.New(color.Faint)
)

// startRenderer consumes the event bus and prints one line per state change.
// Returns a channel closed when the bus closes and all output is flushed.
func startRenderer(bus *events.Bus) <-chan struct{} {
	ch := bus.Subscribe(0)
	done := make(chan struct{})

	go func() {
		defer close(done)
		lastStep := make(map[string]progress.Step)

		for event := range ch {
			switch e := event.(type) {
			case events.TaskAdmittedEvent:
				admittedColor.Printf("▶ %s  %s  (branch %s)\n", e.ID, e.Title, e.Branch)
			case events.TaskStepEvent:
				if lastStep[e.ID] != e.Step {
					lastStep[e.ID] = e.Step
					stepColor.Printf("  %s: %s\n", e.ID, e.Step)
				}
			case events.TaskCompletedEvent:
				doneColor.Printf("✔ %s  done (%d commits)\n", e.ID, e.Commits)
			case events.TaskFailedEvent:
				failedColor.Printf("✘ %s  failed (%s): %s\n", e.ID, e.FailureType, e.Message)
			case events.MergeResultEvent:
				switch {
				case e.Merged && e.Resolved:
					mergeColor.Printf("⇄ %s  merged after conflict resolution\n", e.Branch)
				case e.Merged:
					doneColor.Printf("⇄ %s  merged\n", e.Branch)
				default:
					failedColor.Printf("⇄ %s  unresolved conflicts: %v\n", e.Branch, e.ConflictFiles)
				}
			}
		}
	}()
	return done
}

// printRunSummary renders the terminal aggregate once the run is over.
func printRunSummary(result *orchestrator.RunResult, summary *integrate.Summary) {
	if result == nil {
		return
	}

	done, failed := 0, 0
	for _, outcome := range result.Outcomes {
		if outcome.Success {
			done++
		} else {
			failed++
		}
	}
	fmt.Printf("\n%d done, %d failed\n", done, failed)

	if summary == nil {
		return
	}
	if summary.Review != nil {
		critical := 0
		for _, issue := range summary.Review.Issues {
			if issue.Severity == integrate.SeverityCritical {
				critical++
			}
		}
		if critical > 0 {
			mergeColor.Printf("review: %d critical issue(s), not blocking\n", critical)
		}
	}
	if summary.FinalizedToBase {
		doneColor.Println("integration merged to base")
	} else if len(summary.FixTaskIDs) > 0 {
		mergeColor.Printf("review blockers: appended fix tasks %v; integration branch %s preserved\n",
			summary.FixTaskIDs, summary.IntegrationBranch)
	} else if !summary.AllMerged {
		mergeColor.Printf("unresolved merges; integration branch %s preserved\n", summary.IntegrationBranch)
	}
}
