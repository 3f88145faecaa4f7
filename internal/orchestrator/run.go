package orchestrator

import (
	"context"

	"github.com/aristath/conductor/internal/integrate"
)

// Options select run-level behavior.
type Options struct {
	PushMode bool // Branches are pushed as change requests; integration is skipped
}

// Orchestrate runs the execute phase and, when the graph drained cleanly with
// at least one completed task and push-mode is off, the integration pipeline.
// An external-failure latch, a deadlock, or a signal skips integration.
func Orchestrate(ctx context.Context, coord *Coordinator, pipe *integrate.Pipeline, opts Options) (*RunResult, *integrate.Summary, error) {
	result, runErr := coord.Run(ctx)
	if runErr != nil {
		return result, nil, runErr
	}
	if result.Failed() || opts.PushMode || len(result.CompletedBranches) == 0 {
		return result, nil, nil
	}

	summary, err := pipe.Run(ctx, result.CompletedBranches)
	return result, summary, err
}
