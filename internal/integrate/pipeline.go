// Package integrate merges completed task branches into an integration
// branch in dependency order, resolves conflicts with a helper agent, runs a
// semantic review, and finalizes to the base branch.
package integrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aristath/conductor/internal/artifacts"
	"github.com/aristath/conductor/internal/engine"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/gitops"
	"github.com/aristath/conductor/internal/taskgraph"
)

// Severity levels a reviewer may assign to an issue.
const (
	SeverityBlocker  = "blocker"
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// ReviewIssue is one finding from the semantic reviewer.
type ReviewIssue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
}

// ReviewReport is the parsed review-report.json.
type ReviewReport struct {
	Issues []ReviewIssue `json:"issues"`
}

// Blockers returns the issues with blocker severity.
func (r *ReviewReport) Blockers() []ReviewIssue {
	var out []ReviewIssue
	for _, issue := range r.Issues {
		if issue.Severity == SeverityBlocker {
			out = append(out, issue)
		}
	}
	return out
}

// BranchResult records the fate of one task branch during integration.
type BranchResult struct {
	TaskID        string
	Branch        string
	Merged        bool
	Resolved      bool // Conflict was resolved by the helper agent
	ConflictFiles []string
	Err           error
}

// Summary is the overall integration outcome.
type Summary struct {
	IntegrationBranch string
	Results           []BranchResult
	AllMerged         bool
	Review            *ReviewReport
	FixTaskIDs        []string
	FinalizedToBase   bool
}

// Config wires the pipeline's collaborators.
type Config struct {
	VCS        gitops.VCS
	Store      *taskgraph.Store
	RunDir     *artifacts.RunDir
	Bus        *events.Bus
	BaseBranch string
	PRDID      string

	// NewResolver creates the conflict-resolution agent.
	NewResolver func() (engine.Engine, error)

	// NewReviewer creates the semantic review agent. Nil disables review.
	NewReviewer func() (engine.Engine, error)
}

// Pipeline executes the multi-phase merge described above. It owns task
// branches from here on: merged branches are deleted, unresolved ones are
// preserved for inspection, and the integration branch is deleted once it has
// been merged to base and preserved otherwise.
type Pipeline struct {
	cfg Config
}

// New creates an integration pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg}
}

// Run merges the given completed tasks (taskID -> branch) in an order
// consistent with the DAG, then reviews and finalizes.
func (p *Pipeline) Run(ctx context.Context, branches map[string]string) (*Summary, error) {
	summary := &Summary{
		IntegrationBranch: "integration/" + p.cfg.PRDID,
	}

	if len(branches) == 0 {
		return summary, nil
	}

	if err := p.createIntegrationBranch(summary.IntegrationBranch); err != nil {
		return summary, err
	}

	order, err := p.cfg.Store.Order()
	if err != nil {
		return summary, fmt.Errorf("ordering completed tasks: %w", err)
	}

	summary.AllMerged = true
	for _, taskID := range order {
		branch, ok := branches[taskID]
		if !ok {
			continue
		}
		result := p.mergeBranch(ctx, taskID, branch)
		summary.Results = append(summary.Results, result)
		if !result.Merged {
			summary.AllMerged = false
		}
		p.publishMerge(result)
	}

	if summary.AllMerged && p.cfg.NewReviewer != nil {
		review, err := p.review(ctx, summary)
		if err != nil {
			log.Printf("WARNING: review failed: %v", err)
		} else {
			summary.Review = review
		}
	}

	if err := p.finalize(summary); err != nil {
		return summary, err
	}
	return summary, nil
}

// createIntegrationBranch creates the integration branch from base and checks
// it out, replacing any leftover from a previous run.
func (p *Pipeline) createIntegrationBranch(name string) error {
	if err := p.cfg.VCS.Checkout(p.cfg.BaseBranch); err != nil {
		return fmt.Errorf("checking out base branch: %w", err)
	}
	if p.cfg.VCS.BranchExists(name) {
		if err := p.cfg.VCS.DeleteBranch(name); err != nil {
			return fmt.Errorf("deleting leftover integration branch: %w", err)
		}
	}
	if err := p.cfg.VCS.CreateBranch(name, p.cfg.BaseBranch); err != nil {
		return fmt.Errorf("creating integration branch: %w", err)
	}
	if err := p.cfg.VCS.Checkout(name); err != nil {
		return fmt.Errorf("checking out integration branch: %w", err)
	}
	return nil
}

// mergeBranch attempts a non-fast-forward merge of one task branch, invoking
// the conflict resolver on conflicts. Merged branches are deleted.
func (p *Pipeline) mergeBranch(ctx context.Context, taskID, branch string) BranchResult {
	result := BranchResult{TaskID: taskID, Branch: branch}

	mergeErr := p.cfg.VCS.Merge(branch)
	if mergeErr == nil {
		result.Merged = true
		if err := p.cfg.VCS.DeleteBranch(branch); err != nil {
			log.Printf("WARNING: could not delete merged branch %s: %v", branch, err)
		}
		return result
	}

	conflicts, err := p.cfg.VCS.ConflictedFiles()
	if err != nil || len(conflicts) == 0 {
		// Not a content conflict; give up on this branch.
		_ = p.cfg.VCS.MergeAbort()
		result.Err = mergeErr
		return result
	}
	result.ConflictFiles = conflicts

	task, _ := p.cfg.Store.Get(taskID)
	if err := p.resolveConflict(ctx, taskID, conflicts, task.MergeNotes); err != nil {
		_ = p.cfg.VCS.MergeAbort()
		result.Err = err
		return result
	}

	// The resolver is expected to edit, stage, and commit. Anything still
	// conflicted means it gave up.
	remaining, err := p.cfg.VCS.ConflictedFiles()
	if err == nil && len(remaining) == 0 {
		result.Merged = true
		result.Resolved = true
		if err := p.cfg.VCS.DeleteBranch(branch); err != nil {
			log.Printf("WARNING: could not delete merged branch %s: %v", branch, err)
		}
		return result
	}

	_ = p.cfg.VCS.MergeAbort()
	result.Err = fmt.Errorf("conflicts remain after resolution attempt: %s", strings.Join(remaining, ", "))
	return result
}

// resolveConflict invokes the conflict-resolution agent once for the branch.
func (p *Pipeline) resolveConflict(ctx context.Context, taskID string, conflicts []string, notes string) error {
	eng, err := p.cfg.NewResolver()
	if err != nil {
		return fmt.Errorf("creating resolver: %w", err)
	}

	var b strings.Builder
	b.WriteString("A merge is in progress with unresolved conflicts.\n")
	fmt.Fprintf(&b, "Conflicted files: %s\n", strings.Join(conflicts, ", "))
	if notes != "" {
		fmt.Fprintf(&b, "Merge notes from the task author: %s\n", notes)
	}
	b.WriteString("Resolve every conflict, stage the files, and commit the merge.\n")

	_, err = eng.Execute(ctx, b.String(), engine.Options{
		LogFile: p.cfg.RunDir.LogPath(taskID),
	})
	if err != nil {
		return fmt.Errorf("conflict resolver failed: %w", err)
	}
	return nil
}

// review invokes the semantic reviewer over the integration diff and parses
// review-report.json from the run directory.
func (p *Pipeline) review(ctx context.Context, summary *Summary) (*ReviewReport, error) {
	eng, err := p.cfg.NewReviewer()
	if err != nil {
		return nil, fmt.Errorf("creating reviewer: %w", err)
	}

	diff, err := p.cfg.VCS.DiffSummary(p.cfg.BaseBranch + ".." + summary.IntegrationBranch)
	if err != nil {
		return nil, fmt.Errorf("building diff summary: %w", err)
	}

	var b strings.Builder
	b.WriteString("Review the integrated changes for semantic conflicts and regressions.\n\n")
	fmt.Fprintf(&b, "Diff summary (%s..%s):\n%s\n\n", p.cfg.BaseBranch, summary.IntegrationBranch, diff)
	fmt.Fprintf(&b, "Per-task reports are in %s.\n", p.cfg.RunDir.ReportsDir())
	fmt.Fprintf(&b, "Write your findings to %s as JSON: {\"issues\": [{\"severity\": \"blocker|critical|warning|info\", \"description\": \"...\"}]}\n",
		p.cfg.RunDir.ReviewReportPath())

	if _, err := eng.Execute(ctx, b.String(), engine.Options{}); err != nil {
		return nil, fmt.Errorf("reviewer failed: %w", err)
	}

	data, err := os.ReadFile(p.cfg.RunDir.ReviewReportPath())
	if err != nil {
		return nil, fmt.Errorf("reading review report: %w", err)
	}
	var report ReviewReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parsing review report: %w", err)
	}
	return &report, nil
}

// finalize merges to base when review found no blockers, or synthesizes one
// fix task per blocker and preserves the integration branch.
func (p *Pipeline) finalize(summary *Summary) error {
	if !summary.AllMerged {
		// Unresolved branches: keep everything for manual inspection.
		return nil
	}

	if summary.Review != nil {
		if blockers := summary.Review.Blockers(); len(blockers) > 0 {
			for _, issue := range blockers {
				fixID := p.cfg.Store.NextFixID()
				title := issue.Description
				if len(title) > 80 {
					title = title[:80]
				}
				fix := &taskgraph.Task{
					ID:    fixID,
					Title: "Fix: " + title,
				}
				if err := p.cfg.Store.AppendFixTask(fix); err != nil {
					return fmt.Errorf("appending fix task: %w", err)
				}
				summary.FixTaskIDs = append(summary.FixTaskIDs, fixID)
			}
			return nil
		}
	}

	if err := p.cfg.VCS.Checkout(p.cfg.BaseBranch); err != nil {
		return fmt.Errorf("checking out base for finalization: %w", err)
	}
	if err := p.cfg.VCS.Merge(summary.IntegrationBranch); err != nil {
		return fmt.Errorf("merging integration branch to base: %w", err)
	}
	if err := p.cfg.VCS.DeleteBranch(summary.IntegrationBranch); err != nil {
		log.Printf("WARNING: could not delete integration branch: %v", err)
	}
	summary.FinalizedToBase = true
	return nil
}

func (p *Pipeline) publishMerge(result BranchResult) {
	if p.cfg.Bus == nil {
		return
	}
	p.cfg.Bus.Publish(events.MergeResultEvent{
		ID:            result.TaskID,
		Branch:        result.Branch,
		Merged:        result.Merged,
		Resolved:      result.Resolved,
		ConflictFiles: result.ConflictFiles,
		Timestamp:     time.Now(),
	})
}
