// Package artifacts persists per-task reports, logs, and review output under
// the run directory for a PRD.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
)

// RunDir locates every artifact of a single PRD run:
//
//	artifacts/prd/<prd-id>/
//	  PRD.md
//	  tasks.json
//	  reports/<TASK_ID>.json
//	  reports/<TASK_ID>.log
//	  review-report.json
type RunDir struct {
	Root  string // artifacts/prd/<prd-id>
	PRDID string
}

// NewRunDir builds the run directory layout rooted at baseDir for the PRD.
func NewRunDir(baseDir, prdID string) *RunDir {
	return &RunDir{
		Root:  filepath.Join(baseDir, "prd", prdID),
		PRDID: prdID,
	}
}

// Ensure creates the run directory tree.
func (r *RunDir) Ensure() error {
	if err := os.MkdirAll(r.ReportsDir(), 0755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}
	return nil
}

// SpecPath returns the path of the copied source spec.
func (r *RunDir) SpecPath() string { return filepath.Join(r.Root, "PRD.md") }

// TasksPath returns the path of the generated task-graph.
func (r *RunDir) TasksPath() string { return filepath.Join(r.Root, "tasks.json") }

// ReportsDir returns the reports subdirectory.
func (r *RunDir) ReportsDir() string { return filepath.Join(r.Root, "reports") }

// ReportPath returns the JSON report path for a task.
func (r *RunDir) ReportPath(taskID string) string {
	return filepath.Join(r.ReportsDir(), taskID+".json")
}

// LogPath returns the log path for a task.
func (r *RunDir) LogPath(taskID string) string {
	return filepath.Join(r.ReportsDir(), taskID+".log")
}

// StreamPath returns the streaming tee file for a task's live agent output.
func (r *RunDir) StreamPath(taskID string) string {
	return filepath.Join(r.ReportsDir(), taskID+".stream")
}

// ReviewReportPath returns the semantic review output path.
func (r *RunDir) ReviewReportPath() string {
	return filepath.Join(r.Root, "review-report.json")
}

// CopySpec copies the source PRD into the run directory.
func (r *RunDir) CopySpec(srcPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("reading spec %s: %w", srcPath, err)
	}
	if err := os.WriteFile(r.SpecPath(), data, 0644); err != nil {
		return fmt.Errorf("copying spec into run directory: %w", err)
	}
	return nil
}
