package gitops

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Worktree is an isolated working copy bound to a single task branch.
type Worktree struct {
	Path   string // Absolute path to the working copy
	Branch string // Branch name owned by the task
	TaskID string
}

// ManagerConfig configures the worktree manager.
type ManagerConfig struct {
	RepoPath    string // Absolute path to the base repository
	BaseBranch  string // Branch to create task branches from (e.g., "main")
	WorktreeDir string // Directory under the repo for worktrees (default ".conductor-worktrees")
	Prefix      string // Branch namespace, typically "prd/<prd-id>"
}

// Manager provisions and reclaims per-task working copies and branches.
// Branches are never auto-deleted here: ownership passes to the integration
// pipeline once the task finishes.
type Manager struct {
	config ManagerConfig
	vcs    VCS
}

// NewManager creates a worktree manager over the given VCS.
func NewManager(cfg ManagerConfig, vcs VCS) *Manager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".conductor-worktrees"
	}
	return &Manager{config: cfg, vcs: vcs}
}

// BranchName derives the deterministic branch identifier for a task and the
// agent ordinal that runs it.
func (m *Manager) BranchName(taskID string, ordinal int) string {
	name := fmt.Sprintf("%s-a%d", kebab(taskID), ordinal)
	if m.config.Prefix != "" {
		name = m.config.Prefix + "/" + name
	}
	return name
}

// Provision prepares a fresh worktree for a task: garbage-collects any stale
// worktree registered under the proposed branch, deletes the branch if it
// exists, creates it from the base branch, and instantiates a working copy.
func (m *Manager) Provision(taskID string, ordinal int) (*Worktree, error) {
	branch := m.BranchName(taskID, ordinal)

	if err := m.vcs.PruneStale(); err != nil {
		return nil, fmt.Errorf("pruning stale worktrees: %w", err)
	}

	if stale, ok := m.vcs.WorktreeFor(branch); ok {
		if err := m.vcs.RemoveWorktree(stale, true); err != nil {
			return nil, fmt.Errorf("removing stale worktree for %s: %w", branch, err)
		}
	}

	if m.vcs.BranchExists(branch) {
		if err := m.vcs.DeleteBranch(branch); err != nil {
			return nil, fmt.Errorf("deleting leftover branch %s: %w", branch, err)
		}
	}

	if err := m.vcs.CreateBranch(branch, m.config.BaseBranch); err != nil {
		return nil, fmt.Errorf("creating branch %s from %s: %w", branch, m.config.BaseBranch, err)
	}

	path := filepath.Join(m.config.RepoPath, m.config.WorktreeDir, kebab(taskID)+fmt.Sprintf("-a%d", ordinal))
	if err := m.vcs.AddWorktree(path, branch); err != nil {
		return nil, fmt.Errorf("adding worktree at %s: %w", path, err)
	}

	return &Worktree{Path: path, Branch: branch, TaskID: taskID}, nil
}

// Teardown removes the working copy only if it is clean. A dirty working copy
// is preserved on disk and a preservation record is written to the agent log.
func (m *Manager) Teardown(wt *Worktree, log io.Writer) error {
	clean, err := m.vcs.IsClean(wt.Path)
	if err != nil {
		return fmt.Errorf("checking worktree state for %s: %w", wt.TaskID, err)
	}

	if !clean {
		if log != nil {
			fmt.Fprintf(log, "worktree %s preserved: uncommitted changes remain\n", wt.Path)
		}
		return nil
	}

	if err := m.vcs.RemoveWorktree(wt.Path, false); err != nil {
		return fmt.Errorf("removing worktree %s: %w", wt.Path, err)
	}
	return nil
}

// BaseBranch returns the configured base branch.
func (m *Manager) BaseBranch() string {
	return m.config.BaseBranch
}

// kebab lowercases an identifier and collapses anything outside [a-z0-9] into
// single dashes, so task IDs make valid branch segments.
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
