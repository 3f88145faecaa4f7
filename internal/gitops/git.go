package gitops

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Git implements VCS by shelling out to the git CLI.
type Git struct {
	RepoPath string // Absolute path to the base repository
}

// NewGit creates a Git client rooted at repoPath.
func NewGit(repoPath string) *Git {
	return &Git{RepoPath: repoPath}
}

// run executes git with the given args in dir and returns trimmed output.
func (g *Git) run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w (output: %s)", strings.Join(args, " "), err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// PruneStale cleans up stale worktree metadata.
func (g *Git) PruneStale() error {
	_, err := g.run(g.RepoPath, "worktree", "prune")
	return err
}

// WorktreeFor parses `git worktree list --porcelain` looking for the worktree
// registered for the given branch.
func (g *Git) WorktreeFor(branch string) (string, bool) {
	output, err := g.run(g.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return "", false
	}

	var path string
	for _, line := range strings.Split(output, "\n") {
		if after, ok := strings.CutPrefix(line, "worktree "); ok {
			path = after
		} else if after, ok := strings.CutPrefix(line, "branch "); ok {
			if strings.TrimPrefix(after, "refs/heads/") == branch {
				return path, true
			}
		}
	}
	return "", false
}

// RemoveWorktree removes the working copy at path.
func (g *Git) RemoveWorktree(path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := g.run(g.RepoPath, args...)
	return err
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(name string) bool {
	_, err := g.run(g.RepoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(name string) error {
	_, err := g.run(g.RepoPath, "branch", "-D", name)
	return err
}

// CreateBranch creates a branch at the given base without checking it out.
func (g *Git) CreateBranch(name, base string) error {
	_, err := g.run(g.RepoPath, "branch", name, base)
	return err
}

// AddWorktree instantiates a working copy of branch at path.
func (g *Git) AddWorktree(path, branch string) error {
	_, err := g.run(g.RepoPath, "worktree", "add", path, branch)
	return err
}

// CommitCount counts commits in the range, evaluated in dir.
func (g *Git) CommitCount(dir, spec string) (int, error) {
	output, err := g.run(dir, "rev-list", "--count", spec)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(output)
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", output, err)
	}
	return n, nil
}

// ChangedFiles lists paths changed in the range, evaluated in dir.
func (g *Git) ChangedFiles(dir, spec string) ([]string, error) {
	output, err := g.run(dir, "diff", "--name-only", spec)
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}

// IsClean reports whether the working copy at dir has no uncommitted changes
// or untracked files.
func (g *Git) IsClean(dir string) (bool, error) {
	output, err := g.run(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return output == "", nil
}

// Checkout switches the base repository to the given branch.
func (g *Git) Checkout(branch string) error {
	_, err := g.run(g.RepoPath, "checkout", branch)
	return err
}

// Merge performs a non-fast-forward merge of branch into the currently
// checked out branch.
func (g *Git) Merge(branch string) error {
	_, err := g.run(g.RepoPath, "merge", "--no-ff", "--no-edit", branch)
	return err
}

// MergeAbort aborts an in-progress merge.
func (g *Git) MergeAbort() error {
	_, err := g.run(g.RepoPath, "merge", "--abort")
	return err
}

// ConflictedFiles lists paths with unresolved conflicts.
func (g *Git) ConflictedFiles() ([]string, error) {
	output, err := g.run(g.RepoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	return strings.Split(output, "\n"), nil
}

// DiffSummary returns a --stat style summary for the range.
func (g *Git) DiffSummary(spec string) (string, error) {
	return g.run(g.RepoPath, "diff", "--stat", spec)
}

// Push pushes a branch to origin.
func (g *Git) Push(branch string) error {
	_, err := g.run(g.RepoPath, "push", "-u", "origin", branch)
	return err
}
