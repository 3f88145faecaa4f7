// Package gitops isolates every version-control interaction behind a small
// port so the scheduler, supervisor, and integration pipeline can be exercised
// against a fake repository in tests.
package gitops

// VCS is the capability set the orchestrator needs from the version-control
// tool. Range arguments use the usual "base..head" notation.
type VCS interface {
	// PruneStale cleans up stale worktree registrations.
	PruneStale() error

	// WorktreeFor returns the registered worktree path for a branch, if any.
	WorktreeFor(branch string) (string, bool)

	// RemoveWorktree removes the working copy at path.
	RemoveWorktree(path string, force bool) error

	// BranchExists reports whether a local branch exists.
	BranchExists(name string) bool

	// DeleteBranch force-deletes a local branch.
	DeleteBranch(name string) error

	// CreateBranch creates a branch at the given base.
	CreateBranch(name, base string) error

	// AddWorktree instantiates a working copy of branch at path.
	AddWorktree(path, branch string) error

	// CommitCount counts commits in the range, evaluated in dir.
	CommitCount(dir, spec string) (int, error)

	// ChangedFiles lists paths changed in the range, evaluated in dir.
	ChangedFiles(dir, spec string) ([]string, error)

	// IsClean reports whether the working copy at dir has no uncommitted
	// changes or untracked files.
	IsClean(dir string) (bool, error)

	// Checkout switches the base repository to the given branch.
	Checkout(branch string) error

	// Merge performs a non-fast-forward merge of branch into the currently
	// checked out branch of the base repository.
	Merge(branch string) error

	// MergeAbort aborts an in-progress merge in the base repository.
	MergeAbort() error

	// ConflictedFiles lists paths with unresolved conflicts in the base
	// repository.
	ConflictedFiles() ([]string, error)

	// DiffSummary returns a --stat style summary for the range.
	DiffSummary(spec string) (string, error)

	// Push pushes a branch to the default remote.
	Push(branch string) error
}
