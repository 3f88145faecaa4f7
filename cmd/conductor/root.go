package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
)

// rootFlags are the CLI overrides layered on top of the config files.
type rootFlags struct {
	engine          string
	model           string
	concurrency     int
	maxRetries      int
	retryDelaySec   int
	externalTimeout int
	baseBranch      string
	artifactsDir    string
	pushMode        bool
	dryRun          bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "conductor",
		Short: "Parallel task orchestrator for autonomous coding agents",
		Long: `conductor schedules the tasks generated for a PRD across a bounded pool
of coding-agent processes, isolates each task in a git worktree and branch,
and integrates completed branches with AI-assisted conflict resolution and
semantic review.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.engine, "engine", "", "agent engine: claude, opencode, gemini, cursor")
	pf.StringVar(&flags.model, "model", "", "model override passed to the engine")
	pf.IntVar(&flags.concurrency, "concurrency", 0, "max concurrent agents")
	pf.IntVar(&flags.maxRetries, "retries", -1, "retries for transient agent errors")
	pf.IntVar(&flags.retryDelaySec, "retry-delay", 0, "seconds between retries")
	pf.IntVar(&flags.externalTimeout, "external-failure-timeout", 0, "seconds to wait for running tasks after an external failure")
	pf.StringVar(&flags.baseBranch, "base-branch", "", "base branch override")
	pf.StringVar(&flags.artifactsDir, "artifacts", "", "artifacts directory")
	pf.BoolVar(&flags.pushMode, "create-cr", false, "push branches and open change requests instead of merging locally")
	pf.BoolVar(&flags.dryRun, "dry-run", false, "print admission waves without running agents")

	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newResumeCmd(flags))
	root.AddCommand(newValidateCmd(flags))
	root.AddCommand(newStatusCmd(flags))

	return root
}

// loadConfig merges config files and applies flag overrides.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, err
	}

	if flags.engine != "" {
		cfg.Engine = flags.engine
	}
	if flags.concurrency > 0 {
		cfg.Concurrency = flags.concurrency
	}
	if flags.maxRetries >= 0 {
		cfg.MaxRetries = flags.maxRetries
	}
	if flags.retryDelaySec > 0 {
		cfg.RetryDelaySeconds = flags.retryDelaySec
	}
	if flags.externalTimeout > 0 {
		cfg.ExternalTimeoutSeconds = flags.externalTimeout
	}
	if flags.baseBranch != "" {
		cfg.BaseBranch = flags.baseBranch
	}
	if flags.artifactsDir != "" {
		cfg.ArtifactsDir = flags.artifactsDir
	}
	if flags.model != "" {
		eng := cfg.Engines[cfg.Engine]
		eng.Model = flags.model
		cfg.Engines[cfg.Engine] = eng
	}
	return cfg, nil
}
