package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/persistence"
)

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [prd-id]",
		Short: "List persisted runs, or the per-task states of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := persistence.NewSQLiteStore(ctx, filepath.Join(cfg.ArtifactsDir, "conductor.db"))
			if err != nil {
				return err
			}
			defer db.Close()

			if len(args) == 0 {
				runs, err := db.ListRuns(ctx)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Println("no runs recorded")
					return nil
				}
				for _, run := range runs {
					fmt.Printf("%-24s %-10s engine=%s base=%s updated=%s\n",
						run.PRDID, run.Status, run.Engine, run.BaseBranch, run.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return nil
			}

			states, err := db.ListTaskStates(ctx, args[0])
			if err != nil {
				return err
			}
			if len(states) == 0 {
				fmt.Println("no task states recorded for", args[0])
				return nil
			}
			for _, state := range states {
				line := fmt.Sprintf("%-16s %-8s", state.TaskID, state.Status)
				if state.Branch != "" {
					line += "  " + state.Branch
				}
				if state.Error != "" {
					line += fmt.Sprintf("  (%s: %s)", state.FailureType, state.Error)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
