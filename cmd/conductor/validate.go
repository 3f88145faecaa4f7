package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/artifacts"
	"github.com/aristath/conductor/internal/taskgraph"
)

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <prd-id|task-file>",
		Short: "Validate a task-graph and report every problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			path := args[0]
			if !strings.HasSuffix(path, ".json") {
				path = artifacts.NewRunDir(cfg.ArtifactsDir, path).TasksPath()
			}

			store, err := taskgraph.Load(path)
			if err != nil {
				return &exitCodeError{code: 1, msg: err.Error()}
			}

			if err := store.Validate(); err != nil {
				var verr *taskgraph.ValidationErrors
				if errors.As(err, &verr) {
					for _, problem := range verr.Problems {
						fmt.Println("  -", problem)
					}
					return &exitCodeError{code: 1, msg: fmt.Sprintf("%d problem(s) found", len(verr.Problems))}
				}
				return &exitCodeError{code: 1, msg: err.Error()}
			}

			fmt.Printf("%d tasks, no problems\n", store.Len())
			return nil
		},
	}
}
