package internal

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dangazineu/kiln/internal/engine"
	"github.com/dangazineu/kiln/internal/logging"
)

func NewPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove finished run directories from the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if d, _ := cmd.Flags().GetDuration("older-than"); d > 0 {
				cfg.Retention = d
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logging.Sync(logger)

			workspace, err := engine.NewWorkspace(cfg.Workspace)
			if err != nil {
				return err
			}
			report, err := engine.NewCleanupManager(workspace, cfg.Retention, logger).CleanupFinishedRuns(dryRun)
			if err != nil {
				return err
			}

			verb := "Removed"
			if dryRun {
				verb = "Would remove"
			}
			for _, runID := range report.Removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, runID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d run(s), %d bytes; kept %d.\n", verb, len(report.Removed), report.Bytes, report.Skipped)
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "List what would be removed without deleting anything")
	cmd.Flags().Duration("older-than", 0, "Remove runs finished longer ago than this (default from config, 7 days)")
	return cmd
}
