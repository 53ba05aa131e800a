package internal

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dangazineu/kiln/internal/engine"
	"github.com/dangazineu/kiln/internal/logging"
)

func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <container>",
		Short: "Watch a running container's logs for errors",
		Long:  `Watch polls the log tail of a running container for the configured window and prints the first error found.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if d, _ := cmd.Flags().GetDuration("interval"); d > 0 {
				cfg.Watch.Interval = d
			}
			if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
				cfg.Watch.Duration = d
			}
			if n, _ := cmd.Flags().GetInt("tail"); n > 0 {
				cfg.Watch.Tail = n
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logging.Sync(logger)

			classifier, err := engine.NewClassifier(cfg.Classifier.Ignore)
			if err != nil {
				return err
			}
			runtime, err := engine.NewContainerManager(cfg.Runtime, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			watchdog := engine.NewWatchdog(runtime, classifier, cfg.Watch.Tail, logger)
			rec := watchdog.Watch(ctx, args[0], cfg.Watch.Interval, cfg.Watch.Duration)
			return printRecord(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().Duration("interval", 0, "Time between polls (default from config)")
	cmd.Flags().Duration("duration", 0, "Length of the watch window (default from config)")
	cmd.Flags().Int("tail", 0, "Log lines read per poll (default from config)")
	return cmd
}
