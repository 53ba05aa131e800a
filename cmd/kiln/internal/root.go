package internal

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "kiln",
		Short: "Kiln builds, runs and repairs generated software in containers.",
		Long: `Kiln turns a requirement into a running containerized workload.
It generates code, packages it with a Dockerfile and compose spec, builds and runs it, classifies any failure from the container output, and routes the failure to a code or spec repair until the workload runs clean or the repair budget is spent.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a kiln YAML config file (KILN_* environment variables override it)")
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewWatchCmd())
	cmd.AddCommand(NewClassifyCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewPruneCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
