package internal

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dangazineu/kiln/internal/config"
	"github.com/dangazineu/kiln/internal/engine"
	"github.com/dangazineu/kiln/internal/logging"
)

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [requirement...]",
		Short: "Generate, build, run and repair a workload for a requirement",
		Long: `Run takes a requirement through generation, packaging, execution and repair until the workload runs clean, the repair budget is spent, or the step limit is hit.
The requirement is read from the arguments, or from standard input when none are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceDir, _ := cmd.Flags().GetString("source-dir")
			keepAlive, _ := cmd.Flags().GetBool("keep-alive")
			budget, _ := cmd.Flags().GetInt("budget")
			asJSON, _ := cmd.Flags().GetBool("json")

			requirement := strings.Join(args, " ")
			if requirement == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read requirement: %w", err)
				}
				requirement = string(data)
			}
			if strings.TrimSpace(requirement) == "" {
				return fmt.Errorf("a requirement is required")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyRunFlags(cfg, sourceDir, keepAlive, budget)

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, runErr := a.orchestrator.Run(ctx, requirement)
			if result != nil {
				if err := printResult(cmd.OutOrStdout(), result, asJSON); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if result.Status != engine.StatusSucceeded {
				return fmt.Errorf("run %s finished with status %s", result.RunID, result.Status)
			}
			return nil
		},
	}
	cmd.Flags().String("source-dir", "", "Serve a pre-written project from this directory as the generated code")
	cmd.Flags().Bool("keep-alive", false, "Leave a successful long-running service up")
	cmd.Flags().Int("budget", 0, "Maximum repair attempts (default from config)")
	cmd.Flags().Bool("json", false, "Print the full run result as JSON")
	return cmd
}

func applyRunFlags(cfg *config.Config, sourceDir string, keepAlive bool, budget int) {
	if sourceDir != "" {
		cfg.Collaborators.SourceDir = sourceDir
	}
	if keepAlive {
		cfg.KeepAlive = true
	}
	if budget > 0 {
		cfg.Budget = budget
	}
}

func printResult(w io.Writer, result *engine.RunResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(w, "run:        %s\n", result.RunID)
	fmt.Fprintf(w, "status:     %s\n", result.Status)
	fmt.Fprintf(w, "iterations: %d\n", result.IterationCount)
	fmt.Fprintf(w, "steps:      %d\n", result.Steps)
	fmt.Fprintf(w, "container:  %s\n", result.ContainerName)
	fmt.Fprintf(w, "workdir:    %s\n", result.WorkDir)
	if result.Running {
		fmt.Fprintln(w, "service:    running")
	}
	if result.LastError != nil {
		fmt.Fprintf(w, "last error: %s\n", result.LastError)
		if result.LastError.Details != "" {
			fmt.Fprintf(w, "\n%s\n", result.LastError.Details)
		}
	}
	return nil
}
