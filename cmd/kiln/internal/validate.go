package internal

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dangazineu/kiln/internal/config"
	"github.com/dangazineu/kiln/internal/engine"
)

func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Validate a kiln config file or a compose spec",
		Long: `Validate loads a kiln config file, applying defaults and KILN_* overrides, and reports the first invalid setting.
With --compose it checks that a compose spec has a service kiln can pin a container name on.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			composePath, _ := cmd.Flags().GetString("compose")

			if composePath != "" {
				data, err := os.ReadFile(composePath)
				if err != nil {
					return err
				}
				_, service, err := engine.NormalizeCompose(data, "kiln-validate")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Compose spec is valid (primary service %q).\n", service)
				return nil
			}

			path, _ := cmd.Flags().GetString("config")
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("a config file is required")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if _, err := engine.NewClassifier(cfg.Classifier.Ignore); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Validation successful!")
			return nil
		},
	}
	cmd.Flags().String("compose", "", "Validate this compose spec instead of a config file")
	return cmd
}
