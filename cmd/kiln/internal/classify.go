package internal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dangazineu/kiln/internal/engine"
	"github.com/dangazineu/kiln/internal/interfaces"
)

func NewClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [file]",
		Short: "Classify captured container output",
		Long: `Classify reads build or run output from a file, or standard input when no file is given, and prints the failure kiln would record for it.
With --tail only keyword evidence is considered, the way running services are watched.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tail, _ := cmd.Flags().GetBool("tail")
			exitCode, _ := cmd.Flags().GetInt("exit-code")

			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			data, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("failed to read output: %w", err)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			classifier, err := engine.NewClassifier(cfg.Classifier.Ignore)
			if err != nil {
				return err
			}

			var rec *interfaces.ErrorRecord
			if tail {
				rec = classifier.ClassifyTail(string(data))
			} else {
				scanner := classifier.NewScanner("classify")
				for _, line := range strings.Split(string(data), "\n") {
					scanner.Feed(strings.TrimRight(line, "\r"))
				}
				rec = scanner.Finish(exitCode, "")
			}
			return printRecord(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().Bool("tail", false, "Match keyword evidence only")
	cmd.Flags().Int("exit-code", 0, "Exit code of the process that produced the output")
	return cmd
}

// printRecord writes rec as JSON, or a note that nothing was found.
func printRecord(w io.Writer, rec *interfaces.ErrorRecord) error {
	if rec == nil {
		fmt.Fprintln(w, "No error detected.")
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
