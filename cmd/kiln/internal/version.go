package internal

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func NewVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kiln",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			short, _ := cmd.Flags().GetBool("short")
			v, err := deriveVersion()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				v = "unknown"
			}
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kiln %s (%s, %s/%s)\n", v, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().Bool("short", false, "Print only the version")
	return cmd
}

func deriveVersion() (string, error) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", fmt.Errorf("could not read build info")
	}
	return deriveVersionFromInfo(info)
}

func deriveVersionFromInfo(info *debug.BuildInfo) (string, error) {
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version, nil
	}
	return derivePseudoVersionFromVCS(info)
}

// derivePseudoVersionFromVCS produces a pseudo version from the VCS stamp,
// as described at https://go.dev/ref/mod#pseudo-versions. Builds from a
// modified tree get a +dirty suffix.
func derivePseudoVersionFromVCS(info *debug.BuildInfo) (string, error) {
	var revision, at string
	var modified bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			at = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}

	if revision == "" && at == "" {
		return "", fmt.Errorf("version information is not available")
	}

	buf := strings.Builder{}
	buf.WriteString("v0.0.0-")
	if at != "" {
		// vcs.time is RFC 3339, e.g. 2023-01-25T19:57:54Z
		if p, err := time.Parse(time.RFC3339, at); err == nil {
			buf.WriteString(p.UTC().Format("20060102150405"))
			buf.WriteString("-")
		}
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	buf.WriteString(revision)
	if modified {
		buf.WriteString("+dirty")
	}
	return buf.String(), nil
}
