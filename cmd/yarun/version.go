package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"
)

// buildVersion can be set with -ldflags "-X main.buildVersion=1.2.3".
var buildVersion = ""

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the yarun version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "yarun %s (%s)\n", currentVersion(), runtime.Version())
			return nil
		},
	}
}

// currentVersion returns the semantic version of this build, or 0.0.0-dev.
func currentVersion() *semver.Version {
	raw := buildVersion
	if raw == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			raw = info.Main.Version
		}
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return semver.MustParse("0.0.0-dev")
	}
	return v
}
