package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at link time with -ldflags "-X ...cmd.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of s2dsm.",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "s2dsm version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
