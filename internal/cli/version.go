package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cutout %s (commit %s, branch %s, built %s)\n", Version, GitCommit, GitBranch, BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
