package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"hive.evalgo.org/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "hive %s\n", version.Short())
		fmt.Fprintf(cmd.OutOrStdout(), "  module: %s\n", info.MainModule)
		fmt.Fprintf(cmd.OutOrStdout(), "  go:     %s\n", info.GoVersion)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
