package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "trifectactl",
	Short:         "Offline tooling for the trifecta gate",
	Long:          "Validates tool catalogs, replays call sequences through the Rule of Two\nand inspects persisted session state.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
