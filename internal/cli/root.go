package cli

import (
	"github.com/spf13/cobra"

	"github.com/skiff-io/skiff/internal/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "skiff",
	Short: "Declarative infrastructure reconciliation",
	Long: `Skiff reconciles live infrastructure with a declarative configuration.

It resolves cross-resource references, plans the minimal set of actions
(create, update, replace, delete), and applies independent actions in
parallel while recording every outcome in a versioned state file.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(versionCmd)
}
