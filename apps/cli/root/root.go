package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the reflect operator CLI. Subcommands (auth, db, billing) are attached here.
var rootCmd = &cobra.Command{
	Use:           "reflect",
	Short:         "Reflect operator CLI",
	Long:          "Operator utilities for the reflect sync API (dev tokens, schema migration, billing reconciliation).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
