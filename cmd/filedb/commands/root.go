// Package commands implements the filedb CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "filedb",
	Short: "filedb - content-addressed file storage middleware",
	Long: `filedb accepts file uploads over HTTP, splits each payload into
compressed, checksummed chunks, and persists them to a content-addressed
ledger with a block-based time-to-live. Files are reassembled and
integrity-verified on retrieval.

Use "filedb [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("filedb %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: none, env + defaults)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}
