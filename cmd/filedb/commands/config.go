package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/m00npl/filedb/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the filedb configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Long: `Write the default configuration to the given path (default:
./filedb.yaml). Fails if the file already exists.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "filedb.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote default configuration to %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}
