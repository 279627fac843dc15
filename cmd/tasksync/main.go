// Command tasksync manages a Parse task list through the tasksync client.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "tasksync",
		Short:         "tasksync - optimistic task list synchronized with a Parse backend",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./tasksync.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "Print tasks as JSON")

	// Add subcommands
	rootCmd.AddCommand(listCmd(&configPath))
	rootCmd.AddCommand(addCmd(&configPath))
	rootCmd.AddCommand(doneCmd(&configPath, true))
	rootCmd.AddCommand(doneCmd(&configPath, false))
	rootCmd.AddCommand(renameCmd(&configPath))
	rootCmd.AddCommand(rmCmd(&configPath))
	rootCmd.AddCommand(serveCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
