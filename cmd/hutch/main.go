package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - per-user browser terminals in containers",
	Long: `Hutch gives every authenticated user a disposable terminal running
in its own container, reachable from the browser over a WebSocket
bridge. Sessions survive server restarts and are reaped when their
containers die.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "hutch.yaml",
		"path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(userCmd)
}
