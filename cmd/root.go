package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docflow/internal/logger"
)

var version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "docflow",
	Short: "docflow - document extraction sessions with renaming and cleanup",
	Long: `docflow ingests batches of documents into sessions, runs every page
through a Google document extraction service under a shared rate limit,
renames the results from the extracted fields and deletes each session's
artifacts once its retention window closes.

Run "docflow serve" for the HTTP API and background workers, or use the
session subcommands to drive the pipeline from the shell.`,
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.WithComponent("root")
		log.Info().
			Str("version", version).
			Msg("docflow executed")

		_ = cmd.Help()
	},
}

func Execute() {
	log := logger.WithComponent("cmd")

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information")
}
