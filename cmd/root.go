// Package cmd contains the fathom CLI: the API server, the processing
// worker, and schema migrations.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fathomhq/fathom/internal/log"
)

var (
	flagDebug    bool
	flagJSONLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "fathom",
	Short: "Fathom - document analysis and retrieval platform",
	Long: `Fathom ingests user documents, analyzes them with a generative model,
indexes them for similarity search, and answers questions grounded in
their content.

Run "fathom serve" for the HTTP API and "fathom worker" for the
processing pipeline. Both can run in the same process group or scale
independently.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "log in JSON format")
}

// newLogger builds the process logger from the persistent flags.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: flagJSONLogs})
}
