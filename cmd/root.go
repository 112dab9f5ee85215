// Package cmd defines the helpchat command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "helpchat",
	Short: "Altiqa Studio in-product help assistant",
	Long: `helpchat answers natural-language questions about Altiqa Studio by
retrieving relevant documentation chunks and generating grounded,
cited answers.

Run "helpchat serve" to start the HTTP API, or "helpchat ingest" to
load documentation into the knowledge base.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
