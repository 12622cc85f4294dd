// Package main provides the entry point for the crateminer CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/crateminer/cmd/crateminer/commands"
	"github.com/Sumatoshi-tech/crateminer/pkg/version"
)

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "crateminer",
		Short: "crateminer - crates.io index and package mining pipeline",
		Long: `crateminer ingests the crates.io index and package tarballs.

Commands:
  run       Ingest index changes and download new crate versions
  changes   Ingest index changes only
  dump      Download and ingest the crates.io database dump
  report    Generate and write per-crate reports`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	commands.RegisterPersistentFlags(rootCmd)

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewChangesCommand())
	rootCmd.AddCommand(commands.NewDumpCommand())
	rootCmd.AddCommand(commands.NewReportCommand())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "crateminer %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
