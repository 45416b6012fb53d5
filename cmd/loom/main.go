package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:          "loom",
	Short:        "loom - memory routing and execution coordination daemon",
	Long:         "loom routes conversational queries to long-lived memory threads,\ncoordinates capability instances and their lifecycle hooks, and runs\ndeferred background work.",
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.Version = version

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(narrativesCmd)
	rootCmd.AddCommand(jobsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
