package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "exp-orch",
		Short: "Experiment Orchestrator - run and score question batches",
		Long: `Experiment Orchestrator runs batches of questions through an answering agent.
Runs are grouped into batches, addressed as batch:id, and can be executed
all at once or a few at a time, stopped, retried and saved to one JSON file.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
