// Package main provides the crew CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/avhart/crew/internal/config"
	"github.com/avhart/crew/internal/logging"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "crew",
		Short: "Multi-agent task orchestrator",
		Long: `crew drives a team of worker agents through one orchestration run
per feature. Workers are launched in dependency order, report progress
through status records in the run directory, and the coordinator turns
those records into a recorded outcome.

A crashed coordinator resumes where it left off:
  crew run "add dark mode"      Start a run and wait for it
  crew resume <run-id>          Pick up an interrupted run
  crew status <run-id>          Inspect a run without touching it
  crew watch <run-id>           Live view of a running crew`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initRoot(cmd)
		},
	}

	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: console or json")
	rootCmd.PersistentFlags().String("runs-dir", "", "directory holding run state")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")

	rootCmd.AddCommand(
		runCmd(),
		resumeCmd(),
		statusCmd(),
		cancelCmd(),
		watchCmd(),
		runsCmd(),
		planCmd(),
		workerCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}

// initRoot loads configuration, applies global flag overrides and
// builds the process logger. Runs before every command.
func initRoot(cmd *cobra.Command) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := flags.GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
	if v, _ := flags.GetString("runs-dir"); v != "" {
		cfg.RunsDir = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if noColor, _ := flags.GetBool("no-color"); noColor {
		color.NoColor = true
	}

	logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show crew version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crew version %s\n", version)
		},
	}
}
