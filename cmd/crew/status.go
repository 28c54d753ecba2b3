package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/avhart/crew/internal/report"
)

func statusCmd() *cobra.Command {
	var (
		rosterFile string
		workers    string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the current state of a run",
		Long: `Read a run's worker records and print them, without taking
ownership of the run. Works on live runs, finished runs and runs whose
coordinator is gone.

Examples:
  crew status 01JC9RKWP0X5N8QZJ3T2M7VEAH
  crew status 01JC9RKWP0X5N8QZJ3T2M7VEAH --workers 'backend*'
  crew status 01JC9RKWP0X5N8QZJ3T2M7VEAH --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := loadRoster(rosterFile)
			if err != nil {
				return err
			}

			coord, _, _ := newCoordinator(tpl, false)
			st, err := coord.Status(args[0])
			if err != nil {
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			return report.NewRun(os.Stdout).Status(st, workers)
		},
	}

	cmd.Flags().StringVar(&rosterFile, "roster", "", "roster file overriding the built-in team")
	cmd.Flags().StringVar(&workers, "workers", "", "glob filtering which workers are shown")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw state as JSON")
	return cmd
}
