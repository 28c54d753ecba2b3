package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func cancelCmd() *cobra.Command {
	var rosterFile string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
		Long: `Drop a cancel marker into the run directory. The owning
coordinator notices within one poll interval, stops launching, and
terminates live workers. Works across processes: the canceling CLI does
not need to own the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := loadRoster(rosterFile)
			if err != nil {
				return err
			}

			coord, _, _ := newCoordinator(tpl, false)
			if err := coord.Cancel(args[0]); err != nil {
				return err
			}
			fmt.Printf("cancel requested for run %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&rosterFile, "roster", "", "roster file overriding the built-in team")
	return cmd
}
