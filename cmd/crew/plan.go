package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/avhart/crew/internal/plan"
	"github.com/avhart/crew/internal/report"
)

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect plan documents without starting a run",
	}
	cmd.AddCommand(planShowCmd(), planValidateCmd())
	return cmd
}

func planShowCmd() *cobra.Command {
	var (
		planFile   string
		rosterFile string
		feature    string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Preview which workers a plan document selects",
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := loadRoster(rosterFile)
			if err != nil {
				return err
			}

			sel := plan.Selector(plan.All)
			if planFile != "" {
				sel = plan.FromChecklist(planFile)
			}
			required, err := sel(feature, tpl)
			if err != nil {
				return err
			}
			if len(required) == 0 {
				return fmt.Errorf("plan selects no workers")
			}

			report.NewRun(os.Stdout).Selection(feature, required, tpl)
			return nil
		},
	}

	cmd.Flags().StringVar(&planFile, "plan", "", "markdown plan document (defaults to all roster roles)")
	cmd.Flags().StringVar(&rosterFile, "roster", "", "roster file (defaults to the built-in roster)")
	cmd.Flags().StringVar(&feature, "feature", "preview", "feature description used for the preview")
	return cmd
}

func planValidateCmd() *cobra.Command {
	var (
		planFile   string
		rosterFile string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a plan document against the roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := loadRoster(rosterFile)
			if err != nil {
				return err
			}

			required, err := plan.FromChecklist(planFile)("validate", tpl)
			if err != nil {
				return err
			}
			if len(required) == 0 {
				return fmt.Errorf("plan selects no workers")
			}

			fmt.Printf("plan ok: %d workers selected\n", len(required))
			return nil
		},
	}

	cmd.Flags().StringVar(&planFile, "plan", "", "markdown plan document to validate")
	cmd.Flags().StringVar(&rosterFile, "roster", "", "roster file (defaults to the built-in roster)")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}
