package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hansjm10/jeeves/internal/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows [name]",
	Short: "List workflows or show one workflow's phase plan",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := workflow.NewRegistry()
		if err := workflow.LoadDirectory(registry, filepath.Join(flagDataDir, "workflows")); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(args) == 0 {
			for _, name := range registry.List() {
				def, err := registry.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-12s %s\n", name, def.Description)
			}
			return nil
		}

		def, err := registry.Get(args[0])
		if err != nil {
			return err
		}
		formatter := workflow.NewPlanFormatter(out, !flagNoColor)
		formatter.Write(formatter.FormatWorkflowPlan(def))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
}
