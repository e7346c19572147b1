package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hansjm10/jeeves/internal/issuestate"
	"github.com/hansjm10/jeeves/internal/runarchive"
)

var flagStatusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the selected issue and its last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus(cmd)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&flagStatusJSON, "json", false, "Emit machine-readable JSON")
	rootCmd.AddCommand(statusCmd)
}

type statusView struct {
	Issue *issuestate.IssueJson `json:"issue,omitempty"`
	Run   *runarchive.Run        `json:"run,omitempty"`
	Tasks *issuestate.TasksJson `json:"tasks,omitempty"`
}

func printStatus(cmd *cobra.Command) error {
	store := issuestate.NewStore()

	view := statusView{}
	issue, err := store.ReadIssueJson(flagDataDir)
	if err != nil {
		return err
	}
	view.Issue = issue
	if tasks, err := store.ReadTasksJson(flagDataDir); err == nil {
		view.Tasks = tasks
	}
	if data, err := os.ReadFile(filepath.Join(flagDataDir, "viewer-run-status.json")); err == nil {
		var run runarchive.Run
		if json.Unmarshal(data, &run) == nil {
			view.Run = &run
		}
	}

	out := cmd.OutOrStdout()
	if flagStatusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	if view.Issue == nil {
		fmt.Fprintln(out, "No issue selected.")
		return nil
	}
	fmt.Fprintf(out, "Issue:    #%d %s\n", view.Issue.Issue.Number, view.Issue.Issue.Title)
	fmt.Fprintf(out, "Workflow: %s\n", view.Issue.Workflow)
	phase := view.Issue.Phase
	if phase == "" {
		phase = "(workflow start)"
	}
	fmt.Fprintf(out, "Phase:    %s\n", phase)

	if view.Tasks != nil {
		counts := map[issuestate.TaskStatus]int{}
		for _, task := range view.Tasks.Tasks {
			counts[task.Status]++
		}
		fmt.Fprintf(out, "Tasks:    %d total (%d pending, %d in_progress, %d completed, %d failed)\n",
			len(view.Tasks.Tasks),
			counts[issuestate.TaskPending], counts[issuestate.TaskInProgress],
			counts[issuestate.TaskCompleted], counts[issuestate.TaskFailed])
	}

	if view.Run != nil {
		fmt.Fprintf(out, "Last run: %s state=%s", view.Run.ID, view.Run.State)
		if view.Run.CompletionReason != "" {
			fmt.Fprintf(out, " reason=%q", view.Run.CompletionReason)
		}
		fmt.Fprintln(out)
		if view.Run.LastError != "" {
			fmt.Fprintf(out, "Error:    %s\n", view.Run.LastError)
		}
	}
	return nil
}
