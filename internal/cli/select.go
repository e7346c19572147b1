package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hansjm10/jeeves/internal/issuestate"
	"github.com/hansjm10/jeeves/internal/logging"
	"github.com/hansjm10/jeeves/internal/oplock"
)

var (
	flagSelectTitle string
	flagSelectURL   string
)

var selectCmd = &cobra.Command{
	Use:   "select <owner/repo#number>",
	Short: "Select an issue, creating its state directory",
	Long: `Select an issue for subsequent runs. Writes issue.json into the state
directory; an issue is only runnable once it has been selected. The write
is serialized against external provider operations via the state-dir
operation lock.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseIssueRef(args[0])
		if err != nil {
			return err
		}
		return selectIssue(cmd, ref)
	},
}

func init() {
	selectCmd.Flags().StringVar(&flagSelectTitle, "title", "", "Issue title stored in issue.json")
	selectCmd.Flags().StringVar(&flagSelectURL, "url", "", "Issue URL stored in issue.json")
	rootCmd.AddCommand(selectCmd)
}

func selectIssue(cmd *cobra.Command, ref issuestate.IssueRef) error {
	locks := oplock.NewManager(logging.New("oplock"))
	opID := fmt.Sprintf("select-%d", time.Now().UnixNano())

	res, err := locks.Acquire(cmd.Context(), flagDataDir, oplock.AcquireOpts{
		OperationID: opID,
		IssueRef:    ref.String(),
		Timeout:     5 * time.Second,
	})
	if err != nil {
		return err
	}
	if !res.Acquired && res.Reason == oplock.ReasonStaleCleaned {
		// The stale lock has been cleaned; the contract is one retry.
		res, err = locks.Acquire(cmd.Context(), flagDataDir, oplock.AcquireOpts{
			OperationID: opID, IssueRef: ref.String(), Timeout: 5 * time.Second,
		})
		if err != nil {
			return err
		}
	}
	if !res.Acquired {
		return fmt.Errorf("state directory is busy (lock held by %q)", res.Holder)
	}
	defer func() {
		if err := locks.Release(flagDataDir, opID); err != nil {
			logging.New("oplock").Warn("releasing select lock failed", "error", err)
		}
	}()

	store := issuestate.NewStore()
	existing, err := store.ReadIssueJson(flagDataDir)
	if err != nil {
		return err
	}
	if existing != nil && existing.Issue.Number == ref.Number {
		fmt.Fprintf(cmd.OutOrStdout(), "Issue %s already selected.\n", ref)
		return nil
	}

	issue := issuestate.NewIssueJson(ref.Number, flagSelectTitle, flagSelectURL)
	if err := store.WriteIssueJson(flagDataDir, issue); err != nil {
		return err
	}
	if err := store.AppendProgress(flagDataDir, "Selected issue "+ref.String()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Selected %s (state dir %s)\n", ref, flagDataDir)
	return nil
}
