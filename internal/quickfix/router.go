// Package quickfix optionally redirects a fresh issue onto the quick-fix
// workflow before its first iteration runs. The routing decision itself
// comes from an external oracle; this package only applies it.
package quickfix

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/hansjm10/jeeves/internal/issuestate"
)

// WorkflowName is the workflow an issue is routed onto.
const WorkflowName = "quick-fix"

// Decision is the oracle's answer for one issue.
type Decision struct {
	Route  bool
	Reason string
}

// Oracle decides whether an issue should take the quick-fix workflow.
// Implementations typically ask a model to triage the issue title/body.
type Oracle interface {
	DecideQuickFixRouting(ctx context.Context, issue *issuestate.IssueJson) (Decision, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, issue *issuestate.IssueJson) (Decision, error)

func (f OracleFunc) DecideQuickFixRouting(ctx context.Context, issue *issuestate.IssueJson) (Decision, error) {
	return f(ctx, issue)
}

// Router applies quick-fix routing decisions to issue state.
type Router struct {
	store  *issuestate.Store
	oracle Oracle
	logger *log.Logger
}

// New creates a Router. oracle may be nil, which disables routing entirely.
// logger may be nil.
func New(store *issuestate.Store, oracle Oracle, logger *log.Logger) *Router {
	return &Router{store: store, oracle: oracle, logger: logger}
}

// MaybeRoute consults the oracle and, on route=true, rewrites the issue
// onto the quick-fix workflow at quickStart. It only applies when no
// workflow override is in effect, the issue is on the default workflow,
// and its phase is the default workflow's start (the caller restricts the
// call to iteration 1).
//
// Oracle and write errors are returned for logging but the caller treats
// them as non-fatal: a failed routing attempt leaves the issue on the
// default workflow.
func (r *Router) MaybeRoute(ctx context.Context, stateDir string, issue *issuestate.IssueJson, workflowOverride, defaultStart, quickStart string) (bool, error) {
	if r.oracle == nil {
		return false, nil
	}
	if workflowOverride != "" {
		return false, nil
	}
	if issue.Workflow != "default" {
		return false, nil
	}
	phase := issue.Phase
	if phase != "" && phase != defaultStart {
		return false, nil
	}

	decision, err := r.oracle.DecideQuickFixRouting(ctx, issue)
	if err != nil {
		return false, err
	}
	if !decision.Route {
		return false, nil
	}

	issue.Workflow = WorkflowName
	issue.Phase = quickStart
	if err := r.store.WriteIssueJson(stateDir, issue); err != nil {
		return false, err
	}

	if r.logger != nil {
		r.logger.Info("routed issue to quick-fix workflow",
			"issue", issue.Issue.Number, "phase", quickStart, "reason", decision.Reason)
	}
	return true, nil
}
