package adjudicator

// Phase names used across the built-in workflows. The adjudicator keys its
// per-phase allowlists by these names; the workflow definitions reference
// the same vocabulary.
const (
	PhaseDesignClassify = "design_classify"
	PhaseDesignDraft    = "design_draft"
	PhaseDesignResearch = "design_research"
	PhaseDesignWorkflow = "design_workflow"
	PhaseDesignAPI      = "design_api"
	PhaseDesignData     = "design_data"
	PhaseDesignPlan     = "design_plan"
	PhaseDesignEdit     = "design_edit"
	PhaseDecomposeTasks = "decompose_tasks"
	PhaseImplementTask  = "implement_task"
	PhaseTaskSpecCheck  = "task_spec_check"
	PhaseReview         = "review"
	PhasePreCheck       = "pre_check"
	PhaseFixCI          = "fix_ci"
	PhaseCreatePR       = "create_pr"
	PhaseHandoff        = "handoff"
	PhaseQuickFix       = "quick_fix"
	PhaseQuickVerify    = "quick_verify"
	PhaseTerminal       = "terminal"
)

// phaseAllowedStatusUpdates is the per-phase allowlist of transition status
// fields a phase's runner may mutate. Updates outside the phase's list are
// ignored and recorded in the audit. A phase absent from this map may not
// mutate any field.
var phaseAllowedStatusUpdates = map[string][]string{
	PhaseDesignClassify: {"needsDesign", "designApproved", "designNeedsChanges"},
	PhaseDesignDraft:    {"designNeedsChanges"},
	PhaseDesignResearch: {"designNeedsChanges"},
	PhaseDesignWorkflow: {"designNeedsChanges"},
	PhaseDesignAPI:      {"designNeedsChanges"},
	PhaseDesignData:     {"designNeedsChanges"},
	PhaseDesignPlan:     {"designApproved", "designNeedsChanges"},
	PhaseDesignEdit:     {"designApproved", "designNeedsChanges"},
	PhaseDecomposeTasks: {"hasMoreTasks", "allTasksComplete"},
	PhaseImplementTask: {
		"taskPassed", "taskFailed", "hasMoreTasks", "allTasksComplete",
		"implementationComplete", "missingWork",
	},
	PhaseTaskSpecCheck: {"taskPassed", "taskFailed", "hasMoreTasks", "allTasksComplete"},
	PhaseReview:        {"reviewClean", "reviewNeedsChanges", "missingWork", "implementationComplete"},
	PhasePreCheck:      {"preCheckPassed", "preCheckFailed"},
	PhaseFixCI:         {"commitFailed", "pushFailed", "preCheckPassed", "preCheckFailed"},
	PhaseCreatePR:      {"prCreated", "commitFailed", "pushFailed"},
	PhaseHandoff:       {"handoffComplete"},
	PhaseQuickFix:      {"implementationComplete", "missingWork", "taskPassed", "taskFailed"},
	PhaseQuickVerify:   {"reviewClean", "reviewNeedsChanges"},
}

// AllowedStatusUpdates returns the allowlist for phase (nil when the phase
// may not mutate any transition status field).
func AllowedStatusUpdates(phase string) []string {
	fields := phaseAllowedStatusUpdates[phase]
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// allowed reports whether field is in phase's allowlist.
func allowed(phase, field string) bool {
	for _, f := range phaseAllowedStatusUpdates[phase] {
		if f == field {
			return true
		}
	}
	return false
}
