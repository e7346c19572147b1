package workflow

// Built-in workflow names.
const (
	// WorkflowDefault drives an issue through the full design → tasks →
	// implement → review → PR pipeline.
	WorkflowDefault = "default"

	// WorkflowQuickFix is the abbreviated pipeline the quick-fix router
	// redirects trivial issues onto.
	WorkflowQuickFix = "quick-fix"
)

// builtinDefs holds the built-in workflow definitions, populated once at
// package startup by buildBuiltinDefs.
var builtinDefs map[string]*WorkflowDefinition

func init() {
	builtinDefs = buildBuiltinDefs()
}

func buildBuiltinDefs() map[string]*WorkflowDefinition {
	defs := make(map[string]*WorkflowDefinition, 2)

	defs[WorkflowDefault] = &WorkflowDefinition{
		Name:        WorkflowDefault,
		Description: "Full pipeline: design, task decomposition, implementation, review, packaging",
		Start:       "design_classify",
		Phases: []PhaseDefinition{
			{
				Name: "design_classify",
				Transitions: []TransitionRule{
					{When: []string{"needsDesign"}, Next: "design_draft"},
					{When: []string{"designApproved"}, Next: "decompose_tasks"},
				},
			},
			{
				Name:        "design_draft",
				Transitions: []TransitionRule{{Next: "design_research"}},
			},
			{
				Name:        "design_research",
				Transitions: []TransitionRule{{Next: "design_workflow"}},
			},
			{
				Name:        "design_workflow",
				Transitions: []TransitionRule{{Next: "design_api"}},
			},
			{
				Name:        "design_api",
				Transitions: []TransitionRule{{Next: "design_data"}},
			},
			{
				Name:        "design_data",
				Transitions: []TransitionRule{{Next: "design_plan"}},
			},
			{
				Name: "design_plan",
				Transitions: []TransitionRule{
					{When: []string{"designApproved"}, Next: "decompose_tasks"},
					{When: []string{"designNeedsChanges"}, Next: "design_edit"},
				},
			},
			{
				Name: "design_edit",
				Transitions: []TransitionRule{
					{When: []string{"designApproved"}, Next: "decompose_tasks"},
				},
			},
			{
				Name: "decompose_tasks",
				Transitions: []TransitionRule{
					{When: []string{"allTasksComplete"}, Next: "review"},
					{When: []string{"hasMoreTasks"}, Next: "implement_task"},
				},
			},
			{
				Name: "implement_task",
				Transitions: []TransitionRule{
					{When: []string{"allTasksComplete"}, Next: "review"},
					{When: []string{"taskPassed"}, Next: "task_spec_check"},
				},
			},
			{
				Name: "task_spec_check",
				Transitions: []TransitionRule{
					{When: []string{"taskFailed"}, Next: "implement_task"},
					{When: []string{"allTasksComplete"}, Next: "review"},
					{When: []string{"hasMoreTasks"}, Next: "implement_task"},
				},
			},
			{
				Name: "review",
				Transitions: []TransitionRule{
					{When: []string{"reviewClean"}, Next: "pre_check"},
					{When: []string{"reviewNeedsChanges"}, Next: "implement_task"},
					{When: []string{"missingWork"}, Next: "decompose_tasks"},
				},
			},
			{
				Name: "pre_check",
				Transitions: []TransitionRule{
					{When: []string{"preCheckPassed"}, Next: "create_pr"},
					{When: []string{"preCheckFailed"}, Next: "fix_ci"},
				},
			},
			{
				Name: "fix_ci",
				Transitions: []TransitionRule{
					{When: []string{"!commitFailed", "!pushFailed"}, Next: "pre_check"},
				},
			},
			{
				Name: "create_pr",
				Transitions: []TransitionRule{
					{When: []string{"prCreated"}, Next: "handoff"},
					{When: []string{"commitFailed"}, Next: "fix_ci"},
					{When: []string{"pushFailed"}, Next: "fix_ci"},
				},
			},
			{
				Name: "handoff",
				Transitions: []TransitionRule{
					{When: []string{"handoffComplete"}, Next: "terminal"},
				},
			},
			{Name: "terminal", Terminal: true},
		},
	}

	defs[WorkflowQuickFix] = &WorkflowDefinition{
		Name:        WorkflowQuickFix,
		Description: "Abbreviated pipeline for trivial fixes: implement, verify, PR",
		Start:       "quick_fix",
		Phases: []PhaseDefinition{
			{
				Name: "quick_fix",
				Transitions: []TransitionRule{
					{When: []string{"implementationComplete"}, Next: "quick_verify"},
				},
			},
			{
				Name: "quick_verify",
				Transitions: []TransitionRule{
					{When: []string{"reviewClean"}, Next: "create_pr"},
					{When: []string{"reviewNeedsChanges"}, Next: "quick_fix"},
				},
			},
			{
				Name: "create_pr",
				Transitions: []TransitionRule{
					{When: []string{"prCreated"}, Next: "terminal"},
				},
			},
			{Name: "terminal", Terminal: true},
		},
	}

	return defs
}

// BuiltinDefinitions returns a copy of the built-in definition map. Callers
// may mutate the returned map without affecting the package state, but not
// the WorkflowDefinition values it contains.
func BuiltinDefinitions() map[string]*WorkflowDefinition {
	out := make(map[string]*WorkflowDefinition, len(builtinDefs))
	for name, def := range builtinDefs {
		out[name] = def
	}
	return out
}

// GetDefinition returns the built-in WorkflowDefinition for the given name,
// or nil when no built-in workflow has that name.
func GetDefinition(name string) *WorkflowDefinition {
	return builtinDefs[name]
}
