// Package workflow is the workflow engine the run orchestrator drives
// issues through. A workflow is a declarative graph of named phases;
// transitions between phases are guarded by conditions over the issue's
// transition status flags. The engine never executes phases itself — it
// only answers "where does this issue go next".
package workflow

import (
	"time"

	"github.com/hansjm10/jeeves/internal/issuestate"
)

// WorkflowDefinition describes a workflow's phase graph declaratively.
// Definitions can be loaded from TOML configuration files or constructed
// programmatically.
type WorkflowDefinition struct {
	// Name is the unique identifier of this workflow.
	Name string `json:"name" toml:"name"`

	// Description is a human-readable summary of the workflow's purpose.
	Description string `json:"description" toml:"description"`

	// Start is the name of the first phase a fresh issue enters.
	Start string `json:"start" toml:"start"`

	// Phases is the ordered list of phase definitions in this workflow.
	Phases []PhaseDefinition `json:"phases" toml:"phases"`
}

// PhaseDefinition describes a single phase and its outgoing transitions.
type PhaseDefinition struct {
	// Name is the unique identifier of this phase within the workflow.
	Name string `json:"name" toml:"name"`

	// Terminal marks a phase that ends the run when reached.
	Terminal bool `json:"terminal,omitempty" toml:"terminal,omitempty"`

	// Provider overrides the run's provider for this phase, if non-empty.
	Provider string `json:"provider,omitempty" toml:"provider,omitempty"`

	// Model overrides the runner model for this phase, if non-empty.
	Model string `json:"model,omitempty" toml:"model,omitempty"`

	// PermissionMode overrides the runner permission mode for this phase,
	// if non-empty.
	PermissionMode string `json:"permission_mode,omitempty" toml:"permission_mode,omitempty"`

	// Transitions are evaluated in order after each successful iteration of
	// this phase; the first rule whose conditions all hold selects the next
	// phase. No matching rule keeps the issue in this phase.
	Transitions []TransitionRule `json:"transitions,omitempty" toml:"transitions,omitempty"`
}

// TransitionRule guards one outgoing edge of a phase.
type TransitionRule struct {
	// When lists status-flag conditions that must all hold for the rule to
	// fire. Each entry is a transition status field name, optionally
	// prefixed with "!" for negation. An empty list always fires.
	When []string `json:"when,omitempty" toml:"when,omitempty"`

	// Next is the target phase name.
	Next string `json:"next" toml:"next"`
}

// Phase returns the definition of the named phase, or nil.
func (d *WorkflowDefinition) Phase(name string) *PhaseDefinition {
	for i := range d.Phases {
		if d.Phases[i].Name == name {
			return &d.Phases[i]
		}
	}
	return nil
}

// HasPhase reports whether the workflow defines a phase with the given name.
func (d *WorkflowDefinition) HasPhase(name string) bool {
	return d.Phase(name) != nil
}

// IsTerminal reports whether the named phase ends the run. Unknown phases
// are not terminal.
func (d *WorkflowDefinition) IsTerminal(name string) bool {
	p := d.Phase(name)
	return p != nil && p.Terminal
}

// Execution is the resolved runner configuration for one phase.
type Execution struct {
	Provider       string
	Model          string
	PermissionMode string
}

// ResolveExecution merges phase-level overrides over the given run-level
// defaults.
func (d *WorkflowDefinition) ResolveExecution(phase string, defaults Execution) Execution {
	out := defaults
	p := d.Phase(phase)
	if p == nil {
		return out
	}
	if p.Provider != "" {
		out.Provider = p.Provider
	}
	if p.Model != "" {
		out.Model = p.Model
	}
	if p.PermissionMode != "" {
		out.PermissionMode = p.PermissionMode
	}
	return out
}

// Transition event type constants identify the lifecycle milestone of a
// TransitionEvent.
const (
	// TEPhaseEvaluated is emitted for every evaluation, matched or not.
	TEPhaseEvaluated = "phase_evaluated"

	// TETransition is emitted when a rule fired and selected a next phase.
	TETransition = "transition"

	// TETerminalReached is emitted when the selected next phase is terminal.
	TETerminalReached = "terminal_reached"
)

// TransitionEvent is a structured message emitted by the engine during
// transition evaluation, consumed by observers over a channel.
type TransitionEvent struct {
	// Type is one of the TE* constants.
	Type string `json:"type"`

	// Workflow is the workflow the evaluation ran against.
	Workflow string `json:"workflow"`

	// From is the phase that was evaluated.
	From string `json:"from"`

	// To is the selected next phase; empty when no rule matched.
	To string `json:"to,omitempty"`

	// Timestamp records when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
}

// EvaluateConditions reports whether every condition in when holds for the
// issue's current status flags.
func EvaluateConditions(when []string, issue *issuestate.IssueJson) bool {
	for _, cond := range when {
		field, want := parseCondition(cond)
		if field == "" {
			return false
		}
		if issue.Status.GetFlag(field) != want {
			return false
		}
	}
	return true
}

// parseCondition splits an optional leading "!" from a condition string.
func parseCondition(cond string) (field string, want bool) {
	if len(cond) > 0 && cond[0] == '!' {
		return cond[1:], false
	}
	return cond, true
}
