package workflow

import (
	"fmt"
	"strings"

	"github.com/hansjm10/jeeves/internal/issuestate"
)

// Issue code constants classify each ValidationIssue by its structural
// category. Codes are stable strings so callers can switch on them.
const (
	// IssueNoPhases is reported when a WorkflowDefinition has an empty
	// Phases slice.
	IssueNoPhases = "NO_PHASES"

	// IssueMissingStart is reported when Start does not match any phase
	// name in the Phases list.
	IssueMissingStart = "MISSING_START_PHASE"

	// IssueInvalidTarget is reported when a transition target is not a
	// defined phase name.
	IssueInvalidTarget = "INVALID_TRANSITION_TARGET"

	// IssueInvalidCondition is reported when a transition condition
	// references a field outside the transition-status vocabulary.
	IssueInvalidCondition = "INVALID_CONDITION"

	// IssueUnreachablePhase is reported when a phase cannot be reached via
	// any transition path starting from Start.
	IssueUnreachablePhase = "UNREACHABLE_PHASE"

	// IssueCycleDetected is reported when the transition graph contains a
	// directed cycle. Cycles are warnings, not errors, because intentional
	// loops (e.g. implement → spec-check → implement) are common and valid.
	IssueCycleDetected = "CYCLE_DETECTED"

	// IssueNoTransitions is reported when a non-terminal phase has no
	// transitions at all; the issue would be stuck there forever.
	IssueNoTransitions = "NO_TRANSITIONS"

	// IssueNoTerminal is reported when no phase in the workflow is
	// terminal; the run could never complete via state.
	IssueNoTerminal = "NO_TERMINAL_PHASE"

	// IssueDuplicatePhase is reported when two or more phases share the
	// same Name within a single WorkflowDefinition.
	IssueDuplicatePhase = "DUPLICATE_PHASE_NAME"

	// IssueEmptyPhaseName is reported when a phase has an empty Name field.
	IssueEmptyPhaseName = "EMPTY_PHASE_NAME"
)

// ValidationIssue describes a single structural problem found in a
// WorkflowDefinition. Issues with a non-empty Phase field are associated
// with a specific phase; others are definition-level concerns.
type ValidationIssue struct {
	// Code is one of the Issue* constants identifying the problem category.
	Code string

	// Phase is the name of the phase involved in the issue, or empty for
	// definition-level issues.
	Phase string

	// Message is a human-readable description of the problem.
	Message string
}

// ValidationResult holds the outcome of validating a WorkflowDefinition.
// Errors are fatal: the workflow cannot run. Warnings are non-fatal.
type ValidationResult struct {
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

// IsValid reports whether the definition has no errors. Warnings alone do
// not make a definition invalid.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// String returns a multi-line human-readable summary of all validation
// issues.
func (r *ValidationResult) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Errors (%d):\n", len(r.Errors))
	for _, issue := range r.Errors {
		if issue.Phase != "" {
			fmt.Fprintf(&b, "  [%s] phase %q: %s\n", issue.Code, issue.Phase, issue.Message)
		} else {
			fmt.Fprintf(&b, "  [%s] %s\n", issue.Code, issue.Message)
		}
	}

	fmt.Fprintf(&b, "Warnings (%d):\n", len(r.Warnings))
	for _, issue := range r.Warnings {
		if issue.Phase != "" {
			fmt.Fprintf(&b, "  [%s] phase %q: %s\n", issue.Code, issue.Phase, issue.Message)
		} else {
			fmt.Fprintf(&b, "  [%s] %s\n", issue.Code, issue.Message)
		}
	}

	return b.String()
}

// ValidateDefinition checks a workflow definition for structural errors and
// design warnings. The function always returns a non-nil ValidationResult.
//
// Validation sequence:
//  1. Basic checks: empty phases, empty phase names, duplicate names,
//     missing start phase.
//  2. Transition checks: all targets must be defined phases, all conditions
//     must reference transition status fields.
//  3. Reachability: BFS from Start; unreachable phases produce warnings.
//  4. Cycle detection: DFS three-color marking; cycles produce warnings.
//  5. Stall checks: non-terminal phases without transitions, workflows
//     without a terminal phase.
func ValidateDefinition(def *WorkflowDefinition) *ValidationResult {
	result := &ValidationResult{}

	if def == nil || len(def.Phases) == 0 {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    IssueNoPhases,
			Message: "workflow definition has no phases",
		})
		return result
	}

	// Phase 1: basic checks. Detect empty and duplicate names while
	// building the name set.
	phaseIndex := make(map[string]int, len(def.Phases))
	for i, pd := range def.Phases {
		if pd.Name == "" {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    IssueEmptyPhaseName,
				Message: fmt.Sprintf("phase at index %d has an empty name", i),
			})
			continue
		}
		if _, exists := phaseIndex[pd.Name]; exists {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    IssueDuplicatePhase,
				Phase:   pd.Name,
				Message: fmt.Sprintf("phase name %q appears more than once", pd.Name),
			})
			continue
		}
		phaseIndex[pd.Name] = i
	}

	if def.Start == "" {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    IssueMissingStart,
			Message: "start is empty; must reference a defined phase",
		})
	} else if _, ok := phaseIndex[def.Start]; !ok {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    IssueMissingStart,
			Phase:   def.Start,
			Message: fmt.Sprintf("start phase %q is not defined in the phases list", def.Start),
		})
	}

	// Phase 2: transition target and condition checks.
	vocab := make(map[string]struct{})
	for _, f := range issuestate.TransitionStatusFields() {
		vocab[f] = struct{}{}
	}
	for _, pd := range def.Phases {
		if pd.Name == "" {
			continue
		}
		for _, rule := range pd.Transitions {
			if _, ok := phaseIndex[rule.Next]; !ok {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    IssueInvalidTarget,
					Phase:   pd.Name,
					Message: fmt.Sprintf("transition targets unknown phase %q", rule.Next),
				})
			}
			for _, cond := range rule.When {
				field, _ := parseCondition(cond)
				if _, ok := vocab[field]; !ok {
					result.Errors = append(result.Errors, ValidationIssue{
						Code:    IssueInvalidCondition,
						Phase:   pd.Name,
						Message: fmt.Sprintf("condition %q references unknown status field %q", cond, field),
					})
				}
			}
		}
	}

	// Graph analysis requires a valid start phase.
	if _, ok := phaseIndex[def.Start]; !ok {
		return result
	}

	// Adjacency list over defined phases.
	adjacency := make(map[string][]string, len(phaseIndex))
	for name := range phaseIndex {
		adjacency[name] = nil
	}
	for _, pd := range def.Phases {
		if pd.Name == "" {
			continue
		}
		for _, rule := range pd.Transitions {
			if _, ok := phaseIndex[rule.Next]; ok {
				adjacency[pd.Name] = append(adjacency[pd.Name], rule.Next)
			}
		}
	}

	// Phase 3: reachability — BFS from Start.
	reachable := make(map[string]bool, len(phaseIndex))
	queue := []string{def.Start}
	reachable[def.Start] = true
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, neighbor := range adjacency[current] {
			if !reachable[neighbor] {
				reachable[neighbor] = true
				queue = append(queue, neighbor)
			}
		}
	}
	for name := range phaseIndex {
		if !reachable[name] {
			result.Warnings = append(result.Warnings, ValidationIssue{
				Code:    IssueUnreachablePhase,
				Phase:   name,
				Message: fmt.Sprintf("phase %q cannot be reached from start phase %q", name, def.Start),
			})
		}
	}

	// Phase 4: cycle detection — DFS with three-color marking. A back-edge
	// (gray → gray) indicates a cycle.
	const (
		colorWhite = 0
		colorGray  = 1
		colorBlack = 2
	)

	color := make(map[string]int, len(phaseIndex))
	cyclesReported := make(map[string]bool)

	var dfs func(node string, path []string)
	dfs = func(node string, path []string) {
		color[node] = colorGray
		path = append(path, node)

		for _, neighbor := range adjacency[node] {
			switch color[neighbor] {
			case colorGray:
				if !cyclesReported[neighbor] {
					cyclesReported[neighbor] = true
					cycleStart := -1
					for i, p := range path {
						if p == neighbor {
							cycleStart = i
							break
						}
					}
					var cycleNodes []string
					if cycleStart >= 0 {
						cycleNodes = append(cycleNodes, path[cycleStart:]...)
					}
					cycleNodes = append(cycleNodes, neighbor)
					result.Warnings = append(result.Warnings, ValidationIssue{
						Code:    IssueCycleDetected,
						Phase:   neighbor,
						Message: fmt.Sprintf("cycle detected involving phases: %s", strings.Join(cycleNodes, " -> ")),
					})
				}
			case colorWhite:
				dfs(neighbor, path)
			}
		}

		color[node] = colorBlack
	}

	for name := range phaseIndex {
		if color[name] == colorWhite {
			dfs(name, nil)
		}
	}

	// Phase 5: stall checks.
	hasTerminal := false
	for _, pd := range def.Phases {
		if pd.Name == "" {
			continue
		}
		if pd.Terminal {
			hasTerminal = true
			continue
		}
		if len(pd.Transitions) == 0 {
			result.Warnings = append(result.Warnings, ValidationIssue{
				Code:    IssueNoTransitions,
				Phase:   pd.Name,
				Message: fmt.Sprintf("non-terminal phase %q has no transitions; issues will be stuck here", pd.Name),
			})
		}
	}
	if !hasTerminal {
		result.Warnings = append(result.Warnings, ValidationIssue{
			Code:    IssueNoTerminal,
			Message: "workflow has no terminal phase; runs can only end by iteration limit or stop",
		})
	}

	return result
}

// ValidateDefinitions validates every workflow definition in defs,
// returning a map from workflow name to its ValidationResult.
func ValidateDefinitions(defs map[string]*WorkflowDefinition) map[string]*ValidationResult {
	results := make(map[string]*ValidationResult, len(defs))
	for name, def := range defs {
		results[name] = ValidateDefinition(def)
	}
	return results
}
