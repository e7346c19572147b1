package workflow

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// PlanFormatter renders a workflow definition as a human-readable phase
// plan, used by `jeeves workflows` and by run --dry-run output. When styled
// is true, lipgloss ANSI styling is applied; when false, plain text is
// emitted. Output is written to the embedded io.Writer via Write.
type PlanFormatter struct {
	writer io.Writer
	styled bool
}

// NewPlanFormatter creates a PlanFormatter writing to w.
func NewPlanFormatter(w io.Writer, styled bool) *PlanFormatter {
	return &PlanFormatter{writer: w, styled: styled}
}

// Write writes the formatted string s to f.writer.
func (f *PlanFormatter) Write(s string) {
	fmt.Fprint(f.writer, s)
}

// FormatWorkflowPlan renders def's phase graph. It walks the definition in
// BFS order from the start phase so phase numbers are stable; cycles are
// shown as "(cycles back to phase N)" rather than repeated.
func (f *PlanFormatter) FormatWorkflowPlan(def *WorkflowDefinition) string {
	if def == nil || len(def.Phases) == 0 {
		return "No phases defined.\n"
	}

	phaseByName := make(map[string]*PhaseDefinition, len(def.Phases))
	for i := range def.Phases {
		pd := &def.Phases[i]
		phaseByName[pd.Name] = pd
	}

	// BFS from Start, preserving visit order so phase numbers are stable.
	visited := map[string]int{def.Start: 1} // name -> 1-based phase number
	ordered := []string{def.Start}
	queue := []string{def.Start}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		pd, ok := phaseByName[current]
		if !ok {
			continue
		}
		for _, rule := range pd.Transitions {
			if _, seen := visited[rule.Next]; !seen {
				visited[rule.Next] = len(ordered) + 1
				ordered = append(ordered, rule.Next)
				queue = append(queue, rule.Next)
			}
		}
	}

	// Styles.
	headerStyle := lipgloss.NewStyle()
	phaseNameStyle := lipgloss.NewStyle()
	transitionStyle := lipgloss.NewStyle()
	terminalStyle := lipgloss.NewStyle()

	if f.styled {
		headerStyle = headerStyle.Bold(true).Foreground(lipgloss.Color("12")) // bright blue
		phaseNameStyle = phaseNameStyle.Bold(true)
		transitionStyle = transitionStyle.Faint(true)
		terminalStyle = terminalStyle.Foreground(lipgloss.Color("10")) // green
	}

	var sb strings.Builder

	header := fmt.Sprintf("Workflow: %s", def.Name)
	sb.WriteString(headerStyle.Render(header))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", len(header)))
	sb.WriteString("\n")
	if def.Description != "" {
		sb.WriteString(def.Description)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	for _, phaseName := range ordered {
		phaseNum := visited[phaseName]
		pd := phaseByName[phaseName]

		label := phaseName
		if pd != nil && pd.Terminal {
			label = terminalStyle.Render(phaseName + " (terminal)")
		} else {
			label = phaseNameStyle.Render(label)
		}
		sb.WriteString(fmt.Sprintf("  %d. %s\n", phaseNum, label))

		if pd == nil {
			continue
		}

		for _, rule := range pd.Transitions {
			cond := "always"
			if len(rule.When) > 0 {
				cond = strings.Join(rule.When, " && ")
			}

			targetDisplay := rule.Next
			if targetNum, seen := visited[rule.Next]; seen && targetNum <= phaseNum {
				targetDisplay = fmt.Sprintf("%s (cycles back to phase %d)", rule.Next, targetNum)
			}

			transLine := fmt.Sprintf("     -> %s: %s", cond, targetDisplay)
			sb.WriteString(transitionStyle.Render(transLine))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
