package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hansjm10/jeeves/internal/issuestate"
)

// Engine answers workflow queries for the orchestrator: which workflow a
// name resolves to, whether a phase is terminal, and — after each
// successful iteration — which phase the issue moves to next. It emits
// TransitionEvents at each evaluation.
type Engine struct {
	registry *Registry
	events   chan<- TransitionEvent
	logger   *log.Logger
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithEventChannel sets the channel on which the engine broadcasts
// TransitionEvents. The engine uses a non-blocking send so a slow consumer
// never stalls evaluation.
func WithEventChannel(ch chan<- TransitionEvent) EngineOption {
	return func(e *Engine) { e.events = ch }
}

// WithLogger attaches a logger to the engine. When nil the engine operates
// silently.
func WithLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a workflow engine over the given registry. The registry
// must not be nil.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{registry: registry}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Definition resolves a workflow name to its definition.
func (e *Engine) Definition(name string) (*WorkflowDefinition, error) {
	return e.registry.Get(name)
}

// ResolvePhase normalizes and validates the issue's current phase against
// def: whitespace is trimmed, an empty phase becomes the workflow start,
// and the legacy design_draft entry point migrates to the current start
// when def no longer defines it. An unknown non-legacy phase is an error.
func (e *Engine) ResolvePhase(def *WorkflowDefinition, rawPhase string) (string, error) {
	phase := strings.TrimSpace(rawPhase)
	if phase == "" {
		return def.Start, nil
	}
	if def.HasPhase(phase) {
		return phase, nil
	}
	if phase == "design_draft" {
		// Issues created before the classify phase existed start at the
		// old drafting entry point; migrate them to the current start.
		if e.logger != nil {
			e.logger.Warn("migrating legacy phase to workflow start",
				"workflow", def.Name, "legacy_phase", phase, "start", def.Start)
		}
		return def.Start, nil
	}
	return "", fmt.Errorf("workflow: phase %q not defined in workflow %q", phase, def.Name)
}

// EvaluateTransitions evaluates phase's transition rules against the
// issue's current status flags and returns the next phase name, or "" when
// no rule matches (the issue stays put). Evaluating an unknown phase is an
// error; evaluating a terminal phase always returns "".
func (e *Engine) EvaluateTransitions(def *WorkflowDefinition, phase string, issue *issuestate.IssueJson) (string, error) {
	p := def.Phase(phase)
	if p == nil {
		return "", fmt.Errorf("workflow: phase %q not defined in workflow %q", phase, def.Name)
	}
	if p.Terminal {
		return "", nil
	}

	next := ""
	for _, rule := range p.Transitions {
		if EvaluateConditions(rule.When, issue) {
			next = rule.Next
			break
		}
	}

	evType := TEPhaseEvaluated
	if next != "" {
		evType = TETransition
		if def.IsTerminal(next) {
			evType = TETerminalReached
		}
	}
	e.emit(TransitionEvent{
		Type:      evType,
		Workflow:  def.Name,
		From:      phase,
		To:        next,
		Timestamp: time.Now(),
	})

	if next != "" && e.logger != nil {
		e.logger.Info("phase transition", "workflow", def.Name, "from", phase, "to", next)
	}
	return next, nil
}

// emit sends ev to the event channel using a non-blocking select so that a
// slow consumer never stalls evaluation. A no-op when no channel has been
// configured.
func (e *Engine) emit(ev TransitionEvent) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}
