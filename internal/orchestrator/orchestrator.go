// Package orchestrator owns the run loop that drives a selected issue
// through its workflow: it spawns a runner per phase (or a parallel wave),
// adjudicates the phase report, archives the iteration, evaluates
// transitions, and finalizes a durable record of the run whatever happens.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hansjm10/jeeves/internal/adjudicator"
	"github.com/hansjm10/jeeves/internal/broadcast"
	"github.com/hansjm10/jeeves/internal/checkpoint"
	"github.com/hansjm10/jeeves/internal/config"
	"github.com/hansjm10/jeeves/internal/git"
	"github.com/hansjm10/jeeves/internal/issuestate"
	"github.com/hansjm10/jeeves/internal/parallelrunner"
	"github.com/hansjm10/jeeves/internal/quickfix"
	"github.com/hansjm10/jeeves/internal/runarchive"
	"github.com/hansjm10/jeeves/internal/runner"
	"github.com/hansjm10/jeeves/internal/workflow"
)

// Configuration errors surfaced before a run starts.
var (
	ErrRunActive          = errors.New("a run is already active for this issue")
	ErrNoIssueSelected    = errors.New("no issue selected: issue.json not found")
	ErrNoWorktree         = errors.New("issue worktree does not exist")
	ErrInvalidMaxParallel = errors.New("max_parallel_tasks must be an integer between 1 and 8")
)

// Defaults for the iteration loop.
const (
	DefaultMaxIterations     = 50
	DefaultIterationTimeout  = 3600 * time.Second
	DefaultInactivityTimeout = 600 * time.Second
	DefaultPollInterval      = 150 * time.Millisecond
)

// Config is the per-run configuration.
type Config struct {
	StateDir    string
	WorktreeDir string
	IssueRef    issuestate.IssueRef

	// Provider selects the runner binary; must map to a known provider.
	Provider string
	// Model and PermissionMode are run-level defaults; workflow phases may
	// override them.
	Model          string
	PermissionMode string

	// WorkflowOverride forces a workflow regardless of issue.json.
	WorkflowOverride string

	// MaxParallelTasks overrides the issue's parallel-task setting. Zero
	// means unset; otherwise must be 1..8.
	MaxParallelTasks int

	MaxIterations     int
	IterationTimeout  time.Duration
	InactivityTimeout time.Duration
	PollInterval      time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.IterationTimeout <= 0 {
		c.IterationTimeout = DefaultIterationTimeout
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Deps are the orchestrator's collaborators. Git, Checkpointer, QuickFix,
// and Hub may be nil; the corresponding behaviors are skipped.
type Deps struct {
	Store        *issuestate.Store
	Engine       *workflow.Engine
	Spawner      *runner.Spawner
	Adjudicator  *adjudicator.Adjudicator
	Parallel     *parallelrunner.Runner
	Checkpointer *checkpoint.Checkpointer
	QuickFix     *quickfix.Router
	Git          git.Client
	Hub          *broadcast.Hub
	Logger       *log.Logger
}

// Orchestrator executes one run at a time for one issue.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu            sync.Mutex
	run           *runarchive.Run
	child         *runner.Handle
	active        bool
	stopRequested atomic.Bool
	stopReason    string
	forceStop     bool
	// timeoutReason is set by watchdogs so finalize can adopt it.
	timeoutReason string
}

// New creates an Orchestrator. Config defaults are applied here.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Run returns the current (or last) run record, or nil before the first
// Start.
func (o *Orchestrator) Run() *runarchive.Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run
}

// Stop requests the active run to stop: the flag is raised, the current
// child is signalled (SIGTERM, or SIGKILL when force), and the parallel
// runner stops launching workers. The loop observes the flag and winds
// down; wave rollback happens there.
func (o *Orchestrator) Stop(force bool, reason string) {
	o.mu.Lock()
	o.stopReason = reason
	o.forceStop = force
	child := o.child
	o.mu.Unlock()

	o.stopRequested.Store(true)
	if o.deps.Parallel != nil {
		o.deps.Parallel.RequestStop()
	}
	if child != nil {
		child.Signal(stopSignal(force))
	}

	o.appendViewerLog(fmt.Sprintf("[STOP] Stop requested (force=%v, reason=%q)", force, reason))
	if o.deps.Logger != nil {
		o.deps.Logger.Info("stop requested", "force", force, "reason", reason)
	}
}

// Start validates preconditions, creates the run, and executes the
// iteration loop to completion. It blocks until the run ends; the finalize
// epilogue runs even when the loop errors or panics.
func (o *Orchestrator) Start(ctx context.Context) (err error) {
	if err := o.preflight(); err != nil {
		return err
	}

	issue, err := o.deps.Store.ReadIssueJson(o.cfg.StateDir)
	if err != nil {
		return err
	}

	workflowName := o.cfg.WorkflowOverride
	if workflowName == "" {
		workflowName = issue.Workflow
	}

	run, err := runarchive.NewRun(o.cfg.StateDir, o.cfg.IssueRef.String(), workflowName)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.run = run
	o.active = true
	o.mu.Unlock()

	o.publish("run", run)

	finalState := runarchive.StateErrored
	finalReason := ""

	defer func() {
		// Guaranteed-release epilogue: a panic in the loop body still
		// finalizes the archive, then resurfaces as an error.
		if r := recover(); r != nil {
			run.SetLastError(fmt.Sprintf("panic: %v", r))
			finalState = runarchive.StateErrored
			err = fmt.Errorf("orchestrator: panic in run loop: %v", r)
		}
		if ferr := run.Finalize(finalState, finalReason); ferr != nil && o.deps.Logger != nil {
			o.deps.Logger.Error("finalizing run archive failed", "error", ferr)
		}
		o.mu.Lock()
		o.active = false
		o.child = nil
		o.mu.Unlock()
		o.publish("run", run)
	}()

	finalState, finalReason, err = o.loop(ctx, run)
	return err
}

// preflight enforces the start preconditions.
func (o *Orchestrator) preflight() error {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if active {
		return ErrRunActive
	}

	if o.cfg.MaxParallelTasks != 0 &&
		(o.cfg.MaxParallelTasks < 1 || o.cfg.MaxParallelTasks > parallelrunner.MaxParallelTasksLimit) {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxParallel, o.cfg.MaxParallelTasks)
	}

	if _, err := config.MapProvider(o.cfg.Provider); err != nil {
		return err
	}

	issue, err := o.deps.Store.ReadIssueJson(o.cfg.StateDir)
	if err != nil {
		return err
	}
	if issue == nil {
		return fmt.Errorf("%w (state dir %s)", ErrNoIssueSelected, o.cfg.StateDir)
	}

	if info, err := os.Stat(o.cfg.WorktreeDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNoWorktree, o.cfg.WorktreeDir)
	}

	if o.deps.Spawner != nil {
		if err := o.deps.Spawner.CheckPrerequisites(); err != nil {
			return err
		}
	}

	// A run recorded as live by another process also blocks the start.
	if status, err := readRunStatus(o.cfg.StateDir); err == nil && status != nil {
		if status.Running && status.PID != nil && *status.PID != os.Getpid() && processAlive(*status.PID) {
			return fmt.Errorf("%w (pid %d)", ErrRunActive, *status.PID)
		}
	}

	return nil
}

// readRunStatus loads viewer-run-status.json from the state dir, returning
// nil when absent or unreadable.
func readRunStatus(stateDir string) (*runarchive.Run, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, "viewer-run-status.json"))
	if err != nil {
		return nil, err
	}
	var run runarchive.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// publish broadcasts an event best-effort.
func (o *Orchestrator) publish(kind string, data any) {
	if o.deps.Hub != nil {
		o.deps.Hub.Publish(broadcast.Event{Kind: kind, Data: data})
	}
}

// appendViewerLog writes one tagged line to the viewer log; safe before
// the run exists.
func (o *Orchestrator) appendViewerLog(line string) {
	o.mu.Lock()
	run := o.run
	o.mu.Unlock()
	if run == nil {
		return
	}
	if err := run.AppendViewerLog(line); err != nil && o.deps.Logger != nil {
		o.deps.Logger.Debug("viewer log append failed", "error", err)
	}
}

// setChild publishes the current child handle for Stop.
func (o *Orchestrator) setChild(h *runner.Handle) {
	o.mu.Lock()
	o.child = h
	o.mu.Unlock()
}

func (o *Orchestrator) stopReasonLocked() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopReason, o.forceStop
}
