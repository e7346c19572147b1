//go:build !windows

package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansjm10/jeeves/internal/checkpoint"
	"github.com/hansjm10/jeeves/internal/git"
	"github.com/hansjm10/jeeves/internal/issuestate"
	"github.com/hansjm10/jeeves/internal/parallelrunner"
	"github.com/hansjm10/jeeves/internal/runarchive"
	"github.com/hansjm10/jeeves/internal/workflow"
)

// implementCheckLoop is the implement/spec-check slice of the default
// workflow, ending at terminal once every task lands.
func implementCheckLoop() *workflow.WorkflowDefinition {
	return &workflow.WorkflowDefinition{
		Name:  "default",
		Start: "implement_task",
		Phases: []workflow.PhaseDefinition{
			{Name: "implement_task", Transitions: []workflow.TransitionRule{
				{When: []string{"allTasksComplete"}, Next: "terminal"},
			}},
			{Name: "task_spec_check", Transitions: []workflow.TransitionRule{
				{When: []string{"taskFailed"}, Next: "implement_task"},
				{When: []string{"allTasksComplete"}, Next: "terminal"},
			}},
			{Name: "terminal", Terminal: true},
		},
	}
}

// stubWorker fakes parallel task workers in-process.
type stubWorker struct {
	mu        sync.Mutex
	exitCodes map[string]int // keyed by phase/taskID
	onRun     func(req parallelrunner.TaskRequest, launched int)
	runs      []parallelrunner.TaskRequest
}

func (w *stubWorker) RunTask(ctx context.Context, req parallelrunner.TaskRequest) parallelrunner.TaskResult {
	w.mu.Lock()
	w.runs = append(w.runs, req)
	code := w.exitCodes[req.Phase+"/"+req.TaskID]
	hook := w.onRun
	launched := len(w.runs)
	w.mu.Unlock()

	if hook != nil {
		hook(req, launched)
	}
	if req.Phase == parallelrunner.WavePhaseImplement && code == 0 {
		os.MkdirAll(req.SandboxDir, 0o755)
		os.WriteFile(filepath.Join(req.SandboxDir, parallelrunner.DoneMarkerName), []byte("done\n"), 0o644)
	}
	return parallelrunner.TaskResult{TaskID: req.TaskID, ExitCode: code}
}

// stubGit satisfies the worktree/patch subset of git.Client.
type stubGit struct {
	git.Client

	mu      sync.Mutex
	staged  []string
	applied []string
	dir     string
}

func (g *stubGit) WorktreeAdd(ctx context.Context, dir, commitish string) error {
	return os.MkdirAll(dir, 0o755)
}

func (g *stubGit) DiffPatch(ctx context.Context) (string, error) { return "patch:" + g.dir, nil }

func (g *stubGit) ApplyPatch(ctx context.Context, patch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applied = append(g.applied, patch)
	return nil
}

func (g *stubGit) StagedFiles(ctx context.Context) ([]string, error) { return g.staged, nil }

func (g *stubGit) WorkingTreeStatusFor(ctx context.Context, p string) (string, error) {
	return " M", nil
}

func (g *stubGit) IsTracked(ctx context.Context, p string) (bool, error) { return true, nil }

func (g *stubGit) Add(ctx context.Context, paths ...string) error { return nil }

func (g *stubGit) Commit(ctx context.Context, message string, opts git.CommitOpts) error {
	return nil
}

func (g *stubGit) StatusPorcelain(ctx context.Context) (string, error) { return "", nil }

func (g *stubGit) DiffStatText(ctx context.Context) (string, error) { return "", nil }

type parallelEnv struct {
	*testEnv
	worker *stubWorker
	git    *stubGit
}

func newParallelEnv(t *testing.T, taskIDs ...string) *parallelEnv {
	t.Helper()
	e := &parallelEnv{
		testEnv: newTestEnv(t),
		worker:  &stubWorker{exitCodes: map[string]int{}},
		git:     &stubGit{},
	}

	issue := e.readIssue(t)
	issue.Settings.TaskExecution = issuestate.TaskExecutionSettings{Mode: "parallel", MaxParallelTasks: 2}
	require.NoError(t, e.store.WriteIssueJson(e.stateDir, issue))

	tasks := &issuestate.TasksJson{}
	for _, id := range taskIDs {
		tasks.Tasks = append(tasks.Tasks, issuestate.Task{ID: id, Status: issuestate.TaskPending})
	}
	require.NoError(t, e.store.WriteTasksJson(e.stateDir, tasks))
	return e
}

func (e *parallelEnv) newParallelOrchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	bin := e.writeRunnerScript(t, "exit 0\n")
	o := e.newOrchestrator(t, bin, mutate)
	openGit := func(dir string) (git.Client, error) {
		return &stubGit{dir: dir}, nil
	}
	o.deps.Parallel = parallelrunner.New(e.store, e.git, openGit, e.worker, nil)
	return o
}

func (e *parallelEnv) readTasks(t *testing.T) *issuestate.TasksJson {
	t.Helper()
	tasks, err := e.store.ReadTasksJson(e.stateDir)
	require.NoError(t, err)
	require.NotNil(t, tasks)
	return tasks
}

func TestParallelWavesDriveTasksToCompletion(t *testing.T) {
	e := newParallelEnv(t, "t1", "t2")
	e.registry.Register(implementCheckLoop())

	o := e.newParallelOrchestrator(t, func(c *Config) { c.MaxIterations = 5 })
	require.NoError(t, o.Start(context.Background()))

	run := o.Run()
	assert.Equal(t, runarchive.StateCompletedViaState, run.State)

	for _, task := range e.readTasks(t).Tasks {
		assert.Equal(t, issuestate.TaskCompleted, task.Status)
	}
	issue := e.readIssue(t)
	assert.True(t, issue.Status.GetFlag("allTasksComplete"))
	assert.Nil(t, issue.Status.Parallel)
}

func TestParallelWaveOneTaskFails(t *testing.T) {
	e := newParallelEnv(t, "t1", "t2")
	e.registry.Register(implementCheckLoop())
	// t2's implement worker always dies without a marker.
	e.worker.exitCodes[parallelrunner.WavePhaseImplement+"/t2"] = 3

	// Two iterations: implement wave, then spec-check wave.
	o := e.newParallelOrchestrator(t, func(c *Config) { c.MaxIterations = 2 })
	require.NoError(t, o.Start(context.Background()))

	tasks := e.readTasks(t)
	assert.Equal(t, issuestate.TaskCompleted, tasks.ByID("t1").Status)
	assert.Equal(t, issuestate.TaskFailed, tasks.ByID("t2").Status)

	issue := e.readIssue(t)
	assert.True(t, issue.Status.GetFlag("taskFailed"))
	assert.True(t, issue.Status.GetFlag("hasMoreTasks"))
	assert.False(t, issue.Status.GetFlag("allTasksComplete"))
	assert.Equal(t, "implement_task", issue.Phase)

	// The spec-check wave's outcome routes through the task_spec_check
	// transition table, even though the recorded phase never left
	// implement_task.
	assert.Contains(t, e.viewerLog(t, o.Run()),
		"[TRANSITION] task_spec_check -> implement_task")
}

func TestParallelReservationVisibleBetweenWaves(t *testing.T) {
	e := newParallelEnv(t, "t1", "t2")
	e.registry.Register(implementCheckLoop())

	// Only the implement wave runs in a single iteration.
	o := e.newParallelOrchestrator(t, func(c *Config) { c.MaxIterations = 1 })
	require.NoError(t, o.Start(context.Background()))

	issue := e.readIssue(t)
	require.NotNil(t, issue.Status.Parallel)
	assert.ElementsMatch(t, []string{"t1", "t2"}, issue.Status.Parallel.ActiveWaveTaskIDs)
	for _, task := range e.readTasks(t).Tasks {
		assert.Equal(t, issuestate.TaskInProgress, task.Status)
	}
}

func TestStopBetweenImplementAndSpecCheckPreservesState(t *testing.T) {
	e := newParallelEnv(t, "t1", "t2")
	e.registry.Register(implementCheckLoop())

	o := e.newParallelOrchestrator(t, func(c *Config) { c.MaxIterations = 5 })

	// Stop once both workers are in flight: the implement wave still
	// finishes its markers, and the loop observes the stop before the
	// spec-check wave starts.
	var once sync.Once
	e.worker.onRun = func(req parallelrunner.TaskRequest, launched int) {
		if launched == 2 {
			once.Do(func() { o.Stop(false, "pause before spec-check") })
		}
	}

	require.NoError(t, o.Start(context.Background()))

	run := o.Run()
	assert.Equal(t, runarchive.StateStopped, run.State)
	assert.Equal(t, "pause before spec-check", run.CompletionReason)

	// Reservations and wave state survive for the next run to resume.
	issue := e.readIssue(t)
	require.NotNil(t, issue.Status.Parallel)
	for _, task := range e.readTasks(t).Tasks {
		assert.Equal(t, issuestate.TaskInProgress, task.Status)
	}
	progress, err := os.ReadFile(filepath.Join(e.stateDir, "progress.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(progress), "Manual Stop: Between Implement/Spec-Check")
}

func TestRecoveryFailsOrphanedInProgressTasks(t *testing.T) {
	e := newParallelEnv(t, "t1", "t2")
	e.registry.Register(implementCheckLoop())

	// t1 was left in_progress by a dead wave belonging to another run with
	// no done markers.
	tasks := e.readTasks(t)
	tasks.ByID("t1").Status = issuestate.TaskInProgress
	require.NoError(t, e.store.WriteTasksJson(e.stateDir, tasks))
	issue := e.readIssue(t)
	issue.Status.Parallel = &issuestate.ParallelState{
		RunID:                  "20240101T000000Z-1.deadrun",
		ActiveWaveID:           "wave-dead",
		ActiveWavePhase:        parallelrunner.WavePhaseImplement,
		ActiveWaveTaskIDs:      []string{"t1"},
		ReservedStatusByTaskID: map[string]string{"t1": "pending"},
	}
	require.NoError(t, e.store.WriteIssueJson(e.stateDir, issue))

	o := e.newParallelOrchestrator(t, func(c *Config) { c.MaxIterations = 1 })
	require.NoError(t, o.Start(context.Background()))

	// Recovery failed t1 and cleared the dead wave; the iteration's
	// implement wave then re-reserved what was ready.
	progress, err := os.ReadFile(filepath.Join(e.stateDir, "progress.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(progress), "Recovery: marked 1 orphaned in_progress task(s) failed")

	_, err = os.Stat(filepath.Join(e.stateDir, "feedback", "task-t1.md"))
	assert.NoError(t, err)
}

func TestDesignCheckpointRefusalRecordsIterationError(t *testing.T) {
	e := newTestEnv(t)
	e.registry.Register(&workflow.WorkflowDefinition{
		Name:  "default",
		Start: "design_plan",
		Phases: []workflow.PhaseDefinition{
			{Name: "design_plan", Transitions: []workflow.TransitionRule{
				{When: []string{"designApproved"}, Next: "terminal"}}},
			{Name: "terminal", Terminal: true},
		},
	})
	bin := e.writeRunnerScript(t, "exit 0\n")

	issue := e.readIssue(t)
	issue.DesignDocPath = "docs/issue-7-design.md"
	require.NoError(t, e.store.WriteIssueJson(e.stateDir, issue))

	git := &stubGit{staged: []string{"README.md"}}
	o := e.newOrchestrator(t, bin, func(c *Config) { c.MaxIterations = 1 })
	o.deps.Checkpointer = checkpoint.New(git, e.worktree, nil)

	require.NoError(t, o.Start(context.Background()))

	run := o.Run()
	assert.Equal(t, runarchive.StateMaxIterations, run.State)
	assert.Contains(t, run.LastError,
		"Refusing to auto-commit design doc with other staged changes present:\nREADME.md")
	assert.Equal(t, "design_plan", e.readIssue(t).Phase, "no transition after a checkpoint failure")
}

func TestRunActivePreflightAgainstLiveStatusFile(t *testing.T) {
	e := newTestEnv(t)
	e.registry.Register(classifyToTerminal())
	bin := e.writeRunnerScript(t, "exit 0\n")

	pid := os.Getppid() // a live pid that is not this process
	live := &runarchive.Run{ID: "other", Running: true, PID: &pid, State: runarchive.StateRunning}
	data, err := json.Marshal(live)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(e.stateDir, "viewer-run-status.json"), data, 0o644))

	o := e.newOrchestrator(t, bin, nil)
	assert.ErrorIs(t, o.Start(context.Background()), ErrRunActive)
}
