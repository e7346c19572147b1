package parallelrunner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansjm10/jeeves/internal/git"
	"github.com/hansjm10/jeeves/internal/issuestate"
)

// fakeWorker simulates task workers without spawning subprocesses. Behavior
// is keyed by (phase, taskID).
type fakeWorker struct {
	mu sync.Mutex
	// exitCodes maps "phase/taskID" to the exit code to report (default 0).
	exitCodes map[string]int
	// noMarker suppresses the implement-phase done marker for a task (the
	// marker is written by default unless the exit code is non-zero).
	noMarker map[string]bool
	// delay simulates slow workers.
	delay time.Duration
	// invocations records every run for assertions.
	invocations []TaskRequest
	// maxConcurrent tracks the observed concurrency high-water mark.
	running       int
	maxConcurrent int
}

func (w *fakeWorker) RunTask(ctx context.Context, req TaskRequest) TaskResult {
	w.mu.Lock()
	w.invocations = append(w.invocations, req)
	w.running++
	if w.running > w.maxConcurrent {
		w.maxConcurrent = w.running
	}
	code := w.exitCodes[req.Phase+"/"+req.TaskID]
	noMarker := w.noMarker[req.TaskID]
	delay := w.delay
	w.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			w.mu.Lock()
			w.running--
			w.mu.Unlock()
			return TaskResult{TaskID: req.TaskID, ExitCode: -1, Err: ctx.Err()}
		}
	}

	if req.Phase == WavePhaseImplement && code == 0 && !noMarker {
		os.MkdirAll(req.SandboxDir, 0o755)
		os.WriteFile(filepath.Join(req.SandboxDir, DoneMarkerName), []byte("done\n"), 0o644)
	}

	w.mu.Lock()
	w.running--
	w.mu.Unlock()
	return TaskResult{TaskID: req.TaskID, ExitCode: code}
}

// fakeGit implements the subset of git.Client the wave logic uses.
// Worktrees are plain directories; patches are canned per worktree dir.
type fakeGit struct {
	git.Client

	mu       sync.Mutex
	patches  map[string]string // worktree dir -> patch content
	conflict map[string]bool   // patch content -> conflicts on apply
	applied  []string
	dir      string
}

func (g *fakeGit) WorktreeAdd(ctx context.Context, dir, commitish string) error {
	return os.MkdirAll(dir, 0o755)
}

func (g *fakeGit) DiffPatch(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.patches[g.dir], nil
}

func (g *fakeGit) ApplyPatch(ctx context.Context, patch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conflict[patch] {
		return git.ErrPatchConflict
	}
	if patch != "" {
		g.applied = append(g.applied, patch)
	}
	return nil
}

type env struct {
	stateDir string
	runDir   string
	store    *issuestate.Store
	git      *fakeGit
	worker   *fakeWorker
	runner   *Runner
}

func newEnv(t *testing.T, taskIDs ...string) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		stateDir: filepath.Join(root, "state"),
		runDir:   filepath.Join(root, "state", ".runs", "run-1"),
		store:    issuestate.NewStore(),
		worker:   &fakeWorker{exitCodes: map[string]int{}, noMarker: map[string]bool{}},
	}
	require.NoError(t, os.MkdirAll(e.runDir, 0o755))

	e.git = &fakeGit{patches: map[string]string{}, conflict: map[string]bool{}}
	openGit := func(dir string) (git.Client, error) {
		return &fakeGit{
			patches:  e.git.patches,
			conflict: e.git.conflict,
			dir:      dir,
		}, nil
	}

	issue := issuestate.NewIssueJson(7, "widgets", "")
	issue.Phase = WavePhaseImplement
	require.NoError(t, e.store.WriteIssueJson(e.stateDir, issue))

	tasks := &issuestate.TasksJson{}
	for _, id := range taskIDs {
		tasks.Tasks = append(tasks.Tasks, issuestate.Task{ID: id, Status: issuestate.TaskPending})
	}
	require.NoError(t, e.store.WriteTasksJson(e.stateDir, tasks))

	e.runner = New(e.store, e.git, openGit, e.worker, nil)
	return e
}

func (e *env) waveOpts() WaveOpts {
	return WaveOpts{
		StateDir:         e.stateDir,
		RunDir:           e.runDir,
		RunID:            "run-1",
		MaxParallelTasks: 2,
	}
}

func (e *env) readIssue(t *testing.T) *issuestate.IssueJson {
	t.Helper()
	issue, err := e.store.ReadIssueJson(e.stateDir)
	require.NoError(t, err)
	require.NotNil(t, issue)
	return issue
}

func (e *env) readTasks(t *testing.T) *issuestate.TasksJson {
	t.Helper()
	tasks, err := e.store.ReadTasksJson(e.stateDir)
	require.NoError(t, err)
	require.NotNil(t, tasks)
	return tasks
}

func TestResolveMaxParallel(t *testing.T) {
	assert.Equal(t, 1, ResolveMaxParallel(0, 0))
	assert.Equal(t, 3, ResolveMaxParallel(3, 5))
	assert.Equal(t, 5, ResolveMaxParallel(0, 5))
	assert.Equal(t, 8, ResolveMaxParallel(12, 0))
	assert.Equal(t, 8, ResolveMaxParallel(0, 99))
}

func TestImplementWaveReservesAndRuns(t *testing.T) {
	e := newEnv(t, "t1", "t2")

	res, err := e.runner.ImplementWave(context.Background(), e.waveOpts())
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.False(t, res.TimedOut)
	assert.ElementsMatch(t, []string{"t1", "t2"}, res.TaskIDs)

	issue := e.readIssue(t)
	require.NotNil(t, issue.Status.Parallel)
	assert.Equal(t, "run-1", issue.Status.Parallel.RunID)
	assert.Equal(t, WavePhaseImplement, issue.Status.Parallel.ActiveWavePhase)
	assert.ElementsMatch(t, []string{"t1", "t2"}, issue.Status.Parallel.ActiveWaveTaskIDs)
	assert.Equal(t, "pending", issue.Status.Parallel.ReservedStatusByTaskID["t1"])

	// Statuses stay in_progress until the spec-check wave decides.
	for _, task := range e.readTasks(t).Tasks {
		assert.Equal(t, issuestate.TaskInProgress, task.Status)
	}

	assert.True(t, DoneMarkerPresent(filepath.Join(e.runDir, "workers", "t1")))
	assert.True(t, AllDoneMarkersPresent(e.runDir, []string{"t1", "t2"}))
}

func TestImplementWaveNoReadyTasksIsNoOp(t *testing.T) {
	e := newEnv(t, "t1")
	tasks := e.readTasks(t)
	tasks.Tasks[0].Status = issuestate.TaskCompleted
	require.NoError(t, e.store.WriteTasksJson(e.stateDir, tasks))

	res, err := e.runner.ImplementWave(context.Background(), e.waveOpts())
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Nil(t, e.readIssue(t).Status.Parallel)
}

func TestImplementWaveRespectsConcurrencyCap(t *testing.T) {
	e := newEnv(t, "t1", "t2", "t3", "t4")
	e.worker.delay = 30 * time.Millisecond

	opts := e.waveOpts()
	opts.MaxParallelTasks = 2
	_, err := e.runner.ImplementWave(context.Background(), opts)
	require.NoError(t, err)
	assert.LessOrEqual(t, e.worker.maxConcurrent, 2)
	assert.Len(t, e.worker.invocations, 4)
}

func TestImplementWaveTimeoutPreservesReservations(t *testing.T) {
	e := newEnv(t, "t1")
	e.worker.delay = 2 * time.Second

	opts := e.waveOpts()
	opts.Timeout = 50 * time.Millisecond
	res, err := e.runner.ImplementWave(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)

	// Reservations and wave state survive so the phase can retry.
	issue := e.readIssue(t)
	require.NotNil(t, issue.Status.Parallel)
	assert.Equal(t, issuestate.TaskInProgress, e.readTasks(t).Tasks[0].Status)
}

func TestSpecCheckWaveMergesAndCompletes(t *testing.T) {
	e := newEnv(t, "t1", "t2")
	_, err := e.runner.ImplementWave(context.Background(), e.waveOpts())
	require.NoError(t, err)

	// Each worker worktree carries a distinct patch.
	e.git.patches[filepath.Join(e.runDir, "workers", "t1", "worktree")] = "patch-t1"
	e.git.patches[filepath.Join(e.runDir, "workers", "t2", "worktree")] = "patch-t2"

	res, err := e.runner.SpecCheckWave(context.Background(), e.waveOpts())
	require.NoError(t, err)
	assert.False(t, res.MergeConflict)

	assert.Equal(t, []string{"patch-t1", "patch-t2"}, e.git.applied, "merge happens in task-id order")

	issue := e.readIssue(t)
	assert.Nil(t, issue.Status.Parallel)
	assert.True(t, issue.Status.GetFlag("allTasksComplete"))
	assert.True(t, issue.Status.GetFlag("taskPassed"))
	assert.False(t, issue.Status.GetFlag("taskFailed"))
	assert.False(t, issue.Status.GetFlag("hasMoreTasks"))

	for _, task := range e.readTasks(t).Tasks {
		assert.Equal(t, issuestate.TaskCompleted, task.Status)
	}
}

func TestSpecCheckWaveFailedImplementWorker(t *testing.T) {
	e := newEnv(t, "t1", "t2")
	// t2's implement worker dies without a marker.
	e.worker.exitCodes[WavePhaseImplement+"/t2"] = 3

	_, err := e.runner.ImplementWave(context.Background(), e.waveOpts())
	require.NoError(t, err)
	assert.False(t, AllDoneMarkersPresent(e.runDir, []string{"t1", "t2"}))

	e.git.patches[filepath.Join(e.runDir, "workers", "t1", "worktree")] = "patch-t1"

	res, err := e.runner.SpecCheckWave(context.Background(), e.waveOpts())
	require.NoError(t, err)
	assert.False(t, res.MergeConflict)

	tasks := e.readTasks(t)
	assert.Equal(t, issuestate.TaskCompleted, tasks.ByID("t1").Status)
	assert.Equal(t, issuestate.TaskFailed, tasks.ByID("t2").Status)

	issue := e.readIssue(t)
	assert.True(t, issue.Status.GetFlag("taskFailed"))
	assert.True(t, issue.Status.GetFlag("hasMoreTasks"))
	assert.False(t, issue.Status.GetFlag("allTasksComplete"))

	// Only t1's spec check ran; t2 failed outright.
	specRuns := 0
	for _, inv := range e.worker.invocations {
		if inv.Phase == WavePhaseSpecCheck {
			specRuns++
			assert.Equal(t, "t1", inv.TaskID)
		}
	}
	assert.Equal(t, 1, specRuns)

	// Failure feedback was written for t2.
	_, statErr := os.Stat(filepath.Join(e.stateDir, "feedback", "task-t2.md"))
	assert.NoError(t, statErr)
}

func TestSpecCheckWaveMergeConflict(t *testing.T) {
	e := newEnv(t, "t1", "t2")
	_, err := e.runner.ImplementWave(context.Background(), e.waveOpts())
	require.NoError(t, err)

	e.git.patches[filepath.Join(e.runDir, "workers", "t1", "worktree")] = "patch-t1"
	e.git.patches[filepath.Join(e.runDir, "workers", "t2", "worktree")] = "patch-t2"
	e.git.conflict["patch-t2"] = true

	res, err := e.runner.SpecCheckWave(context.Background(), e.waveOpts())
	require.NoError(t, err)
	assert.True(t, res.MergeConflict)
	assert.Equal(t, "t2", res.ConflictTaskID)

	tasks := e.readTasks(t)
	assert.Equal(t, issuestate.TaskCompleted, tasks.ByID("t1").Status)
	assert.Equal(t, issuestate.TaskFailed, tasks.ByID("t2").Status)

	issue := e.readIssue(t)
	assert.Nil(t, issue.Status.Parallel)
	assert.True(t, issue.Status.GetFlag("taskFailed"))
	assert.False(t, issue.Status.GetFlag("taskPassed"), "a conflicted wave never reports a pass")
	assert.True(t, issue.Status.GetFlag("hasMoreTasks"))
	assert.False(t, issue.Status.GetFlag("allTasksComplete"))

	data, err := os.ReadFile(filepath.Join(e.stateDir, "feedback", "task-t2.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), filepath.Join(e.runDir, "workers", "t2"))

	// Worker sandboxes are preserved for inspection.
	_, statErr := os.Stat(filepath.Join(e.runDir, "workers", "t2"))
	assert.NoError(t, statErr)
}

func TestSpecCheckWaveWithoutActiveWaveIsNoOp(t *testing.T) {
	e := newEnv(t, "t1")
	res, err := e.runner.SpecCheckWave(context.Background(), e.waveOpts())
	require.NoError(t, err)
	assert.True(t, res.NoOp)
}

func TestRollbackRestoresReservations(t *testing.T) {
	e := newEnv(t, "t1", "t2")
	_, err := e.runner.ImplementWave(context.Background(), e.waveOpts())
	require.NoError(t, err)

	require.NoError(t, e.runner.Rollback(context.Background(), e.stateDir, "test rollback"))

	for _, task := range e.readTasks(t).Tasks {
		assert.Equal(t, issuestate.TaskPending, task.Status)
	}
	assert.Nil(t, e.readIssue(t).Status.Parallel)

	progress, err := os.ReadFile(filepath.Join(e.stateDir, "progress.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(progress), "Wave rollback: test rollback")

	// Rollback with no active wave is a no-op.
	require.NoError(t, e.runner.Rollback(context.Background(), e.stateDir, "again"))
}

func TestRequestStopPreventsNewLaunches(t *testing.T) {
	e := newEnv(t, "t1", "t2", "t3", "t4")
	e.worker.delay = 50 * time.Millisecond
	e.runner.RequestStop()

	opts := e.waveOpts()
	_, err := e.runner.ImplementWave(context.Background(), opts)
	require.NoError(t, err)
	assert.Empty(t, e.worker.invocations, "no workers launch after a stop request")
	assert.True(t, e.runner.Stopped())
}
