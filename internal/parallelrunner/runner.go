// Package parallelrunner executes "waves" of concurrent task workers during
// the implement and spec-check phases. A wave reserves a set of task IDs,
// fans workers out over them under a concurrency cap, and folds the
// results back into canonical state. Workers never touch issue.json; all
// canonical mutations happen here, after the wave.
//
// The fan-out shape (bounded errgroup, per-worker results captured under a
// mutex, worker errors that never abort the group) mirrors the multi-agent
// review pipeline this package grew out of.
package parallelrunner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/hansjm10/jeeves/internal/git"
	"github.com/hansjm10/jeeves/internal/issuestate"
)

// MaxParallelTasksLimit caps worker concurrency regardless of settings.
const MaxParallelTasksLimit = 8

// ResolveMaxParallel computes the effective concurrency cap:
// min(8, override ?? issueSetting ?? 1). Zero or negative values mean
// "unset".
func ResolveMaxParallel(override, issueSetting int) int {
	n := override
	if n <= 0 {
		n = issueSetting
	}
	if n <= 0 {
		n = 1
	}
	if n > MaxParallelTasksLimit {
		n = MaxParallelTasksLimit
	}
	return n
}

// WaveOpts configures one wave execution.
type WaveOpts struct {
	StateDir string
	// RunDir is the owning run's directory; worker sandboxes live under
	// RunDir/workers/<taskId>/.
	RunDir string
	RunID  string
	// MaxParallelTasks is the resolved concurrency cap (see
	// ResolveMaxParallel).
	MaxParallelTasks int
	// Timeout bounds the whole wave. Zero means no wave-level deadline.
	Timeout time.Duration
}

// WaveResult is the outcome of one wave.
type WaveResult struct {
	Phase   string
	TaskIDs []string
	// NoOp is true when an implement wave found no ready tasks.
	NoOp bool
	// TimedOut is true when the wave deadline fired; reservations are
	// preserved so the orchestrator can retry the phase.
	TimedOut bool
	// SetupFailure is true when the wave could not start; reservations
	// have been rolled back.
	SetupFailure bool
	// MergeConflict is true when a spec-check wave failed to merge a
	// task's changes; the conflicted task has been marked failed.
	MergeConflict bool
	// ConflictTaskID names the conflicted task when MergeConflict is set.
	ConflictTaskID string
	Results        map[string]TaskResult
}

// GitOpener opens a git client rooted at dir, used to read patches out of
// worker worktrees.
type GitOpener func(dir string) (git.Client, error)

// Runner executes waves for one issue.
type Runner struct {
	store   *issuestate.Store
	git     git.Client // canonical worktree
	openGit GitOpener
	worker  Worker
	logger  *log.Logger

	stopRequested atomic.Bool
}

// New creates a Runner. git operates on the canonical worktree; openGit
// opens clients for worker worktrees. logger may be nil.
func New(store *issuestate.Store, git git.Client, openGit GitOpener, worker Worker, logger *log.Logger) *Runner {
	return &Runner{store: store, git: git, openGit: openGit, worker: worker, logger: logger}
}

// RequestStop asks the runner to stop launching new workers. In-flight
// workers run to completion (or die with the wave context).
func (r *Runner) RequestStop() {
	r.stopRequested.Store(true)
}

// Stopped reports whether a stop has been requested.
func (r *Runner) Stopped() bool {
	return r.stopRequested.Load()
}

// ImplementWave runs one implement-phase wave: select ready tasks, reserve
// them, fan out workers, and wait. Task statuses stay in_progress after a
// successful wave — the spec-check wave decides pass/fail.
func (r *Runner) ImplementWave(ctx context.Context, opts WaveOpts) (*WaveResult, error) {
	result := &WaveResult{Phase: WavePhaseImplement, Results: map[string]TaskResult{}}

	tasks, err := r.store.ReadTasksJson(opts.StateDir)
	if err != nil {
		return nil, fmt.Errorf("parallelrunner: reading tasks.json: %w", err)
	}
	issue, err := r.store.ReadIssueJson(opts.StateDir)
	if err != nil {
		return nil, fmt.Errorf("parallelrunner: reading issue.json: %w", err)
	}
	if issue == nil {
		return nil, fmt.Errorf("parallelrunner: no issue.json in %s", opts.StateDir)
	}

	claimed := map[string]struct{}{}
	if issue.Status.Parallel != nil {
		for _, id := range issue.Status.Parallel.ActiveWaveTaskIDs {
			claimed[id] = struct{}{}
		}
	}

	var ready []string
	if tasks != nil {
		for _, task := range tasks.Tasks {
			if task.Status != issuestate.TaskPending {
				continue
			}
			if _, taken := claimed[task.ID]; taken {
				continue
			}
			ready = append(ready, task.ID)
		}
	}
	if len(ready) == 0 {
		result.NoOp = true
		return result, nil
	}
	result.TaskIDs = ready

	// Reserve: capture prior statuses, mark in_progress, persist both
	// files before any worker starts.
	prior := make(map[string]string, len(ready))
	for _, id := range ready {
		task := tasks.ByID(id)
		prior[id] = string(task.Status)
		task.Status = issuestate.TaskInProgress
	}
	if err := r.store.WriteTasksJson(opts.StateDir, tasks); err != nil {
		return r.failSetup(ctx, opts, result, fmt.Errorf("reserving tasks: %w", err))
	}

	waveID, err := newWaveID()
	if err != nil {
		return r.failSetup(ctx, opts, result, err)
	}
	issue.Status.Parallel = &issuestate.ParallelState{
		RunID:                  opts.RunID,
		ActiveWaveID:           waveID,
		ActiveWavePhase:        WavePhaseImplement,
		ActiveWaveTaskIDs:      ready,
		ReservedStatusByTaskID: prior,
	}
	if err := r.store.WriteIssueJson(opts.StateDir, issue); err != nil {
		return r.failSetup(ctx, opts, result, fmt.Errorf("persisting wave state: %w", err))
	}

	// Per-task worktrees are part of setup: a failure here rolls the wave
	// back before any worker has run.
	for _, id := range ready {
		if err := r.setupSandbox(ctx, opts, id); err != nil {
			return r.failSetup(ctx, opts, result, err)
		}
	}

	if r.logger != nil {
		r.logger.Info("implement wave starting",
			"wave", waveID, "tasks", ready, "max_parallel", opts.MaxParallelTasks)
	}

	timedOut := r.runWorkers(ctx, opts, WavePhaseImplement, ready, result)
	result.TimedOut = timedOut
	return result, nil
}

// SpecCheckWave verifies and merges the tasks reserved by the preceding
// implement wave. It operates only on activeWaveTaskIds; after it returns,
// canonical task statuses and transition flags reflect the wave outcome
// and the wave state is cleared (except on timeout). Worker sandboxes are
// always preserved for inspection.
func (r *Runner) SpecCheckWave(ctx context.Context, opts WaveOpts) (*WaveResult, error) {
	result := &WaveResult{Phase: WavePhaseSpecCheck, Results: map[string]TaskResult{}}

	issue, err := r.store.ReadIssueJson(opts.StateDir)
	if err != nil {
		return nil, fmt.Errorf("parallelrunner: reading issue.json: %w", err)
	}
	if issue == nil || issue.Status.Parallel == nil {
		result.NoOp = true
		return result, nil
	}
	ps := issue.Status.Parallel
	taskIDs := append([]string(nil), ps.ActiveWaveTaskIDs...)
	result.TaskIDs = taskIDs

	ps.ActiveWavePhase = WavePhaseSpecCheck
	if err := r.store.WriteIssueJson(opts.StateDir, issue); err != nil {
		return nil, fmt.Errorf("parallelrunner: persisting wave phase: %w", err)
	}

	// Tasks whose implement worker never produced its marker have nothing
	// to check or merge; they fail outright.
	passed := map[string]bool{}
	var checkable []string
	for _, id := range taskIDs {
		if DoneMarkerPresent(filepath.Join(opts.RunDir, "workers", id)) {
			checkable = append(checkable, id)
		} else {
			passed[id] = false
		}
	}

	timedOut := r.runWorkers(ctx, opts, WavePhaseSpecCheck, checkable, result)
	if timedOut {
		// Leave wave state intact: the orchestrator evaluates transitions
		// once and taskFailed routing decides what happens next.
		result.TimedOut = true
		return result, nil
	}

	for _, id := range checkable {
		res, ok := result.Results[id]
		passed[id] = ok && res.ExitCode == 0 && res.Err == nil
	}

	// Merge passing task worktrees back into the canonical worktree in
	// task-id order.
	merged := map[string]bool{}
	for _, id := range taskIDs {
		if !passed[id] {
			continue
		}
		if err := r.mergeTask(ctx, opts, id); err != nil {
			if errors.Is(err, git.ErrPatchConflict) {
				return r.failMerge(ctx, opts, result, issue, taskIDs, merged, id, err)
			}
			return nil, fmt.Errorf("parallelrunner: merging task %s: %w", id, err)
		}
		merged[id] = true
	}

	return r.finishSpecCheck(ctx, opts, result, issue, taskIDs, passed, merged)
}

// runWorkers fans the given task IDs out to workers under the concurrency
// cap and collects results. Returns true when the wave deadline fired.
func (r *Runner) runWorkers(ctx context.Context, opts WaveOpts, phase string, taskIDs []string, result *WaveResult) bool {
	if len(taskIDs) == 0 {
		return false
	}

	waveCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		waveCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(waveCtx)
	g.SetLimit(opts.MaxParallelTasks)

	var mu sync.Mutex
	for _, id := range taskIDs {
		id := id
		// The stop flag is checked between worker launches: already
		// launched workers finish, the rest never start.
		if r.Stopped() {
			break
		}
		g.Go(func() error {
			sandbox := filepath.Join(opts.RunDir, "workers", id)
			res := r.worker.RunTask(gctx, TaskRequest{
				TaskID:      id,
				Phase:       phase,
				SandboxDir:  sandbox,
				WorktreeDir: filepath.Join(sandbox, "worktree"),
				DataDir:     opts.StateDir,
			})
			mu.Lock()
			result.Results[id] = res
			mu.Unlock()
			// Worker failures never abort the wave.
			return nil
		})
	}
	_ = g.Wait()

	return waveCtx.Err() != nil && ctx.Err() == nil
}

// setupSandbox creates the task's sandbox directory and private worktree.
func (r *Runner) setupSandbox(ctx context.Context, opts WaveOpts, taskID string) error {
	sandbox := filepath.Join(opts.RunDir, "workers", taskID)
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		return fmt.Errorf("creating sandbox for task %s: %w", taskID, err)
	}
	worktree := filepath.Join(sandbox, "worktree")
	if _, err := os.Stat(worktree); err == nil {
		// Re-running a wave after a timeout reuses the existing worktree.
		return nil
	}
	if err := r.git.WorktreeAdd(ctx, worktree, "HEAD"); err != nil {
		return fmt.Errorf("creating worktree for task %s: %w", taskID, err)
	}
	return nil
}

// mergeTask applies one worker worktree's changes onto the canonical
// worktree.
func (r *Runner) mergeTask(ctx context.Context, opts WaveOpts, taskID string) error {
	workerGit, err := r.openGit(filepath.Join(opts.RunDir, "workers", taskID, "worktree"))
	if err != nil {
		return err
	}
	patch, err := workerGit.DiffPatch(ctx)
	if err != nil {
		return err
	}
	return r.git.ApplyPatch(ctx, patch)
}

// failSetup rolls back reservations after a setup failure and reports the
// wave as failed-before-start.
func (r *Runner) failSetup(ctx context.Context, opts WaveOpts, result *WaveResult, cause error) (*WaveResult, error) {
	result.SetupFailure = true
	if r.logger != nil {
		r.logger.Error("wave setup failed", "error", cause)
	}
	if err := r.Rollback(ctx, opts.StateDir, fmt.Sprintf("Wave setup failed: %v", cause)); err != nil && r.logger != nil {
		r.logger.Error("wave rollback failed", "error", err)
	}
	return result, cause
}

// failMerge finalizes a spec-check wave that hit a merge conflict: the
// conflicted task is marked failed, a feedback note points at the retained
// worker artifacts, and the wave state is cleared.
func (r *Runner) failMerge(ctx context.Context, opts WaveOpts, result *WaveResult, issue *issuestate.IssueJson, taskIDs []string, merged map[string]bool, conflictID string, cause error) (*WaveResult, error) {
	result.MergeConflict = true
	result.ConflictTaskID = conflictID

	if err := r.writeFeedback(opts, conflictID, fmt.Sprintf(
		"Task %s could not be merged into the canonical worktree: %v\n\nWorker artifacts are retained under %s for inspection.\n",
		conflictID, cause, filepath.Join(opts.RunDir, "workers", conflictID))); err != nil && r.logger != nil {
		r.logger.Error("writing merge-conflict feedback failed", "task", conflictID, "error", err)
	}

	tasks, err := r.store.ReadTasksJson(opts.StateDir)
	if err != nil {
		return result, fmt.Errorf("parallelrunner: reading tasks.json after conflict: %w", err)
	}
	for _, id := range taskIDs {
		task := tasks.ByID(id)
		if task == nil {
			continue
		}
		switch {
		case merged[id]:
			task.Status = issuestate.TaskCompleted
		default:
			task.Status = issuestate.TaskFailed
		}
	}
	if err := r.store.WriteTasksJson(opts.StateDir, tasks); err != nil {
		return result, fmt.Errorf("parallelrunner: writing tasks.json after conflict: %w", err)
	}

	issue.Status.Parallel = nil
	issue.Status.SetFlag("taskFailed", true)
	issue.Status.SetFlag("taskPassed", false)
	issue.Status.SetFlag("hasMoreTasks", true)
	issue.Status.SetFlag("allTasksComplete", false)
	if err := r.store.WriteIssueJson(opts.StateDir, issue); err != nil {
		return result, fmt.Errorf("parallelrunner: writing issue.json after conflict: %w", err)
	}

	_ = r.store.AppendProgress(opts.StateDir, fmt.Sprintf(
		"Merge conflict on task %s; worker artifacts retained under %s",
		conflictID, filepath.Join(opts.RunDir, "workers", conflictID)))

	if r.logger != nil {
		r.logger.Error("merge conflict in spec-check wave", "task", conflictID, "error", cause)
	}
	return result, nil
}

// finishSpecCheck folds wave outcomes into canonical task statuses and
// transition flags, and clears the wave state.
func (r *Runner) finishSpecCheck(ctx context.Context, opts WaveOpts, result *WaveResult, issue *issuestate.IssueJson, taskIDs []string, passed, merged map[string]bool) (*WaveResult, error) {
	tasks, err := r.store.ReadTasksJson(opts.StateDir)
	if err != nil {
		return result, fmt.Errorf("parallelrunner: reading tasks.json: %w", err)
	}

	anyFailed := false
	for _, id := range taskIDs {
		task := tasks.ByID(id)
		if task == nil {
			continue
		}
		if passed[id] && merged[id] {
			task.Status = issuestate.TaskCompleted
		} else {
			task.Status = issuestate.TaskFailed
			anyFailed = true

			sandbox := filepath.Join(opts.RunDir, "workers", id)
			_ = r.writeFeedback(opts, id, fmt.Sprintf(
				"Task %s failed its wave (implement or spec-check). Worker artifacts are retained under %s.\n",
				id, sandbox))
		}
	}
	if err := r.store.WriteTasksJson(opts.StateDir, tasks); err != nil {
		return result, fmt.Errorf("parallelrunner: writing tasks.json: %w", err)
	}

	remaining := false
	allComplete := len(tasks.Tasks) > 0
	for _, task := range tasks.Tasks {
		if task.Status != issuestate.TaskCompleted {
			allComplete = false
		}
		if task.Status == issuestate.TaskPending || task.Status == issuestate.TaskFailed {
			remaining = true
		}
	}

	issue.Status.Parallel = nil
	issue.Status.SetFlag("taskFailed", anyFailed)
	issue.Status.SetFlag("taskPassed", len(merged) > 0 && !anyFailed)
	issue.Status.SetFlag("hasMoreTasks", remaining)
	issue.Status.SetFlag("allTasksComplete", allComplete)
	if err := r.store.WriteIssueJson(opts.StateDir, issue); err != nil {
		return result, fmt.Errorf("parallelrunner: writing issue.json: %w", err)
	}

	_ = r.store.AppendProgress(opts.StateDir, fmt.Sprintf(
		"Spec-check wave finished: %d task(s), %d merged, failed=%v", len(taskIDs), len(merged), anyFailed))

	if r.logger != nil {
		r.logger.Info("spec-check wave finished",
			"tasks", len(taskIDs), "merged", len(merged), "failed", anyFailed)
	}
	return result, nil
}

// Rollback restores reserved task statuses to their pre-wave values,
// clears the wave state, and appends a progress entry. Safe to call when
// no wave is active.
func (r *Runner) Rollback(ctx context.Context, stateDir, reason string) error {
	issue, err := r.store.ReadIssueJson(stateDir)
	if err != nil {
		return fmt.Errorf("parallelrunner: rollback: reading issue.json: %w", err)
	}
	if issue == nil || issue.Status.Parallel == nil {
		return nil
	}
	ps := issue.Status.Parallel

	tasks, err := r.store.ReadTasksJson(stateDir)
	if err != nil {
		return fmt.Errorf("parallelrunner: rollback: reading tasks.json: %w", err)
	}
	if tasks != nil {
		ids := make([]string, 0, len(ps.ReservedStatusByTaskID))
		for id := range ps.ReservedStatusByTaskID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if task := tasks.ByID(id); task != nil {
				task.Status = issuestate.TaskStatus(ps.ReservedStatusByTaskID[id])
			}
		}
		if err := r.store.WriteTasksJson(stateDir, tasks); err != nil {
			return fmt.Errorf("parallelrunner: rollback: writing tasks.json: %w", err)
		}
	}

	issue.Status.Parallel = nil
	if err := r.store.WriteIssueJson(stateDir, issue); err != nil {
		return fmt.Errorf("parallelrunner: rollback: writing issue.json: %w", err)
	}

	_ = r.store.AppendProgress(stateDir, "Wave rollback: "+reason)
	return nil
}

// AllDoneMarkersPresent reports whether every task in taskIDs has produced
// its implement-phase done marker under runDir.
func AllDoneMarkersPresent(runDir string, taskIDs []string) bool {
	if len(taskIDs) == 0 {
		return false
	}
	for _, id := range taskIDs {
		if !DoneMarkerPresent(filepath.Join(runDir, "workers", id)) {
			return false
		}
	}
	return true
}

// writeFeedback writes a canonical feedback note for a task under the
// state dir.
func (r *Runner) writeFeedback(opts WaveOpts, taskID, text string) error {
	dir := filepath.Join(opts.StateDir, "feedback")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "task-"+taskID+".md"), []byte(text), 0o644)
}

// newWaveID generates a short random wave identifier.
func newWaveID() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("parallelrunner: generating wave id: %w", err)
	}
	return "wave-" + hex.EncodeToString(buf[:]), nil
}
