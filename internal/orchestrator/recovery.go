package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hansjm10/jeeves/internal/issuestate"
	"github.com/hansjm10/jeeves/internal/parallelrunner"
)

// recoverOrphans runs before iteration 1: in_progress tasks not owned by a
// live (or resumable) wave crashed with a previous run and are failed with
// a feedback note, so transitions can route them back through implement.
func (o *Orchestrator) recoverOrphans() {
	tasks, err := o.deps.Store.ReadTasksJson(o.cfg.StateDir)
	if err != nil || tasks == nil {
		return
	}
	issue, err := o.deps.Store.ReadIssueJson(o.cfg.StateDir)
	if err != nil || issue == nil {
		return
	}
	ps := issue.Status.Parallel

	// A wave left behind by a stopped run is resumable when every worker
	// finished its implement pass: the next parallel iteration picks up
	// its spec-check. Anything less is an orphan.
	resumable := false
	owned := map[string]bool{}
	if ps != nil {
		waveRunDir := filepath.Join(o.cfg.StateDir, ".runs", ps.RunID)
		resumable = parallelrunner.AllDoneMarkersPresent(waveRunDir, ps.ActiveWaveTaskIDs)
		for _, id := range ps.ActiveWaveTaskIDs {
			owned[id] = resumable
		}
	}

	var orphans []string
	for i := range tasks.Tasks {
		task := &tasks.Tasks[i]
		if task.Status != issuestate.TaskInProgress {
			continue
		}
		if owned[task.ID] {
			continue
		}
		task.Status = issuestate.TaskFailed
		orphans = append(orphans, task.ID)
	}
	if len(orphans) == 0 {
		return
	}

	if err := o.deps.Store.WriteTasksJson(o.cfg.StateDir, tasks); err != nil {
		if o.deps.Logger != nil {
			o.deps.Logger.Error("orphan recovery failed", "error", err)
		}
		return
	}

	if ps != nil && !resumable {
		issue.Status.Parallel = nil
		if err := o.deps.Store.WriteIssueJson(o.cfg.StateDir, issue); err != nil && o.deps.Logger != nil {
			o.deps.Logger.Error("clearing dead wave state failed", "error", err)
		}
	}

	for _, id := range orphans {
		o.writeFeedback(id, fmt.Sprintf(
			"Task %s was in_progress with no live wave owning it and has been marked failed for retry.\n", id))
	}
	_ = o.deps.Store.AppendProgress(o.cfg.StateDir,
		fmt.Sprintf("Recovery: marked %d orphaned in_progress task(s) failed", len(orphans)))
	o.appendViewerLog(fmt.Sprintf("[RECOVERY] Marked %d orphaned task(s) failed: %v", len(orphans), orphans))
	if o.deps.Logger != nil {
		o.deps.Logger.Warn("recovered orphaned tasks", "tasks", orphans)
	}
}

// rollbackOnStop applies the stop-time wave policy: a finished implement
// wave is preserved so the next run resumes spec-check; anything else is
// rolled back.
func (o *Orchestrator) rollbackOnStop(ctx context.Context) {
	issue, err := o.deps.Store.ReadIssueJson(o.cfg.StateDir)
	if err != nil || issue == nil || issue.Status.Parallel == nil {
		return
	}
	ps := issue.Status.Parallel

	waveRunDir := filepath.Join(o.cfg.StateDir, ".runs", ps.RunID)
	if ps.ActiveWavePhase == parallelrunner.WavePhaseImplement &&
		parallelrunner.AllDoneMarkersPresent(waveRunDir, ps.ActiveWaveTaskIDs) {
		_ = o.deps.Store.AppendProgress(o.cfg.StateDir, "Manual Stop: Between Implement/Spec-Check")
		o.appendViewerLog("[STOP] Wave preserved for spec-check resume")
		return
	}

	if o.deps.Parallel != nil {
		if err := o.deps.Parallel.Rollback(ctx, o.cfg.StateDir, "manual stop"); err != nil && o.deps.Logger != nil {
			o.deps.Logger.Error("stop rollback failed", "error", err)
		}
	}
}

// runPostTransitionHooks applies phase-entry side effects after a
// transition has selected the next phase but before it is persisted. In
// parallel mode re-expansion is deferred to the next implement wave's
// start, so the wave outcome flags and failed statuses stay observable
// across the transition.
func (o *Orchestrator) runPostTransitionHooks(issue *issuestate.IssueJson, next string) {
	if next != parallelrunner.WavePhaseImplement {
		return
	}
	if issue.Settings.TaskExecution.Mode == "parallel" {
		return
	}
	o.expandFailedTasks(issue)
}

// expandFailedTasks re-expands the task list on (re-)entry into the
// implement phase: failed tasks go back to pending so the next pass (wave
// or sequential runner) retries them, and per-task verdict flags reset.
func (o *Orchestrator) expandFailedTasks(issue *issuestate.IssueJson) {
	tasks, err := o.deps.Store.ReadTasksJson(o.cfg.StateDir)
	if err != nil {
		return
	}
	if tasks == nil {
		tasks = &issuestate.TasksJson{Tasks: []issuestate.Task{}}
	}
	changed := false
	for i := range tasks.Tasks {
		if tasks.Tasks[i].Status == issuestate.TaskFailed {
			tasks.Tasks[i].Status = issuestate.TaskPending
			changed = true
		}
	}
	if changed {
		if err := o.deps.Store.WriteTasksJson(o.cfg.StateDir, tasks); err != nil {
			if o.deps.Logger != nil {
				o.deps.Logger.Error("task re-expansion failed", "error", err)
			}
			return
		}
	}
	issue.Status.SetFlag("taskPassed", false)
	issue.Status.SetFlag("taskFailed", false)
}

// writeFeedback writes a recovery note for a task under the state dir.
func (o *Orchestrator) writeFeedback(taskID, text string) {
	dir := filepath.Join(o.cfg.StateDir, "feedback")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, "task-"+taskID+".md"), []byte(text), 0o644)
}
