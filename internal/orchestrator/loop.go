package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hansjm10/jeeves/internal/adjudicator"
	"github.com/hansjm10/jeeves/internal/checkpoint"
	"github.com/hansjm10/jeeves/internal/issuestate"
	"github.com/hansjm10/jeeves/internal/parallelrunner"
	"github.com/hansjm10/jeeves/internal/runarchive"
	"github.com/hansjm10/jeeves/internal/runner"
	"github.com/hansjm10/jeeves/internal/workflow"
)

// loop executes iterations 1..MaxIterations and returns the final
// lifecycle state, completion reason, and error for the epilogue to
// persist.
func (o *Orchestrator) loop(ctx context.Context, run *runarchive.Run) (string, string, error) {
	o.recoverOrphans()

	for iteration := 1; iteration <= o.cfg.MaxIterations; iteration++ {
		if o.stopRequested.Load() || ctx.Err() != nil {
			break
		}

		issue, err := o.deps.Store.ReadIssueJson(o.cfg.StateDir)
		if err != nil {
			run.SetLastError(err.Error())
			return runarchive.StateErrored, "", err
		}
		if issue == nil {
			err := fmt.Errorf("orchestrator: issue.json disappeared from %s", o.cfg.StateDir)
			run.SetLastError(err.Error())
			return runarchive.StateErrored, "", err
		}

		if iteration == 1 && o.deps.QuickFix != nil {
			o.tryQuickFixRouting(ctx, issue)
		}

		workflowName := o.cfg.WorkflowOverride
		if workflowName == "" {
			workflowName = issue.Workflow
		}
		def, err := o.deps.Engine.Definition(workflowName)
		if err != nil {
			run.SetLastError(err.Error())
			return runarchive.StateErrored, "", err
		}

		phase, err := o.deps.Engine.ResolvePhase(def, issue.Phase)
		if err != nil {
			run.SetLastError(err.Error())
			return runarchive.StateErrored, "", err
		}
		if phase != issue.Phase {
			// Persist phase resolution (empty start, legacy migration) so
			// every later reader sees the phase actually being run.
			issue.Phase = phase
			if err := o.deps.Store.WriteIssueJson(o.cfg.StateDir, issue); err != nil {
				run.SetLastError(err.Error())
				return runarchive.StateErrored, "", err
			}
		}

		if def.IsTerminal(phase) {
			reason := "reached terminal phase: " + phase
			o.appendViewerLog("[COMPLETE] " + reason)
			return runarchive.StateCompletedViaState, reason, nil
		}

		before, err := issue.Clone()
		if err != nil {
			run.SetLastError(err.Error())
			return runarchive.StateErrored, "", err
		}
		if err := o.deps.Adjudicator.ClearReport(o.cfg.StateDir); err != nil {
			run.SetLastError(err.Error())
			return runarchive.StateErrored, "", err
		}

		o.appendViewerLog(fmt.Sprintf("[ITERATION %d/%d] phase=%s workflow=%s",
			iteration, o.cfg.MaxIterations, phase, workflowName))
		if o.deps.Logger != nil {
			o.deps.Logger.Info("iteration starting",
				"iteration", iteration, "max", o.cfg.MaxIterations, "phase", phase, "workflow", workflowName)
		}
		o.publish("state", map[string]any{"iteration": iteration, "phase": phase, "run_id": run.ID})

		parallelMode := isParallelPhase(phase) && issue.Settings.TaskExecution.Mode == "parallel"

		var exitCode int
		var iterationErr error
		if parallelMode && o.deps.Parallel != nil {
			state, reason, done, wavePhase, perr := o.runParallelIteration(ctx, run, def, issue, phase)
			o.archiveIteration(ctx, run, iteration, phase)
			if done {
				return state, reason, perr
			}
			if perr != nil {
				run.SetLastError(perr.Error())
				o.appendViewerLog("[ERROR] " + perr.Error())
				continue
			}
			// Transition evaluation must use the wave that actually ran:
			// a spec-check wave's outcome flags are routed by the
			// task_spec_check table even when the issue's recorded phase
			// is still implement_task.
			if wavePhase != "" {
				phase = wavePhase
			}
			exitCode = 0
		} else {
			exitCode, iterationErr = o.runSequentialIteration(ctx, def, phase)

			// Adjudicate before archiving so the iteration snapshot holds
			// the audit, not the raw agent claim.
			audit, aerr := o.deps.Adjudicator.Adjudicate(adjudicator.Input{
				StateDir: o.cfg.StateDir,
				Phase:    phase,
				Before:   before,
				ExitCode: exitCode,
			})
			if aerr != nil {
				run.SetLastError(aerr.Error())
			}
			if audit != nil {
				o.appendViewerLog(fmt.Sprintf("[PHASE_REPORT] source=%s committed=[%s] ignored=[%s]",
					audit.Source,
					strings.Join(audit.CommittedFields(), ","),
					strings.Join(audit.Ignored, ",")))
			}
			o.archiveIteration(ctx, run, iteration, phase)

			if iterationErr != nil {
				// Watchdog fired: the run ends with the timeout reason.
				o.appendViewerLog("[TIMEOUT] " + iterationErr.Error())
				run.SetLastError(iterationErr.Error())
				return runarchive.StateStopped, o.timeoutReason, nil
			}
			if exitCode != 0 {
				msg := fmt.Sprintf("runner exited with code %d (phase=%s)", exitCode, phase)
				o.appendViewerLog("[ERROR] " + msg)
				run.SetLastError(msg)
				continue
			}
		}

		updated, err := o.deps.Store.ReadIssueJson(o.cfg.StateDir)
		if err != nil || updated == nil {
			if err == nil {
				err = fmt.Errorf("orchestrator: issue.json disappeared from %s", o.cfg.StateDir)
			}
			run.SetLastError(err.Error())
			return runarchive.StateErrored, "", err
		}

		// A phase may switch the workflow out from under us (no override
		// in effect): honor it and restart at the new workflow's start, or
		// at the requested phase when that phase exists there.
		if o.cfg.WorkflowOverride == "" && updated.Workflow != workflowName {
			if err := o.switchWorkflow(workflowName, updated); err != nil {
				run.SetLastError(err.Error())
				return runarchive.StateErrored, "", err
			}
			continue
		}

		if checkpoint.IsCheckpointPhase(phase) && o.deps.Checkpointer != nil {
			msg, cerr := o.deps.Checkpointer.Checkpoint(ctx, updated, phase)
			if cerr != nil {
				run.SetLastError(cerr.Error())
				o.appendViewerLog("[ERROR] " + cerr.Error())
				continue
			}
			if msg != "" {
				o.appendViewerLog("[DESIGN] " + msg)
			}
		}

		next, err := o.deps.Engine.EvaluateTransitions(def, phase, updated)
		if err != nil {
			run.SetLastError(err.Error())
			return runarchive.StateErrored, "", err
		}
		currentPhase := phase
		if next != "" {
			o.appendViewerLog(fmt.Sprintf("[TRANSITION] %s -> %s", phase, next))
			updated.Phase = next
			if updated.Control.RestartPhase {
				updated.Control.RestartPhase = false
			}
			o.runPostTransitionHooks(updated, next)
			if err := o.deps.Store.WriteIssueJson(o.cfg.StateDir, updated); err != nil {
				run.SetLastError(err.Error())
				return runarchive.StateErrored, "", err
			}
			currentPhase = next
			if def.IsTerminal(next) {
				reason := "reached terminal phase: " + next
				o.appendViewerLog("[COMPLETE] " + reason)
				return runarchive.StateCompletedViaState, reason, nil
			}
		}

		if hasCompletionPromise(o.cfg.StateDir) {
			if def.IsTerminal(currentPhase) {
				reason := "completion promise honored in terminal phase: " + currentPhase
				o.appendViewerLog("[COMPLETE] " + reason)
				return runarchive.StateCompletedViaPromise, reason, nil
			}
			o.appendViewerLog("[COMPLETE] Ignoring completion promise in non-terminal phase: " + currentPhase)
		}
	}

	if o.stopRequested.Load() || ctx.Err() != nil {
		o.rollbackOnStop(ctx)
		reason, _ := o.stopReasonLocked()
		if reason == "" && ctx.Err() != nil {
			reason = ctx.Err().Error()
		}
		o.appendViewerLog("[STOP] Run stopped")
		return runarchive.StateStopped, reason, nil
	}

	o.appendViewerLog(fmt.Sprintf("[ITERATION] Reached max iterations (%d)", o.cfg.MaxIterations))
	return runarchive.StateMaxIterations, "max_iterations", nil
}

// runSequentialIteration spawns one runner child and supervises it with the
// iteration and inactivity watchdogs. The returned error is non-nil only
// for watchdog kills; runner failures are conveyed via the exit code.
func (o *Orchestrator) runSequentialIteration(ctx context.Context, def *workflow.WorkflowDefinition, phase string) (int, error) {
	exec := def.ResolveExecution(phase, workflow.Execution{
		Provider:       o.cfg.Provider,
		Model:          o.cfg.Model,
		PermissionMode: o.cfg.PermissionMode,
	})

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle, results, err := o.deps.Spawner.SpawnAsync(childCtx, runner.SpawnOpts{
		Args:           []string{"--phase", phase},
		ViewerLogPath:  o.run.ViewerLogPath(),
		WorkDir:        o.cfg.WorktreeDir,
		DataDir:        o.cfg.StateDir,
		Model:          exec.Model,
		PermissionMode: exec.PermissionMode,
	})
	if err != nil {
		return -1, nil
	}
	o.setChild(handle)
	defer o.setChild(nil)

	iterTimer := time.NewTimer(o.cfg.IterationTimeout)
	defer iterTimer.Stop()
	poll := time.NewTicker(o.cfg.PollInterval)
	defer poll.Stop()

	logPath := filepath.Join(o.cfg.StateDir, "last-run.log")
	lastSize := fileSize(logPath)
	lastChange := time.Now()

	for {
		select {
		case res := <-results:
			return res.ExitCode, nil

		case <-iterTimer.C:
			o.timeoutReason = runarchive.ReasonIterationTimeout
			o.killChild(handle, cancel, results)
			return -1, fmt.Errorf("iteration timeout after %s (phase=%s)", o.cfg.IterationTimeout, phase)

		case <-poll.C:
			if size := fileSize(logPath); size != lastSize {
				lastSize = size
				lastChange = time.Now()
			} else if time.Since(lastChange) > o.cfg.InactivityTimeout {
				o.timeoutReason = runarchive.ReasonInactivityTimeout
				o.killChild(handle, cancel, results)
				return -1, fmt.Errorf("no runner output for %s (phase=%s)", o.cfg.InactivityTimeout, phase)
			}
		}
	}
}

// killChild terminates the child group and drains its result.
func (o *Orchestrator) killChild(handle *runner.Handle, cancel context.CancelFunc, results <-chan *runner.Result) {
	handle.Signal(os.Kill)
	cancel()
	select {
	case <-results:
	case <-time.After(5 * time.Second):
	}
}

// runParallelIteration executes one wave. The returned done flag means the
// run ends now with (state, reason, err); otherwise wavePhase names the
// wave that actually executed (implement_task or task_spec_check), which
// is the phase whose transition table applies to this iteration's outcome
// — the issue's recorded phase can lag it by one wave.
func (o *Orchestrator) runParallelIteration(ctx context.Context, run *runarchive.Run, def *workflow.WorkflowDefinition, issue *issuestate.IssueJson, phase string) (string, string, bool, string, error) {
	maxParallel := parallelrunner.ResolveMaxParallel(
		o.cfg.MaxParallelTasks, issue.Settings.TaskExecution.MaxParallelTasks)

	ps := issue.Status.Parallel

	if ps != nil {
		// A reserved wave exists (possibly preserved from a stopped run):
		// resume with its sandboxes and run the spec-check pass.
		waveRunDir := filepath.Join(o.cfg.StateDir, ".runs", ps.RunID)
		o.appendViewerLog(fmt.Sprintf("[PARALLEL] Spec-check wave over %d task(s)", len(ps.ActiveWaveTaskIDs)))
		res, err := o.deps.Parallel.SpecCheckWave(ctx, parallelrunner.WaveOpts{
			StateDir:         o.cfg.StateDir,
			RunDir:           waveRunDir,
			RunID:            ps.RunID,
			MaxParallelTasks: maxParallel,
			Timeout:          o.cfg.IterationTimeout,
		})
		if err != nil {
			return "", "", false, "", err
		}
		switch {
		case res.TimedOut:
			// Evaluate transitions once so taskFailed can route the phase
			// back, then end with the timeout reason.
			o.evaluateAfterWaveTimeout(def, parallelrunner.WavePhaseSpecCheck)
			o.appendViewerLog("[TIMEOUT] Spec-check wave timed out")
			return runarchive.StateStopped, runarchive.ReasonWaveTimeout, true, "", nil
		case res.MergeConflict:
			msg := fmt.Sprintf("merge conflict on task %s", res.ConflictTaskID)
			run.SetLastError(msg)
			o.appendViewerLog("[PARALLEL] " + msg)
			o.evaluateAfterWaveTimeout(def, parallelrunner.WavePhaseSpecCheck)
			return runarchive.StateErrored, msg, true, "", nil
		}
		return "", "", false, parallelrunner.WavePhaseSpecCheck, nil
	}

	if phase != parallelrunner.WavePhaseImplement {
		// task_spec_check with no reserved wave: nothing to do this
		// iteration; transitions decide from existing flags.
		return "", "", false, phase, nil
	}

	// A prior wave's failures need re-expansion before the next wave can
	// pick them up, since waves only select pending tasks.
	if issue.Status.GetFlag("taskFailed") {
		o.expandFailedTasks(issue)
		if err := o.deps.Store.WriteIssueJson(o.cfg.StateDir, issue); err != nil {
			return "", "", false, "", err
		}
	}

	o.appendViewerLog("[PARALLEL] Implement wave starting")
	res, err := o.deps.Parallel.ImplementWave(ctx, parallelrunner.WaveOpts{
		StateDir:         o.cfg.StateDir,
		RunDir:           run.RunDir,
		RunID:            run.ID,
		MaxParallelTasks: maxParallel,
		Timeout:          o.cfg.IterationTimeout,
	})
	if err != nil {
		if res != nil && res.SetupFailure {
			run.SetLastError(err.Error())
			return runarchive.StateErrored, "wave setup failed", true, "", err
		}
		return "", "", false, "", err
	}
	if res.TimedOut {
		o.appendViewerLog("[TIMEOUT] Implement wave timed out")
		return runarchive.StateStopped, runarchive.ReasonWaveTimeout, true, "", nil
	}
	if res.NoOp {
		o.appendViewerLog("[PARALLEL] No ready tasks; wave skipped")
	} else {
		o.appendViewerLog(fmt.Sprintf("[PARALLEL] Implement wave finished over %d task(s)", len(res.TaskIDs)))
	}
	return "", "", false, parallelrunner.WavePhaseImplement, nil
}

// evaluateAfterWaveTimeout applies one transition evaluation after a
// spec-check wave ended abnormally, persisting any phase change.
func (o *Orchestrator) evaluateAfterWaveTimeout(def *workflow.WorkflowDefinition, phase string) {
	updated, err := o.deps.Store.ReadIssueJson(o.cfg.StateDir)
	if err != nil || updated == nil {
		return
	}
	next, err := o.deps.Engine.EvaluateTransitions(def, phase, updated)
	if err != nil || next == "" {
		return
	}
	o.appendViewerLog(fmt.Sprintf("[TRANSITION] %s -> %s", phase, next))
	updated.Phase = next
	o.runPostTransitionHooks(updated, next)
	_ = o.deps.Store.WriteIssueJson(o.cfg.StateDir, updated)
}

// switchWorkflow honors a phase's silent workflow switch: the phase is
// reset to the new workflow's start unless the requested phase exists
// there.
func (o *Orchestrator) switchWorkflow(fromWorkflow string, updated *issuestate.IssueJson) error {
	newDef, err := o.deps.Engine.Definition(updated.Workflow)
	if err != nil {
		return fmt.Errorf("orchestrator: phase switched to unknown workflow %q: %w", updated.Workflow, err)
	}
	phase := strings.TrimSpace(updated.Phase)
	if phase == "" || !newDef.HasPhase(phase) {
		phase = newDef.Start
	}
	updated.Phase = phase
	if err := o.deps.Store.WriteIssueJson(o.cfg.StateDir, updated); err != nil {
		return err
	}
	o.appendViewerLog(fmt.Sprintf("[WORKFLOW] %s -> %s (phase=%s)", fromWorkflow, updated.Workflow, phase))
	if o.deps.Logger != nil {
		o.deps.Logger.Info("workflow switched",
			"from", fromWorkflow, "to", updated.Workflow, "phase", phase)
	}
	return nil
}

// tryQuickFixRouting runs the quick-fix router on iteration 1; failures
// are logged and otherwise ignored.
func (o *Orchestrator) tryQuickFixRouting(ctx context.Context, issue *issuestate.IssueJson) {
	def, err := o.deps.Engine.Definition(workflow.WorkflowDefault)
	if err != nil {
		return
	}
	quickDef, err := o.deps.Engine.Definition(workflow.WorkflowQuickFix)
	if err != nil {
		return
	}
	routed, err := o.deps.QuickFix.MaybeRoute(ctx, o.cfg.StateDir, issue,
		o.cfg.WorkflowOverride, def.Start, quickDef.Start)
	if err != nil {
		o.appendViewerLog(fmt.Sprintf("[QUICK_FIX] Routing failed (ignored): %v", err))
		return
	}
	if routed {
		o.appendViewerLog(fmt.Sprintf("[QUICK_FIX] Issue routed to %s workflow (phase=%s)",
			workflow.WorkflowQuickFix, issue.Phase))
	}
}

// archiveIteration snapshots the iteration; archive failures never abort
// the run.
func (o *Orchestrator) archiveIteration(ctx context.Context, run *runarchive.Run, iteration int, phase string) {
	if _, err := run.ArchiveIteration(ctx, iteration, phase, o.deps.Git); err != nil && o.deps.Logger != nil {
		o.deps.Logger.Error("archiving iteration failed", "iteration", iteration, "error", err)
	}
}

// isParallelPhase reports whether phase participates in parallel waves.
func isParallelPhase(phase string) bool {
	return phase == parallelrunner.WavePhaseImplement || phase == parallelrunner.WavePhaseSpecCheck
}

// fileSize returns the size of path, or -1 when it does not exist.
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}
