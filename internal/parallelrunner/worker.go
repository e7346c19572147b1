package parallelrunner

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hansjm10/jeeves/internal/runner"
)

// DoneMarkerName is the file a task worker writes into its sandbox when it
// finishes implementing its task.
const DoneMarkerName = "implement_task.done"

// Wave phases.
const (
	WavePhaseImplement = "implement_task"
	WavePhaseSpecCheck = "task_spec_check"
)

// TaskRequest describes one worker invocation.
type TaskRequest struct {
	TaskID string
	// Phase is WavePhaseImplement or WavePhaseSpecCheck.
	Phase string
	// SandboxDir is the task's private directory under the run dir,
	// STATE/.runs/<runId>/workers/<taskId>/.
	SandboxDir string
	// WorktreeDir is the task's private worktree inside the sandbox.
	WorktreeDir string
	// DataDir is the issue state directory, exported read-only context for
	// the worker process.
	DataDir string
}

// TaskResult is one worker's outcome. Worker failures never abort a wave;
// they are carried here.
type TaskResult struct {
	TaskID   string
	ExitCode int
	Duration time.Duration
	Err      error
}

// DoneMarkerPresent reports whether sandboxDir contains the
// implement-phase completion marker.
func DoneMarkerPresent(sandboxDir string) bool {
	_, err := os.Stat(filepath.Join(sandboxDir, DoneMarkerName))
	return err == nil
}

// Worker runs a single task's phase work inside its sandbox.
type Worker interface {
	RunTask(ctx context.Context, req TaskRequest) TaskResult
}

// ProcessWorker runs tasks by spawning the external runner binary, one
// subprocess per task, with the sandbox as its working directory. The
// runner itself writes the done marker.
type ProcessWorker struct {
	spawner *runner.Spawner
	logger  *log.Logger
}

// NewProcessWorker creates a ProcessWorker over the given spawner. logger
// may be nil.
func NewProcessWorker(spawner *runner.Spawner, logger *log.Logger) *ProcessWorker {
	return &ProcessWorker{spawner: spawner, logger: logger}
}

// RunTask spawns one runner subprocess for the task. Worker output streams
// into the sandbox's own last-run.log.
func (w *ProcessWorker) RunTask(ctx context.Context, req TaskRequest) TaskResult {
	start := time.Now()

	res, err := w.spawner.Spawn(ctx, runner.SpawnOpts{
		Args:          []string{"--phase", req.Phase, "--task", req.TaskID},
		ViewerLogPath: filepath.Join(req.SandboxDir, "last-run.log"),
		WorkDir:       req.WorktreeDir,
		DataDir:       req.DataDir,
	})
	if err != nil {
		return TaskResult{TaskID: req.TaskID, ExitCode: -1, Duration: time.Since(start), Err: err}
	}

	if w.logger != nil {
		w.logger.Debug("task worker finished",
			"task", req.TaskID, "phase", req.Phase, "exit_code", res.ExitCode, "duration", res.Duration)
	}
	return TaskResult{TaskID: req.TaskID, ExitCode: res.ExitCode, Duration: res.Duration, Err: res.SpawnError}
}
