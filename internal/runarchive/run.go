package runarchive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Run lifecycle states. A run starts in StateRunning and finalizes into
// exactly one of the other states.
const (
	StateRunning             = "running"
	StateStopped             = "stopped"
	StateCompletedViaPromise = "completed_via_promise"
	StateCompletedViaState   = "completed_via_state"
	StateErrored             = "errored"
	StateMaxIterations       = "max_iterations"
)

// Timeout reasons recorded in CompletionReason on forced stops.
const (
	ReasonIterationTimeout  = "iteration_timeout"
	ReasonInactivityTimeout = "inactivity_timeout"
	ReasonWaveTimeout       = "wave_timeout"
)

// Run is a single orchestrator run: created on start, immutable identity,
// owning a run directory under STATE/.runs/<runId>/.
type Run struct {
	ID               string     `json:"id"`
	IssueRef         string     `json:"issue_ref"`
	Workflow         string     `json:"workflow"`
	StateDir         string     `json:"-"`
	RunDir           string     `json:"-"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at"`
	PID              *int       `json:"pid"`
	Running          bool       `json:"running"`
	State            string     `json:"state"`
	CompletionReason string     `json:"completion_reason,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	Iterations       int        `json:"iterations"`
}

// SetLastError records err into LastError, preserving the first error of
// the run.
func (r *Run) SetLastError(msg string) {
	if r.LastError == "" {
		r.LastError = msg
	}
}

// NewRun creates a new Run rooted at stateDir, allocates its run directory,
// and writes the initial run.json. The caller must call Finalize when the
// loop ends, even on error paths.
func NewRun(stateDir, issueRef, workflow string) (*Run, error) {
	runID, err := NewRunID(CurrentPID())
	if err != nil {
		return nil, err
	}
	runDir := filepath.Join(stateDir, ".runs", runID)
	if err := os.MkdirAll(filepath.Join(runDir, "iterations"), 0o755); err != nil {
		return nil, fmt.Errorf("runarchive: creating run dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(runDir, "workers"), 0o755); err != nil {
		return nil, fmt.Errorf("runarchive: creating workers dir: %w", err)
	}

	// The viewer log lives in the state dir while the run is active and is
	// copied into the run dir at finalize. Truncate it now so observers
	// only ever see this run's timeline.
	if err := os.WriteFile(filepath.Join(stateDir, "viewer-run.log"), nil, 0o644); err != nil {
		return nil, fmt.Errorf("runarchive: truncating viewer-run.log: %w", err)
	}

	pid := CurrentPID()
	r := &Run{
		ID:        runID,
		IssueRef:  issueRef,
		Workflow:  workflow,
		StateDir:  stateDir,
		RunDir:    runDir,
		StartedAt: time.Now().UTC(),
		PID:       &pid,
		Running:   true,
		State:     StateRunning,
	}
	if err := r.persistRunJSON(); err != nil {
		return nil, err
	}
	return r, nil
}

// ViewerLogPath returns the path of the run's viewer-level timeline log.
func (r *Run) ViewerLogPath() string {
	return filepath.Join(r.StateDir, "viewer-run.log")
}

// AppendViewerLog appends a tagged line ([ITERATION ...], [TRANSITION],
// [STOP], ...) to the viewer log.
func (r *Run) AppendViewerLog(line string) error {
	f, err := os.OpenFile(r.ViewerLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("runarchive: append viewer log: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s\n", line)
	return err
}

// Finalize marks the run ended in the given lifecycle state and persists
// both run.json and viewer-run-status.json in the state dir and run dir,
// then copies the final artifacts into the run dir. This must run even
// when the loop returns an error, via a defer at the call site; calling it
// twice keeps the first ending.
func (r *Run) Finalize(state, reason string) error {
	if r.EndedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	r.Running = false
	r.EndedAt = &now
	r.PID = nil
	r.State = state
	if r.CompletionReason == "" {
		r.CompletionReason = reason
	}

	if err := r.persistRunJSON(); err != nil {
		return err
	}
	if err := r.persistViewerRunStatus(); err != nil {
		return err
	}
	return r.copyFinalArtifacts()
}

func (r *Run) persistRunJSON() error {
	return writeJSONAtomic(filepath.Join(r.RunDir, "run.json"), r)
}

// persistViewerRunStatus writes the last-known run status to both the state
// dir and the run dir.
func (r *Run) persistViewerRunStatus() error {
	for _, dir := range []string{r.StateDir, r.RunDir} {
		if err := writeJSONAtomic(filepath.Join(dir, "viewer-run-status.json"), r); err != nil {
			return err
		}
	}
	return nil
}

// copyFinalArtifacts copies the viewer log and canonical state files into
// the run dir under their final-* names.
func (r *Run) copyFinalArtifacts() error {
	mapping := map[string]string{
		"viewer-run.log": "viewer-run.log",
		"issue.json":     "final-issue.json",
		"tasks.json":     "final-tasks.json",
		"progress.txt":   "final-progress.txt",
	}
	for src, dst := range mapping {
		srcPath := filepath.Join(r.StateDir, src)
		data, err := os.ReadFile(srcPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("runarchive: copying final artifact %s: %w", src, err)
		}
		if err := os.WriteFile(filepath.Join(r.RunDir, dst), data, 0o644); err != nil {
			return fmt.Errorf("runarchive: writing final artifact %s: %w", dst, err)
		}
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("runarchive: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("runarchive: write temp %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("runarchive: rename %s: %w", path, err)
	}
	return nil
}
