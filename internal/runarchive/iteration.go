package runarchive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hansjm10/jeeves/internal/git"
)

// Iteration is one loop pass: a snapshot of the canonical state files
// plus git debug dumps, indexed 1..maxIterations within a run.
type Iteration struct {
	Index     int       `json:"index"`
	Phase     string    `json:"phase"`
	StartedAt time.Time `json:"started_at"`
}

// stateFiles are the files snapshotted into every iteration directory.
var stateFiles = []string{
	"last-run.log",
	"sdk-output.json",
	"issue.json",
	"tasks.json",
	"progress.txt",
	"phase-report.json",
}

// ArchiveIteration snapshots the current state-dir files and git debug
// dumps into .runs/<runId>/iterations/NNN/, then sets r.Iterations to index.
// gitClient may be nil (e.g. in tests with no repository); when nil the
// git-status/git-diff dumps are skipped.
func (r *Run) ArchiveIteration(ctx context.Context, index int, phase string, gitClient git.Client) (*Iteration, error) {
	dir := filepath.Join(r.RunDir, "iterations", fmt.Sprintf("%03d", index))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runarchive: iteration %d: mkdir: %w", index, err)
	}

	it := &Iteration{Index: index, Phase: phase, StartedAt: time.Now().UTC()}
	if err := writeJSONAtomic(filepath.Join(dir, "iteration.json"), it); err != nil {
		return nil, err
	}

	for _, name := range stateFiles {
		src := filepath.Join(r.StateDir, name)
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("runarchive: iteration %d: reading %s: %w", index, name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return nil, fmt.Errorf("runarchive: iteration %d: writing %s: %w", index, name, err)
		}
	}

	if gitClient != nil {
		if status, err := gitClient.StatusPorcelain(ctx); err == nil {
			os.WriteFile(filepath.Join(dir, "git-status.txt"), []byte(status), 0o644)
		}
		if diffStat, err := gitClient.DiffStatText(ctx); err == nil {
			os.WriteFile(filepath.Join(dir, "git-diff-stat.txt"), []byte(diffStat), 0o644)
		}
	}

	r.Iterations = index
	if err := r.persistRunJSON(); err != nil {
		return nil, err
	}

	return it, nil
}

// WorkerDir returns the per-task sandbox directory for a parallel worker,
// STATE/.runs/<runId>/workers/<taskId>/.
func (r *Run) WorkerDir(taskID string) string {
	return filepath.Join(r.RunDir, "workers", taskID)
}
