package runarchive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunIDFormat(t *testing.T) {
	id, err := NewRunID(1234)
	require.NoError(t, err)
	// YYYYMMDDThhmmssZ-<pid>.<6-byte-base64url>
	assert.Regexp(t, regexp.MustCompile(`^\d{8}T\d{6}Z-1234\.[A-Za-z0-9_-]{8}$`), id)
}

func TestNewRunIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := NewRunID(1)
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate run id %s", id)
		seen[id] = struct{}{}
	}
}

func TestNewRunCreatesLayoutAndRunJSON(t *testing.T) {
	stateDir := t.TempDir()
	run, err := NewRun(stateDir, "alice/widgets#7", "default")
	require.NoError(t, err)

	assert.True(t, run.Running)
	assert.Equal(t, StateRunning, run.State)
	require.NotNil(t, run.PID)
	assert.Nil(t, run.EndedAt)

	for _, sub := range []string{"iterations", "workers"} {
		info, err := os.Stat(filepath.Join(run.RunDir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	data, err := os.ReadFile(filepath.Join(run.RunDir, "run.json"))
	require.NoError(t, err)
	var persisted Run
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, run.ID, persisted.ID)
	assert.Equal(t, "alice/widgets#7", persisted.IssueRef)

	// The viewer log is truncated in the state dir at run start.
	info, err := os.Stat(filepath.Join(stateDir, "viewer-run.log"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestFinalizeSetsEndStateOnceAndCopiesArtifacts(t *testing.T) {
	stateDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "issue.json"), []byte(`{"workflow":"default"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "tasks.json"), []byte(`{"tasks":[]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "progress.txt"), []byte("started\n"), 0o644))

	run, err := NewRun(stateDir, "alice/widgets#7", "default")
	require.NoError(t, err)
	require.NoError(t, run.AppendViewerLog("[ITERATION 1/3] phase=design_classify"))

	require.NoError(t, run.Finalize(StateCompletedViaState, "reached terminal phase: terminal"))
	assert.False(t, run.Running)
	assert.Nil(t, run.PID)
	require.NotNil(t, run.EndedAt)
	firstEnd := *run.EndedAt

	// Finalizing again keeps the first ending.
	require.NoError(t, run.Finalize(StateErrored, "other"))
	assert.Equal(t, StateCompletedViaState, run.State)
	assert.Equal(t, "reached terminal phase: terminal", run.CompletionReason)
	assert.Equal(t, firstEnd, *run.EndedAt)

	for _, name := range []string{"final-issue.json", "final-tasks.json", "final-progress.txt", "viewer-run.log"} {
		_, err := os.Stat(filepath.Join(run.RunDir, name))
		assert.NoError(t, err, "run dir must contain %s", name)
	}
	for _, dir := range []string{stateDir, run.RunDir} {
		_, err := os.Stat(filepath.Join(dir, "viewer-run-status.json"))
		assert.NoError(t, err)
	}
}

func TestSetLastErrorKeepsFirst(t *testing.T) {
	run := &Run{}
	run.SetLastError("first")
	run.SetLastError("second")
	assert.Equal(t, "first", run.LastError)
}

func TestArchiveIterationSnapshotsStateFiles(t *testing.T) {
	stateDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "issue.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "progress.txt"), []byte("p\n"), 0o644))

	run, err := NewRun(stateDir, "alice/widgets#7", "default")
	require.NoError(t, err)

	it, err := run.ArchiveIteration(context.Background(), 1, "design_classify", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, it.Index)
	assert.Equal(t, "design_classify", it.Phase)
	assert.Equal(t, 1, run.Iterations)

	iterDir := filepath.Join(run.RunDir, "iterations", "001")
	for _, name := range []string{"iteration.json", "issue.json", "progress.txt"} {
		_, err := os.Stat(filepath.Join(iterDir, name))
		assert.NoError(t, err)
	}
	// Missing state files are skipped, not errors.
	_, err = os.Stat(filepath.Join(iterDir, "tasks.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestWorkerDirLayout(t *testing.T) {
	run := &Run{RunDir: "/state/.runs/r1"}
	assert.Equal(t, filepath.Join("/state/.runs/r1", "workers", "t1"), run.WorkerDir("t1"))
}
