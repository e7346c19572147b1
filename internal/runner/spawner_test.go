//go:build !windows

package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script in dir and returns its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestCheckPrerequisitesMissingBinary(t *testing.T) {
	s := NewSpawner(filepath.Join(t.TempDir(), "no-such-runner"), nil)
	err := s.CheckPrerequisites()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunnerNotFound)
}

func TestSpawnStreamsTaggedOutput(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "runner.sh", "echo out-line\necho err-line >&2\nexit 0\n")
	viewerLog := filepath.Join(dir, "viewer-run.log")

	s := NewSpawner(bin, nil)
	require.NoError(t, s.CheckPrerequisites())

	res, err := s.Spawn(context.Background(), SpawnOpts{ViewerLogPath: viewerLog})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	data, err := os.ReadFile(viewerLog)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[STDOUT] out-line")
	assert.Contains(t, string(data), "[STDERR] err-line")
}

func TestSpawnReturnsChildExitCode(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "runner.sh", "exit 2\n")

	s := NewSpawner(bin, nil)
	res, err := s.Spawn(context.Background(), SpawnOpts{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
}

func TestSpawnMapsSignalDeath(t *testing.T) {
	dir := t.TempDir()
	// The script kills itself with SIGTERM (15): expect 128+15.
	bin := writeScript(t, dir, "runner.sh", "kill -TERM $$\nsleep 10\n")

	s := NewSpawner(bin, nil)
	res, err := s.Spawn(context.Background(), SpawnOpts{})
	require.NoError(t, err)
	assert.Equal(t, 128+15, res.ExitCode)
}

func TestSpawnFailureResolvesToSyntheticMinusOne(t *testing.T) {
	dir := t.TempDir()
	// Present but not executable: Start fails with EACCES after the
	// prerequisite check passes.
	bin := filepath.Join(dir, "runner.sh")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o644))
	viewerLog := filepath.Join(dir, "viewer-run.log")

	s := NewSpawner(bin, nil)
	require.NoError(t, s.CheckPrerequisites())

	res, err := s.Spawn(context.Background(), SpawnOpts{ViewerLogPath: viewerLog})
	require.NoError(t, err)
	assert.Equal(t, -1, res.ExitCode)
	require.Error(t, res.SpawnError)

	data, err := os.ReadFile(viewerLog)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[RUNNER] Spawn error")
}

func TestSpawnPassesEnvOverlays(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "runner.sh",
		`echo "data=$JEEVES_DATA_DIR model=$JEEVES_MODEL perm=$JEEVES_PERMISSION_MODE"`+"\n")
	viewerLog := filepath.Join(dir, "viewer-run.log")

	s := NewSpawner(bin, nil)
	_, err := s.Spawn(context.Background(), SpawnOpts{
		ViewerLogPath:  viewerLog,
		DataDir:        "/data/issue",
		Model:          "opus",
		PermissionMode: "plan",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(viewerLog)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[STDOUT] data=/data/issue model=opus perm=plan")
}

func TestSpawnAsyncSignalTerminatesChild(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "runner.sh", "sleep 30\n")

	s := NewSpawner(bin, nil)
	handle, results, err := s.SpawnAsync(context.Background(), SpawnOpts{})
	require.NoError(t, err)

	// Give the shell a moment to exec, then terminate the group.
	time.Sleep(100 * time.Millisecond)
	handle.Signal(syscall.SIGKILL)

	select {
	case res := <-results:
		assert.Equal(t, 128+9, res.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after SIGKILL")
	}
}

func TestSpawnAsyncCollectsResultOnNormalExit(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "runner.sh", "echo hello\nexit 0\n")
	viewerLog := filepath.Join(dir, "viewer-run.log")

	s := NewSpawner(bin, nil)
	_, results, err := s.SpawnAsync(context.Background(), SpawnOpts{ViewerLogPath: viewerLog})
	require.NoError(t, err)

	select {
	case res := <-results:
		assert.Equal(t, 0, res.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}

	data, err := os.ReadFile(viewerLog)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "[STDOUT] hello"))
}
