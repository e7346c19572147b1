//go:build windows

package runner

import (
	"os"
	"os/exec"
)

// setProcGroup is a no-op on Windows; context cancellation kills only the
// direct child via the default exec.Cmd behavior.
func setProcGroup(cmd *exec.Cmd) {}

// signalGroup delivers sig to the direct child only. Windows has no process
// groups in the POSIX sense; os.Interrupt is unsupported for arbitrary
// processes, so anything that is not os.Kill falls back to Kill.
func signalGroup(cmd *exec.Cmd, sig os.Signal) error {
	if sig == os.Kill {
		return cmd.Process.Kill()
	}
	return cmd.Process.Kill()
}

// mapExitCode returns the child's exit code; signal deaths do not occur on
// Windows so the 128+signal mapping never applies.
func mapExitCode(exitErr *exec.ExitError) int {
	if code := exitErr.ExitCode(); code >= 0 {
		return code
	}
	return 1
}
