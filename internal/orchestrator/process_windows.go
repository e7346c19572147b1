//go:build windows

package orchestrator

import "os"

// stopSignal picks the signal a stop request delivers to the runner child.
// Windows has no SIGTERM; both flavors kill.
func stopSignal(force bool) os.Signal {
	return os.Kill
}

// processAlive reports whether a process with the given pid exists.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}
