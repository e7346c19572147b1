//go:build windows

package oplock

import "os"

// processAlive reports whether a process with the given pid exists. On
// Windows FindProcess fails for absent pids, which is all the fidelity
// staleness detection needs.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}
