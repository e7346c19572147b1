//go:build !windows

package oplock

import (
	"os"
	"syscall"
)

// processAlive reports whether a process with the given pid exists, using
// the null signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	// EPERM means the process exists but belongs to another user.
	return err == nil || err == syscall.EPERM
}
