// Package runarchive owns the per-run directory under
// STATE/.runs/<runId>/: iteration snapshots, git-status dumps, final
// artifacts, and a persistent run.json metadata blob.
package runarchive

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"time"
)

// NewRunID generates a run identifier of the form
// "YYYYMMDDThhmmssZ-<pid>.<6-byte-base64url>". The random suffix makes
// collisions overwhelmingly improbable even across processes started in
// the same second.
func NewRunID(pid int) (string, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("runarchive: generating run id: %w", err)
	}
	suffix := base64.RawURLEncoding.EncodeToString(buf[:])
	stamp := time.Now().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s-%d.%s", stamp, pid, suffix), nil
}

// CurrentPID is a thin indirection over os.Getpid so tests can construct
// predictable run IDs without spawning a subprocess.
func CurrentPID() int {
	return os.Getpid()
}
