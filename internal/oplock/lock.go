// Package oplock serializes cross-process mutations of an issue state
// directory. It provides a file-level mutex with staleness detection plus
// an append-only operation journal with checkpoints, so external provider
// operations (issue ingest, credential updates) that crash mid-flight can
// be diagnosed and cleaned up at the next start.
package oplock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

// LockFileName is the lock file created inside the issue state directory.
const LockFileName = ".lock"

// Acquire outcomes reported in AcquireResult.Reason.
const (
	ReasonHeld         = "held"
	ReasonTimeout      = "timeout"
	ReasonStaleCleaned = "stale_cleaned"
)

// DefaultTTL bounds how long a lock may be held before any reader may
// treat it as stale, independent of owner liveness.
const DefaultTTL = 5 * time.Minute

const defaultPollInterval = 150 * time.Millisecond

// lockRecord is the JSON content of the lock file. OperationID identifies
// the owner; PID backs liveness-based staleness detection.
type lockRecord struct {
	OperationID string    `json:"operation_id"`
	IssueRef    string    `json:"issue_ref"`
	PID         int       `json:"pid"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// AcquireOpts configures a single Acquire call.
type AcquireOpts struct {
	OperationID string
	IssueRef    string
	// Timeout bounds how long Acquire waits for a held lock. Zero means
	// fail immediately when the lock is held.
	Timeout time.Duration
}

// AcquireResult reports the outcome of an Acquire call.
type AcquireResult struct {
	Acquired bool
	// Reason is set when Acquired is false: ReasonHeld, ReasonTimeout, or
	// ReasonStaleCleaned. On ReasonStaleCleaned the stale lock has been
	// removed and the caller should retry once.
	Reason string
	// Holder is the operation that owned the lock when acquisition failed.
	Holder string
}

// Manager owns lock and journal operations for issue state directories.
type Manager struct {
	// TTL after which a lock is stale regardless of owner liveness.
	TTL time.Duration

	pollInterval time.Duration
	logger       *log.Logger
}

// NewManager creates a Manager with the default TTL. logger may be nil.
func NewManager(logger *log.Logger) *Manager {
	return &Manager{TTL: DefaultTTL, pollInterval: defaultPollInterval, logger: logger}
}

// Acquire attempts to take the state-dir lock for opts.OperationID. A held
// lock is polled until opts.Timeout elapses. A stale lock (dead owner or
// TTL exceeded) is cleaned and reported as ReasonStaleCleaned without
// retrying, so the caller keeps control over the retry.
func (m *Manager) Acquire(ctx context.Context, stateDir string, opts AcquireOpts) (AcquireResult, error) {
	if opts.OperationID == "" {
		return AcquireResult{}, fmt.Errorf("oplock: operation id must not be empty")
	}
	deadline := time.Now().Add(opts.Timeout)
	path := filepath.Join(stateDir, LockFileName)

	for {
		if err := ctx.Err(); err != nil {
			return AcquireResult{Reason: ReasonTimeout}, fmt.Errorf("oplock: acquire cancelled: %w", err)
		}

		ok, err := m.tryCreate(path, opts)
		if err != nil {
			return AcquireResult{}, err
		}
		if ok {
			return AcquireResult{Acquired: true}, nil
		}

		rec, readErr := readLockRecord(path)
		if readErr == nil && m.isStale(rec) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return AcquireResult{}, fmt.Errorf("oplock: cleaning stale lock: %w", err)
			}
			if m.logger != nil {
				m.logger.Warn("cleaned stale lock",
					"state_dir", stateDir, "holder", rec.OperationID, "holder_pid", rec.PID)
			}
			return AcquireResult{Reason: ReasonStaleCleaned, Holder: rec.OperationID}, nil
		}

		if time.Now().After(deadline) {
			holder := ""
			if readErr == nil {
				holder = rec.OperationID
			}
			reason := ReasonTimeout
			if opts.Timeout == 0 {
				reason = ReasonHeld
			}
			return AcquireResult{Reason: reason, Holder: holder}, nil
		}

		timer := time.NewTimer(m.pollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return AcquireResult{Reason: ReasonTimeout}, fmt.Errorf("oplock: acquire cancelled: %w", ctx.Err())
		}
	}
}

// Release removes the lock if operationID still owns it. Releasing a lock
// owned by someone else is an error; releasing an absent lock is not.
func (m *Manager) Release(stateDir, operationID string) error {
	path := filepath.Join(stateDir, LockFileName)
	rec, err := readLockRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("oplock: reading lock for release: %w", err)
	}
	if rec.OperationID != operationID {
		return fmt.Errorf("oplock: lock owned by %q, not %q", rec.OperationID, operationID)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("oplock: releasing lock: %w", err)
	}
	return nil
}

// tryCreate attempts to create the lock file exclusively.
func (m *Manager) tryCreate(path string, opts AcquireOpts) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("oplock: creating lock file: %w", err)
	}
	defer f.Close()

	rec := lockRecord{
		OperationID: opts.OperationID,
		IssueRef:    opts.IssueRef,
		PID:         os.Getpid(),
		AcquiredAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		os.Remove(path)
		return false, fmt.Errorf("oplock: encoding lock record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("oplock: writing lock record: %w", err)
	}
	return true, nil
}

// isStale reports whether rec's owner is gone or the lock has outlived the
// TTL. A corrupt lock file (zero record) has no identifiable owner and is
// always stale.
func (m *Manager) isStale(rec lockRecord) bool {
	if rec.OperationID == "" && rec.PID == 0 {
		return true
	}
	if rec.PID > 0 && !processAlive(rec.PID) {
		return true
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return !rec.AcquiredAt.IsZero() && time.Since(rec.AcquiredAt) > ttl
}

func readLockRecord(path string) (lockRecord, error) {
	var rec lockRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt lock file has no identifiable owner; report it as a
		// zero record, which isStale treats as stale without waiting for
		// the TTL.
		return lockRecord{}, nil
	}
	return rec, nil
}
