package oplock

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoJournal is returned when an operation has no journal entry.
var ErrNoJournal = errors.New("no journal entry")

// JournalFileName is the append-only operation journal inside the issue
// state directory. Each line is one JSON journal entry; the latest line per
// operation_id is that operation's current state.
const JournalFileName = ".journal"

// Operation kinds.
const (
	KindIngest      = "ingest"
	KindCredentials = "credentials"
)

// Journal FSM states. Each kind has its own linear progression plus
// terminal done_* states.
const (
	StateValidating          = "validating"
	StateCreatingRemote      = "creating_remote"
	StateResolvingExisting   = "resolving_existing"
	StateFetchingHierarchy   = "fetching_hierarchy"
	StatePersistingIssue     = "persisting_issue_state"
	StateAutoSelecting       = "auto_selecting"
	StateAutoStartingRun     = "auto_starting_run"
	StateRecordingStatus     = "recording_status"
	StatePersistingSecret    = "persisting_secret"
	StateReconcilingWorktree = "reconciling_worktree"
	StateDoneSuccess         = "done_success"
	StateDonePartial         = "done_partial"
	StateDoneError           = "done_error"
)

// transitions maps kind → state → allowed successor states.
var transitions = map[string]map[string][]string{
	KindIngest: {
		StateValidating:        {StateCreatingRemote, StateResolvingExisting, StateDoneError},
		StateCreatingRemote:    {StateFetchingHierarchy, StateDoneError},
		StateResolvingExisting: {StateFetchingHierarchy, StateDoneError},
		StateFetchingHierarchy: {StatePersistingIssue, StateDoneError, StateDonePartial},
		StatePersistingIssue:   {StateAutoSelecting, StateRecordingStatus, StateDoneError, StateDonePartial},
		StateAutoSelecting:     {StateAutoStartingRun, StateRecordingStatus, StateDoneError, StateDonePartial},
		StateAutoStartingRun:   {StateRecordingStatus, StateDoneError, StateDonePartial},
		StateRecordingStatus:   {StateDoneSuccess, StateDonePartial, StateDoneError},
	},
	KindCredentials: {
		StateValidating:          {StatePersistingSecret, StateDoneError},
		StatePersistingSecret:    {StateReconcilingWorktree, StateDoneError},
		StateReconcilingWorktree: {StateRecordingStatus, StateDoneError},
		StateRecordingStatus:     {StateDoneSuccess, StateDoneError},
	},
}

// IsTerminalState reports whether state finalizes a journal.
func IsTerminalState(state string) bool {
	switch state {
	case StateDoneSuccess, StateDonePartial, StateDoneError:
		return true
	}
	return false
}

// Journal is one operation's journal entry. Entries are append-only; a
// later entry for the same OperationID supersedes earlier ones.
type Journal struct {
	OperationID string         `json:"operation_id"`
	Kind        string         `json:"kind"`
	State       string         `json:"state"`
	IssueRef    string         `json:"issue_ref"`
	Provider    string         `json:"provider,omitempty"`
	PID         int            `json:"pid"`
	Checkpoint  map[string]any `json:"checkpoint,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CreateJournal appends the opening entry for a new operation in the
// validating state.
func (m *Manager) CreateJournal(stateDir string, j Journal) error {
	if j.OperationID == "" {
		return fmt.Errorf("oplock: journal operation id must not be empty")
	}
	if _, ok := transitions[j.Kind]; !ok {
		return fmt.Errorf("oplock: unknown journal kind %q", j.Kind)
	}
	j.State = StateValidating
	j.PID = os.Getpid()
	return m.appendJournal(stateDir, j)
}

// UpdateJournalState advances the operation to state, enforcing the kind's
// FSM. Updating a finalized operation is an error.
func (m *Manager) UpdateJournalState(stateDir, operationID, state string) error {
	cur, err := m.readCurrent(stateDir, operationID)
	if err != nil {
		return err
	}
	if IsTerminalState(cur.State) {
		return fmt.Errorf("oplock: operation %q already finalized in state %q", operationID, cur.State)
	}
	if !validTransition(cur.Kind, cur.State, state) {
		return fmt.Errorf("oplock: %s operation %q: invalid transition %q -> %q", cur.Kind, operationID, cur.State, state)
	}
	cur.State = state
	return m.appendJournal(stateDir, cur)
}

// UpdateJournalCheckpoint merges checkpoint data into the operation's
// current entry without advancing its state.
func (m *Manager) UpdateJournalCheckpoint(stateDir, operationID string, checkpoint map[string]any) error {
	cur, err := m.readCurrent(stateDir, operationID)
	if err != nil {
		return err
	}
	if IsTerminalState(cur.State) {
		return fmt.Errorf("oplock: operation %q already finalized in state %q", operationID, cur.State)
	}
	if cur.Checkpoint == nil {
		cur.Checkpoint = map[string]any{}
	}
	for k, v := range checkpoint {
		cur.Checkpoint[k] = v
	}
	return m.appendJournal(stateDir, cur)
}

// FinalizeJournal moves the operation into a terminal done_* state.
func (m *Manager) FinalizeJournal(stateDir, operationID, terminalState string) error {
	if !IsTerminalState(terminalState) {
		return fmt.Errorf("oplock: %q is not a terminal state", terminalState)
	}
	cur, err := m.readCurrent(stateDir, operationID)
	if err != nil {
		return err
	}
	if IsTerminalState(cur.State) {
		return fmt.Errorf("oplock: operation %q already finalized in state %q", operationID, cur.State)
	}
	cur.State = terminalState
	return m.appendJournal(stateDir, cur)
}

// ReadJournal returns the current entry for operationID, or nil when the
// operation has never been journalled.
func (m *Manager) ReadJournal(stateDir, operationID string) (*Journal, error) {
	cur, err := m.readCurrent(stateDir, operationID)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, ErrNoJournal) {
			return nil, nil
		}
		return nil, err
	}
	return &cur, nil
}

// Orphans returns the non-terminal operations whose recording process is
// gone. These crashed mid-flight; their last state and checkpoint tell the
// caller where they stopped.
func (m *Manager) Orphans(stateDir string) ([]Journal, error) {
	entries, err := m.readAll(stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var orphans []Journal
	for _, j := range entries {
		if IsTerminalState(j.State) {
			continue
		}
		if j.PID > 0 && processAlive(j.PID) {
			continue
		}
		orphans = append(orphans, j)
	}
	return orphans, nil
}

// Cleanup is the startup pass: it removes a stale lock if present and
// finalizes orphan journal entries as done_error so they stop counting as
// in-flight. It returns the orphans it finalized for caller-side reporting.
func (m *Manager) Cleanup(stateDir string) ([]Journal, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if rec, err := readLockRecord(lockPath); err == nil && m.isStale(rec) {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("oplock: cleanup: removing stale lock: %w", err)
		}
		if m.logger != nil {
			m.logger.Warn("cleanup removed stale lock", "state_dir", stateDir, "holder", rec.OperationID)
		}
	}

	orphans, err := m.Orphans(stateDir)
	if err != nil {
		return nil, err
	}
	for _, j := range orphans {
		j.State = StateDoneError
		if j.Checkpoint == nil {
			j.Checkpoint = map[string]any{}
		}
		j.Checkpoint["cleanup"] = "orphaned by dead process"
		if err := m.appendJournal(stateDir, j); err != nil {
			return orphans, err
		}
		if m.logger != nil {
			m.logger.Warn("cleanup finalized orphan journal",
				"state_dir", stateDir, "operation_id", j.OperationID, "kind", j.Kind)
		}
	}
	return orphans, nil
}

func validTransition(kind, from, to string) bool {
	for _, next := range transitions[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

func (m *Manager) appendJournal(stateDir string, j Journal) error {
	j.UpdatedAt = time.Now().UTC()
	if j.PID == 0 {
		j.PID = os.Getpid()
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("oplock: encoding journal entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(stateDir, JournalFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("oplock: opening journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("oplock: appending journal entry: %w", err)
	}
	return f.Sync()
}

// readCurrent returns the latest entry for operationID.
func (m *Manager) readCurrent(stateDir, operationID string) (Journal, error) {
	entries, err := m.readAll(stateDir)
	if err != nil {
		return Journal{}, err
	}
	for _, j := range entries {
		if j.OperationID == operationID {
			return j, nil
		}
	}
	return Journal{}, fmt.Errorf("oplock: operation %q: %w", operationID, ErrNoJournal)
}

// readAll returns the latest entry per operation id.
func (m *Manager) readAll(stateDir string) ([]Journal, error) {
	f, err := os.Open(filepath.Join(stateDir, JournalFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	latest := map[string]Journal{}
	var order []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var j Journal
		if err := json.Unmarshal(line, &j); err != nil {
			// A torn trailing line from a crash mid-append is expected;
			// skip it.
			continue
		}
		if _, seen := latest[j.OperationID]; !seen {
			order = append(order, j.OperationID)
		}
		latest[j.OperationID] = j
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("oplock: reading journal: %w", err)
	}

	out := make([]Journal, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, nil
}
