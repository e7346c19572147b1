// Package adjudicator separates what a phase's runner claims from what the
// orchestrator commits. After every phase it reads the agent-written
// phase-report.json (or infers updates by diffing status flags), filters
// the claimed updates through a per-phase allowlist, normalizes
// contradictory flags, discards everything on a non-zero exit, and rewrites
// issue.json so that only orchestrator-approved state survives the
// iteration. It always leaves an audit report behind, whatever the agent
// did.
package adjudicator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/hansjm10/jeeves/internal/issuestate"
)

// ReportFileName is the agent-written claim file, overwritten with the
// audit after commit.
const ReportFileName = "phase-report.json"

// SchemaVersion is the only phase-report schema this adjudicator accepts.
const SchemaVersion = 1

// AgentReport is the claim an agent may leave in phase-report.json.
type AgentReport struct {
	SchemaVersion int             `json:"schemaVersion"`
	Phase         string          `json:"phase"`
	StatusUpdates map[string]bool `json:"statusUpdates"`
	Outcome       string          `json:"outcome,omitempty"`
	Reasons       []string        `json:"reasons,omitempty"`
	EvidenceRefs  []string        `json:"evidenceRefs,omitempty"`
}

// Audit source values.
const (
	SourceAgentFile = "agent_file"
	SourceInferred  = "inferred"
)

// Audit is the orchestrator-written record that replaces the agent's claim
// file after every phase.
type Audit struct {
	Source           string          `json:"source"`
	Phase            string          `json:"phase"`
	ExitCode         int             `json:"exitCode"`
	Claimed          map[string]bool `json:"claimed"`
	Committed        map[string]bool `json:"committed"`
	Ignored          []string        `json:"ignored"`
	ValidationErrors []string        `json:"validationErrors,omitempty"`
	Outcome          string          `json:"outcome,omitempty"`
	Reasons          []string        `json:"reasons,omitempty"`
	EvidenceRefs     []string        `json:"evidenceRefs,omitempty"`
}

// CommittedFields returns the committed field names in stable order, for
// the [PHASE_REPORT] viewer-log line.
func (a *Audit) CommittedFields() []string { return sortedFields(a.Committed) }

// Input is one phase's adjudication request.
type Input struct {
	StateDir string
	Phase    string
	// Before is the issue state snapshotted before the iteration ran.
	Before *issuestate.IssueJson
	// ExitCode is the runner's mapped exit code; non-zero discards all
	// claimed updates.
	ExitCode int
}

// Adjudicator validates phase reports and commits orchestrator-owned state.
type Adjudicator struct {
	store  *issuestate.Store
	logger *log.Logger
}

// New creates an Adjudicator over the given store. logger may be nil.
func New(store *issuestate.Store, logger *log.Logger) *Adjudicator {
	return &Adjudicator{store: store, logger: logger}
}

// ClearReport removes any stale phase-report.json before a phase runs, so a
// leftover claim from a previous iteration is never mistaken for this
// phase's report.
func (a *Adjudicator) ClearReport(stateDir string) error {
	err := os.Remove(filepath.Join(stateDir, ReportFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("adjudicator: clearing %s: %w", ReportFileName, err)
	}
	return nil
}

// Adjudicate runs the full claim→commit pipeline for one finished phase and
// returns the audit it wrote. The audit file is written even when the
// commit itself fails, so a phase always ends with a valid audit object on
// disk.
func (a *Adjudicator) Adjudicate(in Input) (*Audit, error) {
	audit := &Audit{
		Phase:     in.Phase,
		ExitCode:  in.ExitCode,
		Claimed:   map[string]bool{},
		Committed: map[string]bool{},
		Ignored:   []string{},
	}

	current, err := a.store.ReadIssueJson(in.StateDir)
	if err != nil {
		return nil, fmt.Errorf("adjudicator: reading issue.json: %w", err)
	}
	restored := current == nil
	if restored {
		// The agent deleted issue.json; restore from a copy of the
		// pre-iteration snapshot so the run can continue.
		current, err = in.Before.Clone()
		if err != nil {
			return nil, fmt.Errorf("adjudicator: %w", err)
		}
		audit.ValidationErrors = append(audit.ValidationErrors, "issue.json missing after phase; restored pre-iteration state")
	}

	report, reportErrs := a.readAgentReport(in.StateDir, in.Phase)
	audit.ValidationErrors = append(audit.ValidationErrors, reportErrs...)

	if report != nil {
		audit.Source = SourceAgentFile
		audit.Outcome = report.Outcome
		audit.Reasons = report.Reasons
		audit.EvidenceRefs = report.EvidenceRefs
		for k, v := range report.StatusUpdates {
			audit.Claimed[k] = v
		}
	} else {
		audit.Source = SourceInferred
		audit.Claimed = inferUpdates(in.Before, current)
	}

	// Filter through the phase allowlist.
	filtered := make(map[string]bool, len(audit.Claimed))
	for _, field := range sortedFields(audit.Claimed) {
		if allowed(in.Phase, field) {
			filtered[field] = audit.Claimed[field]
		} else {
			audit.Ignored = append(audit.Ignored, field)
		}
	}

	committed := NormalizeStatusUpdates(filtered)

	if in.ExitCode != 0 {
		if len(committed) > 0 {
			audit.ValidationErrors = append(audit.ValidationErrors,
				fmt.Sprintf("discarding %d status update(s): runner exited with code %d", len(committed), in.ExitCode))
		}
		committed = map[string]bool{}
	}
	audit.Committed = committed

	commitErr := a.commit(in, current, committed, restored)

	if err := a.writeAudit(in.StateDir, audit); err != nil {
		return audit, err
	}
	if commitErr != nil {
		return audit, commitErr
	}

	if a.logger != nil {
		a.logger.Debug("phase report adjudicated",
			"phase", in.Phase,
			"source", audit.Source,
			"committed", audit.CommittedFields(),
			"ignored", audit.Ignored,
		)
	}
	return audit, nil
}

// readAgentReport loads and validates the agent's phase-report.json. A nil
// report (with explanatory validation errors) means updates must be
// inferred.
func (a *Adjudicator) readAgentReport(stateDir, phase string) (*AgentReport, []string) {
	data, err := os.ReadFile(filepath.Join(stateDir, ReportFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []string{fmt.Sprintf("reading %s: %v", ReportFileName, err)}
	}

	var report AgentReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, []string{fmt.Sprintf("invalid %s: %v", ReportFileName, err)}
	}

	var errs []string
	if report.SchemaVersion != SchemaVersion {
		errs = append(errs, fmt.Sprintf("unsupported schemaVersion %d (want %d)", report.SchemaVersion, SchemaVersion))
		return nil, errs
	}
	if report.Phase != "" && report.Phase != phase {
		errs = append(errs, fmt.Sprintf("report phase %q does not match running phase %q", report.Phase, phase))
		return nil, errs
	}
	if report.StatusUpdates == nil {
		report.StatusUpdates = map[string]bool{}
	}

	// Claims outside the transition-status vocabulary are validation
	// errors, not silently-dropped keys.
	vocab := map[string]struct{}{}
	for _, f := range issuestate.TransitionStatusFields() {
		vocab[f] = struct{}{}
	}
	for field := range report.StatusUpdates {
		if _, ok := vocab[field]; !ok {
			errs = append(errs, fmt.Sprintf("unknown status field %q", field))
			delete(report.StatusUpdates, field)
		}
	}

	return &report, errs
}

// inferUpdates diffs the transition status flags between the pre-iteration
// snapshot and the post-phase on-disk state.
func inferUpdates(before, after *issuestate.IssueJson) map[string]bool {
	updates := map[string]bool{}
	if before == nil || after == nil {
		return updates
	}
	for _, field := range issuestate.TransitionStatusFields() {
		b := before.Status.GetFlag(field)
		if v := after.Status.GetFlag(field); v != b {
			updates[field] = v
		}
	}
	return updates
}

// commit rewrites issue.json: phase and all transition status fields are
// reset to their pre-iteration values, then the committed updates are
// applied on top. Everything else the agent wrote to issue.json survives.
// force writes the file even when nothing changed (a restored issue.json).
func (a *Adjudicator) commit(in Input, current *issuestate.IssueJson, committed map[string]bool, force bool) error {
	beforeBytes, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("adjudicator: snapshotting issue.json: %w", err)
	}

	current.Phase = in.Before.Phase
	current.Status.ApplySnapshot(in.Before.Status.Snapshot())
	for field, value := range committed {
		current.Status.SetFlag(field, value)
	}

	afterBytes, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("adjudicator: marshalling committed issue.json: %w", err)
	}
	if !force && string(beforeBytes) == string(afterBytes) {
		return nil
	}
	if err := a.store.WriteIssueJson(in.StateDir, current); err != nil {
		return fmt.Errorf("adjudicator: committing issue.json: %w", err)
	}
	return nil
}

func (a *Adjudicator) writeAudit(stateDir string, audit *Audit) error {
	if err := a.store.WriteJsonAtomic(filepath.Join(stateDir, ReportFileName), audit); err != nil {
		return fmt.Errorf("adjudicator: writing audit: %w", err)
	}
	return nil
}
