package issuestate

import (
	"encoding/json"
	"fmt"
)

// IssueRef identifies a unit of work as owner/repo#number.
type IssueRef struct {
	Owner  string
	Repo   string
	Number int
}

// String renders the canonical owner/repo#number reference.
func (r IssueRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// transitionStatusFields is the fixed boolean vocabulary of workflow
// transition flags. Only these keys are ever reset/restored by the
// adjudicator's commit procedure; any other key under "status" round-trips
// through StatusJson.Extra untouched.
var transitionStatusFields = []string{
	"designApproved", "designNeedsChanges",
	"taskPassed", "taskFailed",
	"hasMoreTasks", "allTasksComplete",
	"reviewClean", "reviewNeedsChanges",
	"preCheckPassed", "preCheckFailed",
	"implementationComplete", "missingWork",
	"needsDesign", "handoffComplete",
	"prCreated", "commitFailed", "pushFailed",
}

// TransitionStatusFields returns a copy of the fixed boolean vocabulary.
func TransitionStatusFields() []string {
	out := make([]string, len(transitionStatusFields))
	copy(out, transitionStatusFields)
	return out
}

// IssueInfo is the nested "issue" object of IssueJson.
type IssueInfo struct {
	Number int    `json:"number"`
	Title  string `json:"title,omitempty"`
	URL    string `json:"url,omitempty"`
}

// ParallelState mirrors issue.status.parallel: the reservation record of
// the currently active parallel wave.
type ParallelState struct {
	RunID                 string         `json:"runId"`
	ActiveWaveID           string         `json:"activeWaveId"`
	ActiveWavePhase        string         `json:"activeWavePhase"` // "implement_task" | "task_spec_check"
	ActiveWaveTaskIDs      []string       `json:"activeWaveTaskIds"`
	ReservedStatusByTaskID map[string]string `json:"reservedStatusByTaskId"`
}

// TaskExecutionSettings mirrors issue.settings.taskExecution.
type TaskExecutionSettings struct {
	Mode             string `json:"mode,omitempty"` // "sequential" | "parallel"
	MaxParallelTasks int    `json:"maxParallelTasks,omitempty"`
}

// SettingsJson mirrors issue.settings.
type SettingsJson struct {
	TaskExecution TaskExecutionSettings `json:"taskExecution,omitempty"`
}

// ControlJson mirrors issue.control.
type ControlJson struct {
	RestartPhase bool `json:"restartPhase,omitempty"`
}

// StatusJson mirrors issue.status: the fixed transition-flag vocabulary plus
// known sub-objects (parallel, sonarToken, azureDevops, projectFiles) plus
// any unrecognized keys, preserved verbatim on round-trip.
type StatusJson struct {
	Flags        map[string]bool `json:"-"`
	Parallel     *ParallelState  `json:"-"`
	SonarToken   json.RawMessage `json:"-"`
	AzureDevops  json.RawMessage `json:"-"`
	ProjectFiles json.RawMessage `json:"-"`
	Extra        map[string]json.RawMessage `json:"-"`
}

// GetFlag returns the current value of a transition status field, defaulting
// to false if absent.
func (s *StatusJson) GetFlag(field string) bool {
	if s == nil || s.Flags == nil {
		return false
	}
	return s.Flags[field]
}

// SetFlag sets a transition status field.
func (s *StatusJson) SetFlag(field string, value bool) {
	if s.Flags == nil {
		s.Flags = make(map[string]bool)
	}
	s.Flags[field] = value
}

// Snapshot returns a copy of just the transition status fields, for the
// Adjudicator's before/after diffing and rollback.
func (s *StatusJson) Snapshot() map[string]bool {
	out := make(map[string]bool, len(transitionStatusFields))
	for _, f := range transitionStatusFields {
		out[f] = s.GetFlag(f)
	}
	return out
}

// ApplySnapshot restores the transition status fields from a prior Snapshot.
func (s *StatusJson) ApplySnapshot(snap map[string]bool) {
	for _, f := range transitionStatusFields {
		s.SetFlag(f, snap[f])
	}
}

// MarshalJSON merges the fixed flags, known sub-objects, and Extra into a
// single JSON object.
func (s StatusJson) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.Extra)+len(transitionStatusFields)+4)
	for k, v := range s.Extra {
		out[k] = v
	}
	for field, val := range s.Flags {
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		out[field] = b
	}
	if s.Parallel != nil {
		b, err := json.Marshal(s.Parallel)
		if err != nil {
			return nil, err
		}
		out["parallel"] = b
	}
	if len(s.SonarToken) > 0 {
		out["sonarToken"] = s.SonarToken
	}
	if len(s.AzureDevops) > 0 {
		out["azureDevops"] = s.AzureDevops
	}
	if len(s.ProjectFiles) > 0 {
		out["projectFiles"] = s.ProjectFiles
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a status object into known sub-objects/flags and an
// Extra map of anything unrecognized.
func (s *StatusJson) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	knownVocab := make(map[string]struct{}, len(transitionStatusFields))
	for _, f := range transitionStatusFields {
		knownVocab[f] = struct{}{}
	}

	s.Flags = make(map[string]bool)
	s.Extra = make(map[string]json.RawMessage)

	for k, v := range raw {
		switch {
		case k == "parallel":
			var p ParallelState
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("issuestate: status.parallel: %w", err)
			}
			s.Parallel = &p
		case k == "sonarToken":
			s.SonarToken = v
		case k == "azureDevops":
			s.AzureDevops = v
		case k == "projectFiles":
			s.ProjectFiles = v
		default:
			if _, ok := knownVocab[k]; ok {
				var b bool
				if err := json.Unmarshal(v, &b); err == nil {
					s.Flags[k] = b
					continue
				}
				// Non-boolean value under a known flag name: preserve
				// verbatim rather than discarding it.
			}
			s.Extra[k] = v
		}
	}
	return nil
}

// IssueJson is the canonical per-issue state document. Unknown top-level
// keys are preserved verbatim on round-trip via Extra.
type IssueJson struct {
	Phase         string       `json:"-"`
	Workflow      string       `json:"-"`
	Issue         IssueInfo    `json:"-"`
	Branch        string       `json:"-"`
	Status        StatusJson   `json:"-"`
	Settings      SettingsJson `json:"-"`
	Control       ControlJson  `json:"-"`
	DesignDocPath string       `json:"-"`
	DesignDoc     string       `json:"-"`
	Extra         map[string]json.RawMessage `json:"-"`
}

// NewIssueJson returns an IssueJson for a freshly selected issue on the
// "default" workflow.
func NewIssueJson(number int, title, url string) *IssueJson {
	return &IssueJson{
		Workflow: "default",
		Issue:    IssueInfo{Number: number, Title: title, URL: url},
		Status:   StatusJson{Flags: map[string]bool{}, Extra: map[string]json.RawMessage{}},
		Extra:    map[string]json.RawMessage{},
	}
}

func (ij IssueJson) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(ij.Extra)+8)
	for k, v := range ij.Extra {
		out[k] = v
	}
	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}
	if ij.Phase != "" {
		if err := set("phase", ij.Phase); err != nil {
			return nil, err
		}
	}
	workflow := ij.Workflow
	if workflow == "" {
		workflow = "default"
	}
	if err := set("workflow", workflow); err != nil {
		return nil, err
	}
	if err := set("issue", ij.Issue); err != nil {
		return nil, err
	}
	if ij.Branch != "" {
		if err := set("branch", ij.Branch); err != nil {
			return nil, err
		}
	}
	if err := set("status", ij.Status); err != nil {
		return nil, err
	}
	if ij.Settings.TaskExecution.Mode != "" || ij.Settings.TaskExecution.MaxParallelTasks != 0 {
		if err := set("settings", ij.Settings); err != nil {
			return nil, err
		}
	}
	if ij.Control.RestartPhase {
		if err := set("control", ij.Control); err != nil {
			return nil, err
		}
	}
	if ij.DesignDocPath != "" {
		if err := set("designDocPath", ij.DesignDocPath); err != nil {
			return nil, err
		}
	}
	if ij.DesignDoc != "" {
		if err := set("designDoc", ij.DesignDoc); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (ij *IssueJson) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ij.Extra = make(map[string]json.RawMessage)
	known := map[string]struct{}{
		"phase": {}, "workflow": {}, "issue": {}, "branch": {}, "status": {},
		"settings": {}, "control": {}, "designDocPath": {}, "designDoc": {},
	}
	for k, v := range raw {
		switch k {
		case "phase":
			json.Unmarshal(v, &ij.Phase)
		case "workflow":
			json.Unmarshal(v, &ij.Workflow)
		case "issue":
			if err := json.Unmarshal(v, &ij.Issue); err != nil {
				return fmt.Errorf("issuestate: issue: %w", err)
			}
		case "branch":
			json.Unmarshal(v, &ij.Branch)
		case "status":
			if err := json.Unmarshal(v, &ij.Status); err != nil {
				return fmt.Errorf("issuestate: status: %w", err)
			}
		case "settings":
			json.Unmarshal(v, &ij.Settings)
		case "control":
			json.Unmarshal(v, &ij.Control)
		case "designDocPath":
			json.Unmarshal(v, &ij.DesignDocPath)
		case "designDoc":
			json.Unmarshal(v, &ij.DesignDoc)
		}
		if _, ok := known[k]; !ok {
			ij.Extra[k] = v
		}
	}
	if ij.Workflow == "" {
		ij.Workflow = "default"
	}
	return nil
}

// Clone returns a deep copy of the issue state via a JSON round-trip, used
// to snapshot the pre-iteration state before a phase runs.
func (ij *IssueJson) Clone() (*IssueJson, error) {
	data, err := json.Marshal(ij)
	if err != nil {
		return nil, fmt.Errorf("issuestate: cloning issue state: %w", err)
	}
	var out IssueJson
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("issuestate: cloning issue state: %w", err)
	}
	return &out, nil
}

// TaskStatus is the status vocabulary for a single task in TasksJson.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is a single entry in TasksJson.
type Task struct {
	ID           string     `json:"id"`
	Status       TaskStatus `json:"status"`
	FilesAllowed []string   `json:"filesAllowed,omitempty"`
}

// TasksJson is the canonical task list. Task order is meaningful: waves
// merge worker changes in this order.
type TasksJson struct {
	Tasks []Task `json:"tasks"`
}

// ByID returns a pointer to the task with the given ID, or nil.
func (t *TasksJson) ByID(id string) *Task {
	for i := range t.Tasks {
		if t.Tasks[i].ID == id {
			return &t.Tasks[i]
		}
	}
	return nil
}
