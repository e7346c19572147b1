package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansjm10/jeeves/internal/issuestate"
)

func TestStatusWithoutSelectedIssue(t *testing.T) {
	out, err := execute(t, "--data-dir", t.TempDir(), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No issue selected.")
}

func TestStatusShowsIssueAndTasks(t *testing.T) {
	dir := t.TempDir()
	store := issuestate.NewStore()

	issue := issuestate.NewIssueJson(7, "Fix the widget", "")
	issue.Phase = "implement_task"
	require.NoError(t, store.WriteIssueJson(dir, issue))
	require.NoError(t, store.WriteTasksJson(dir, &issuestate.TasksJson{Tasks: []issuestate.Task{
		{ID: "t1", Status: issuestate.TaskCompleted},
		{ID: "t2", Status: issuestate.TaskPending},
	}}))

	out, err := execute(t, "--data-dir", dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "#7 Fix the widget")
	assert.Contains(t, out, "Phase:    implement_task")
	assert.Contains(t, out, "2 total (1 pending, 0 in_progress, 1 completed, 0 failed)")
}

func TestStatusJSON(t *testing.T) {
	dir := t.TempDir()
	store := issuestate.NewStore()
	require.NoError(t, store.WriteIssueJson(dir, issuestate.NewIssueJson(7, "t", "")))

	out, err := execute(t, "--data-dir", dir, "status", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"issue"`)
}

func TestSelectCreatesIssueState(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "--data-dir", dir, "select", "alice/widgets#7", "--title", "Fix the widget")
	require.NoError(t, err)
	assert.Contains(t, out, "Selected alice/widgets#7")

	store := issuestate.NewStore()
	issue, err := store.ReadIssueJson(dir)
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, 7, issue.Issue.Number)
	assert.Equal(t, "Fix the widget", issue.Issue.Title)
	assert.Equal(t, "default", issue.Workflow)

	// Selecting the same issue again is a friendly no-op.
	out, err = execute(t, "--data-dir", dir, "select", "alice/widgets#7")
	require.NoError(t, err)
	assert.Contains(t, out, "already selected")
}
