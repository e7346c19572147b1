// Package checkpoint auto-commits the issue's design document after design
// phases. It commits exactly one file: if anything else is staged it
// refuses, so an agent's stray `git add` can never ride along with a
// checkpoint commit.
package checkpoint

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"

	"github.com/hansjm10/jeeves/internal/git"
	"github.com/hansjm10/jeeves/internal/issuestate"
)

// Synthetic commit identity for design-doc checkpoints.
const (
	commitAuthorName  = "jeeves"
	commitAuthorEmail = "jeeves@localhost"
)

// checkpointPhases is the set of phases after which the design doc is
// auto-committed.
var checkpointPhases = map[string]struct{}{
	"design_draft":    {},
	"design_classify": {},
	"design_research": {},
	"design_workflow": {},
	"design_api":      {},
	"design_data":     {},
	"design_plan":     {},
	"design_edit":     {},
}

// forbiddenPatterns are path globs a design doc may never resolve into.
var forbiddenPatterns = []string{
	".git/**",
	".runs/**",
	".jeeves/**",
}

// IsCheckpointPhase reports whether phase triggers a design-doc checkpoint.
func IsCheckpointPhase(phase string) bool {
	_, ok := checkpointPhases[phase]
	return ok
}

// DesignCheckpointError is the failure signal for checkpoint operations.
// The orchestrator records it as an iteration error without aborting the
// run.
type DesignCheckpointError struct {
	Reason string
	Err    error
}

func (e *DesignCheckpointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("design checkpoint: %s: %v", e.Reason, e.Err)
	}
	return "design checkpoint: " + e.Reason
}

func (e *DesignCheckpointError) Unwrap() error { return e.Err }

func checkpointErr(reason string) error {
	return &DesignCheckpointError{Reason: reason}
}

func checkpointWrap(reason string, err error) error {
	return &DesignCheckpointError{Reason: reason, Err: err}
}

// Checkpointer commits design-doc updates to the issue worktree.
type Checkpointer struct {
	git      git.Client
	worktree string
	logger   *log.Logger
}

// New creates a Checkpointer over the worktree rooted at worktreeDir.
// logger may be nil.
func New(git git.Client, worktreeDir string, logger *log.Logger) *Checkpointer {
	return &Checkpointer{git: git, worktree: worktreeDir, logger: logger}
}

// Checkpoint commits the issue's design doc after phase. Calling it twice
// with an unchanged worktree is a no-op: the second call finds nothing to
// stage and creates no commit. Returns the commit message when a commit
// was made, or "" on a no-op.
func (c *Checkpointer) Checkpoint(ctx context.Context, issue *issuestate.IssueJson, phase string) (string, error) {
	docPath, err := c.ResolveDocPath(issue)
	if err != nil {
		return "", err
	}

	staged, err := c.git.StagedFiles(ctx)
	if err != nil {
		return "", checkpointWrap("reading staged files", err)
	}
	var collateral []string
	for _, f := range staged {
		if f != docPath {
			collateral = append(collateral, f)
		}
	}
	if len(collateral) > 0 {
		return "", checkpointErr(
			"Refusing to auto-commit design doc with other staged changes present:\n" + strings.Join(collateral, "\n"))
	}

	status, err := c.git.WorkingTreeStatusFor(ctx, docPath)
	if err != nil {
		return "", checkpointWrap("reading design doc status", err)
	}
	if status == "" && len(staged) == 0 {
		// No pending changes: nothing to commit, but the doc must already
		// be tracked or it simply does not exist.
		tracked, err := c.git.IsTracked(ctx, docPath)
		if err != nil {
			return "", checkpointWrap("checking design doc tracking", err)
		}
		if !tracked {
			return "", checkpointErr(fmt.Sprintf("design doc %q does not exist in worktree", docPath))
		}
		if c.logger != nil {
			c.logger.Debug("design doc unchanged, skipping checkpoint", "path", docPath, "phase", phase)
		}
		return "", nil
	}

	if err := c.git.Add(ctx, docPath); err != nil {
		return "", checkpointWrap("staging design doc", err)
	}

	message := fmt.Sprintf("chore(design): checkpoint issue #%d design doc (%s)", issue.Issue.Number, phase)
	err = c.git.Commit(ctx, message, git.CommitOpts{
		AuthorName:     commitAuthorName,
		AuthorEmail:    commitAuthorEmail,
		NoVerify:       true,
		DisableGPGSign: true,
	})
	if err != nil {
		return "", checkpointWrap("committing design doc", err)
	}

	tracked, err := c.git.IsTracked(ctx, docPath)
	if err != nil {
		return "", checkpointWrap("verifying design doc after commit", err)
	}
	if !tracked {
		return "", checkpointErr(fmt.Sprintf("design doc %q untracked after commit", docPath))
	}

	if c.logger != nil {
		c.logger.Info("design doc checkpointed", "path", docPath, "phase", phase)
	}
	return message, nil
}

// ResolveDocPath resolves and normalizes the design doc path from the
// issue state: designDocPath, then designDoc, then the default
// docs/issue-<N>-design.md. The result is worktree-relative with forward
// slashes.
func (c *Checkpointer) ResolveDocPath(issue *issuestate.IssueJson) (string, error) {
	raw := issue.DesignDocPath
	if raw == "" {
		raw = issue.DesignDoc
	}
	if raw == "" {
		raw = fmt.Sprintf("docs/issue-%d-design.md", issue.Issue.Number)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", checkpointErr("design doc path is empty")
	}
	if filepath.IsAbs(raw) || strings.HasPrefix(raw, "/") {
		return "", checkpointErr(fmt.Sprintf("design doc path %q must be relative", raw))
	}

	clean := path.Clean(filepath.ToSlash(raw))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", checkpointErr(fmt.Sprintf("design doc path %q escapes the worktree", raw))
	}

	// Re-anchor under the worktree root and re-check: a symlink-free
	// lexical containment test.
	abs := filepath.Join(c.worktree, filepath.FromSlash(clean))
	rel, err := filepath.Rel(c.worktree, abs)
	if err != nil || strings.HasPrefix(filepath.ToSlash(rel), "../") {
		return "", checkpointErr(fmt.Sprintf("design doc path %q escapes the worktree", raw))
	}

	for _, pattern := range forbiddenPatterns {
		if ok, _ := doublestar.Match(pattern, clean); ok {
			return "", checkpointErr(fmt.Sprintf("design doc path %q resolves into a reserved directory", raw))
		}
	}

	return clean, nil
}
