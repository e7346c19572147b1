package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hansjm10/jeeves/internal/adjudicator"
	"github.com/hansjm10/jeeves/internal/broadcast"
	"github.com/hansjm10/jeeves/internal/checkpoint"
	"github.com/hansjm10/jeeves/internal/config"
	"github.com/hansjm10/jeeves/internal/git"
	"github.com/hansjm10/jeeves/internal/issuestate"
	"github.com/hansjm10/jeeves/internal/logging"
	"github.com/hansjm10/jeeves/internal/oplock"
	"github.com/hansjm10/jeeves/internal/orchestrator"
	"github.com/hansjm10/jeeves/internal/parallelrunner"
	"github.com/hansjm10/jeeves/internal/quickfix"
	"github.com/hansjm10/jeeves/internal/runner"
	"github.com/hansjm10/jeeves/internal/workflow"
)

var (
	flagRunProvider       string
	flagRunModel          string
	flagRunPermissionMode string
	flagRunWorkflow       string
	flagRunWorktree       string
	flagRunMaxIterations  int
	flagRunMaxParallel    int
)

var runCmd = &cobra.Command{
	Use:   "run <owner/repo#number>",
	Short: "Start a run for the selected issue",
	Long: `Start an orchestrator run for the selected issue. The run drives the
issue through its workflow phase by phase until a terminal phase is
reached, the iteration limit fires, or the run is stopped (Ctrl-C requests
a graceful stop; a second Ctrl-C forces it).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issueRef, err := parseIssueRef(args[0])
		if err != nil {
			return err
		}
		return runIssue(cmd.Context(), issueRef)
	},
}

func init() {
	runCmd.Flags().StringVar(&flagRunProvider, "provider", "claude", "Runner provider (claude, codex, fake)")
	runCmd.Flags().StringVar(&flagRunModel, "model", "", "Model override passed to the runner")
	runCmd.Flags().StringVar(&flagRunPermissionMode, "permission-mode", "", "Permission mode passed to the runner")
	runCmd.Flags().StringVar(&flagRunWorkflow, "workflow", "", "Workflow override (ignores issue.json's workflow)")
	runCmd.Flags().StringVar(&flagRunWorktree, "worktree", "", "Issue worktree directory (default <data-dir>/worktree)")
	runCmd.Flags().IntVar(&flagRunMaxIterations, "max-iterations", 0, "Maximum loop iterations (default 50)")
	runCmd.Flags().IntVar(&flagRunMaxParallel, "max-parallel-tasks", 0, "Parallel task cap override (1..8)")
	rootCmd.AddCommand(runCmd)
}

func runIssue(ctx context.Context, issueRef issuestate.IssueRef) error {
	logger := logging.New("cli")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider, err := config.MapProvider(flagRunProvider)
	if err != nil {
		return err
	}
	providerCfg, ok := cfg.Providers[string(provider)]
	if !ok {
		return fmt.Errorf("no [providers.%s] section in configuration", provider)
	}

	stateDir := flagDataDir
	worktree := flagRunWorktree
	if worktree == "" {
		worktree = filepath.Join(stateDir, "worktree")
	}

	// Startup cleanup: stale locks and orphan journals from crashed
	// provider operations.
	locks := oplock.NewManager(logging.New("oplock"))
	if orphans, err := locks.Cleanup(stateDir); err != nil {
		logger.Warn("lock/journal cleanup failed", "error", err)
	} else if len(orphans) > 0 {
		logger.Warn("finalized orphan operations", "count", len(orphans))
	}

	registry := workflow.NewRegistry()
	if err := workflow.LoadDirectory(registry, filepath.Join(stateDir, "workflows")); err != nil {
		return err
	}

	store := issuestate.NewStore()
	hub := broadcast.NewHub()

	var gitClient git.Client
	var checkpointer *checkpoint.Checkpointer
	if g, err := git.NewGitClient(worktree); err == nil {
		gitClient = g
		checkpointer = checkpoint.New(g, worktree, logging.New("checkpoint"))
	} else {
		logger.Warn("worktree is not a git repository; design checkpoints disabled", "error", err)
	}

	spawner := runner.NewSpawner(providerCfg.Command, logging.New("runner"))

	var parallel *parallelrunner.Runner
	if gitClient != nil {
		openGit := func(dir string) (git.Client, error) {
			return git.NewGitClient(dir)
		}
		parallel = parallelrunner.New(store, gitClient, openGit,
			parallelrunner.NewProcessWorker(spawner, logging.New("worker")),
			logging.New("parallel"))
	}

	model := flagRunModel
	if model == "" {
		model = providerCfg.Model
	}
	permissionMode := flagRunPermissionMode
	if permissionMode == "" {
		permissionMode = providerCfg.PermissionMode
	}

	orch := orchestrator.New(orchestrator.Config{
		StateDir:          stateDir,
		WorktreeDir:       worktree,
		IssueRef:          issueRef,
		Provider:          string(provider),
		Model:             model,
		PermissionMode:    permissionMode,
		WorkflowOverride:  flagRunWorkflow,
		MaxParallelTasks:  flagRunMaxParallel,
		MaxIterations:     flagRunMaxIterations,
		IterationTimeout:  time.Duration(cfg.Timeouts.IterationTimeoutSec) * time.Second,
		InactivityTimeout: time.Duration(cfg.Timeouts.InactivityTimeoutSec) * time.Second,
		PollInterval:      time.Duration(cfg.Timeouts.WatchdogPollIntervalMs) * time.Millisecond,
	}, orchestrator.Deps{
		Store:        store,
		Engine:       workflow.NewEngine(registry, workflow.WithLogger(logging.New("workflow"))),
		Spawner:      spawner,
		Adjudicator:  adjudicator.New(store, logging.New("adjudicator")),
		Parallel:     parallel,
		Checkpointer: checkpointer,
		QuickFix:     quickfix.New(store, nil, logging.New("quickfix")),
		Git:          gitClient,
		Hub:          hub,
		Logger:       logging.New("orchestrator"),
	})

	// First signal requests a graceful stop; second forces it.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		force := false
		for range sigCh {
			orch.Stop(force, "signal")
			force = true
		}
	}()

	if err := orch.Start(ctx); err != nil {
		return err
	}

	run := orch.Run()
	logger.Info("run finished",
		"run_id", run.ID, "state", run.State, "reason", run.CompletionReason, "iterations", run.Iterations)
	if run.LastError != "" {
		logger.Warn("run recorded an error", "last_error", run.LastError)
	}
	return nil
}

// loadConfig resolves jeeves.toml: --config wins, then a walk up from the
// working directory, then built-in defaults.
func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		cfg, _, err := config.LoadFromFile(flagConfig)
		return cfg, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	path, err := config.FindConfigFile(wd)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return config.NewDefaults(), nil
	}
	cfg, _, err := config.LoadFromFile(path)
	return cfg, err
}

// parseIssueRef parses "owner/repo#number".
func parseIssueRef(s string) (issuestate.IssueRef, error) {
	var ref issuestate.IssueRef
	slash := strings.Index(s, "/")
	hash := strings.LastIndex(s, "#")
	if slash <= 0 || hash <= slash+1 || hash == len(s)-1 {
		return ref, fmt.Errorf("invalid issue reference %q (want owner/repo#number)", s)
	}
	number, err := strconv.Atoi(s[hash+1:])
	if err != nil || number <= 0 {
		return ref, fmt.Errorf("invalid issue number in %q", s)
	}
	ref.Owner = s[:slash]
	ref.Repo = s[slash+1 : hash]
	ref.Number = number
	return ref, nil
}
