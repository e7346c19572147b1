// Package cli wires the orchestrator into a cobra command tree: selecting
// issues, starting runs, inspecting status, and listing workflows.
package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/hansjm10/jeeves/internal/logging"
)

// Global flag values accessible to all subcommands.
var (
	flagVerbose bool
	flagQuiet   bool
	flagConfig  string
	flagDataDir string
	flagNoColor bool
)

// rootCmd is the base command for jeeves.
var rootCmd = &cobra.Command{
	Use:   "jeeves",
	Short: "AI-assisted issue-resolution orchestrator",
	Long: `Jeeves drives a selected issue through a configurable workflow of
phases -- design, task decomposition, implementation, review, and
packaging -- by repeatedly spawning agent runner subprocesses, observing
their effects on the issue state directory and git worktree, and recording
a durable audit trail of every iteration.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// RunE shows full help when invoked with no subcommand. Without RunE,
	// Cobra only prints the Long description (omitting Usage and Flags).
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Check env vars for flags not explicitly set on command line.
		if !cmd.Flags().Changed("verbose") && os.Getenv("JEEVES_VERBOSE") != "" {
			flagVerbose = true
		}
		if !cmd.Flags().Changed("quiet") && os.Getenv("JEEVES_QUIET") != "" {
			flagQuiet = true
		}
		if !cmd.Flags().Changed("no-color") && (os.Getenv("NO_COLOR") != "" || os.Getenv("JEEVES_NO_COLOR") != "") {
			flagNoColor = true
		}

		jsonFormat := os.Getenv("JEEVES_LOG_FORMAT") == "json"
		logging.Setup(flagVerbose, flagQuiet, jsonFormat)

		if flagNoColor {
			lipgloss.SetColorProfile(termenv.Ascii)
		}

		if flagDataDir == "" {
			flagDataDir = os.Getenv("JEEVES_DATA_DIR")
		}
		if flagDataDir == "" {
			flagDataDir = ".jeeves"
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose (debug) output (env: JEEVES_VERBOSE)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress all output except errors (env: JEEVES_QUIET)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to jeeves.toml config file")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Issue state directory (env: JEEVES_DATA_DIR, default .jeeves)")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output (env: JEEVES_NO_COLOR, NO_COLOR)")
}

// Execute runs the root command and returns the exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// NewRootCmd returns a new instance of the root command for use in external
// tools such as the shell completion generator. It initialises a fresh cobra
// command tree so that it can be used independently of the global rootCmd.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           rootCmd.Use,
		Short:         rootCmd.Short,
		Long:          rootCmd.Long,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	for _, child := range rootCmd.Commands() {
		cmd.AddCommand(child)
	}
	return cmd
}
