package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Run agent workers through a repository's issue backlog",
	Long: `little-loops automates a repository's issue backlog with a fleet of
isolated agent workers. Each worker picks an issue, validates and implements
it in its own git worktree, and the orchestrator serializes the merges back
into the mainline.

Named FSM loops (.loops/*.yaml) cover the recurring maintenance work around
the backlog, with crash-safe state and scope-based exclusion between loops.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "path", "p", "ll.yaml", "Path to ll config file")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ll %s\n", Version)
	},
}

// exitError carries a specific process exit code through RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitWith wraps an error with an explicit exit code.
func exitWith(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// Execute runs the root command and returns the process exit code:
// 0 success, 1 non-terminal exit (max iterations, cancelled), 2 fatal.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 2
}
