package cmd

import (
	"errors"

	"github.com/akfldk1028/taskdaemon/internal/daemon"
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for the
// task daemon (§6.5's CLI surface).
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskdaemon",
		Short: "Autonomous task orchestration core",
		Long: `taskdaemon continuously converts eligible tasks into running supervised
processes, respecting concurrency, dependencies, priority, and recovery caps.

It watches a project's specs directory for plan changes, admits eligible
tasks into isolated git worktrees, runs each through the Pipeline Engine,
and publishes live state through the Status Bridge.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewEventsCommand())
	cmd.AddCommand(NewPlanCommand())
	cmd.AddCommand(NewPipelineCommand())

	return cmd
}

// ExitCodeFor maps a daemon error to the exit code contract in §6.5:
// 0 clean shutdown, 1 configuration error, 2 already-running,
// 3 project not initialized, 130 interrupted.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, daemon.ErrAlreadyRunning):
		return 2
	case errors.Is(err, daemon.ErrProjectNotInitialized):
		return 3
	default:
		return 1
	}
}
