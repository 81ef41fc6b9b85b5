package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akfldk1028/taskdaemon/internal/commandbus"
	"github.com/akfldk1028/taskdaemon/internal/config"
	"github.com/akfldk1028/taskdaemon/internal/daemon"
	"github.com/akfldk1028/taskdaemon/internal/statusbridge"
	"github.com/akfldk1028/taskdaemon/internal/worktree"
	"github.com/spf13/cobra"
)

// NewRunCommand creates the `taskdaemon run` command (§6.5).
func NewRunCommand() *cobra.Command {
	var (
		projectDir     string
		maxConcurrent  int
		useWorktrees   bool
		statusFilePath string
		stuckTimeout   int
		rescanInterval int
		maxRecovery       int
		maxChildDepth     int
		maxVerifyAttempts int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the task daemon for a project",
		Long: `Start the task daemon: continuously admit eligible tasks from the
project's specs directory, run each through the Pipeline Engine inside an
isolated git worktree, and publish live state through the Status Bridge.

Exit codes: 0 clean shutdown, 1 configuration error, 2 already running,
3 project not initialized, 130 interrupted.`,
		RunE: func(c *cobra.Command, args []string) error {
			flags := config.CLIFlags{
				ProjectDir:     &projectDir,
				MaxConcurrent:  &maxConcurrent,
				UseWorktrees:   &useWorktrees,
				StatusFilePath: &statusFilePath,
				StuckTimeout:   &stuckTimeout,
				RescanInterval: &rescanInterval,
				MaxRecovery:       &maxRecovery,
				MaxChildDepth:     &maxChildDepth,
				MaxVerifyAttempts: &maxVerifyAttempts,
			}

			settings, err := config.Resolve(flags, projectDir+"/.auto-claude/config.yaml")
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			wt := worktree.New(projectDir, projectDir+"/.auto-claude", nil)

			runner := &daemon.SubprocessRunner{
				Command: func(specID, worktreePath string) (string, []string) {
					return os.Args[0], []string{"pipeline", "run", "--spec-id", specID, "--working-dir", worktreePath}
				},
			}

			statusPath := settings.StatusFilePath
			if statusPath == "" {
				statusPath = projectDir + "/.auto-claude/daemon_status.json"
			}
			bridge := statusbridge.New(statusPath)
			if err := bridge.Start(); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			defer bridge.Stop()

			bus, err := commandbus.Open(projectDir + "/.auto-claude/commands.db")
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			defer bus.Close()

			d := daemon.New(settings, runner, wt, bridge, bus)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := d.Start(ctx); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&projectDir, "project-dir", "", "project root (required)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 1, "worker pool size")
	cmd.Flags().BoolVar(&useWorktrees, "use-worktrees", false, "enable worktree isolation")
	cmd.Flags().StringVar(&statusFilePath, "status-file", "", "status file path (auto if empty)")
	cmd.Flags().IntVar(&stuckTimeout, "stuck-timeout", 600, "seconds before a running task is marked stuck")
	cmd.Flags().IntVar(&rescanInterval, "rescan-interval", 60, "seconds between full specs-directory rescans")
	cmd.Flags().IntVar(&maxRecovery, "max-recovery", 3, "max recovery attempts per task")
	cmd.Flags().IntVar(&maxChildDepth, "max-child-depth", 2, "design decomposition depth cap")
	cmd.Flags().IntVar(&maxVerifyAttempts, "max-verify-attempts", 3, "max auto-verify retries before an error_check follow-up")
	_ = cmd.MarkFlagRequired("project-dir")

	return cmd
}
