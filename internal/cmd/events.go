package cmd

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// NewEventsCommand creates the `taskdaemon events` command (§6 CLI tree),
// grounded on internal/cmd/observe_live.go's live-tail idiom.
func NewEventsCommand() *cobra.Command {
	var (
		projectDir string
		specID     string
		follow     bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail a task's event log",
		Long:  "Prints a task's events.jsonl, optionally following it as the daemon appends (§6.3).",
		RunE: func(c *cobra.Command, args []string) error {
			path := fmt.Sprintf("%s/.auto-claude/specs/%s/events.jsonl", projectDir, specID)

			if err := printExisting(c, path); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			return tailFile(c, path)
		},
	}

	cmd.Flags().StringVar(&projectDir, "project-dir", "", "project root (required)")
	cmd.Flags().StringVar(&specID, "spec-id", "", "task specId (required)")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep tailing as new events are appended")
	_ = cmd.MarkFlagRequired("project-dir")
	_ = cmd.MarkFlagRequired("spec-id")
	return cmd
}

func printExisting(c *cobra.Command, path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fmt.Fprintln(c.OutOrStdout(), scanner.Text())
	}
	return nil
}

// tailFile watches path for writes and prints newly appended lines,
// coalescing bursts with a 100ms stabilization window (§5 backpressure).
func tailFile(c *cobra.Command, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := path[:len(path)-len("/events.jsonl")]
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	debounce := time.NewTimer(0)
	<-debounce.C

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != path {
				continue
			}
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			f, err := os.Open(path)
			if err != nil {
				continue
			}
			f.Seek(offset, 0)
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				fmt.Fprintln(c.OutOrStdout(), scanner.Text())
			}
			if info, err := f.Stat(); err == nil {
				offset = info.Size()
			}
			f.Close()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
