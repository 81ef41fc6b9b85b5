package daemon

import (
	"bufio"
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/akfldk1028/taskdaemon/internal/models"
)

// SubprocessRunner spawns the Pipeline Engine as a child process per task,
// tracking its heartbeat via stdout line activity (§4.1: "the child process
// has produced no stdout line (heartbeat) within the same interval").
// Grounded on internal/executor/preflight.go's exec.CommandContext idiom.
type SubprocessRunner struct {
	// Command builds the argv for one task, given its specId and worktree
	// path. Typically invokes this same binary in a "pipeline" subcommand
	// (not modeled in this package) against the task's plan file.
	Command func(specID, worktreePath string) (name string, args []string)
}

type subprocessHandle struct {
	cmd *exec.Cmd

	mu            sync.Mutex
	lastHeartbeat time.Time

	done chan error
}

func (h *subprocessHandle) PID() int { return h.cmd.Process.Pid }

func (h *subprocessHandle) LastHeartbeat() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastHeartbeat
}

func (h *subprocessHandle) touch() {
	h.mu.Lock()
	h.lastHeartbeat = time.Now()
	h.mu.Unlock()
}

func (h *subprocessHandle) Signal(sig Signal) error {
	switch sig {
	case SignalTerm:
		return h.cmd.Process.Signal(syscall.SIGTERM)
	case SignalKill:
		return h.cmd.Process.Kill()
	default:
		return nil
	}
}

func (h *subprocessHandle) Wait() <-chan error { return h.done }

// Start implements TaskRunner.
func (r *SubprocessRunner) Start(ctx context.Context, task *models.Task, worktreePath string) (RunningHandle, error) {
	name, args := r.Command(task.SpecID, worktreePath)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = worktreePath

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &subprocessHandle{cmd: cmd, lastHeartbeat: time.Now(), done: make(chan error, 1)}

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			h.touch()
		}
	}()

	go func() {
		h.done <- cmd.Wait()
	}()

	return h, nil
}
