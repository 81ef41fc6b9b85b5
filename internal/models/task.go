package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates the task kinds the daemon recognizes. Kinds drive pipeline
// selection (§4.2) and the design/architecture depth cap (§3.1).
type Kind string

const (
	KindImpl         Kind = "impl"
	KindFrontend     Kind = "frontend"
	KindBackend      Kind = "backend"
	KindDatabase     Kind = "database"
	KindAPI          Kind = "api"
	KindTest         Kind = "test"
	KindIntegration  Kind = "integration"
	KindDocs         Kind = "docs"
	KindDesign       Kind = "design"
	KindArchitecture Kind = "architecture"
	KindResearch     Kind = "research"
	KindReview       Kind = "review"
	KindPlanning     Kind = "planning"
	KindVerify       Kind = "verify"
	KindErrorCheck   Kind = "error_check"
	KindMCTS         Kind = "mcts"
)

// decomposableKinds auto-verifies on successful completion (daemon §4.1).
var autoVerifyKinds = map[Kind]bool{
	KindImpl:     true,
	KindFrontend: true,
	KindBackend:  true,
	KindDatabase: true,
	KindAPI:      true,
}

// Status is the coarse lifecycle label (§3.3); admission logic is authoritative on this field.
type Status string

const (
	StatusQueue       Status = "queue"
	StatusBacklog     Status = "backlog"
	StatusQueued      Status = "queued"
	StatusInProgress  Status = "in_progress"
	StatusAIReview    Status = "ai_review"
	StatusQAFixing    Status = "qa_fixing"
	StatusHumanReview Status = "human_review"
	StatusDone        Status = "done"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusFailedTask  Status = "failed"
)

// XStateState is the fine-grained UI-facing label; authoritative for display (§3.3).
type XStateState string

const (
	XStateBacklog    XStateState = "backlog"
	XStatePlanning   XStateState = "planning"
	XStateCoding     XStateState = "coding"
	XStateQAReview   XStateState = "qa_review"
	XStateQAFixing   XStateState = "qa_fixing"
	XStatePlanReview XStateState = "plan_review"
	XStateHuman      XStateState = "human_review"
	XStateDone       XStateState = "done"
	XStateError      XStateState = "error"
)

// DeriveXState maps a status to its fixed xstateState per the twin table in §3.3.
// The executionPhase hint distinguishes the two status=in_progress rows
// (planning vs coding) and the two status=human_review rows (plan_review vs
// human_review); callers that have no phase information should pass "".
func DeriveXState(status Status, executionPhase string) XStateState {
	switch status {
	case StatusQueue, StatusBacklog, StatusQueued:
		return XStateBacklog
	case StatusInProgress:
		if executionPhase == "planning" {
			return XStatePlanning
		}
		return XStateCoding
	case StatusAIReview:
		return XStateQAReview
	case StatusQAFixing:
		return XStateQAFixing
	case StatusHumanReview:
		if executionPhase == "plan_review" {
			return XStatePlanReview
		}
		return XStateHuman
	case StatusDone, StatusCompleted:
		return XStateDone
	case StatusError, StatusFailedTask:
		return XStateError
	default:
		return XStateBacklog
	}
}

// IsTerminal reports whether status is a terminal lifecycle state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusCompleted, StatusError, StatusFailedTask:
		return true
	default:
		return false
	}
}

// IsEligibleForAdmission reports whether status permits daemon pickup (§4.1 step 1).
func (s Status) IsEligibleForAdmission() bool {
	switch s {
	case StatusQueue, StatusBacklog, StatusQueued:
		return true
	default:
		return false
	}
}

// CrossFileDependency represents a dependency on a task in a different plan file.
type CrossFileDependency struct {
	File   string `yaml:"file" json:"file"`
	TaskID string `yaml:"task" json:"task"`
}

// String returns "file:{filename}:task:{task-id}".
func (cfd *CrossFileDependency) String() string {
	return fmt.Sprintf("file:%s:task:%s", cfd.File, cfd.TaskID)
}

// Task is one unit of work scheduled by the Task Daemon (§3.1).
type Task struct {
	SpecID        string     `yaml:"spec_id" json:"specId"`
	Number        string     `yaml:"number,omitempty" json:"number,omitempty"` // legacy plan-file task number, kept for phase/subtask cross-reference
	Name          string     `yaml:"name" json:"name"`
	Kind          Kind       `yaml:"kind" json:"kind"`
	Priority      int        `yaml:"priority" json:"priority"` // 0..3, lower is higher priority
	DependsOn     []string   `yaml:"depends_on,omitempty" json:"dependsOn,omitempty"`
	ParentTask    *string    `yaml:"parent_task,omitempty" json:"parentTask,omitempty"`
	Status        Status     `yaml:"status" json:"status"`
	XStateState   XStateState `yaml:"xstate_state" json:"xstateState"`
	RecoveryCount int        `yaml:"recovery_count" json:"recoveryCount"`
	CreatedAt     time.Time  `yaml:"created_at" json:"createdAt"`
	StartedAt     *time.Time `yaml:"started_at,omitempty" json:"startedAt,omitempty"`
	CompletedAt   *time.Time `yaml:"completed_at,omitempty" json:"completedAt,omitempty"`

	Files         []string `yaml:"files,omitempty" json:"files,omitempty"`
	Agent         string   `yaml:"agent,omitempty" json:"agent,omitempty"`
	Prompt        string   `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	SourceFile    string   `yaml:"-" json:"-"`
	TestCommands  []string `yaml:"test_commands,omitempty" json:"testCommands,omitempty"`

	// SuccessCriteria carries the plan author's acceptance bullets through to
	// review/estimation prompts; the QA Loop and design decomposition read it,
	// nothing enforces it structurally.
	SuccessCriteria []string `yaml:"success_criteria,omitempty" json:"successCriteria,omitempty"`

	// JSONSchema overrides the default agent response schema for this task.
	JSONSchema string `yaml:"json_schema,omitempty" json:"jsonSchema,omitempty"`
	// ResumeSessionID resumes a prior agent session (rate-limit recovery).
	ResumeSessionID string `yaml:"resume_session_id,omitempty" json:"resumeSessionId,omitempty"`
	// EstimatedTime is the plan author's duration estimate, used as an
	// invocation timeout hint.
	EstimatedTime time.Duration `yaml:"estimated_time,omitempty" json:"estimatedTime,omitempty"`

	// Metadata is a free-form scratch area for hook-populated annotations
	// (qc verdicts, detected error patterns, rollback checkpoints) that do
	// not warrant first-class fields. Mirrors Plan.Unknown's round-trip role.
	Metadata map[string]interface{} `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Validate checks that the task carries the fields required by §3.1's identity invariant.
func (t *Task) Validate() error {
	if t.SpecID == "" {
		return errors.New("task specId is required")
	}
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if t.Priority < 0 || t.Priority > 3 {
		return fmt.Errorf("task %s: priority %d out of range [0,3]", t.SpecID, t.Priority)
	}
	return nil
}

// IsIntegration reports whether the task kind is "integration".
func (t *Task) IsIntegration() bool {
	return t.Kind == KindIntegration
}

// AutoVerifies reports whether a successful completion of this kind synthesizes
// a verify child task (§4.1 auto-verify algorithm).
func (t *Task) AutoVerifies() bool {
	return autoVerifyKinds[t.Kind]
}

// Depth computes the parentTask chain length by walking the supplied lookup.
// Returns 0 for a root task (nil ParentTask).
func (t *Task) Depth(lookup map[string]*Task) int {
	depth := 0
	current := t
	seen := map[string]bool{}
	for current.ParentTask != nil {
		if seen[current.SpecID] {
			break // defensive: a cyclic parent chain should never occur, never loop forever on one
		}
		seen[current.SpecID] = true
		parent, ok := lookup[*current.ParentTask]
		if !ok {
			break
		}
		depth++
		current = parent
	}
	return depth
}

// NormalizeDependency converts a single dependency (in any format the plan
// file's YAML encodes) to standardized specId string form.
func NormalizeDependency(dep interface{}) (string, error) {
	switch v := dep.(type) {
	case int:
		return strconv.Itoa(v), nil
	case float64:
		if v == float64(int(v)) {
			return strconv.Itoa(int(v)), nil
		}
		return fmt.Sprintf("%v", v), nil
	case string:
		return v, nil
	case *CrossFileDependency:
		return v.String(), nil
	case CrossFileDependency:
		return v.String(), nil
	default:
		return "", fmt.Errorf("unsupported dependency format: %T", dep)
	}
}

// HasCyclicDependencies detects circular dependencies among a set of tasks
// using DFS with white/gray/black color marking.
func HasCyclicDependencies(tasks []Task) bool {
	graph := make(map[string][]string)
	taskMap := make(map[string]bool)

	for _, task := range tasks {
		taskMap[task.SpecID] = true
		graph[task.SpecID] = []string{}
	}

	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if dep == task.SpecID {
				return true
			}
			if taskMap[dep] {
				graph[dep] = append(graph[dep], task.SpecID)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int)
	for id := range taskMap {
		colors[id] = white
	}

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		for _, neighbor := range graph[node] {
			if colors[neighbor] == gray {
				return true
			}
			if colors[neighbor] == white && dfs(neighbor) {
				return true
			}
		}
		colors[node] = black
		return false
	}

	for id := range taskMap {
		if colors[id] == white {
			if dfs(id) {
				return true
			}
		}
	}
	return false
}

// IsCrossFileDep reports whether dep has the "file:...:task:..." shape.
func IsCrossFileDep(dep string) bool {
	return strings.HasPrefix(dep, "file:") && strings.Contains(dep, ":task:")
}
