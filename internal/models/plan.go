package models

// Plan is the per-task persisted document (§3.1). It round-trips through the
// Plan Store unchanged except for the fields this process owns.
type Plan struct {
	SpecID         string      `json:"specId" yaml:"spec_id"`
	Status         Status      `json:"status" yaml:"status"`
	XStateState    XStateState `json:"xstateState" yaml:"xstate_state"`
	ExecutionPhase string      `json:"executionPhase" yaml:"execution_phase"`
	Kind           Kind        `json:"kind" yaml:"kind"`
	Priority       int         `json:"priority" yaml:"priority"`
	DependsOn      []string    `json:"dependsOn" yaml:"depends_on"`
	ParentTask     *string     `json:"parentTask,omitempty" yaml:"parent_task,omitempty"`
	WorktreePath   string      `json:"worktreePath,omitempty" yaml:"worktree_path,omitempty"`
	Phases         []Phase     `json:"phases,omitempty" yaml:"phases,omitempty"`
	QASignoff      *QASignoff  `json:"qaSignoff,omitempty" yaml:"qa_signoff,omitempty"`
	Errors         []PlanError `json:"errors,omitempty" yaml:"errors,omitempty"`
	RecoveryCount  int         `json:"recoveryCount" yaml:"recovery_count"`
	ChildIDs       []string    `json:"childIds,omitempty" yaml:"child_ids,omitempty"`

	// Unknown preserves any field the writer doesn't model, so round-trip
	// writes never drop data the spec-creation pipeline or the UI added (§6.2).
	Unknown map[string]interface{} `json:"-" yaml:"-"`
}

// Phase is one macro-phase of a task's plan (absent for design/architecture kinds, §3.1).
type Phase struct {
	Name     string    `json:"name" yaml:"name"`
	Subtasks []Subtask `json:"subtasks" yaml:"subtasks"`
}

// Subtask is one unit tracked within a phase.
type Subtask struct {
	ID            string   `json:"id" yaml:"id"`
	Description   string   `json:"description" yaml:"description"`
	Status        string   `json:"status" yaml:"status"` // pending | in_progress | completed
	FilesToCreate []string `json:"filesToCreate,omitempty" yaml:"files_to_create,omitempty"`
	FilesToModify []string `json:"filesToModify,omitempty" yaml:"files_to_modify,omitempty"`
}

// QASignoff records the outcome of the QA Loop (§4.3).
type QASignoff struct {
	Status     string    `json:"status" yaml:"status"` // approved | needs_attention | rejected
	Issues     []QAIssue `json:"issues,omitempty" yaml:"issues,omitempty"`
	ReportFile string    `json:"reportFile,omitempty" yaml:"report_file,omitempty"`
}

// QAIssue is one reviewer-reported defect.
type QAIssue struct {
	Description string `json:"description" yaml:"description"`
	Severity    string `json:"severity" yaml:"severity"`
}

// PlanError is one entry in a plan's errors[] array, surfaced on status=error (§7).
type PlanError struct {
	Kind       string `json:"kind" yaml:"kind"`
	Diagnostic string `json:"diagnostic" yaml:"diagnostic"` // first 200 chars
	At         string `json:"at" yaml:"at"`                 // ISO timestamp
}

// SubtaskCounts returns (completed, total) across all phases.
func (p *Plan) SubtaskCounts() (completed, total int) {
	for _, phase := range p.Phases {
		for _, st := range phase.Subtasks {
			total++
			if st.Status == "completed" {
				completed++
			}
		}
	}
	return completed, total
}

// IsDecomposable reports whether this kind carries phases/subtasks at all (§3.1:
// "subtask counts and phases never present for design/architecture kinds").
func (p *Plan) IsDecomposable() bool {
	return p.Kind != KindDesign && p.Kind != KindArchitecture
}
