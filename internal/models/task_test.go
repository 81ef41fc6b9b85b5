package models

import "testing"

func TestDeriveXState(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		phase    string
		expected XStateState
	}{
		{"queue maps to backlog", StatusQueue, "", XStateBacklog},
		{"backlog maps to backlog", StatusBacklog, "", XStateBacklog},
		{"in_progress planning phase", StatusInProgress, "planning", XStatePlanning},
		{"in_progress coding phase default", StatusInProgress, "", XStateCoding},
		{"ai_review maps to qa_review", StatusAIReview, "", XStateQAReview},
		{"qa_fixing maps to qa_fixing", StatusQAFixing, "", XStateQAFixing},
		{"human_review plan_review phase", StatusHumanReview, "plan_review", XStatePlanReview},
		{"human_review default", StatusHumanReview, "", XStateHuman},
		{"done maps to done", StatusDone, "", XStateDone},
		{"completed maps to done", StatusCompleted, "", XStateDone},
		{"error maps to error", StatusError, "", XStateError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveXState(tt.status, tt.phase)
			if got != tt.expected {
				t.Errorf("DeriveXState(%q, %q) = %q, want %q", tt.status, tt.phase, got, tt.expected)
			}
		})
	}
}

func TestStatus_IsEligibleForAdmission(t *testing.T) {
	eligible := []Status{StatusQueue, StatusBacklog, StatusQueued}
	for _, s := range eligible {
		if !s.IsEligibleForAdmission() {
			t.Errorf("status %q should be eligible for admission", s)
		}
	}

	ineligible := []Status{StatusInProgress, StatusDone, StatusError, StatusHumanReview}
	for _, s := range ineligible {
		if s.IsEligibleForAdmission() {
			t.Errorf("status %q should not be eligible for admission", s)
		}
	}
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name        string
		task        Task
		expectError bool
	}{
		{"valid task", Task{SpecID: "001-add-login", Name: "Add login", Priority: 2}, false},
		{"missing specId", Task{Name: "Add login", Priority: 2}, true},
		{"missing name", Task{SpecID: "001-add-login", Priority: 2}, true},
		{"priority out of range", Task{SpecID: "001-add-login", Name: "Add login", Priority: 4}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.expectError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestTask_Depth(t *testing.T) {
	root := Task{SpecID: "001-design"}
	childID := "002-impl"
	grandchildID := "003-impl"
	child := Task{SpecID: childID, ParentTask: strPtr("001-design")}
	grandchild := Task{SpecID: grandchildID, ParentTask: strPtr(childID)}

	lookup := map[string]*Task{
		"001-design": &root,
		childID:      &child,
		grandchildID: &grandchild,
	}

	if got := root.Depth(lookup); got != 0 {
		t.Errorf("root depth = %d, want 0", got)
	}
	if got := child.Depth(lookup); got != 1 {
		t.Errorf("child depth = %d, want 1", got)
	}
	if got := grandchild.Depth(lookup); got != 2 {
		t.Errorf("grandchild depth = %d, want 2", got)
	}
}

func TestHasCyclicDependencies(t *testing.T) {
	tests := []struct {
		name     string
		tasks    []Task
		wantCyc  bool
	}{
		{
			name: "no cycle",
			tasks: []Task{
				{SpecID: "001", DependsOn: nil},
				{SpecID: "002", DependsOn: []string{"001"}},
			},
			wantCyc: false,
		},
		{
			name: "direct cycle",
			tasks: []Task{
				{SpecID: "001", DependsOn: []string{"002"}},
				{SpecID: "002", DependsOn: []string{"001"}},
			},
			wantCyc: true,
		},
		{
			name: "self reference",
			tasks: []Task{
				{SpecID: "001", DependsOn: []string{"001"}},
			},
			wantCyc: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasCyclicDependencies(tt.tasks); got != tt.wantCyc {
				t.Errorf("HasCyclicDependencies() = %v, want %v", got, tt.wantCyc)
			}
		})
	}
}

func strPtr(s string) *string { return &s }
