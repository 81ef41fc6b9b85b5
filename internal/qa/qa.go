// Package qa implements the QA Loop (spec §4.3): iterate review/fix until
// the implementation is accepted or the iteration cap is reached. Grounded
// on internal/executor/qc.go's QualityController (review-then-verdict loop,
// multi-agent aggregation idiom) generalized to drive the Validator Set
// first and a pluggable Reviewer/Fixer second.
package qa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/akfldk1028/taskdaemon/internal/models"
	"github.com/akfldk1028/taskdaemon/internal/validator"
)

// MaxIterations is the default cap from §4.3 step 7.
const MaxIterations = 3

// Verdict is the QA Reviewer's structured output (§4.3 step 4).
type Verdict struct {
	Approved bool
	Issues   []models.QAIssue
}

// Reviewer invokes the QA Reviewer agent with validator evidence injected
// into its prompt context.
type Reviewer interface {
	Review(ctx context.Context, specDir string, results []models.ValidatorResult) (Verdict, error)
}

// Fixer invokes the QA Fixer agent with write/execute capability inside the
// worktree, given the issues from a rejected verdict.
type Fixer interface {
	Fix(ctx context.Context, specDir string, issues []models.QAIssue) error
}

// Loop runs the iterate-review-fix algorithm for one task.
type Loop struct {
	Validators []validator.Validator
	Reviewer   Reviewer
	Fixer      Fixer
	SpecDir    string

	// writeFixRequest is overridable in tests; defaults to writing
	// QA_FIX_REQUEST.md under SpecDir.
	writeFixRequest func(content string) error
}

// Outcome is the loop's terminal result.
type Outcome struct {
	Signoff    models.QASignoff
	Iterations int
}

// Run executes the QA Loop to completion (§4.3).
func (l *Loop) Run(ctx context.Context, caps validator.Capabilities) (Outcome, error) {
	write := l.writeFixRequest
	if write == nil {
		write = l.defaultWriteFixRequest
	}

	selected := validator.Select(caps, l.Validators)

	var lastFixRequest string
	var allIssues []models.QAIssue

	for iteration := 1; iteration <= MaxIterations; iteration++ {
		results, buildFailed, err := l.runValidators(ctx, selected)
		if err != nil {
			return Outcome{}, err
		}

		if buildFailed {
			content := formatFixRequest(results, nil)
			if content == lastFixRequest {
				return Outcome{
					Signoff:    models.QASignoff{Status: "needs_attention", Issues: allIssues},
					Iterations: iteration,
				}, nil
			}
			lastFixRequest = content
			if err := write(content); err != nil {
				return Outcome{}, fmt.Errorf("qa: write fix request: %w", err)
			}
			if l.Fixer != nil {
				if err := l.Fixer.Fix(ctx, l.SpecDir, nil); err != nil {
					return Outcome{}, fmt.Errorf("qa: fixer: %w", err)
				}
			}
			continue
		}

		verdict, err := l.Reviewer.Review(ctx, l.SpecDir, results)
		if err != nil {
			return Outcome{}, fmt.Errorf("qa: reviewer: %w", err)
		}

		if verdict.Approved {
			return Outcome{
				Signoff:    models.QASignoff{Status: "approved"},
				Iterations: iteration,
			}, nil
		}

		allIssues = append(allIssues, verdict.Issues...)
		content := formatFixRequest(results, verdict.Issues)
		if content == lastFixRequest {
			return Outcome{
				Signoff:    models.QASignoff{Status: "needs_attention", Issues: allIssues},
				Iterations: iteration,
			}, nil
		}
		lastFixRequest = content
		if err := write(content); err != nil {
			return Outcome{}, fmt.Errorf("qa: write fix request: %w", err)
		}
		if l.Fixer != nil {
			if err := l.Fixer.Fix(ctx, l.SpecDir, verdict.Issues); err != nil {
				return Outcome{}, fmt.Errorf("qa: fixer: %w", err)
			}
		}
	}

	return Outcome{
		Signoff:    models.QASignoff{Status: "needs_attention", Issues: allIssues},
		Iterations: MaxIterations,
	}, nil
}

// runValidators runs the Build Validator first; a failure short-circuits
// the remaining validators for this iteration (§4.3 step 2 ordering
// guarantee). Remaining validators run after a passing build (step 3 says
// "in parallel"; orchestration of that concurrency is the caller's pipeline
// stage, this loop only enforces ordering).
func (l *Loop) runValidators(ctx context.Context, selected []validator.Validator) ([]models.ValidatorResult, bool, error) {
	var results []models.ValidatorResult
	for _, v := range selected {
		if v.Name() == "build" {
			r, err := v.Run(ctx)
			if err != nil {
				return nil, false, err
			}
			results = append(results, r)
			if r.Failed() {
				return results, true, nil
			}
		}
	}
	for _, v := range selected {
		if v.Name() == "build" {
			continue
		}
		r, err := v.Run(ctx)
		if err != nil {
			return nil, false, err
		}
		results = append(results, r)
	}
	return results, false, nil
}

func (l *Loop) defaultWriteFixRequest(content string) error {
	if err := os.MkdirAll(l.SpecDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(l.SpecDir, "QA_FIX_REQUEST.md"), []byte(content), 0644)
}

func formatFixRequest(results []models.ValidatorResult, issues []models.QAIssue) string {
	content := "# QA Fix Request\n\n"
	for _, r := range results {
		if r.Failed() {
			content += fmt.Sprintf("## %s\n%s\n\n", r.Name, r.Summary)
		}
	}
	for _, issue := range issues {
		content += fmt.Sprintf("- [%s] %s\n", issue.Severity, issue.Description)
	}
	return content
}
