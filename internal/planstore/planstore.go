// Package planstore reads, writes, and validates a task's plan document
// (spec §3.1, §6.2). Writes are atomic (temp-file-plus-rename) and
// schema-validated before replace; unknown fields round-trip unchanged.
package planstore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/akfldk1028/taskdaemon/internal/filelock"
	"github.com/akfldk1028/taskdaemon/internal/models"
)

// SchemaVersion is the single versioned schema every write is validated
// against before replace (§3.1 atomicity invariant).
const SchemaVersion = 1

// ErrSchemaInvalid marks a plan that failed validation; the daemon does not
// overwrite a file it can't parse (§7, the PlanSchemaError carve-out).
type ErrSchemaInvalid struct {
	SpecID string
	Reason string
}

func (e *ErrSchemaInvalid) Error() string {
	return fmt.Sprintf("plan %s: schema invalid: %s", e.SpecID, e.Reason)
}

// Validate checks the required-field invariants from §6.2: status,
// xstateState, executionPhase, kind, priority, dependsOn must all be
// present; phases must be absent for design/architecture kinds.
func Validate(p *models.Plan) error {
	if p.Status == "" {
		return &ErrSchemaInvalid{SpecID: p.SpecID, Reason: "status is required"}
	}
	if p.XStateState == "" {
		return &ErrSchemaInvalid{SpecID: p.SpecID, Reason: "xstateState is required"}
	}
	if p.Kind == "" {
		return &ErrSchemaInvalid{SpecID: p.SpecID, Reason: "kind is required"}
	}
	if p.Priority < 0 || p.Priority > 3 {
		return &ErrSchemaInvalid{SpecID: p.SpecID, Reason: "priority must be in [0,3]"}
	}
	if p.DependsOn == nil {
		return &ErrSchemaInvalid{SpecID: p.SpecID, Reason: "dependsOn must be present (may be empty)"}
	}
	if !p.IsDecomposable() && len(p.Phases) > 0 {
		return &ErrSchemaInvalid{SpecID: p.SpecID, Reason: fmt.Sprintf("kind %q must not carry phases", p.Kind)}
	}
	expected := models.DeriveXState(p.Status, p.ExecutionPhase)
	if p.XStateState != expected {
		// Divergence is tolerated at read time (xstateState wins for UI, status
		// for admission, per §3.3) but a write must produce a consistent pair.
		return &ErrSchemaInvalid{SpecID: p.SpecID, Reason: fmt.Sprintf("xstateState %q inconsistent with status %q (expected %q)", p.XStateState, p.Status, expected)}
	}
	return nil
}

// Read loads and schema-validates a plan file. A plan that fails to parse
// is returned as ErrSchemaInvalid, never silently dropped (§7).
func Read(path string) (*models.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planstore: read %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ErrSchemaInvalid{SpecID: path, Reason: err.Error()}
	}

	var plan models.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, &ErrSchemaInvalid{SpecID: path, Reason: err.Error()}
	}
	plan.Unknown = raw

	if err := Validate(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Write schema-validates then atomically persists a plan, merging any
// unknown fields carried from the last Read so round-trip writes preserve
// data this package doesn't model (§6.2 "unknown fields are preserved").
func Write(path string, plan *models.Plan) error {
	plan.XStateState = models.DeriveXState(plan.Status, plan.ExecutionPhase)
	if err := Validate(plan); err != nil {
		return err
	}

	merged, err := mergeUnknown(plan)
	if err != nil {
		return fmt.Errorf("planstore: merge unknown fields: %w", err)
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("planstore: marshal: %w", err)
	}

	return filelock.LockAndWrite(path, data)
}

// mergeUnknown re-serializes the typed plan into a map, then layers any
// preserved unknown keys underneath the typed fields (typed fields win on
// conflict, since they reflect the current, validated state).
func mergeUnknown(plan *models.Plan) (map[string]interface{}, error) {
	typedBytes, err := json.Marshal(plan)
	if err != nil {
		return nil, err
	}
	var typed map[string]interface{}
	if err := json.Unmarshal(typedBytes, &typed); err != nil {
		return nil, err
	}

	merged := make(map[string]interface{}, len(plan.Unknown)+len(typed))
	for k, v := range plan.Unknown {
		merged[k] = v
	}
	for k, v := range typed {
		merged[k] = v
	}
	delete(merged, "unknown")
	return merged, nil
}
