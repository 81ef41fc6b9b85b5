// Package specfactory implements the Spec Factory tool surface (spec §4.8):
// a design task's agent calls this to decompose into a batch of child
// specs. Grounded on internal/models's HasCyclicDependencies, reused here
// to reject a batch whose dependsOn graph has a cycle before any spec
// files are written.
package specfactory

import (
	"fmt"
	"strings"

	"github.com/akfldk1028/taskdaemon/internal/models"
)

// ChildSpec is one entry in a decomposition batch, as received from the
// design agent's tool call (§4.8). DependsOn uses 1-based indices into the
// batch, not real specIds, until resolution.
type ChildSpec struct {
	Task                string
	Priority            int
	Kind                models.Kind
	DependsOn           []int // 1-based indices into the batch
	FilesToModify       []string
	AcceptanceCriteria  []string
}

// Resolved is a ChildSpec after two-pass resolution: DependsOn now holds
// real specIds instead of batch indices.
type Resolved struct {
	SpecID             string
	Task               string
	Priority           int
	Kind               models.Kind
	DependsOn          []string
	FilesToModify      []string
	AcceptanceCriteria []string
}

// ErrCyclicBatch is returned when a batch's dependency graph has a cycle.
var ErrCyclicBatch = fmt.Errorf("specfactory: batch dependency graph has a cycle")

// Counter allocates the next monotonic specId; the daemon supplies this
// (backed by a project-wide sequence), so this package does not own any
// persistent counter state.
type Counter interface {
	Next() (specID string, err error)
}

// Normalize rewrites any comma-separated-string field that arrived as a
// single string back into a list (§4.8: "Normalizes any fields that came in
// as comma-separated strings back to lists").
func Normalize(raw map[string]interface{}, field string) []string {
	v, ok := raw[field]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

// Decompose resolves a batch of ChildSpecs into real specIds, rejecting
// batches whose dependency graph contains a cycle (§4.8).
func Decompose(batch []ChildSpec, counter Counter) ([]Resolved, error) {
	if err := validateBatchAcyclic(batch); err != nil {
		return nil, err
	}

	// First pass: allocate real specIds by monotonic counter.
	specIDs := make([]string, len(batch))
	for i := range batch {
		id, err := counter.Next()
		if err != nil {
			return nil, fmt.Errorf("specfactory: allocate specId for batch index %d: %w", i+1, err)
		}
		specIDs[i] = id
	}

	// Second pass: rewrite each dependsOn from batch-indices to specIds.
	resolved := make([]Resolved, len(batch))
	for i, child := range batch {
		deps := make([]string, 0, len(child.DependsOn))
		for _, idx := range child.DependsOn {
			if idx < 1 || idx > len(batch) {
				return nil, fmt.Errorf("specfactory: batch index %d references out-of-range dependsOn index %d", i+1, idx)
			}
			deps = append(deps, specIDs[idx-1])
		}
		resolved[i] = Resolved{
			SpecID:             specIDs[i],
			Task:               child.Task,
			Priority:           child.Priority,
			Kind:               child.Kind,
			DependsOn:          deps,
			FilesToModify:      child.FilesToModify,
			AcceptanceCriteria: child.AcceptanceCriteria,
		}
	}

	return resolved, nil
}

// validateBatchAcyclic builds a synthetic models.Task per batch entry
// (index-as-number) and reuses models.HasCyclicDependencies to detect a
// cycle before any specId is allocated.
func validateBatchAcyclic(batch []ChildSpec) error {
	tasks := make([]models.Task, len(batch))
	for i, child := range batch {
		number := fmt.Sprintf("%d", i+1)
		deps := make([]string, 0, len(child.DependsOn))
		for _, idx := range child.DependsOn {
			if idx >= 1 && idx <= len(batch) {
				deps = append(deps, fmt.Sprintf("%d", idx))
			}
		}
		tasks[i] = models.Task{SpecID: number, Number: number, DependsOn: deps}
	}
	if models.HasCyclicDependencies(tasks) {
		return ErrCyclicBatch
	}
	return nil
}
