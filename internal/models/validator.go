package models

// ValidatorResult is the output of one validator run (§3.1, §4.7).
type ValidatorResult struct {
	Name       string                 `json:"name"`
	Passed     bool                   `json:"passed"`
	Skipped    bool                   `json:"skipped"`
	SkipReason string                 `json:"skipReason,omitempty"`
	Severity   string                 `json:"severity,omitempty"`
	Summary    string                 `json:"summary"`
	Evidence   map[string]interface{} `json:"evidence,omitempty"`
	DurationMs int64                  `json:"durationMs"`
}

// Failed reports a genuine assertion failure — distinct from Skipped, which
// never counts as a failure (§3.1 invariant).
func (r ValidatorResult) Failed() bool {
	return !r.Skipped && !r.Passed
}
