package models

import "time"

// RunningTask is one entry in a DaemonSnapshot's runningTasks map (§3.1).
type RunningTask struct {
	SpecDir        string    `json:"specDir"`
	PID            int       `json:"pid"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"startedAt"`
	LastUpdate     time.Time `json:"lastUpdate"`
	IsRunning      bool      `json:"isRunning"`
	Kind           Kind      `json:"kind"`
	CurrentSubtask string    `json:"currentSubtask,omitempty"`
	Phase          string    `json:"phase,omitempty"`
	Session        string    `json:"session,omitempty"`
}

// QueuedTask is one entry in a DaemonSnapshot's queuedTasks list (§3.1).
type QueuedTask struct {
	SpecID   string `json:"specId"`
	Priority int    `json:"priority"`
}

// SnapshotStats summarizes task counts for display.
type SnapshotStats struct {
	Running   int `json:"running"`
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
}

// DaemonSnapshot is the Status Bridge's published view of daemon state (§3.1, §4.9).
type DaemonSnapshot struct {
	Running      bool                   `json:"running"`
	StartedAt    time.Time              `json:"startedAt"`
	RunningTasks map[string]RunningTask `json:"runningTasks"`
	QueuedTasks  []QueuedTask           `json:"queuedTasks"`
	Stats        SnapshotStats          `json:"stats"`
	WSPort       *int                   `json:"wsPort"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Validate checks the disjointness invariant from §3.1/§8 property 5.
func (s *DaemonSnapshot) Validate() error {
	for _, q := range s.QueuedTasks {
		if _, running := s.RunningTasks[q.SpecID]; running {
			return errDisjointViolation(q.SpecID)
		}
	}
	return nil
}

func errDisjointViolation(specID string) error {
	return &snapshotInvariantError{specID: specID}
}

type snapshotInvariantError struct {
	specID string
}

func (e *snapshotInvariantError) Error() string {
	return "snapshot invariant violated: " + e.specID + " is both running and queued"
}
