// Package status holds the merged per-job view built from queue events and
// submissions, and the store that serializes updates to it.
package status

import (
	"encoding/json"
	"slices"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
	StatePaused    State = "paused"
	StateUnknown   State = "unknown"
	StateNotFound  State = "not_found"
)

// IsTerminal reports whether no further lifecycle transition is expected.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// UnknownName is the placeholder name of a job whose name was never learned.
const UnknownName = "unknown"

// JobStatus is the merged view of one job.
type JobStatus struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    State           `json:"status"`
	Progress  Progress        `json:"progress"`
	Logs      []string        `json:"logs"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix ms
}

// Clone returns a deep copy so callers never share the log slice.
func (s JobStatus) Clone() JobStatus {
	out := s
	out.Logs = slices.Clone(s.Logs)
	if out.Logs == nil {
		out.Logs = []string{}
	}
	if s.Result != nil {
		out.Result = slices.Clone(s.Result)
	}
	return out
}

// NotFound is the status reported for an id neither source knows.
func NotFound(id string) JobStatus {
	return JobStatus{ID: id, Name: UnknownName, Status: StateNotFound, Progress: Percent(0), Logs: []string{}}
}

// Update is a partial JobStatus. Zero values mean "absent".
type Update struct {
	Name      string
	Status    State
	Progress  *Progress
	Logs      []string
	Result    json.RawMessage
	Error     string
	Timestamp *int64
}

// newBase is the entry a merge starts from when the id has never been seen.
func newBase(id string, now time.Time) JobStatus {
	return JobStatus{
		ID:        id,
		Name:      UnknownName,
		Status:    StateActive,
		Progress:  Percent(0),
		Logs:      []string{},
		Timestamp: now.UnixMilli(),
	}
}

// Apply merges u into base and returns the result. base is not modified.
//
// Present fields overwrite, logs are appended, the timestamp only moves when
// u carries one, and a name is only adopted while base is still unknown.
// Once base is completed or failed, a non-terminal status and its progress
// are ignored.
func Apply(base JobStatus, u Update) JobStatus {
	out := base.Clone()

	stale := base.Status.IsTerminal() && u.Status != "" && !u.Status.IsTerminal()
	if u.Status != "" && !stale {
		out.Status = u.Status
	}
	if u.Progress != nil && !stale {
		out.Progress = *u.Progress
	}
	if len(u.Logs) > 0 {
		out.Logs = append(out.Logs, u.Logs...)
	}
	if u.Result != nil {
		out.Result = slices.Clone(u.Result)
	}
	if u.Error != "" {
		out.Error = u.Error
	}
	if u.Timestamp != nil {
		out.Timestamp = *u.Timestamp
	}
	if base.Name == UnknownName && u.Name != "" && u.Name != UnknownName {
		out.Name = u.Name
	}
	return out
}
