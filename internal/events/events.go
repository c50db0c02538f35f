package events

import (
	"time"

	"github.com/crawlgrid/crawlgrid/internal/task"
)

// Type names a lifecycle transition. Emission order matches transition order
// per entity; there is no cross-entity ordering guarantee.
type Type string

const (
	TaskStarted      Type = "task_started"
	TaskSucceeded    Type = "task_succeeded"
	TaskFailed       Type = "task_failed"
	TaskDeadLettered Type = "task_deadlettered"
	WorkerStarted    Type = "worker_started"
	WorkerStopped    Type = "worker_stopped"
)

// Event is the envelope delivered at least once to the external notification
// fan-out. Subscribers must be idempotent on (task_id, type).
type Event struct {
	Type         Type              `json:"type"`
	Version      string            `json:"version"`
	At           string            `json:"at"` // RFC3339
	TaskID       string            `json:"task_id,omitempty"`
	WorkerID     string            `json:"worker_id,omitempty"`
	State        task.State        `json:"state,omitempty"`
	Attempt      int               `json:"attempt,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	URL          string            `json:"url,omitempty"`
	Error        string            `json:"error,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// ForTask builds an event snapshot for a task transition.
func ForTask(typ Type, t task.Task) Event {
	return Event{
		Type:     typ,
		Version:  "v1",
		At:       time.Now().Format(time.RFC3339Nano),
		TaskID:   t.ID.String(),
		WorkerID: t.LeaseOwner,
		State:    t.State,
		Attempt:  t.Attempt,
		Priority: t.Priority,
		URL:      t.Payload.URL,
		Error:    t.LastError,
	}
}

// ForWorker builds an event for a worker lifecycle transition.
func ForWorker(typ Type, workerID string) Event {
	return Event{
		Type:     typ,
		Version:  "v1",
		At:       time.Now().Format(time.RFC3339Nano),
		WorkerID: workerID,
	}
}
