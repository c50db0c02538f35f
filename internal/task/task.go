package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a task in the queue.
//
// Lifecycle:
//
//	queued -> leased -> succeeded
//	                 -> queued       (transient failure, retry budget left)
//	                 -> deadlettered (retry budget exhausted or terminal failure)
//
// A leased task whose lease expires is returned to queued by the sweeper
// without an attempt increment (the increment happened at lease time).
type State string

const (
	StateQueued       State = "queued"
	StateLeased       State = "leased"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateDeadLettered State = "deadlettered"
)

// IsTerminal reports whether the state is final for the task.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateDeadLettered:
		return true
	default:
		return false
	}
}

// Payload describes the fetch target. The queue treats it as opaque: only
// the execution capability interprets Directive and Body.
type Payload struct {
	URL       string          `json:"url"`
	Directive string          `json:"directive,omitempty"` // e.g. "fetch", "fetch+extract"
	Body      json.RawMessage `json:"body,omitempty"`      // selectors, parser config, etc.
}

// Task is the unit of fetch-and-process work distributed across workers.
type Task struct {
	ID             uuid.UUID  `json:"id"`
	Payload        Payload    `json:"payload"`
	Priority       int        `json:"priority"`
	State          State      `json:"state"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	NotBefore      *time.Time `json:"not_before,omitempty"` // retry backoff gate
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// LeaseExpired reports whether the task is leased and its lease has lapsed
// at the given instant.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.State == StateLeased && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now)
}

// Eligible reports whether the task may be handed to a worker at the given
// instant: queued, with any backoff gate already passed.
func (t *Task) Eligible(now time.Time) bool {
	if t.State != StateQueued {
		return false
	}
	return t.NotBefore == nil || !t.NotBefore.After(now)
}

// RetriesLeft reports whether another lease attempt fits in the budget.
func (t *Task) RetriesLeft() bool {
	return t.Attempt < t.MaxAttempts
}
