package task

import "time"

const DeadLetterType = "task.deadletter"

// DeadLetter is the envelope published when a task exhausts its retry budget
// or fails terminally. The full task snapshot rides along so operators can
// inspect and resubmit without a store lookup.
type DeadLetter struct {
	Type      string `json:"type"`    // "task.deadletter"
	Version   string `json:"version"` // schema version
	At        string `json:"at"`      // RFC3339 time the envelope was emitted
	Reason    string `json:"reason"`  // human/debug text
	Attempt   int    `json:"attempt"` // attempt count when dead-lettered
	LastError string `json:"last_error,omitempty"`
	Task      Task   `json:"task"`
}

func NewDeadLetter(t Task, attempt int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DeadLetterType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   attempt,
		LastError: lastErr,
		Task:      t,
	}
}
