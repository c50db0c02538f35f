package task

import (
	"time"

	"github.com/google/uuid"
)

// WorkerStatus is the coordination-visible status of a worker process.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerRunning  WorkerStatus = "running"
	WorkerDraining WorkerStatus = "draining"
	WorkerStopped  WorkerStatus = "stopped"
)

// Worker is the registry record for a single worker process instance.
// The ID is minted fresh on every process start and never reused.
type Worker struct {
	ID              string       `json:"worker_id"`
	Status          WorkerStatus `json:"status"`
	Hostname        string       `json:"hostname,omitempty"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	CurrentTaskID   *uuid.UUID   `json:"current_task_id,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
}

// Dead reports whether the worker has missed heartbeats past the threshold.
func (w *Worker) Dead(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastHeartbeatAt) > threshold
}
