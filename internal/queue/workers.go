package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/crawlgrid/crawlgrid/internal/events"
	"github.com/crawlgrid/crawlgrid/internal/metrics"
	"github.com/crawlgrid/crawlgrid/internal/task"
)

// RegisterWorker creates the coordination record for a worker process
// instance and emits worker_started.
func (c *Client) RegisterWorker(ctx context.Context, workerID, hostname string) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO crawlgrid.workers (id, status, hostname, last_heartbeat_at, started_at)
		VALUES ($1, 'starting', $2, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET status = 'starting', last_heartbeat_at = now()`,
		workerID, hostname,
	)
	if err != nil {
		return task.StoreErr(err)
	}
	c.emitter.Emit(ctx, events.ForWorker(events.WorkerStarted, workerID))
	return nil
}

// Heartbeat records liveness for the worker along with its current status
// and lease. Upsert keeps it safe against a record purged by the sweeper
// while the worker was merely slow: the next beat resurrects it.
func (c *Client) Heartbeat(ctx context.Context, workerID string, status task.WorkerStatus, currentTask *uuid.UUID) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO crawlgrid.workers (id, status, last_heartbeat_at, current_task_id, started_at)
		VALUES ($1, $2, now(), $3, now())
		ON CONFLICT (id) DO UPDATE
		SET status = $2, last_heartbeat_at = now(), current_task_id = $3`,
		workerID, status, currentTask,
	)
	if err != nil {
		return task.StoreErr(err)
	}
	metrics.HeartbeatsTotal.Inc()
	return nil
}

// DeregisterWorker removes the worker record on clean shutdown and emits
// worker_stopped.
func (c *Client) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM crawlgrid.workers WHERE id = $1`, workerID)
	if err != nil {
		return task.StoreErr(err)
	}
	c.emitter.Emit(ctx, events.ForWorker(events.WorkerStopped, workerID))
	return nil
}

// GetWorker fetches a worker record by id.
func (c *Client) GetWorker(ctx context.Context, workerID string) (*task.Worker, error) {
	var w task.Worker
	var hostname *string
	err := c.pool.QueryRow(ctx, `
		SELECT id, status, hostname, last_heartbeat_at, current_task_id, started_at
		FROM crawlgrid.workers
		WHERE id = $1`,
		workerID,
	).Scan(&w.ID, &w.Status, &hostname, &w.LastHeartbeatAt, &w.CurrentTaskID, &w.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, task.StoreErr(err)
	}
	if hostname != nil {
		w.Hostname = *hostname
	}
	return &w, nil
}
