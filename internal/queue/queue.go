package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlgrid/crawlgrid/internal/events"
	"github.com/crawlgrid/crawlgrid/internal/logging"
	"github.com/crawlgrid/crawlgrid/internal/metrics"
	"github.com/crawlgrid/crawlgrid/internal/retry"
	"github.com/crawlgrid/crawlgrid/internal/task"
	"github.com/crawlgrid/crawlgrid/internal/tracing"
)

// Enqueue admission bounds. Requests outside these never enter the queue.
const (
	MinPriority    = -1000
	MaxPriority    = 1000
	MaxMaxAttempts = 100
)

const taskCols = `id, payload, priority, state, attempt, max_attempts,
	lease_owner, lease_expires_at, not_before, last_error,
	created_at, updated_at, finished_at`

// Client wraps the durable store with the queue's semantics: priority
// admission, visibility-timeout leasing, owner-checked acknowledgement, and
// the retry/dead-letter transition on failure.
//
// Every mutation is a single conditional SQL statement keyed by task id. Two
// workers can never both lease the same queued task: the lease statement
// selects and flips the row in one step (FOR UPDATE SKIP LOCKED), so there is
// no read-then-write window to race through.
type Client struct {
	pool    *pgxpool.Pool
	policy  retry.Policy
	emitter events.Emitter
	log     *logging.Logger
}

// New returns a Client over the given pool. The policy decides
// requeue-vs-dead-letter on failure; the emitter receives lifecycle events.
func New(pool *pgxpool.Pool, policy retry.Policy, emitter events.Emitter, log *logging.Logger) *Client {
	return &Client{pool: pool, policy: policy, emitter: emitter, log: log}
}

// EnqueueParams describes a task admission request.
type EnqueueParams struct {
	Payload     task.Payload
	Priority    int
	MaxAttempts int
}

// Enqueue creates a task in the queued state and returns it. Malformed
// requests fail fast with ErrInvalidTask; store connectivity failures are
// surfaced as ErrStoreUnavailable and the caller must retry the enqueue
// itself; a swallowed enqueue is a silently lost task.
func (c *Client) Enqueue(ctx context.Context, p EnqueueParams) (*task.Task, error) {
	if p.Payload.URL == "" {
		return nil, task.InvalidTaskErr("payload url is required")
	}
	if p.Priority < MinPriority || p.Priority > MaxPriority {
		return nil, task.InvalidTaskErr("priority %d out of bounds [%d, %d]", p.Priority, MinPriority, MaxPriority)
	}
	if p.MaxAttempts < 1 || p.MaxAttempts > MaxMaxAttempts {
		return nil, task.InvalidTaskErr("max_attempts %d out of bounds [1, %d]", p.MaxAttempts, MaxMaxAttempts)
	}

	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, task.InvalidTaskErr("payload not serializable: %v", err)
	}

	ctx, span := tracing.StartSpan(ctx, "queue.Enqueue")
	defer span.End()

	row := c.pool.QueryRow(ctx, `
		INSERT INTO crawlgrid.tasks (id, payload, priority, max_attempts, state)
		VALUES ($1, $2, $3, $4, 'queued')
		RETURNING `+taskCols,
		uuid.New(), payload, p.Priority, p.MaxAttempts,
	)
	t, err := scanTask(row)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, task.StoreErr(err)
	}

	metrics.TasksEnqueuedTotal.WithLabelValues(priorityTier(t.Priority)).Inc()
	return t, nil
}

// Lease atomically claims the highest-priority eligible task for workerID:
// ties break on oldest created_at, tasks gated by a future not_before are
// skipped, and the attempt counter increments as part of the same statement.
// Returns (nil, nil) when nothing is eligible; an empty queue is not an
// error.
func (c *Client) Lease(ctx context.Context, workerID string, visibility time.Duration) (*task.Task, error) {
	ctx, span := tracing.StartSpan(ctx, "queue.Lease")
	defer span.End()

	row := c.pool.QueryRow(ctx, `
		UPDATE crawlgrid.tasks
		SET state = 'leased',
		    lease_owner = $1,
		    lease_expires_at = now() + $2,
		    attempt = attempt + 1,
		    updated_at = now()
		WHERE id = (
			SELECT id FROM crawlgrid.tasks
			WHERE state = 'queued'
			  AND (not_before IS NULL OR not_before <= now())
			ORDER BY priority DESC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+taskCols,
		workerID, visibility,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, task.StoreErr(err)
	}

	metrics.TasksLeasedTotal.Inc()
	c.emitter.Emit(ctx, events.ForTask(events.TaskStarted, *t))
	return t, nil
}

// Acknowledge resolves a lease as succeeded. It only matches while the
// caller still owns the lease; otherwise ErrLeaseLost tells the worker its
// result arrived too late and should be discarded (wasted effort, not a
// correctness violation).
func (c *Client) Acknowledge(ctx context.Context, taskID uuid.UUID, workerID string) error {
	ctx, span := tracing.StartSpan(ctx, "queue.Acknowledge")
	defer span.End()

	row := c.pool.QueryRow(ctx, `
		UPDATE crawlgrid.tasks
		SET state = 'succeeded',
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    last_error = NULL,
		    finished_at = now(),
		    updated_at = now()
		WHERE id = $1 AND state = 'leased' AND lease_owner = $2
		RETURNING `+taskCols,
		taskID, workerID,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.TasksResolvedTotal.WithLabelValues("lease_lost").Inc()
		return task.ErrLeaseLost
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return task.StoreErr(err)
	}

	metrics.TasksResolvedTotal.WithLabelValues("succeeded").Inc()
	c.emitter.Emit(ctx, events.ForTask(events.TaskSucceeded, *t))
	return nil
}

// Fail resolves a lease as failed. The retry policy decides the transition:
// back to queued behind a not_before backoff gate, or dead-lettered when the
// budget is exhausted. terminal forces the dead-letter branch regardless of
// remaining budget, for targets the capability marked permanently invalid.
// Subject to the same ownership check as Acknowledge.
func (c *Client) Fail(ctx context.Context, t task.Task, workerID, cause string, terminal bool) (retry.Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "queue.Fail")
	defer span.End()

	d := c.policy.Decide(t.Attempt, t.MaxAttempts, terminal)

	var row pgx.Row
	if d.Outcome == retry.Requeue {
		row = c.pool.QueryRow(ctx, `
			UPDATE crawlgrid.tasks
			SET state = 'queued',
			    lease_owner = NULL,
			    lease_expires_at = NULL,
			    not_before = now() + $3,
			    last_error = $4,
			    updated_at = now()
			WHERE id = $1 AND state = 'leased' AND lease_owner = $2
			RETURNING `+taskCols,
			t.ID, workerID, d.Delay, cause,
		)
	} else {
		row = c.pool.QueryRow(ctx, `
			UPDATE crawlgrid.tasks
			SET state = 'deadlettered',
			    lease_owner = NULL,
			    lease_expires_at = NULL,
			    last_error = $3,
			    finished_at = now(),
			    updated_at = now()
			WHERE id = $1 AND state = 'leased' AND lease_owner = $2
			RETURNING `+taskCols,
			t.ID, workerID, cause,
		)
	}

	updated, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.TasksResolvedTotal.WithLabelValues("lease_lost").Inc()
		return d, task.ErrLeaseLost
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return d, task.StoreErr(err)
	}

	if d.Outcome == retry.Requeue {
		metrics.TasksResolvedTotal.WithLabelValues("requeued").Inc()
		c.emitter.Emit(ctx, events.ForTask(events.TaskFailed, *updated))
		return d, nil
	}

	metrics.TasksResolvedTotal.WithLabelValues("deadlettered").Inc()
	metrics.DeadLettersTotal.Inc()
	c.emitter.Emit(ctx, events.ForTask(events.TaskDeadLettered, *updated))
	reason := "max attempts reached"
	if terminal {
		reason = "terminal failure"
	}
	c.emitter.EmitDeadLetter(ctx, task.NewDeadLetter(*updated, updated.Attempt, cause, reason))
	return d, nil
}

// ExtendLease pushes out the visibility deadline of a held lease, for work
// that legitimately runs past the original timeout. Owner-checked like
// Acknowledge.
func (c *Client) ExtendLease(ctx context.Context, taskID uuid.UUID, workerID string, visibility time.Duration) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE crawlgrid.tasks
		SET lease_expires_at = now() + $3,
		    updated_at = now()
		WHERE id = $1 AND state = 'leased' AND lease_owner = $2`,
		taskID, workerID, visibility,
	)
	if err != nil {
		return task.StoreErr(err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrLeaseLost
	}
	return nil
}

// Get fetches a task by id, any state. Dead-lettered tasks stay queryable
// with last_error populated until explicit cleanup.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT `+taskCols+`
		FROM crawlgrid.tasks
		WHERE id = $1`,
		id,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, task.StoreErr(err)
	}
	return t, nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var payload []byte
	var owner, lastErr *string
	err := row.Scan(
		&t.ID, &payload, &t.Priority, &t.State, &t.Attempt, &t.MaxAttempts,
		&owner, &t.LeaseExpiresAt, &t.NotBefore, &lastErr,
		&t.CreatedAt, &t.UpdatedAt, &t.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		t.LeaseOwner = *owner
	}
	if lastErr != nil {
		t.LastError = *lastErr
	}
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return nil, err
	}
	return &t, nil
}

func priorityTier(p int) string {
	switch {
	case p > 0:
		return "high"
	case p < 0:
		return "low"
	default:
		return "normal"
	}
}
