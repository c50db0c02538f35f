package registry

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlgrid/crawlgrid/internal/logging"
	"github.com/crawlgrid/crawlgrid/internal/metrics"
	"github.com/crawlgrid/crawlgrid/internal/task"
)

// Snapshot is a point-in-time aggregation of queue and fleet state, served
// to external observability consumers.
type Snapshot struct {
	TasksByState      map[task.State]int        `json:"tasks_by_state"`
	WorkersByStatus   map[task.WorkerStatus]int `json:"workers_by_status"`
	QueueDepthByTier  map[string]int            `json:"queue_depth_by_tier"` // high/normal/low
	CompletedLastMin  int                       `json:"completed_last_minute"`
	DeadLetteredTotal int                       `json:"deadlettered_total"`
	GeneratedAt       time.Time                 `json:"generated_at"`
}

// Registry computes read-side aggregates by periodic scan. It never sits on
// the write path: if a scan fails, task processing is unaffected and the
// previous numbers simply go stale.
type Registry struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

func New(pool *pgxpool.Pool, log *logging.Logger) *Registry {
	return &Registry{pool: pool, log: log}
}

// Scan computes a fresh snapshot.
func (r *Registry) Scan(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		TasksByState:     make(map[task.State]int),
		WorkersByStatus:  make(map[task.WorkerStatus]int),
		QueueDepthByTier: map[string]int{"high": 0, "normal": 0, "low": 0},
		GeneratedAt:      time.Now().UTC(),
	}

	rows, err := r.pool.Query(ctx, `
		SELECT state, count(*) FROM crawlgrid.tasks GROUP BY state`)
	if err != nil {
		return nil, task.StoreErr(err)
	}
	for rows.Next() {
		var s task.State
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			rows.Close()
			return nil, task.StoreErr(err)
		}
		snap.TasksByState[s] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, task.StoreErr(err)
	}
	snap.DeadLetteredTotal = snap.TasksByState[task.StateDeadLettered]

	rows, err = r.pool.Query(ctx, `
		SELECT CASE WHEN priority > 0 THEN 'high'
		            WHEN priority < 0 THEN 'low'
		            ELSE 'normal' END AS tier,
		       count(*)
		FROM crawlgrid.tasks
		WHERE state = 'queued'
		GROUP BY tier`)
	if err != nil {
		return nil, task.StoreErr(err)
	}
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			rows.Close()
			return nil, task.StoreErr(err)
		}
		snap.QueueDepthByTier[tier] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, task.StoreErr(err)
	}

	rows, err = r.pool.Query(ctx, `
		SELECT status, count(*) FROM crawlgrid.workers GROUP BY status`)
	if err != nil {
		return nil, task.StoreErr(err)
	}
	for rows.Next() {
		var s task.WorkerStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			rows.Close()
			return nil, task.StoreErr(err)
		}
		snap.WorkersByStatus[s] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, task.StoreErr(err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT count(*) FROM crawlgrid.tasks
		WHERE state = 'succeeded' AND finished_at > now() - interval '1 minute'`,
	).Scan(&snap.CompletedLastMin)
	if err != nil {
		return nil, task.StoreErr(err)
	}

	return snap, nil
}

// Run refreshes the snapshot on a fixed interval and exports it through the
// prometheus gauges.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := r.Scan(ctx)
			if err != nil {
				r.log.WithContext(ctx).WithError(err).Error("registry scan failed")
				continue
			}
			Export(snap)
		}
	}
}

// Export publishes a snapshot through the prometheus gauges.
func Export(snap *Snapshot) {
	for _, s := range []task.State{task.StateQueued, task.StateLeased, task.StateSucceeded, task.StateFailed, task.StateDeadLettered} {
		metrics.TasksByState.WithLabelValues(string(s)).Set(float64(snap.TasksByState[s]))
	}
	for _, s := range []task.WorkerStatus{task.WorkerStarting, task.WorkerRunning, task.WorkerDraining, task.WorkerStopped} {
		metrics.WorkersByStatus.WithLabelValues(string(s)).Set(float64(snap.WorkersByStatus[s]))
	}
	for tier, n := range snap.QueueDepthByTier {
		metrics.QueueDepth.WithLabelValues(tier).Set(float64(n))
	}
	metrics.ThroughputPerMinute.Set(float64(snap.CompletedLastMin))
}
