package liveness

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlgrid/crawlgrid/internal/events"
	"github.com/crawlgrid/crawlgrid/internal/logging"
	"github.com/crawlgrid/crawlgrid/internal/metrics"
	"github.com/crawlgrid/crawlgrid/internal/task"
)

// Monitor reclaims expired leases and purges dead workers. The two scans are
// independent: lease expiry alone is evidence enough to reclaim a task, no
// failure detector needed. Every statement is conditional and idempotent, so
// any number of monitor instances can run concurrently: a second sweep over
// the same expired lease matches nothing.
type Monitor struct {
	pool                *pgxpool.Pool
	emitter             events.Emitter
	log                 *logging.Logger
	Interval            time.Duration
	DeadWorkerThreshold time.Duration
}

func New(pool *pgxpool.Pool, emitter events.Emitter, log *logging.Logger, interval, deadThreshold time.Duration) *Monitor {
	return &Monitor{
		pool:                pool,
		emitter:             emitter,
		log:                 log,
		Interval:            interval,
		DeadWorkerThreshold: deadThreshold,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, purged, err := m.Sweep(ctx)
			if err != nil {
				m.log.WithContext(ctx).WithError(err).Error("sweep failed")
				continue
			}
			if reclaimed > 0 || purged > 0 {
				m.log.WithContext(ctx).WithFields(map[string]any{
					"leases_reclaimed": reclaimed,
					"workers_purged":   purged,
				}).Info("sweep complete")
			}
		}
	}
}

// Sweep runs both scans once and reports how many leases were reclaimed and
// how many worker records were purged.
func (m *Monitor) Sweep(ctx context.Context) (reclaimed, purged int, err error) {
	reclaimed, err = m.ReclaimExpiredLeases(ctx)
	if err != nil {
		return reclaimed, 0, err
	}
	purged, err = m.PurgeDeadWorkers(ctx)
	return reclaimed, purged, err
}

// ReclaimExpiredLeases returns every leased task whose visibility deadline
// has lapsed to the queued state. The attempt counter is untouched: it was
// already incremented when the lease was taken.
func (m *Monitor) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	rows, err := m.pool.Query(ctx, `
		UPDATE crawlgrid.tasks
		SET state = 'queued',
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE state = 'leased' AND lease_expires_at < now()
		RETURNING id, lease_owner`,
	)
	if err != nil {
		return 0, task.StoreErr(err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id, owner *string
		if err := rows.Scan(&id, &owner); err != nil {
			return n, task.StoreErr(err)
		}
		n++
		entry := m.log.WithContext(ctx)
		if id != nil {
			entry = entry.WithTask(*id)
		}
		entry.Warn("reclaimed expired lease")
	}
	if err := rows.Err(); err != nil {
		return n, task.StoreErr(err)
	}
	metrics.LeasesReclaimedTotal.Add(float64(n))
	return n, nil
}

// PurgeDeadWorkers deletes worker records whose heartbeat is older than the
// dead-worker threshold and requeues any lease they still held. The lease
// release does not wait for visibility expiry: a worker declared dead will
// not come back to acknowledge.
func (m *Monitor) PurgeDeadWorkers(ctx context.Context) (int, error) {
	rows, err := m.pool.Query(ctx, `
		DELETE FROM crawlgrid.workers
		WHERE last_heartbeat_at < now() - $1
		RETURNING id`,
		m.DeadWorkerThreshold,
	)
	if err != nil {
		return 0, task.StoreErr(err)
	}

	var dead []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, task.StoreErr(err)
		}
		dead = append(dead, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, task.StoreErr(err)
	}

	for _, id := range dead {
		_, err := m.pool.Exec(ctx, `
			UPDATE crawlgrid.tasks
			SET state = 'queued',
			    lease_owner = NULL,
			    lease_expires_at = NULL,
			    updated_at = now()
			WHERE state = 'leased' AND lease_owner = $1`,
			id,
		)
		if err != nil {
			return len(dead), task.StoreErr(err)
		}
		m.log.WithContext(ctx).WithWorker(id).Warn("purged dead worker")
		m.emitter.Emit(ctx, events.ForWorker(events.WorkerStopped, id))
	}

	metrics.WorkersPurgedTotal.Add(float64(len(dead)))
	return len(dead), nil
}
