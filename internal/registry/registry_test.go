package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/crawlgrid/crawlgrid/internal/db"
	"github.com/crawlgrid/crawlgrid/internal/events"
	"github.com/crawlgrid/crawlgrid/internal/logging"
	"github.com/crawlgrid/crawlgrid/internal/metrics"
	"github.com/crawlgrid/crawlgrid/internal/queue"
	"github.com/crawlgrid/crawlgrid/internal/retry"
	"github.com/crawlgrid/crawlgrid/internal/task"
)

func TestExport(t *testing.T) {
	snap := &Snapshot{
		TasksByState: map[task.State]int{
			task.StateQueued: 7,
			task.StateLeased: 2,
		},
		WorkersByStatus: map[task.WorkerStatus]int{
			task.WorkerRunning: 3,
		},
		QueueDepthByTier: map[string]int{"high": 1, "normal": 5, "low": 1},
		CompletedLastMin: 42,
	}

	Export(snap)

	if got := testutil.ToFloat64(metrics.TasksByState.WithLabelValues("queued")); got != 7 {
		t.Errorf("queued gauge = %v, want 7", got)
	}
	if got := testutil.ToFloat64(metrics.TasksByState.WithLabelValues("succeeded")); got != 0 {
		t.Errorf("succeeded gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.WorkersByStatus.WithLabelValues("running")); got != 3 {
		t.Errorf("running workers gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("normal")); got != 5 {
		t.Errorf("normal depth gauge = %v, want 5", got)
	}
	if got := testutil.ToFloat64(metrics.ThroughputPerMinute); got != 42 {
		t.Errorf("throughput gauge = %v, want 42", got)
	}
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("CRAWLGRID_TEST_DSN")
	if dsn == "" {
		t.Skip("CRAWLGRID_TEST_DSN not set")
	}
	pool, err := db.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("db connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.EnsureSchema(context.Background(), pool); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := pool.Exec(context.Background(), `TRUNCATE crawlgrid.tasks, crawlgrid.workers`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

func TestScan(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	c := queue.New(pool, retry.Policy{BaseDelay: time.Second}, events.Nop{}, logging.New("registry-test"))
	r := New(pool, logging.New("registry-test"))

	c.Enqueue(ctx, queue.EnqueueParams{Payload: task.Payload{URL: "https://example.com/1"}, Priority: 5, MaxAttempts: 3})
	c.Enqueue(ctx, queue.EnqueueParams{Payload: task.Payload{URL: "https://example.com/2"}, Priority: 0, MaxAttempts: 3})
	c.Enqueue(ctx, queue.EnqueueParams{Payload: task.Payload{URL: "https://example.com/3"}, Priority: 0, MaxAttempts: 3})
	c.RegisterWorker(ctx, "worker-1", "host-1")

	// One task leased and acknowledged: counts as succeeded and toward the
	// per-minute completion rate.
	leased, err := c.Lease(ctx, "worker-1", time.Minute)
	if err != nil || leased == nil {
		t.Fatalf("Lease: %v %v", leased, err)
	}
	if err := c.Acknowledge(ctx, leased.ID, "worker-1"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	snap, err := r.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if snap.TasksByState[task.StateQueued] != 2 {
		t.Errorf("expected 2 queued, got %d", snap.TasksByState[task.StateQueued])
	}
	if snap.TasksByState[task.StateSucceeded] != 1 {
		t.Errorf("expected 1 succeeded, got %d", snap.TasksByState[task.StateSucceeded])
	}
	if snap.CompletedLastMin != 1 {
		t.Errorf("expected 1 completed last minute, got %d", snap.CompletedLastMin)
	}
	if snap.WorkersByStatus[task.WorkerStarting] != 1 {
		t.Errorf("expected 1 starting worker, got %d", snap.WorkersByStatus[task.WorkerStarting])
	}
	// The leased-then-acknowledged task was the high-priority one.
	if snap.QueueDepthByTier["normal"] != 2 {
		t.Errorf("expected 2 normal-tier queued, got %d", snap.QueueDepthByTier["normal"])
	}
	if snap.QueueDepthByTier["high"] != 0 {
		t.Errorf("expected 0 high-tier queued, got %d", snap.QueueDepthByTier["high"])
	}
}
