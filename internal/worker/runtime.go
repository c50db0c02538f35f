package worker

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/crawlgrid/crawlgrid/internal/logging"
	"github.com/crawlgrid/crawlgrid/internal/metrics"
	"github.com/crawlgrid/crawlgrid/internal/retry"
	"github.com/crawlgrid/crawlgrid/internal/task"
	"github.com/crawlgrid/crawlgrid/internal/tracing"
)

// Queue is the slice of the queue client the runtime needs.
type Queue interface {
	Lease(ctx context.Context, workerID string, visibility time.Duration) (*task.Task, error)
	Acknowledge(ctx context.Context, taskID uuid.UUID, workerID string) error
	Fail(ctx context.Context, t task.Task, workerID, cause string, terminal bool) (retry.Decision, error)
	ExtendLease(ctx context.Context, taskID uuid.UUID, workerID string, visibility time.Duration) error
	RegisterWorker(ctx context.Context, workerID, hostname string) error
	Heartbeat(ctx context.Context, workerID string, status task.WorkerStatus, currentTask *uuid.UUID) error
	DeregisterWorker(ctx context.Context, workerID string) error
}

// Config tunes the runtime loop.
type Config struct {
	PollInterval      time.Duration // sleep between empty lease polls; never busy-spin
	HeartbeatInterval time.Duration // fixed cadence, independent of task progress
	VisibilityTimeout time.Duration // lease duration requested from the store
	ExtendThreshold   time.Duration // renew the lease this long before expiry
	MaxTaskDuration   time.Duration // deadline handed to the capability
}

// Runtime is one worker process: it leases one task at a time, hands the
// payload to the capability, and reports the outcome. Fleet concurrency
// comes from running many instances, not from multiplexing leases inside
// one.
type Runtime struct {
	ID string

	q      Queue
	exec   Capability
	egress EgressProvider
	cfg    Config
	log    *logging.Logger

	mu      sync.Mutex
	status  task.WorkerStatus
	current *uuid.UUID

	drainOnce sync.Once
	drainCh   chan struct{}
}

// New mints a fresh worker identity; IDs are never reused across restarts.
func New(q Queue, execCap Capability, egress EgressProvider, cfg Config, log *logging.Logger) *Runtime {
	if egress == nil {
		egress = DirectEgress{}
	}
	return &Runtime{
		ID:      "worker-" + uuid.NewString(),
		q:       q,
		exec:    execCap,
		egress:  egress,
		cfg:     cfg,
		log:     log,
		status:  task.WorkerStarting,
		drainCh: make(chan struct{}),
	}
}

// Drain asks the runtime to finish its in-flight lease (if any), stop
// leasing new tasks, and shut down. Safe to call more than once.
func (r *Runtime) Drain() {
	r.drainOnce.Do(func() {
		r.setStatus(task.WorkerDraining)
		close(r.drainCh)
	})
}

// Status returns the current lifecycle status.
func (r *Runtime) Status() task.WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run drives the lease loop until drained or the context is cancelled.
// Context cancellation also cancels the in-flight execution; Drain lets it
// finish first.
func (r *Runtime) Run(ctx context.Context) error {
	hostname, _ := os.Hostname()
	if err := r.q.RegisterWorker(ctx, r.ID, hostname); err != nil {
		return err
	}
	r.setStatus(task.WorkerRunning)
	r.log.WithContext(ctx).WithWorker(r.ID).Info("worker running")

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		r.heartbeatLoop(hbCtx)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-r.drainCh:
			break loop
		default:
		}

		t, err := r.q.Lease(ctx, r.ID, r.cfg.VisibilityTimeout)
		if err != nil {
			// Store connectivity trouble: log, back off one poll interval,
			// try again. The queue never hides this class of failure.
			r.log.WithContext(ctx).WithWorker(r.ID).WithError(err).Error("lease failed")
			if !r.sleep(ctx, r.cfg.PollInterval) {
				break loop
			}
			continue
		}
		if t == nil {
			if !r.sleep(ctx, r.cfg.PollInterval) {
				break loop
			}
			continue
		}

		r.process(ctx, t)
	}

	r.setStatus(task.WorkerStopped)
	stopHeartbeat()
	hbDone.Wait()

	// Best-effort teardown on a fresh context: the loop context is often
	// already cancelled when we get here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.q.DeregisterWorker(shutdownCtx, r.ID); err != nil {
		r.log.Plain().WithWorker(r.ID).WithError(err).Warn("deregister failed")
	}
	r.log.Plain().WithWorker(r.ID).Info("worker stopped")
	return nil
}

// process runs one leased task through the capability and resolves the
// lease. A lost lease is absorbed: the result is discarded and the loop
// moves on.
func (r *Runtime) process(ctx context.Context, t *task.Task) {
	r.setCurrent(&t.ID)
	defer r.setCurrent(nil)

	ctx, span := tracing.StartSpan(ctx, "worker.process",
		attribute.String("task_id", t.ID.String()),
		attribute.String("worker_id", r.ID),
		attribute.Int("attempt", t.Attempt),
		attribute.Int("priority", t.Priority),
	)
	defer span.End()

	log := r.log.WithContext(ctx).WithTask(t.ID.String()).WithWorker(r.ID).WithURL(t.Payload.URL)

	egressURL, ok, err := r.egress.Endpoint(ctx)
	if err != nil || !ok {
		cause := "no egress endpoint available"
		if err != nil {
			cause = "egress provider: " + err.Error()
		}
		log.WithError(err).Warn("egress unavailable, requeueing")
		r.reportFailure(ctx, t, cause, false, "no_egress")
		return
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.MaxTaskDuration > 0 {
		execCtx, cancel = context.WithTimeout(ctx, r.cfg.MaxTaskDuration)
		defer cancel()
	}

	start := time.Now()
	resCh := make(chan error, 1)
	go func() {
		_, err := r.exec.Execute(execCtx, t.Payload, egressURL)
		resCh <- err
	}()

	// Renew the lease while the capability runs. If the capability never
	// returns, the lease eventually expires and the sweeper takes over; the
	// runtime does not kill in-flight work.
	extendEvery := r.cfg.VisibilityTimeout - r.cfg.ExtendThreshold
	if extendEvery <= 0 {
		extendEvery = r.cfg.VisibilityTimeout / 2
	}
	extendTicker := time.NewTicker(extendEvery)
	defer extendTicker.Stop()

	leaseLost := false
	var execErr error
waitLoop:
	for {
		select {
		case execErr = <-resCh:
			break waitLoop
		case <-extendTicker.C:
			if leaseLost {
				continue
			}
			if err := r.q.ExtendLease(ctx, t.ID, r.ID, r.cfg.VisibilityTimeout); err != nil {
				if errors.Is(err, task.ErrLeaseLost) {
					leaseLost = true
					log.Warn("lease reclaimed while executing, result will be discarded")
					continue
				}
				log.WithError(err).Error("extend lease failed")
			}
		}
	}
	metrics.ExecuteDuration.Observe(time.Since(start).Seconds())

	if leaseLost {
		// Another worker may already be on it. Wasted effort, nothing to
		// resolve.
		return
	}

	if execErr == nil {
		if err := r.q.Acknowledge(ctx, t.ID, r.ID); err != nil {
			if errors.Is(err, task.ErrLeaseLost) {
				log.Warn("lease lost before acknowledge, result discarded")
				return
			}
			log.WithError(err).Error("acknowledge failed")
			return
		}
		log.WithField("duration", time.Since(start).String()).Info("task succeeded")
		return
	}

	terminal := IsTerminal(execErr)
	tracing.SetSpanError(ctx, execErr)
	log.WithError(execErr).WithField("terminal", terminal).Warn("task execution failed")
	r.reportFailure(ctx, t, execErr.Error(), terminal, classifyReason(execErr))
}

func (r *Runtime) reportFailure(ctx context.Context, t *task.Task, cause string, terminal bool, reason string) {
	d, err := r.q.Fail(ctx, *t, r.ID, cause, terminal)
	if err != nil {
		if errors.Is(err, task.ErrLeaseLost) {
			r.log.WithContext(ctx).WithTask(t.ID.String()).WithWorker(r.ID).
				Warn("lease lost before failure report")
			return
		}
		r.log.WithContext(ctx).WithTask(t.ID.String()).WithWorker(r.ID).WithError(err).
			Error("failure report failed")
		return
	}
	if d.Outcome == retry.Requeue {
		metrics.RetriesTotal.WithLabelValues(reason).Inc()
		r.log.WithContext(ctx).WithTask(t.ID.String()).WithWorker(r.ID).WithFields(map[string]any{
			"attempt": t.Attempt,
			"delay":   d.Delay.String(),
			"reason":  reason,
		}).Info("task requeued")
		return
	}
	r.log.WithContext(ctx).WithTask(t.ID.String()).WithWorker(r.ID).
		WithField("attempt", t.Attempt).Warn("task dead-lettered")
}

// heartbeatLoop emits liveness on a fixed interval from its own goroutine,
// so a single long-running task cannot starve liveness reporting.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	beat := func() {
		r.mu.Lock()
		status := r.status
		current := r.current
		r.mu.Unlock()

		hbCtx, cancel := context.WithTimeout(ctx, r.cfg.HeartbeatInterval)
		defer cancel()
		if err := r.q.Heartbeat(hbCtx, r.ID, status, current); err != nil {
			r.log.Plain().WithWorker(r.ID).WithError(err).Warn("heartbeat failed")
		}
	}

	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func (r *Runtime) setStatus(s task.WorkerStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *Runtime) setCurrent(id *uuid.UUID) {
	r.mu.Lock()
	r.current = id
	r.mu.Unlock()
}

// sleep waits for d or until shutdown; reports false when the loop should
// exit.
func (r *Runtime) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.drainCh:
		return false
	case <-timer.C:
		return true
	}
}

func classifyReason(err error) string {
	if err == nil {
		return "other"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return "dns_error"
	case strings.Contains(msg, "status 5"):
		return "http_5xx"
	case strings.Contains(msg, "status 429"):
		return "http_429"
	default:
		return "network"
	}
}
