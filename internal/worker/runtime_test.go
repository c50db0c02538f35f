package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crawlgrid/crawlgrid/internal/logging"
	"github.com/crawlgrid/crawlgrid/internal/retry"
	"github.com/crawlgrid/crawlgrid/internal/task"
)

type failCall struct {
	taskID   uuid.UUID
	cause    string
	terminal bool
}

// fakeQueue hands out a fixed set of tasks, then invokes onEmpty so the test
// can drain the runtime.
type fakeQueue struct {
	mu sync.Mutex

	tasks   []*task.Task
	onEmpty func()

	extendErr error

	leases       int
	acks         []uuid.UUID
	fails        []failCall
	extends      int
	registered   bool
	deregistered bool
	heartbeats   []task.WorkerStatus
}

func (f *fakeQueue) Lease(_ context.Context, workerID string, _ time.Duration) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases++
	if len(f.tasks) == 0 {
		if f.onEmpty != nil {
			f.onEmpty()
		}
		return nil, nil
	}
	t := f.tasks[0]
	f.tasks = f.tasks[1:]
	t.State = task.StateLeased
	t.Attempt++
	t.LeaseOwner = workerID
	return t, nil
}

func (f *fakeQueue) Acknowledge(_ context.Context, taskID uuid.UUID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, taskID)
	return nil
}

func (f *fakeQueue) Fail(_ context.Context, t task.Task, _, cause string, terminal bool) (retry.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = append(f.fails, failCall{taskID: t.ID, cause: cause, terminal: terminal})
	if terminal || t.Attempt >= t.MaxAttempts {
		return retry.Decision{Outcome: retry.DeadLetter}, nil
	}
	return retry.Decision{Outcome: retry.Requeue, Delay: time.Second}, nil
}

func (f *fakeQueue) ExtendLease(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extends++
	return f.extendErr
}

func (f *fakeQueue) RegisterWorker(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = true
	return nil
}

func (f *fakeQueue) Heartbeat(_ context.Context, _ string, status task.WorkerStatus, _ *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, status)
	return nil
}

func (f *fakeQueue) DeregisterWorker(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = true
	return nil
}

func testConfig() Config {
	return Config{
		PollInterval:      time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		VisibilityTimeout: 100 * time.Millisecond,
		ExtendThreshold:   90 * time.Millisecond,
		MaxTaskDuration:   time.Second,
	}
}

func newTask() *task.Task {
	return &task.Task{
		ID:          uuid.New(),
		Payload:     task.Payload{URL: "https://example.com/page"},
		State:       task.StateQueued,
		MaxAttempts: 3,
	}
}

func runUntilDrained(t *testing.T, rt *Runtime) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime exited with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not drain in time")
	}
}

func TestRunSuccessAcknowledges(t *testing.T) {
	tk := newTask()
	q := &fakeQueue{tasks: []*task.Task{tk}}

	var rt *Runtime
	q.onEmpty = func() { rt.Drain() }

	executed := false
	capability := CapabilityFunc(func(_ context.Context, p task.Payload, _ string) (Result, error) {
		executed = true
		if p.URL != tk.Payload.URL {
			t.Errorf("capability got url %q, want %q", p.URL, tk.Payload.URL)
		}
		return Result{Summary: "ok"}, nil
	})

	rt = New(q, capability, DirectEgress{}, testConfig(), logging.New("worker-test"))
	runUntilDrained(t, rt)

	if !executed {
		t.Fatal("capability never ran")
	}
	if !q.registered || !q.deregistered {
		t.Errorf("expected register and deregister, got %v/%v", q.registered, q.deregistered)
	}
	if len(q.acks) != 1 || q.acks[0] != tk.ID {
		t.Fatalf("expected one acknowledge for %s, got %v", tk.ID, q.acks)
	}
	if len(q.fails) != 0 {
		t.Errorf("expected no failure reports, got %v", q.fails)
	}
	if got := rt.Status(); got != task.WorkerStopped {
		t.Errorf("expected final status %q, got %q", task.WorkerStopped, got)
	}
}

func TestRunTransientFailureReportsRetriable(t *testing.T) {
	tk := newTask()
	q := &fakeQueue{tasks: []*task.Task{tk}}

	var rt *Runtime
	q.onEmpty = func() { rt.Drain() }

	capability := CapabilityFunc(func(context.Context, task.Payload, string) (Result, error) {
		return Result{}, fmt.Errorf("fetch https://example.com/page: status 503")
	})

	rt = New(q, capability, DirectEgress{}, testConfig(), logging.New("worker-test"))
	runUntilDrained(t, rt)

	if len(q.acks) != 0 {
		t.Errorf("expected no acknowledges, got %v", q.acks)
	}
	if len(q.fails) != 1 {
		t.Fatalf("expected one failure report, got %d", len(q.fails))
	}
	if q.fails[0].terminal {
		t.Error("expected transient failure, reported terminal")
	}
	if q.fails[0].taskID != tk.ID {
		t.Errorf("failure reported for wrong task: %s", q.fails[0].taskID)
	}
}

func TestRunTerminalFailureReportsTerminal(t *testing.T) {
	tk := newTask()
	q := &fakeQueue{tasks: []*task.Task{tk}}

	var rt *Runtime
	q.onEmpty = func() { rt.Drain() }

	capability := CapabilityFunc(func(context.Context, task.Payload, string) (Result, error) {
		return Result{}, Terminal(fmt.Errorf("status 404"))
	})

	rt = New(q, capability, DirectEgress{}, testConfig(), logging.New("worker-test"))
	runUntilDrained(t, rt)

	if len(q.fails) != 1 {
		t.Fatalf("expected one failure report, got %d", len(q.fails))
	}
	if !q.fails[0].terminal {
		t.Error("expected terminal failure report")
	}
}

func TestRunLeaseLostDiscardsResult(t *testing.T) {
	tk := newTask()
	release := make(chan struct{})
	q := &fakeQueue{tasks: []*task.Task{tk}, extendErr: task.ErrLeaseLost}

	var rt *Runtime
	q.onEmpty = func() { rt.Drain() }

	capability := CapabilityFunc(func(context.Context, task.Payload, string) (Result, error) {
		<-release
		return Result{Summary: "late"}, nil
	})

	cfg := testConfig()
	// Force an extend attempt well before the capability returns.
	cfg.VisibilityTimeout = 20 * time.Millisecond
	cfg.ExtendThreshold = 10 * time.Millisecond

	rt = New(q, capability, DirectEgress{}, cfg, logging.New("worker-test"))

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	// Give the extend ticker a chance to fire and observe the lost lease.
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop in time")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.extends == 0 {
		t.Fatal("expected at least one extend attempt")
	}
	if len(q.acks) != 0 {
		t.Errorf("lost lease should discard the result, got acks %v", q.acks)
	}
	if len(q.fails) != 0 {
		t.Errorf("lost lease should not report failure, got %v", q.fails)
	}
}

func TestRunEgressUnavailableRequeues(t *testing.T) {
	tk := newTask()
	q := &fakeQueue{tasks: []*task.Task{tk}}

	var rt *Runtime
	q.onEmpty = func() { rt.Drain() }

	capability := CapabilityFunc(func(context.Context, task.Payload, string) (Result, error) {
		t.Error("capability must not run without an egress endpoint")
		return Result{}, nil
	})

	rt = New(q, capability, noEgress{}, testConfig(), logging.New("worker-test"))
	runUntilDrained(t, rt)

	if len(q.fails) != 1 {
		t.Fatalf("expected one failure report, got %d", len(q.fails))
	}
	if q.fails[0].terminal {
		t.Error("missing egress is transient, reported terminal")
	}
}

type noEgress struct{}

func (noEgress) Endpoint(context.Context) (string, bool, error) { return "", false, nil }

func TestDrainWhileIdleStops(t *testing.T) {
	q := &fakeQueue{}

	var rt *Runtime
	q.onEmpty = func() { rt.Drain() }

	rt = New(q, CapabilityFunc(func(context.Context, task.Payload, string) (Result, error) {
		return Result{}, nil
	}), DirectEgress{}, testConfig(), logging.New("worker-test"))

	runUntilDrained(t, rt)

	if !q.deregistered {
		t.Error("expected deregister on shutdown")
	}
}

func TestHeartbeatsFlowDuringLongTask(t *testing.T) {
	tk := newTask()
	release := make(chan struct{})
	q := &fakeQueue{tasks: []*task.Task{tk}}

	var rt *Runtime
	q.onEmpty = func() { rt.Drain() }

	capability := CapabilityFunc(func(context.Context, task.Payload, string) (Result, error) {
		<-release
		return Result{}, nil
	})

	rt = New(q, capability, DirectEgress{}, testConfig(), logging.New("worker-test"))

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	time.Sleep(60 * time.Millisecond)
	q.mu.Lock()
	beats := len(q.heartbeats)
	q.mu.Unlock()

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop in time")
	}

	if beats < 2 {
		t.Errorf("expected heartbeats while the task ran, got %d", beats)
	}
}

func TestTerminalWrapper(t *testing.T) {
	base := errors.New("status 410")
	wrapped := Terminal(base)

	if !IsTerminal(wrapped) {
		t.Error("expected wrapped error to be terminal")
	}
	if IsTerminal(base) {
		t.Error("bare error must not be terminal")
	}
	if !errors.Is(wrapped, base) {
		t.Error("terminal wrapper must preserve the cause chain")
	}
	if Terminal(nil) != nil {
		t.Error("Terminal(nil) must be nil")
	}
}
