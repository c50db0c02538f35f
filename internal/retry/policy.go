package retry

import (
	"math/rand"
	"time"
)

// Outcome is the decision for a failed task.
type Outcome int

const (
	// Requeue returns the task to the queue after Delay.
	Requeue Outcome = iota
	// DeadLetter retires the task permanently.
	DeadLetter
)

// Decision is the result of evaluating a failed task against the policy.
type Decision struct {
	Outcome Outcome
	Delay   time.Duration // requeue backoff; zero when dead-lettering
}

// Policy computes backoff decisions for failed tasks. It holds no clock and
// no store handle: given the same inputs and rand stream it always returns
// the same decision, so it is testable in isolation.
type Policy struct {
	BaseDelay time.Duration // first backoff step
	MaxDelay  time.Duration // cap on the computed delay, pre-jitter
	JitterPct float64       // extra random delay, fraction of computed (0.0-1.0)

	// Rand supplies jitter. Nil falls back to the global source.
	Rand *rand.Rand
}

// Decide evaluates a failure on the given attempt against the budget.
// attempt is the lease attempt that just failed (1-based); terminal forces
// an immediate dead-letter regardless of remaining budget.
func (p Policy) Decide(attempt, maxAttempts int, terminal bool) Decision {
	if terminal || attempt >= maxAttempts {
		return Decision{Outcome: DeadLetter}
	}
	return Decision{Outcome: Requeue, Delay: p.Backoff(attempt)}
}

// Backoff computes the delay before the next attempt after a failure on the
// given attempt: base * 2^(attempt-1), capped, plus jitter in
// [0, JitterPct*delay). Jitter spreads out retries of tasks that failed
// together, so a downstream hiccup does not come back as a synchronized
// thundering herd.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterPct > 0 {
		delay += time.Duration(p.float64() * p.JitterPct * float64(delay))
	}
	return delay
}

func (p Policy) float64() float64 {
	if p.Rand != nil {
		return p.Rand.Float64()
	}
	return rand.Float64()
}
