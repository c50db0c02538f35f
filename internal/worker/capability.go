package worker

import (
	"context"
	"errors"

	"github.com/crawlgrid/crawlgrid/internal/task"
)

// Capability is the external execution collaborator: it takes a task payload
// and does the actual fetch-and-process work. The runtime treats the payload
// as opaque and never branches on its contents.
//
// A nil error means success. A non-nil error is retriable unless wrapped
// with Terminal, which tells the runtime to dead-letter the task immediately
// instead of burning retries on a permanently invalid target.
type Capability interface {
	Execute(ctx context.Context, p task.Payload, egressURL string) (Result, error)
}

// Result is the capability's output. The runtime does not inspect it beyond
// bookkeeping; downstream consumers receive it through the result pipeline,
// which is outside this subsystem.
type Result struct {
	Summary string `json:"summary,omitempty"`
	Bytes   int    `json:"bytes,omitempty"`
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, p task.Payload, egressURL string) (Result, error)

func (f CapabilityFunc) Execute(ctx context.Context, p task.Payload, egressURL string) (Result, error) {
	return f(ctx, p, egressURL)
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as non-retriable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked non-retriable.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// EgressProvider is the proxy subsystem's narrow interface: hand out a
// healthy egress endpoint, or report that none is available right now. An
// unavailable egress is a transient condition, not a fatal one.
type EgressProvider interface {
	Endpoint(ctx context.Context) (url string, ok bool, err error)
}

// DirectEgress skips the proxy layer entirely; the capability egresses
// directly.
type DirectEgress struct{}

func (DirectEgress) Endpoint(context.Context) (string, bool, error) { return "", true, nil }
