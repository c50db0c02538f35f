package task

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable wraps a failure to reach the backing store. It is
	// always surfaced to the caller; masking it risks silent task loss.
	ErrStoreUnavailable = errors.New("queue store unavailable")

	// ErrLeaseLost means the caller no longer owns the lease it is trying to
	// resolve: the sweeper reclaimed it, or another owner holds it. Workers
	// absorb this locally (discard the result, lease the next task).
	ErrLeaseLost = errors.New("lease lost")

	// ErrNotFound means no task exists with the given id.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTask rejects malformed enqueue requests before they enter
	// the queue.
	ErrInvalidTask = errors.New("invalid task")
)

// StoreErr tags err as a store connectivity failure, keeping the original
// cause in the chain.
func StoreErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// InvalidTaskErr builds an ErrInvalidTask with a reason.
func InvalidTaskErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...))
}
