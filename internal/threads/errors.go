package threads

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/snapshot"
)

var (
	// ErrNotFound is returned when the server has no such thread or message.
	ErrNotFound = errors.New("threads: not found")
	// ErrStaleResult is returned when the active thread changed while a fetch was outstanding.
	ErrStaleResult = errors.New("threads: stale result discarded")
	// ErrUnknownThread is returned for a thread id that is not cached locally.
	ErrUnknownThread = errors.New("threads: unknown thread")
	// ErrUnknownMessage is returned for a message id that is not cached locally.
	ErrUnknownMessage = errors.New("threads: unknown message")
	// ErrNotRetryable is returned when retrying a message that did not fail.
	ErrNotRetryable = errors.New("threads: message is not in a failed state")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("threads: store closed")
)

// SerializationError is raised by the snapshot codec; export failures abort a save.
type SerializationError = snapshot.SerializationError

// NetworkError wraps a transport failure. It is retryable.
type NetworkError struct {
	Operation string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("threads: %s: network error: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ValidationError reports input rejected before or by the server.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("threads: validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("threads: invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports an operation already in flight for the same id.
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("threads: %s %s already has an operation in flight", e.Resource, e.ID)
}

// IsRetryable reports whether the failure may succeed when repeated.
func IsRetryable(err error) bool {
	var networkErr *NetworkError
	return errors.As(err, &networkErr)
}
