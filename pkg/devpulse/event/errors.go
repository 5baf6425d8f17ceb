package event

import (
	"errors"
	"fmt"
	"strings"
)

// DuplicateEventMessage is the validation error reported for an event whose
// fingerprint was already seen inside the dedup window.
const DuplicateEventMessage = "Duplicate event detected"

// ValidationError reports a malformed or duplicate event. The event is
// dropped and counted; it is never retried.
type ValidationError struct {
	EventID string
	Errors  []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %s failed validation: %s", e.EventID, strings.Join(e.Errors, "; "))
}

// IsDuplicate reports whether the validation failure was duplicate
// suppression rather than a structural problem.
func (e *ValidationError) IsDuplicate() bool {
	for _, msg := range e.Errors {
		if msg == DuplicateEventMessage {
			return true
		}
	}
	return false
}

// CapacityError reports that an enqueue forced eviction. It is informational:
// the enqueue itself succeeded.
type CapacityError struct {
	Queue   string
	Evicted int
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("queue %s at capacity, evicted %d event(s)", e.Queue, e.Evicted)
}

// FatalCapacityError reports that eviction could not free enough memory for
// the incoming event. The enqueue is rejected.
type FatalCapacityError struct {
	Queue       string
	NeededBytes int64
	FreedBytes  int64
}

// Error implements the error interface.
func (e *FatalCapacityError) Error() string {
	return fmt.Sprintf("queue %s cannot admit event: needed %d bytes, freed %d",
		e.Queue, e.NeededBytes, e.FreedBytes)
}

// HandlerError reports a batch handler failure, including a recovered
// handler panic. The error never propagates to the publisher.
type HandlerError struct {
	Queue  string
	Events int
	Err    error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for queue %s failed on batch of %d: %v", e.Queue, e.Events, e.Err)
}

// Unwrap returns the underlying handler error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError reports an event that failed more times than the
// queue's retry budget allows. The event is permanently dropped.
type RetryExhaustedError struct {
	EventID  string
	Attempts int
	LastErr  error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("event %s permanently failed after %d attempts: %v",
		e.EventID, e.Attempts, e.LastErr)
}

// Unwrap returns the error from the final attempt.
func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// Contract violations surfaced synchronously to the caller.
var (
	// ErrQueueExists is returned when creating a queue whose name is taken.
	ErrQueueExists = errors.New("queue already exists")

	// ErrQueueNotFound is returned for operations on an unknown queue name.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrSystemQueue is returned when destroying a protected system queue.
	ErrSystemQueue = errors.New("system queue cannot be destroyed")

	// ErrTooManyQueues is returned when the router's queue limit is reached.
	ErrTooManyQueues = errors.New("maximum queue count reached")
)
