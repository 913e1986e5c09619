package larder

import (
	"errors"
	"fmt"
)

// Common errors returned by the engine.
var (
	// ErrEngineStopped is returned when starting or mutating an engine that
	// has already been stopped.
	ErrEngineStopped = errors.New("engine is stopped")

	// ErrTaskNotFound is returned when re-enqueueing a failed task that is
	// not in the failure records.
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnknownTaskType is returned when a task is executed with no handler
	// registered for its type.
	ErrUnknownTaskType = errors.New("no handler registered for task type")
)

// ValidationError is returned synchronously on malformed input to a store
// write (a caller bug — never retried). Extractable via errors.As().
type ValidationError struct {
	Collection CollectionName
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: collection %q: %s", e.Collection, e.Message)
}

// NotFoundError is returned by a delta operation referencing an unknown
// entity. Callers treat it as a no-op-and-log condition, not fatal.
type NotFoundError struct {
	Collection CollectionName
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entity %q not found in collection %q", e.ID, e.Collection)
}

// TaskError is the terminal failure of a sync task that exhausted its
// attempts. Supports Unwrap().
type TaskError struct {
	TaskID   string
	Type     string
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s) failed after %d attempts: %v", e.TaskID, e.Type, e.Attempts, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
