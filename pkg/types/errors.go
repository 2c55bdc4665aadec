package types

import (
	"errors"
	"fmt"
)

var (
	// ErrUnacceptableTask means the executor ran out of idle slots between
	// assignment and receipt. Always requeued, never charged to the retry budget.
	ErrUnacceptableTask = errors.New("task unacceptable: no idle capacity")
	// ErrUnresolvableDependency is permanent; retrying cannot change the outcome.
	ErrUnresolvableDependency = errors.New("unresolvable dependency")
	ErrTimeout                = errors.New("task timed out")
	ErrTransferIntegrity      = errors.New("bulk transfer integrity mismatch")
	ErrCanceled               = errors.New("task canceled")
	ErrLinkClosed             = errors.New("peer link closed")
	ErrNoIdleSlot             = errors.New("no idle slot")
)

// Phase tells where inside the sandbox a task failed.
type Phase string

const (
	PhasePreprocess Phase = "preprocess"
	PhaseProcessing Phase = "processing"
)

// TaskError is a failure reported by the execution sandbox on the remote peer.
type TaskError struct {
	Phase   Phase
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Phase, e.Message)
}

// UnresolvableError names the import that could not be resolved.
type UnresolvableError struct {
	Specifier string
	File      string
}

func (e *UnresolvableError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("unresolvable dependency %q", e.Specifier)
	}
	return fmt.Sprintf("unresolvable dependency %q imported from %s", e.Specifier, e.File)
}

func (e *UnresolvableError) Unwrap() error { return ErrUnresolvableDependency }

// Retryable reports whether err may be retried by re-queueing the task.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrUnresolvableDependency) && !errors.Is(err, ErrCanceled)
}
