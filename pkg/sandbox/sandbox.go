// Package sandbox runs shipped code in a separate worker process and
// streams its progress and outcome back as events.
package sandbox

import (
	"context"
	"encoding/json"

	"idlemesh/pkg/types"
)

// Code locates materialized code on disk.
type Code struct {
	// Dir holds node_modules for the code's package imports.
	Dir      string
	Entry    string
	CodeHash string
}

type EventKind int

const (
	Progress EventKind = iota
	Complete
	Failed
)

// Event is one message from a running task. Exactly one Complete or Failed
// event is delivered, after which the channel is closed.
type Event struct {
	Kind   EventKind
	Vars   json.RawMessage
	Result json.RawMessage
	Err    error
}

type Handle interface {
	Events() <-chan Event
	// Cancel stops the task; a Failed event with types.ErrCanceled follows
	// unless the task already finished.
	Cancel()
}

type Sandbox interface {
	Start(ctx context.Context, code Code, payload json.RawMessage) (Handle, error)
}

func preprocess(msg string) error {
	return &types.TaskError{Phase: types.PhasePreprocess, Message: msg}
}

func processing(msg string) error {
	return &types.TaskError{Phase: types.PhaseProcessing, Message: msg}
}
