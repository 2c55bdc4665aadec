package task

import (
	"context"
	"encoding/json"
	"time"

	"idlemesh/pkg/types"
)

// Spec is what a caller submits.
type Spec struct {
	// Name is for logs and diagnostics only; IDs are generated.
	Name    string
	Source  []byte
	Dir     string
	Payload json.RawMessage
	Kind    types.UnitKind
}

// Task is owned by the Registry until it terminates. Fields below the
// marker are guarded by the registry's mutex.
type Task struct {
	ID        string
	Name      string
	RawHash   string
	Payload   json.RawMessage
	Kind      types.UnitKind
	CreatedAt time.Time

	ready      chan struct{}
	codeHash   string
	depHash    string
	resolveErr error

	// guarded by Registry.mu
	assigned       types.UnitKind
	status         types.Status
	peer           string
	lastActivity   time.Time
	timeoutRetries int
	errorRetries   int
	timer          *time.Timer
	gen            uint64
	finished       bool
	result         []byte
	err            error

	updates chan types.Update
	done    chan struct{}
}

// Label is the name when one was given, otherwise the id.
func (t *Task) Label() string {
	if t.Name != "" {
		return t.Name + "(" + t.ID[:8] + ")"
	}
	return t.ID
}

// Resolution waits until the task's code and dependency hashes are known.
func (t *Task) Resolution(ctx context.Context) (codeHash, depHash string, err error) {
	select {
	case <-t.ready:
		return t.codeHash, t.depHash, t.resolveErr
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

// Resolved reports the resolution without waiting.
func (t *Task) Resolved() (codeHash, depHash string, ok bool) {
	select {
	case <-t.ready:
		return t.codeHash, t.depHash, t.resolveErr == nil
	default:
		return "", "", false
	}
}

func (t *Task) schedulingHash() string {
	if code, _, ok := t.Resolved(); ok {
		return code
	}
	return t.RawHash
}

// Info is a point-in-time copy of a task.
type Info struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Kind           types.UnitKind `json:"unitKind"`
	Assigned       types.UnitKind `json:"assigned,omitempty"`
	Status         types.Status   `json:"status"`
	Peer           string         `json:"peer,omitempty"`
	CodeHash       string         `json:"codeHash,omitempty"`
	DependencyHash string         `json:"dependencyHash,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivity   time.Time      `json:"lastActivity"`
	TimeoutRetries int            `json:"timeoutRetries"`
	ErrorRetries   int            `json:"errorRetries"`
	Result         []byte         `json:"-"`
	Err            error          `json:"-"`
}

func (t *Task) info() Info {
	code, dep, _ := t.Resolved()
	return Info{
		ID:             t.ID,
		Name:           t.Name,
		Kind:           t.Kind,
		Assigned:       t.assigned,
		Status:         t.status,
		Peer:           t.peer,
		CodeHash:       code,
		DependencyHash: dep,
		CreatedAt:      t.CreatedAt,
		LastActivity:   t.lastActivity,
		TimeoutRetries: t.timeoutRetries,
		ErrorRetries:   t.errorRetries,
		Result:         t.result,
		Err:            t.err,
	}
}

// Handle is the caller's side of a submitted task.
type Handle struct {
	ID   string
	task *Task
}

// Updates delivers status changes and progress; it is closed after the
// terminal update. Intermediate updates are dropped if the caller falls behind.
func (h *Handle) Updates() <-chan types.Update { return h.task.updates }

func (h *Handle) Done() <-chan struct{} { return h.task.done }

func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-h.task.done:
		return h.task.result, h.task.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Final returns the terminal snapshot once Done is closed.
func (h *Handle) Final() (Info, bool) {
	select {
	case <-h.task.done:
		return h.task.info(), true
	default:
		return Info{}, false
	}
}
