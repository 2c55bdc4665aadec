// Package task is the registry of submitted work: identity, hashes, status
// timers and retry budgets for every task until it terminates.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"idlemesh/pkg/metrics"
	"idlemesh/pkg/types"
)

var log = logging.Logger("idlemesh/task")

type Config struct {
	// Timeout is the inactivity window; every state change restarts it.
	Timeout           time.Duration
	AutoTimeoutRetry  bool
	MaxTimeoutRetries int
	AutoErrorRetry    bool
	MaxErrorRetries   int
}

func (c *Config) Defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxTimeoutRetries <= 0 {
		c.MaxTimeoutRetries = 10
	}
	if c.MaxErrorRetries <= 0 {
		c.MaxErrorRetries = 10
	}
}

// Resolver turns submitted source into the hashes tasks are scheduled by.
type Resolver interface {
	HashOf(text []byte) (string, error)
	Resolve(ctx context.Context, source []byte, dir string) (codeHash, depHash string, err error)
	// Resolved returns the code hash an earlier Resolve produced for rawHash.
	Resolved(rawHash string) (string, bool)
}

// Group is a run of queued tasks sharing one code hash, oldest first.
type Group struct {
	Hash  string
	Tasks []*Task
}

type Registry struct {
	cfg    Config
	res    Resolver
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*Task
	queue   map[string][]*Task
	order   []string
	onQueue func()
	abandon func(id, peer string)
}

func NewRegistry(cfg Config, res Resolver) *Registry {
	cfg.Defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:     cfg,
		res:     res,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   map[string]*Task{},
		queue:   map[string][]*Task{},
		onQueue: func() {},
		abandon: func(string, string) {},
	}
}

// OnQueued is called, outside the registry lock, whenever tasks become schedulable.
func (r *Registry) OnQueued(fn func()) {
	r.mu.Lock()
	r.onQueue = fn
	r.mu.Unlock()
}

// OnAbandon is called before a task leaves a peer because of a timeout or
// cancellation, so the peer can be told and its slot released first.
func (r *Registry) OnAbandon(fn func(id, peer string)) {
	r.mu.Lock()
	r.abandon = fn
	r.mu.Unlock()
}

func (r *Registry) Close() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		r.finishLocked(t, types.StatusFailed, nil, types.ErrCanceled)
	}
}

// Submit registers work and queues it. Code resolution runs in the
// background; the task is schedulable before it finishes.
func (r *Registry) Submit(spec Spec) (*Handle, error) {
	kind := spec.Kind
	if kind == "" {
		kind = types.UnitCPU
	}
	if kind != types.UnitCPU && kind != types.UnitGPU && kind != types.UnitEither {
		return nil, fmt.Errorf("unknown processing unit kind %q", kind)
	}
	if len(spec.Source) == 0 {
		return nil, errors.New("task has no source")
	}
	raw, err := r.res.HashOf(spec.Source)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	t := &Task{
		ID:           uuid.NewString(),
		Name:         spec.Name,
		RawHash:      raw,
		Payload:      spec.Payload,
		Kind:         kind,
		CreatedAt:    now,
		ready:        make(chan struct{}),
		status:       types.StatusQueued,
		lastActivity: now,
		updates:      make(chan types.Update, 32),
		done:         make(chan struct{}),
	}
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.enqueueLocked(t, false)
	r.emitLocked(t, types.Update{Status: types.StatusQueued})
	notify := r.onQueue
	r.mu.Unlock()

	metrics.TasksSubmitted.Inc()
	log.Debugf("submitted %s (%s, code %s)", t.Label(), kind, raw)
	go r.resolve(t, spec)
	notify()
	return &Handle{ID: t.ID, task: t}, nil
}

func (r *Registry) resolve(t *Task, spec Spec) {
	code, dep, err := r.res.Resolve(r.ctx, spec.Source, spec.Dir)
	r.mu.Lock()
	defer r.mu.Unlock()
	t.codeHash, t.depHash, t.resolveErr = code, dep, err
	close(t.ready)
	if err == nil {
		return
	}
	// In-flight tasks are failed by whoever waits on the resolution.
	if t.status == types.StatusQueued && !t.finished {
		log.Warnf("%s: %v", t.Label(), err)
		r.dequeueLocked(t)
		r.finishLocked(t, types.StatusFailed, nil, err)
	}
}

func (r *Registry) enqueueLocked(t *Task, front bool) {
	q, ok := r.queue[t.RawHash]
	if !ok {
		r.order = append(r.order, t.RawHash)
	}
	if front {
		r.queue[t.RawHash] = append([]*Task{t}, q...)
	} else {
		r.queue[t.RawHash] = append(q, t)
	}
}

func (r *Registry) dequeueLocked(t *Task) {
	q := r.queue[t.RawHash]
	for i, x := range q {
		if x == t {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(q) > 0 {
		r.queue[t.RawHash] = q
		return
	}
	delete(r.queue, t.RawHash)
	for i, h := range r.order {
		if h == t.RawHash {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// Groups returns the queued tasks that fit pool, grouped by code hash. The
// resolved hash is used once known for the task or its source, the raw hash
// until then.
func (r *Registry) Groups(pool types.UnitKind) []Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	var groups []Group
	index := map[string]int{}
	for _, raw := range r.order {
		for _, t := range r.queue[raw] {
			if !t.Kind.Fits(pool) {
				continue
			}
			h := t.schedulingHash()
			if h == t.RawHash {
				// same source as a task resolved before; group it with that code
				if code, ok := r.res.Resolved(h); ok {
					h = code
				}
			}
			i, ok := index[h]
			if !ok {
				i = len(groups)
				index[h] = i
				groups = append(groups, Group{Hash: h})
			}
			groups[i].Tasks = append(groups[i].Tasks, t)
		}
	}
	return groups
}

func (r *Registry) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.queue {
		n += len(q)
	}
	return n
}

// InFlight counts tasks handed to a peer that have not terminated.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.status != types.StatusQueued {
			n++
		}
	}
	return n
}

// OnPeer lists the ids of tasks currently assigned to peer.
func (r *Registry) OnPeer(peer string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, t := range r.tasks {
		if t.status != types.StatusQueued && t.peer == peer {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) Get(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Info{}, false
	}
	return t.info(), true
}

func (r *Registry) Task(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.info())
	}
	return out
}

// Reserve moves a queued task to peer and starts its inactivity timer.
func (r *Registry) Reserve(id, peer string, pool types.UnitKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.status != types.StatusQueued {
		return fmt.Errorf("task %s is %s, not queued", id, t.status)
	}
	r.dequeueLocked(t)
	t.status = types.StatusSent
	t.peer = peer
	t.assigned = pool
	r.touchLocked(t)
	r.emitLocked(t, types.Update{Status: types.StatusSent})
	metrics.TasksInFlight.Inc()
	return nil
}

// inFlightLocked returns the task if it is assigned to peer.
func (r *Registry) inFlightLocked(id, peer string) (*Task, bool) {
	t, ok := r.tasks[id]
	if !ok || t.status == types.StatusQueued || (peer != "" && t.peer != peer) {
		return nil, false
	}
	return t, true
}

// Touch restarts the inactivity timer of a task assigned to peer.
func (r *Registry) Touch(id, peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.inFlightLocked(id, peer)
	if ok {
		r.touchLocked(t)
	}
	return ok
}

// Advance records a status change reported by peer.
func (r *Registry) Advance(id, peer string, status types.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.inFlightLocked(id, peer)
	if !ok {
		return false
	}
	t.status = status
	r.touchLocked(t)
	r.emitLocked(t, types.Update{Status: status})
	return true
}

// Progress forwards intermediate state. The status itself does not change.
func (r *Registry) Progress(id, peer string, vars []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.inFlightLocked(id, peer)
	if !ok {
		return false
	}
	r.touchLocked(t)
	r.emitLocked(t, types.Update{Status: types.StatusProcessing, Vars: vars})
	return true
}

func (r *Registry) Complete(id, peer string, result []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.inFlightLocked(id, peer)
	if !ok {
		return false
	}
	r.finishLocked(t, types.StatusComplete, result, nil)
	return true
}

// Fail terminates a task without retrying.
func (r *Registry) Fail(id string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	if t.status == types.StatusQueued {
		r.dequeueLocked(t)
	}
	r.finishLocked(t, types.StatusFailed, nil, err)
	return true
}

// Requeue puts an in-flight task back at the head of its queue without
// charging its retry budget.
func (r *Registry) Requeue(id, peer, reason string) bool {
	r.mu.Lock()
	t, ok := r.inFlightLocked(id, peer)
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.requeueLocked(t, reason)
	notify := r.onQueue
	r.mu.Unlock()
	notify()
	return true
}

func (r *Registry) requeueLocked(t *Task, reason string) {
	r.stopTimerLocked(t)
	t.status = types.StatusQueued
	t.peer = ""
	t.assigned = ""
	t.lastActivity = time.Now()
	r.enqueueLocked(t, true)
	r.emitLocked(t, types.Update{Status: types.StatusQueued})
	metrics.TasksInFlight.Dec()
	metrics.TaskRetries.WithLabelValues(reason).Inc()
	log.Debugf("%s requeued (%s)", t.Label(), reason)
}

// Retry handles a failure of an in-flight task: it is re-queued while the
// matching retry policy allows, and failed otherwise. It reports whether
// the task was re-queued.
func (r *Registry) Retry(id, peer string, cause error) bool {
	r.mu.Lock()
	t, ok := r.inFlightLocked(id, peer)
	if !ok {
		r.mu.Unlock()
		return false
	}
	var (
		again  bool
		reason string
	)
	switch {
	case !types.Retryable(cause):
	case errors.Is(cause, types.ErrTimeout):
		reason = "timeout"
		if r.cfg.AutoTimeoutRetry && t.timeoutRetries < r.cfg.MaxTimeoutRetries {
			t.timeoutRetries++
			again = true
		}
	default:
		reason = "error"
		if r.cfg.AutoErrorRetry && t.errorRetries < r.cfg.MaxErrorRetries {
			t.errorRetries++
			again = true
		}
	}
	if !again {
		log.Infof("%s failed: %v", t.Label(), cause)
		r.finishLocked(t, types.StatusFailed, nil, cause)
		r.mu.Unlock()
		return false
	}
	r.requeueLocked(t, reason)
	notify := r.onQueue
	r.mu.Unlock()
	notify()
	return true
}

// ConsumeRetry charges one unit of the task's error budget, for restarting
// a bulk transfer. It reports false once the budget is spent.
func (r *Registry) ConsumeRetry(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.errorRetries >= r.cfg.MaxErrorRetries {
		return false
	}
	t.errorRetries++
	return true
}

// Cancel terminates a task at the caller's request. A peer running it is
// told, and its slot released, before Cancel returns.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	peer := ""
	if t.status == types.StatusQueued {
		r.dequeueLocked(t)
	} else {
		peer = t.peer
	}
	abandon := r.abandon
	r.stopTimerLocked(t)
	delete(r.tasks, id)
	r.mu.Unlock()

	if peer != "" {
		abandon(id, peer)
	}
	r.mu.Lock()
	r.finishLocked(t, types.StatusFailed, nil, types.ErrCanceled)
	r.mu.Unlock()
	return nil
}

func (r *Registry) touchLocked(t *Task) {
	t.lastActivity = time.Now()
	r.stopTimerLocked(t)
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(r.cfg.Timeout, func() { r.expire(t.ID, gen) })
}

func (r *Registry) stopTimerLocked(t *Task) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (r *Registry) expire(id string, gen uint64) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.gen != gen || t.status == types.StatusQueued {
		r.mu.Unlock()
		return
	}
	peer := t.peer
	t.timer = nil
	abandon := r.abandon
	r.mu.Unlock()

	log.Infof("%s: no activity from %s for %s", t.Label(), peer, r.cfg.Timeout)
	abandon(id, peer)
	r.Retry(id, peer, types.ErrTimeout)
}

func (r *Registry) emitLocked(t *Task, u types.Update) {
	if t.finished {
		return
	}
	u.TaskID = t.ID
	u.Peer = t.peer
	u.At = time.Now()
	select {
	case t.updates <- u:
	default:
	}
}

func (r *Registry) finishLocked(t *Task, status types.Status, result []byte, err error) {
	if t.finished {
		return
	}
	if t.status != types.StatusQueued {
		metrics.TasksInFlight.Dec()
	}
	r.stopTimerLocked(t)
	delete(r.tasks, t.ID)
	t.status = status
	t.result = result
	t.err = err
	u := types.Update{TaskID: t.ID, Status: status, Peer: t.peer, Err: err, At: time.Now()}
	t.finished = true
	// the terminal update must not be lost to a full buffer
	select {
	case t.updates <- u:
	default:
		select {
		case <-t.updates:
		default:
		}
		t.updates <- u
	}
	close(t.updates)
	close(t.done)
	outcome := "complete"
	if err != nil {
		outcome = "failed"
	}
	metrics.TasksFinished.WithLabelValues(outcome).Inc()
}
