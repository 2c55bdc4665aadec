// Package scheduler matches queued tasks to idle peers and drives the
// dispatcher side of each task's negotiation.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"idlemesh/pkg/bulk"
	"idlemesh/pkg/link"
	"idlemesh/pkg/metrics"
	"idlemesh/pkg/protocol"
	"idlemesh/pkg/resolver"
	"idlemesh/pkg/task"
	"idlemesh/pkg/types"
)

var log = logging.Logger("idlemesh/scheduler")

type Config struct {
	// ReclaimInterval is the delay before asking every peer for fresh status
	// when work is waiting on capacity or still in flight.
	ReclaimInterval time.Duration
}

// Cache is the content the dispatcher ships to executors.
type Cache interface {
	ClosureSources(root string) (map[string]string, error)
	Manifest(hash string) (*resolver.DependencySet, bool)
	PackageBundle(sf *resolver.DependencySet) ([]byte, error)
}

type Scheduler struct {
	cfg   Config
	state *State
	tasks *task.Registry
	cache Cache

	kick    chan struct{}
	running sync.Mutex

	ctxMu sync.Mutex
	ctx   context.Context
}

type assignment struct {
	task *task.Task
	pool types.UnitKind
}

func New(cfg Config, state *State, tasks *task.Registry, cache Cache) *Scheduler {
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 100 * time.Millisecond
	}
	if state == nil {
		state = NewState()
	}
	s := &Scheduler{
		cfg:   cfg,
		state: state,
		tasks: tasks,
		cache: cache,
		kick:  make(chan struct{}, 1),
		ctx:   context.Background(),
	}
	tasks.OnQueued(s.Trigger)
	tasks.OnAbandon(s.abandon)
	return s
}

func (s *Scheduler) State() *State { return s.state }

func (s *Scheduler) Peers() []PeerInfo { return s.state.Infos() }

// Trigger asks for an assignment pass. Triggers that arrive before the pass
// starts collapse into one.
func (s *Scheduler) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) context() context.Context {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	return s.ctx
}

// Run performs assignment passes until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()

	var (
		timer   *time.Timer
		reclaim <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
			if s.Assign(ctx) && reclaim == nil {
				timer = time.NewTimer(s.cfg.ReclaimInterval)
				reclaim = timer.C
			}
		case <-reclaim:
			reclaim = nil
			s.ClaimStatus()
		}
	}
}

// ClaimStatus asks every peer for a fresh status report.
func (s *Scheduler) ClaimStatus() {
	for _, p := range s.state.all() {
		if err := p.link.Send(protocol.ClaimStatus{}); err != nil {
			log.Debugf("claim status from %s: %v", p.Addr, err)
		}
	}
}

// Attach starts dispatching to the executor on the far side of l.
func (s *Scheduler) Attach(l *link.Link) {
	p, replaced := s.state.attach(l)
	if replaced != nil {
		replaced.link.Close()
	} else {
		metrics.Peers.Inc()
	}
	log.Infof("dispatching to %s", p.Addr)
	if err := l.Send(protocol.ClaimStatus{}); err != nil {
		log.Warnf("claim status from %s: %v", p.Addr, err)
	}
}

// Assign runs one assignment pass and reports whether fresh peer status
// should be requested.
func (s *Scheduler) Assign(ctx context.Context) bool {
	s.running.Lock()
	defer s.running.Unlock()
	metrics.AssignPasses.Inc()

	peers := s.state.reported()
	batches := map[*Peer][]assignment{}
	for _, pool := range types.Pools {
		var cold []task.Group
		for _, g := range s.tasks.Groups(pool) {
			if g.Tasks = s.place(g, pool, peers, true, batches); len(g.Tasks) > 0 {
				cold = append(cold, g)
			}
		}
		for _, g := range cold {
			s.place(g, pool, peers, false, batches)
		}
	}
	for p, batch := range batches {
		go s.dispatch(ctx, p, batch)
	}

	idle := false
	for _, p := range peers {
		if p.Cap.Idle(types.UnitCPU) > 0 || p.Cap.Idle(types.UnitGPU) > 0 {
			idle = true
			break
		}
	}
	return (s.tasks.Queued() > 0 && !idle) || s.tasks.InFlight() > 0
}

// place reserves as many of g's tasks as the peers' idle pool slots allow,
// and returns the tasks left over. With warm set only peers already holding
// the code are considered.
func (s *Scheduler) place(g task.Group, pool types.UnitKind, peers []*Peer, warm bool, batches map[*Peer][]assignment) []*task.Task {
	tasks := g.Tasks
	temperature := "cold"
	if warm {
		temperature = "warm"
	}
	for _, p := range peers {
		if len(tasks) == 0 {
			break
		}
		if warm && !p.Cap.KnowsCode(g.Hash) {
			continue
		}
		for len(tasks) > 0 {
			t := tasks[0]
			if err := p.Cap.Delegate(t.ID, pool); err != nil {
				break
			}
			tasks = tasks[1:]
			if err := s.tasks.Reserve(t.ID, p.Addr, pool); err != nil {
				p.Cap.Release(t.ID)
				log.Debugf("reserve %s: %v", t.Label(), err)
				continue
			}
			batches[p] = append(batches[p], assignment{task: t, pool: pool})
			metrics.Assignments.WithLabelValues(string(pool), temperature).Inc()
		}
	}
	return tasks
}

// dispatch waits for every task's resolution and sends the batch as one
// request.
func (s *Scheduler) dispatch(ctx context.Context, p *Peer, batch []assignment) {
	reqs := make([]*protocol.TaskRequest, len(batch))
	var g errgroup.Group
	for i, a := range batch {
		i, a := i, a // per-iteration copies (go1.21 loop semantics)
		g.Go(func() error {
			code, dep, err := a.task.Resolution(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.Cap.Release(a.task.ID)
					s.tasks.Fail(a.task.ID, err)
				}
				return nil
			}
			reqs[i] = &protocol.TaskRequest{
				ID:             a.task.ID,
				Name:           a.task.Name,
				CodeHash:       code,
				DependencyHash: dep,
				UnitKind:       a.pool,
			}
			return nil
		})
	}
	g.Wait()

	msg := protocol.RequestTasks{}
	for _, r := range reqs {
		// skip tasks that failed or were canceled while resolving
		if r != nil && s.tasks.Touch(r.ID, p.Addr) {
			msg.Tasks = append(msg.Tasks, *r)
		}
	}
	if len(msg.Tasks) == 0 {
		return
	}
	log.Debugf("sending %d tasks to %s", len(msg.Tasks), p.Addr)
	if err := p.link.Send(msg); err != nil {
		log.Infof("request tasks from %s: %v", p.Addr, err)
		for _, r := range msg.Tasks {
			p.Cap.Release(r.ID)
			s.tasks.Requeue(r.ID, p.Addr, "link")
		}
	}
}

// abandon tells the peer to drop a task and frees its slot.
func (s *Scheduler) abandon(id, addr string) {
	p, ok := s.state.get(addr)
	if !ok {
		return
	}
	if err := p.link.Send(protocol.TaskCancel{TaskID: id}); err != nil {
		log.Debugf("cancel %s on %s: %v", id, addr, err)
	}
	p.Cap.Release(id)
	s.Trigger()
}

// HandleMessage implements link.Handler for dispatcher links.
func (s *Scheduler) HandleMessage(l *link.Link, m protocol.Message) {
	p, ok := s.state.peerOf(l)
	if !ok {
		log.Debugf("%s from detached link %s", m.Kind(), l.Addr())
		return
	}
	switch v := m.(type) {
	case protocol.StatusReport:
		p.Cap.Apply(v.Report)
		s.state.markReported(p)
		s.Trigger()
	case protocol.ReportTaskStatus:
		for id, rep := range v.Reports {
			go s.handleReport(p, id, rep)
		}
	case protocol.TaskStarted:
		s.tasks.Advance(v.TaskID, p.Addr, types.StatusStarted)
	case protocol.TaskProcessing:
		s.tasks.Progress(v.TaskID, p.Addr, v.Vars)
	case protocol.TaskComplete:
		p.Cap.Release(v.TaskID)
		if s.tasks.Complete(v.TaskID, p.Addr, v.Result) {
			log.Debugf("task %s complete on %s", v.TaskID, p.Addr)
		}
		s.Trigger()
	case protocol.TaskCompleteBulk:
		go s.collect(p, v)
	case protocol.TaskError:
		s.taskError(p, v)
	default:
		log.Warnf("unexpected %s from executor %s", m.Kind(), p.Addr)
	}
}

// LinkClosed implements link.Handler. Tasks in flight on the link go back to
// the queue without charging their retry budget.
func (s *Scheduler) LinkClosed(l *link.Link, err error) {
	p, ok := s.state.detach(l)
	if !ok {
		return
	}
	metrics.Peers.Dec()
	ids := s.tasks.OnPeer(p.Addr)
	log.Infof("link to %s closed (%v); requeueing %d tasks", p.Addr, err, len(ids))
	for _, id := range ids {
		p.Cap.Release(id)
		s.tasks.Requeue(id, p.Addr, "link")
	}
	s.Trigger()
}

func (s *Scheduler) handleReport(p *Peer, id string, rep protocol.TaskReport) {
	t, ok := s.tasks.Task(id)
	if !ok || !s.tasks.Touch(id, p.Addr) {
		// the task was finished or moved; make sure the executor lets it go
		p.link.Send(protocol.TaskCancel{TaskID: id})
		return
	}
	code, dep, _ := t.Resolved()
	switch rep.Status {
	case protocol.Unacceptable:
		log.Debugf("%s refused by %s: %s", t.Label(), p.Addr, rep.Reason)
		kind, _ := p.Cap.Release(id)
		switch rep.Reason {
		case protocol.ReasonBadRequest, protocol.ReasonBadCode:
			// the task itself is at fault; charge it like any other error
			s.tasks.Retry(id, p.Addr, &types.TaskError{Phase: types.PhasePreprocess, Message: "refused by executor: " + rep.Reason})
			s.Trigger()
		case protocol.ReasonNotAccepted:
			p.Cap.Exhaust(types.UnitCPU)
			p.Cap.Exhaust(types.UnitGPU)
			s.tasks.Requeue(id, p.Addr, "unacceptable")
		default:
			// the peer's slots are stale; keep off it until it reports again
			if kind != "" {
				p.Cap.Exhaust(kind)
			}
			s.tasks.Requeue(id, p.Addr, "unacceptable")
		}

	case protocol.NeedsCode:
		sources, err := s.cache.ClosureSources(code)
		if err != nil {
			s.abort(p, id, fmt.Errorf("load code %s: %w", code, err))
			return
		}
		// the executor only sees the part of the closure it can reach, so
		// send all of it
		msg := protocol.ResponseCode{TaskID: id, CodeHash: code}
		data, err := json.Marshal(sources)
		if err != nil {
			s.abort(p, id, fmt.Errorf("encode code %s: %w", code, err))
			return
		}
		if bulk.NeedsChunking(len(data), p.link.ChunkSize()) {
			if msg.BulkHash, err = p.link.Offer(data); err != nil {
				s.abort(p, id, err)
				return
			}
			msg.Size = len(data)
		} else {
			msg.Sources = sources
		}
		s.send(p, id, msg)

	case protocol.NeedsDependencyDiff:
		if rep.NeedManifest {
			set, ok := s.cache.Manifest(dep)
			if !ok {
				s.abort(p, id, fmt.Errorf("dependency manifest %s not cached", dep))
				return
			}
			s.send(p, id, protocol.ResponseDependencyManifest{TaskID: id, DependencyHash: dep, Manifest: set})
			return
		}
		if rep.Shortfall == nil || rep.Shortfall.Hash() != rep.ShortfallHash {
			s.abort(p, id, fmt.Errorf("malformed shortfall from %s", p.Addr))
			return
		}
		data, err := s.cache.PackageBundle(rep.Shortfall)
		if err != nil {
			s.abort(p, id, fmt.Errorf("bundle shortfall %s: %w", rep.ShortfallHash, err))
			return
		}
		msg := protocol.ResponseDependencyBundle{TaskID: id, ShortfallHash: rep.ShortfallHash}
		if bulk.NeedsChunking(len(data), p.link.ChunkSize()) {
			if msg.BulkHash, err = p.link.Offer(data); err != nil {
				s.abort(p, id, err)
				return
			}
			msg.Size = len(data)
		} else {
			msg.Bundle = data
		}
		s.send(p, id, msg)

	case protocol.Confirmed:
		s.tasks.Advance(id, p.Addr, types.StatusConfirmed)
		msg := protocol.SendWorkerData{TaskID: id, CodeHash: code}
		if bulk.NeedsChunking(len(t.Payload), p.link.ChunkSize()) {
			h, err := p.link.Offer(t.Payload)
			if err != nil {
				s.abort(p, id, err)
				return
			}
			msg.BulkHash, msg.Size = h, len(t.Payload)
		} else {
			msg.Payload = t.Payload
		}
		s.send(p, id, msg)

	default:
		s.abort(p, id, fmt.Errorf("unknown task status %q from %s", rep.Status, p.Addr))
	}
}

func (s *Scheduler) send(p *Peer, id string, m protocol.Message) {
	if err := p.link.Send(m); err != nil {
		log.Debugf("%s for %s to %s: %v", m.Kind(), id, p.Addr, err)
	}
}

// abort cancels the task on the peer, frees the slot and fails the task.
func (s *Scheduler) abort(p *Peer, id string, err error) {
	log.Warnf("task %s on %s: %v", id, p.Addr, err)
	p.link.Send(protocol.TaskCancel{TaskID: id})
	p.Cap.Release(id)
	s.tasks.Fail(id, err)
	s.Trigger()
}

func (s *Scheduler) taskError(p *Peer, v protocol.TaskError) {
	cause := &types.TaskError{Phase: v.Phase, Message: v.Error}
	if !s.tasks.Touch(v.TaskID, p.Addr) {
		return
	}
	log.Infof("task %s failed on %s: %v", v.TaskID, p.Addr, cause)
	p.link.Send(protocol.TaskCancel{TaskID: v.TaskID})
	p.Cap.Release(v.TaskID)
	s.tasks.Retry(v.TaskID, p.Addr, cause)
	s.Trigger()
}

// collect fetches a result announced as a bulk transfer.
func (s *Scheduler) collect(p *Peer, v protocol.TaskCompleteBulk) {
	id := v.TaskID
	if !s.tasks.Touch(id, p.Addr) {
		return
	}
	watch := bulk.Watch{
		Retry: func() bool {
			return s.tasks.ConsumeRetry(id) && s.tasks.Touch(id, p.Addr)
		},
		// each chunk is activity; a long transfer must not time the task out
		Chunk: func() { s.tasks.Touch(id, p.Addr) },
	}
	data, err := p.link.Fetch(s.context(), v.ResultHash, watch)
	p.Cap.Release(id)
	switch {
	case err == nil:
		metrics.BulkBytes.WithLabelValues("in").Add(float64(len(data)))
		s.tasks.Complete(id, p.Addr, data)
	case errors.Is(err, types.ErrLinkClosed), errors.Is(err, context.Canceled):
		// LinkClosed or shutdown deals with the task
	default:
		log.Warnf("result of %s from %s: %v", id, p.Addr, err)
		s.tasks.Fail(id, err)
	}
	s.Trigger()
}
