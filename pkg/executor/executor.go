// Package executor runs tasks for remote dispatchers: it answers capacity
// claims, negotiates the code and dependencies each task needs, and drives
// the sandbox.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"idlemesh/pkg/bulk"
	"idlemesh/pkg/capacity"
	"idlemesh/pkg/link"
	"idlemesh/pkg/metrics"
	"idlemesh/pkg/protocol"
	"idlemesh/pkg/resolver"
	"idlemesh/pkg/sandbox"
	"idlemesh/pkg/types"
)

var log = logging.Logger("idlemesh/executor")

// maxBundleAttempts bounds how often one task may ask for the same
// dependencies before the install is considered broken.
const maxBundleAttempts = 3

type Config struct {
	// RuntimeDir holds node_modules and materialized code.
	RuntimeDir     string
	StatusCooldown time.Duration
	// Accept decides whether a dispatcher address may use this node. Nil accepts all.
	Accept func(addr string) bool
}

type Executor struct {
	cfg  Config
	cap  *capacity.Capacity
	res  *resolver.Resolver
	inst *resolver.Installer
	sb   sandbox.Sandbox

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	jobs      map[jobKey]*job
	reporters map[*link.Link]*reporter
}

type jobKey struct {
	link *link.Link
	id   string
}

type phase int

const (
	negotiating phase = iota
	confirmed
	running
)

type job struct {
	req     protocol.TaskRequest
	link    *link.Link
	phase   phase
	bundles int
	cancel  context.CancelFunc
}

func New(cfg Config, c *capacity.Capacity, res *resolver.Resolver, inst *resolver.Installer, sb sandbox.Sandbox) *Executor {
	if cfg.StatusCooldown <= 0 {
		cfg.StatusCooldown = 50 * time.Millisecond
	}
	if cfg.Accept == nil {
		cfg.Accept = func(string) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:       cfg,
		cap:       c,
		res:       res,
		inst:      inst,
		sb:        sb,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      map[jobKey]*job{},
		reporters: map[*link.Link]*reporter{},
	}
}

func (e *Executor) Capacity() *capacity.Capacity { return e.cap }

// Close cancels every running task.
func (e *Executor) Close() {
	e.cancel()
}

// Report is what this node tells l's dispatcher about itself.
func (e *Executor) Report(l *link.Link) protocol.StatusReport {
	if !e.cfg.Accept(l.Addr()) {
		return protocol.StatusReport{}
	}
	r := e.cap.Snapshot()
	r.KnownCodeHashes = e.res.KnownCode()
	return protocol.StatusReport{Report: r}
}

func (e *Executor) reporterFor(l *link.Link) *reporter {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reporters[l]
	if !ok {
		r = &reporter{link: l, cooldown: e.cfg.StatusCooldown, build: func() protocol.StatusReport { return e.Report(l) }}
		e.reporters[l] = r
	}
	return r
}

// CapacityChanged schedules a status report to every dispatcher.
func (e *Executor) CapacityChanged() {
	e.mu.Lock()
	rs := make([]*reporter, 0, len(e.reporters))
	for _, r := range e.reporters {
		rs = append(rs, r)
	}
	e.mu.Unlock()
	for _, r := range rs {
		r.schedule()
	}
	metrics.IdleSlots.WithLabelValues(string(types.UnitCPU)).Set(float64(e.cap.Idle(types.UnitCPU)))
	metrics.IdleSlots.WithLabelValues(string(types.UnitGPU)).Set(float64(e.cap.Idle(types.UnitGPU)))
}

func (e *Executor) job(l *link.Link, id string) (*job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[jobKey{l, id}]
	return j, ok
}

// drop forgets a job and frees its slot; it reports whether the job existed.
func (e *Executor) drop(l *link.Link, id string) bool {
	e.mu.Lock()
	j, ok := e.jobs[jobKey{l, id}]
	if ok {
		delete(e.jobs, jobKey{l, id})
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	if j.cancel != nil {
		j.cancel()
	}
	e.cap.Release(id)
	metrics.ExecutorTasks.Dec()
	e.CapacityChanged()
	return true
}

// HandleMessage implements link.Handler for executor links.
func (e *Executor) HandleMessage(l *link.Link, m protocol.Message) {
	switch v := m.(type) {
	case protocol.ClaimStatus:
		e.reporterFor(l).schedule()
	case protocol.RequestTasks:
		go e.requestTasks(l, v)
	case protocol.ResponseCode:
		go e.responseCode(l, v)
	case protocol.ResponseDependencyManifest:
		go e.responseManifest(l, v)
	case protocol.ResponseDependencyBundle:
		go e.responseBundle(l, v)
	case protocol.SendWorkerData:
		go e.workerData(l, v)
	case protocol.TaskCancel:
		if e.drop(l, v.TaskID) {
			log.Debugf("task %s canceled by %s", v.TaskID, l.Addr())
		}
	default:
		log.Warnf("unexpected %s from dispatcher %s", m.Kind(), l.Addr())
	}
}

// LinkClosed implements link.Handler; every task from that dispatcher stops.
func (e *Executor) LinkClosed(l *link.Link, err error) {
	e.mu.Lock()
	var ids []string
	for k := range e.jobs {
		if k.link == l {
			ids = append(ids, k.id)
		}
	}
	r := e.reporters[l]
	delete(e.reporters, l)
	e.mu.Unlock()
	if r != nil {
		r.stop()
	}
	if len(ids) > 0 {
		log.Infof("dispatcher %s gone (%v); canceling %d tasks", l.Addr(), err, len(ids))
	}
	for _, id := range ids {
		e.drop(l, id)
	}
}

func (e *Executor) requestTasks(l *link.Link, req protocol.RequestTasks) {
	reports := make(map[string]protocol.TaskReport, len(req.Tasks))
	for _, t := range req.Tasks {
		reports[t.ID] = e.accept(l, t)
	}
	if err := l.Send(protocol.ReportTaskStatus{Reports: reports}); err != nil {
		log.Debugf("report task status to %s: %v", l.Addr(), err)
	}
	e.reporterFor(l).schedule()
}

func unacceptable(reason string) protocol.TaskReport {
	return protocol.TaskReport{Status: protocol.Unacceptable, Reason: reason}
}

// accept takes a slot for t and evaluates what it still needs.
func (e *Executor) accept(l *link.Link, t protocol.TaskRequest) protocol.TaskReport {
	if !e.cfg.Accept(l.Addr()) {
		return unacceptable(protocol.ReasonNotAccepted)
	}
	if t.ID == "" || t.CodeHash == "" || (t.UnitKind != types.UnitCPU && t.UnitKind != types.UnitGPU) {
		return unacceptable(protocol.ReasonBadRequest)
	}
	if j, ok := e.job(l, t.ID); ok {
		return e.evaluate(j)
	}
	if err := e.cap.Delegate(t.ID, t.UnitKind); err != nil {
		if t.UnitKind == types.UnitGPU {
			return unacceptable(protocol.ReasonGPULimit)
		}
		return unacceptable(protocol.ReasonCPULimit)
	}
	j := &job{req: t, link: l}
	e.mu.Lock()
	e.jobs[jobKey{l, t.ID}] = j
	e.mu.Unlock()
	metrics.ExecutorTasks.Inc()
	log.Debugf("accepted %s (%s) from %s", t.ID, t.UnitKind, l.Addr())
	return e.evaluate(j)
}

// evaluate decides the next negotiation step for j.
func (e *Executor) evaluate(j *job) protocol.TaskReport {
	missing, err := e.res.Missing(j.req.CodeHash)
	if err != nil {
		log.Warnf("closure of %s: %v", j.req.CodeHash, err)
		e.drop(j.link, j.req.ID)
		return unacceptable(protocol.ReasonBadCode)
	}
	if len(missing) > 0 {
		return protocol.TaskReport{Status: protocol.NeedsCode, Missing: missing}
	}
	required, ok := e.res.Manifest(j.req.DependencyHash)
	if !ok {
		return protocol.TaskReport{Status: protocol.NeedsDependencyDiff, NeedManifest: true}
	}
	if sf := e.res.Shortfall(e.inst.Known(), required); sf != nil {
		return protocol.TaskReport{Status: protocol.NeedsDependencyDiff, ShortfallHash: sf.Hash(), Shortfall: sf}
	}
	e.mu.Lock()
	if j.phase == negotiating {
		j.phase = confirmed
	}
	e.mu.Unlock()
	return protocol.TaskReport{Status: protocol.Confirmed}
}

// reply re-evaluates one task after the dispatcher filled a gap.
func (e *Executor) reply(l *link.Link, id string) {
	j, ok := e.job(l, id)
	if !ok {
		return
	}
	rep := e.evaluate(j)
	if rep.Status == protocol.Unacceptable {
		e.fail(l, id, types.PhasePreprocess, "task state lost")
		return
	}
	if err := l.Send(protocol.ReportTaskStatus{Reports: map[string]protocol.TaskReport{id: rep}}); err != nil {
		log.Debugf("report %s to %s: %v", id, l.Addr(), err)
	}
}

// fail frees the slot and then reports the error.
func (e *Executor) fail(l *link.Link, id string, ph types.Phase, msg string) {
	e.drop(l, id)
	if err := l.Send(protocol.TaskError{TaskID: id, Phase: ph, Error: msg}); err != nil {
		log.Debugf("task error %s to %s: %v", id, l.Addr(), err)
	}
}

func (e *Executor) responseCode(l *link.Link, v protocol.ResponseCode) {
	if _, ok := e.job(l, v.TaskID); !ok {
		return
	}
	sources := v.Sources
	if v.BulkHash != "" {
		data, err := e.fetch(l, v.TaskID, v.BulkHash)
		if err != nil {
			e.fail(l, v.TaskID, types.PhasePreprocess, fmt.Sprintf("code: %v", err))
			return
		}
		if err := json.Unmarshal(data, &sources); err != nil {
			e.fail(l, v.TaskID, types.PhasePreprocess, fmt.Sprintf("decode code %s: %v", v.CodeHash, err))
			return
		}
	}
	for h, text := range sources {
		if err := e.res.PutSource(h, []byte(text)); err != nil {
			e.fail(l, v.TaskID, types.PhasePreprocess, fmt.Sprintf("code %s: %v", h, err))
			return
		}
	}
	e.reply(l, v.TaskID)
}

func (e *Executor) responseManifest(l *link.Link, v protocol.ResponseDependencyManifest) {
	if _, ok := e.job(l, v.TaskID); !ok {
		return
	}
	if v.Manifest == nil {
		e.fail(l, v.TaskID, types.PhasePreprocess, "empty dependency manifest")
		return
	}
	if err := e.res.PutManifest(v.DependencyHash, v.Manifest); err != nil {
		e.fail(l, v.TaskID, types.PhasePreprocess, err.Error())
		return
	}
	e.reply(l, v.TaskID)
}

func (e *Executor) responseBundle(l *link.Link, v protocol.ResponseDependencyBundle) {
	j, ok := e.job(l, v.TaskID)
	if !ok {
		return
	}
	e.mu.Lock()
	j.bundles++
	attempts := j.bundles
	e.mu.Unlock()
	if attempts > maxBundleAttempts {
		e.fail(l, v.TaskID, types.PhasePreprocess, fmt.Sprintf("dependencies %s still missing after install", v.ShortfallHash))
		return
	}
	data := v.Bundle
	if v.BulkHash != "" {
		var err error
		if data, err = e.fetch(l, v.TaskID, v.BulkHash); err != nil {
			e.fail(l, v.TaskID, types.PhasePreprocess, fmt.Sprintf("dependency bundle: %v", err))
			return
		}
	}
	set, err := e.inst.Install(data)
	if err != nil {
		e.fail(l, v.TaskID, types.PhasePreprocess, fmt.Sprintf("install dependencies: %v", err))
		return
	}
	log.Debugf("installed %d packages for %s", set.Len(), v.TaskID)
	e.reply(l, v.TaskID)
}

// fetch pulls a bulk payload for a task with a bounded number of restarts.
func (e *Executor) fetch(l *link.Link, id, hash string) ([]byte, error) {
	restarts := 0
	retry := func() bool {
		restarts++
		_, ok := e.job(l, id)
		return ok && restarts <= maxBundleAttempts
	}
	return l.Fetch(e.ctx, hash, bulk.Watch{Retry: retry})
}

func (e *Executor) workerData(l *link.Link, v protocol.SendWorkerData) {
	j, ok := e.job(l, v.TaskID)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	ph := j.phase
	if ph == confirmed {
		j.phase = running
		j.cancel = cancel
	}
	e.mu.Unlock()
	if ph != confirmed {
		cancel()
		e.fail(l, v.TaskID, types.PhasePreprocess, "worker data before confirmation")
		return
	}

	payload := []byte(v.Payload)
	if v.BulkHash != "" {
		var err error
		if payload, err = e.fetch(l, v.TaskID, v.BulkHash); err != nil {
			e.fail(l, v.TaskID, types.PhasePreprocess, fmt.Sprintf("worker data: %v", err))
			return
		}
	}
	code := v.CodeHash
	if code == "" {
		code = j.req.CodeHash
	}
	entry, err := e.res.Materialize(code, filepath.Join(e.cfg.RuntimeDir, "code"))
	if err != nil {
		e.fail(l, v.TaskID, types.PhasePreprocess, fmt.Sprintf("materialize %s: %v", code, err))
		return
	}
	h, err := e.sb.Start(ctx, sandbox.Code{Dir: e.cfg.RuntimeDir, Entry: entry, CodeHash: code}, payload)
	if err != nil {
		e.fail(l, v.TaskID, types.PhasePreprocess, err.Error())
		return
	}
	l.Send(protocol.TaskStarted{TaskID: v.TaskID})
	e.watch(l, v.TaskID, h)
}

// watch relays sandbox events until the task ends.
func (e *Executor) watch(l *link.Link, id string, h sandbox.Handle) {
	for ev := range h.Events() {
		switch ev.Kind {
		case sandbox.Progress:
			l.Send(protocol.TaskProcessing{TaskID: id, Vars: ev.Vars})
		case sandbox.Complete:
			if !e.drop(l, id) {
				return
			}
			e.complete(l, id, ev.Result)
		case sandbox.Failed:
			if _, ok := e.job(l, id); !ok {
				// canceled by the dispatcher
				return
			}
			ph, msg := types.PhaseProcessing, fmt.Sprint(ev.Err)
			var te *types.TaskError
			if errors.As(ev.Err, &te) {
				ph, msg = te.Phase, te.Message
			}
			e.fail(l, id, ph, msg)
		}
	}
}

func (e *Executor) complete(l *link.Link, id string, result json.RawMessage) {
	if !bulk.NeedsChunking(len(result), l.ChunkSize()) {
		l.Send(protocol.TaskComplete{TaskID: id, Result: result})
		return
	}
	h, err := l.Offer(result)
	if err != nil {
		l.Send(protocol.TaskError{TaskID: id, Phase: types.PhaseProcessing, Error: fmt.Sprintf("stage result: %v", err)})
		return
	}
	l.Send(protocol.TaskCompleteBulk{TaskID: id, ResultHash: h, Size: len(result)})
}
