package executor

import (
	"sync"
	"time"

	"idlemesh/pkg/link"
	"idlemesh/pkg/metrics"
	"idlemesh/pkg/protocol"
)

// reporter sends status reports to one dispatcher, at most one per
// cooldown. Requests inside the window collapse into one pending send.
type reporter struct {
	link     *link.Link
	cooldown time.Duration
	build    func() protocol.StatusReport

	mu      sync.Mutex
	last    time.Time
	pending bool
	timer   *time.Timer
	stopped bool
}

func (r *reporter) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending || r.stopped {
		return
	}
	wait := r.cooldown - time.Since(r.last)
	if wait <= 0 {
		r.last = time.Now()
		go r.send()
		return
	}
	r.pending = true
	r.timer = time.AfterFunc(wait, func() {
		r.mu.Lock()
		r.pending = false
		r.last = time.Now()
		stopped := r.stopped
		r.mu.Unlock()
		if !stopped {
			r.send()
		}
	})
}

func (r *reporter) send() {
	if err := r.link.Send(r.build()); err != nil {
		log.Debugf("status report to %s: %v", r.link.Addr(), err)
		return
	}
	metrics.StatusReports.Inc()
}

func (r *reporter) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}
