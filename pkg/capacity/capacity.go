// Package capacity tracks processing-unit slots for one node, either our own
// or the last view we received from a peer.
package capacity

import (
	"sort"
	"sync"

	"idlemesh/pkg/types"
)

// Report is the wire-level snapshot of a node's capacity.
type Report struct {
	IdleCPU         int      `json:"idleCpu"`
	IdleGPU         int      `json:"idleGpu"`
	ActiveCPU       []string `json:"activeCpu,omitempty"`
	ActiveGPU       []string `json:"activeGpu,omitempty"`
	KnownCodeHashes []string `json:"knownCodeHashes,omitempty"`
}

type Capacity struct {
	mu     sync.Mutex
	total  map[types.UnitKind]int
	active map[types.UnitKind][]string
	known  map[string]struct{}
}

func New(cpu, gpu int) *Capacity {
	return &Capacity{
		total:  map[types.UnitKind]int{types.UnitCPU: cpu, types.UnitGPU: gpu},
		active: map[types.UnitKind][]string{},
		known:  map[string]struct{}{},
	}
}

func (c *Capacity) idle(kind types.UnitKind) int {
	n := c.total[kind] - len(c.active[kind])
	if n < 0 {
		return 0
	}
	return n
}

// Idle is total minus active, clamped at zero.
func (c *Capacity) Idle(kind types.UnitKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle(kind)
}

func (c *Capacity) Total(kind types.UnitKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total[kind]
}

func (c *Capacity) SetTotal(kind types.UnitKind, n int) {
	if n < 0 {
		n = 0
	}
	c.mu.Lock()
	c.total[kind] = n
	c.mu.Unlock()
}

// Delegate occupies one slot of kind with taskID.
func (c *Capacity) Delegate(taskID string, kind types.UnitKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idle(kind) <= 0 {
		return types.ErrNoIdleSlot
	}
	if _, ok := c.holder(taskID); ok {
		return nil
	}
	c.active[kind] = append(c.active[kind], taskID)
	return nil
}

func (c *Capacity) holder(taskID string) (types.UnitKind, bool) {
	for kind, ids := range c.active {
		for _, id := range ids {
			if id == taskID {
				return kind, true
			}
		}
	}
	return "", false
}

// Release frees the slot held by taskID and reports which pool it was in.
func (c *Capacity) Release(taskID string) (types.UnitKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for kind, ids := range c.active {
		for i, id := range ids {
			if id == taskID {
				c.active[kind] = append(ids[:i:i], ids[i+1:]...)
				return kind, true
			}
		}
	}
	return "", false
}

func (c *Capacity) Holds(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.holder(taskID)
	return ok
}

func (c *Capacity) Active(kind types.UnitKind) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.active[kind]...)
}

func (c *Capacity) KnowsCode(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.known[hash]
	return ok
}

// Exhaust leaves kind with no idle slot until the next Apply.
func (c *Capacity) Exhaust(kind types.UnitKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total[kind] = len(c.active[kind])
}

// Apply replaces the whole record with a peer's report. Totals are derived so
// that idle = total - len(active) holds for the reported numbers.
func (c *Capacity) Apply(r Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = map[types.UnitKind][]string{
		types.UnitCPU: append([]string(nil), r.ActiveCPU...),
		types.UnitGPU: append([]string(nil), r.ActiveGPU...),
	}
	c.total[types.UnitCPU] = max(r.IdleCPU, 0) + len(r.ActiveCPU)
	c.total[types.UnitGPU] = max(r.IdleGPU, 0) + len(r.ActiveGPU)
	c.known = make(map[string]struct{}, len(r.KnownCodeHashes))
	for _, h := range r.KnownCodeHashes {
		c.known[h] = struct{}{}
	}
}

func (c *Capacity) Snapshot() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	known := make([]string, 0, len(c.known))
	for h := range c.known {
		known = append(known, h)
	}
	sort.Strings(known)
	return Report{
		IdleCPU:         c.idle(types.UnitCPU),
		IdleGPU:         c.idle(types.UnitGPU),
		ActiveCPU:       append([]string(nil), c.active[types.UnitCPU]...),
		ActiveGPU:       append([]string(nil), c.active[types.UnitGPU]...),
		KnownCodeHashes: known,
	}
}
