package scheduler

import (
	"sync"

	"idlemesh/pkg/capacity"
	"idlemesh/pkg/link"
)

// Peer is the dispatcher's view of one executor.
type Peer struct {
	Addr string
	Cap  *capacity.Capacity

	link     *link.Link
	reported bool
}

// PeerInfo is a point-in-time copy of a peer for callers outside the scheduler.
type PeerInfo struct {
	Addr     string          `json:"addr"`
	Reported bool            `json:"reported"`
	Capacity capacity.Report `json:"capacity"`
}

// State holds every peer one scheduler instance dispatches to.
type State struct {
	mu    sync.Mutex
	peers map[string]*Peer
	order []string
}

func NewState() *State {
	return &State{peers: map[string]*Peer{}}
}

// attach registers l, replacing any earlier link to the same address.
func (s *State) attach(l *link.Link) (p *Peer, replaced *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = &Peer{Addr: l.Addr(), Cap: capacity.New(0, 0), link: l}
	if old, ok := s.peers[p.Addr]; ok {
		replaced = old
	} else {
		s.order = append(s.order, p.Addr)
	}
	s.peers[p.Addr] = p
	return p, replaced
}

// detach removes the peer only if it is still served by l.
func (s *State) detach(l *link.Link) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[l.Addr()]
	if !ok || p.link != l {
		return nil, false
	}
	delete(s.peers, p.Addr)
	for i, a := range s.order {
		if a == p.Addr {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return p, true
}

func (s *State) get(addr string) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	return p, ok
}

// peerOf returns the peer served by l.
func (s *State) peerOf(l *link.Link) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[l.Addr()]
	if !ok || p.link != l {
		return nil, false
	}
	return p, true
}

func (s *State) markReported(p *Peer) {
	s.mu.Lock()
	p.reported = true
	s.mu.Unlock()
}

// reported lists, in attach order, the peers that sent at least one status report.
func (s *State) reported() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.order))
	for _, a := range s.order {
		if p := s.peers[a]; p.reported {
			out = append(out, p)
		}
	}
	return out
}

func (s *State) all() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.order))
	for _, a := range s.order {
		out = append(out, s.peers[a])
	}
	return out
}

func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *State) Infos() []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerInfo, 0, len(s.order))
	for _, a := range s.order {
		p := s.peers[a]
		out = append(out, PeerInfo{Addr: p.Addr, Reported: p.reported, Capacity: p.Cap.Snapshot()})
	}
	return out
}
