package machine

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"idlemesh/pkg/bulk"
	"idlemesh/pkg/link"
	"idlemesh/pkg/protocol"
	"idlemesh/pkg/store"
)

type attachRecorder struct {
	attached chan *link.Link
}

func (a *attachRecorder) Attach(l *link.Link) { a.attached <- l }

func (a *attachRecorder) HandleMessage(*link.Link, protocol.Message) {}

func (a *attachRecorder) LinkClosed(*link.Link, error) {}

type claimRecorder struct {
	claims chan string
}

func (c *claimRecorder) HandleMessage(l *link.Link, m protocol.Message) {
	if _, ok := m.(protocol.ClaimStatus); ok {
		c.claims <- l.Addr()
	}
}

func (c *claimRecorder) LinkClosed(*link.Link, error) {}

func newNode(t *testing.T, d Dispatcher, e link.Handler) *Node {
	t.Helper()
	sender := bulk.NewSender(1024, store.NewMemory(16, time.Minute), nil)
	n, err := New(context.Background(), Options{
		Listen: []string{"/ip4/127.0.0.1/tcp/0"},
	}, d, e, sender, store.NewMemory(16, 0))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestDialOpensDispatcherLink(t *testing.T) {
	rec := &attachRecorder{attached: make(chan *link.Link, 1)}
	claims := &claimRecorder{claims: make(chan string, 1)}
	a := newNode(t, rec, nil)
	local, _ := ParseRanges([]string{"127.0.0.0/8"})
	b := newNode(t, nil, claims)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pi := peer.AddrInfo{ID: b.ID(), Addrs: b.Host().Addrs()}
	if err := a.Dial(ctx, pi); err != nil {
		t.Fatal(err)
	}
	var l *link.Link
	select {
	case l = <-rec.attached:
	case <-ctx.Done():
		t.Fatal("link never attached")
	}
	if l.Role() != link.Dispatcher || a.Links() != 1 {
		t.Fatalf("role %s, links %d", l.Role(), a.Links())
	}
	// a second dial reuses the open link
	if err := a.Dial(ctx, pi); err != nil || a.Links() != 1 {
		t.Fatalf("redial: %v, links %d", err, a.Links())
	}

	if err := l.Send(protocol.ClaimStatus{}); err != nil {
		t.Fatal(err)
	}
	select {
	case addr := <-claims.claims:
		if !local.Allows(addr) {
			t.Fatalf("executor side sees dispatcher at %s, want a loopback address", addr)
		}
	case <-ctx.Done():
		t.Fatal("claim never reached the executor side")
	}
}

func TestFoundPeerOutsideTargetsIsSkipped(t *testing.T) {
	rec := &attachRecorder{attached: make(chan *link.Link, 1)}
	a := newNode(t, rec, nil)
	a.opts.TargetRanges, _ = ParseRanges([]string{"10.0.0.0/8"})
	b := newNode(t, nil, &claimRecorder{claims: make(chan string, 1)})

	a.HandlePeerFound(peer.AddrInfo{ID: b.ID(), Addrs: b.Host().Addrs()})
	select {
	case <-rec.attached:
		t.Fatal("dialed a peer outside the target ranges")
	case <-time.After(200 * time.Millisecond):
	}
}
