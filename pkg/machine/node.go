// Package machine runs the libp2p side of a node: the host, LAN discovery
// and the streams that carry peer links.
package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	ma "github.com/multiformats/go-multiaddr"

	"idlemesh/pkg/bulk"
	"idlemesh/pkg/link"
	"idlemesh/pkg/store"
)

var log = logging.Logger("idlemesh/machine")

const (
	LinkProtocol = protocol.ID("/idlemesh/link/1.0.0")
	ServiceTag   = "_idlemesh._udp"
)

// Dispatcher takes the links this node opens to executors.
type Dispatcher interface {
	link.Handler
	Attach(l *link.Link)
}

type Options struct {
	Identity   crypto.PrivKey
	Listen     []string
	EnableMDNS bool
	ServiceTag string
	// TargetRanges limits which discovered peers get a dispatcher link.
	TargetRanges Ranges
	DialTimeout  time.Duration
}

type Node struct {
	host       host.Host
	opts       Options
	dispatcher Dispatcher
	executor   link.Handler
	sender     *bulk.Sender
	transfers  store.Store
	mdns       mdns.Service

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	dialing map[peer.ID]bool
	links   map[peer.ID]*link.Link
}

// New starts the host. A nil dispatcher means the node never seeks capacity;
// a nil executor means it never offers any.
func New(ctx context.Context, opts Options, d Dispatcher, e link.Handler, sender *bulk.Sender, transfers store.Store) (*Node, error) {
	if opts.ServiceTag == "" {
		opts.ServiceTag = ServiceTag
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	hopts := []libp2p.Option{
		libp2p.ListenAddrStrings(opts.Listen...),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.DefaultTransports,
	}
	if opts.Identity != nil {
		hopts = append(hopts, libp2p.Identity(opts.Identity))
	}
	h, err := libp2p.New(hopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n := &Node{
		host:       h,
		opts:       opts,
		dispatcher: d,
		executor:   e,
		sender:     sender,
		transfers:  transfers,
		dialing:    make(map[peer.ID]bool),
		links:      make(map[peer.ID]*link.Link),
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	if e != nil {
		h.SetStreamHandler(LinkProtocol, n.serve)
	}
	if opts.EnableMDNS {
		svc := mdns.NewMdnsService(h, opts.ServiceTag, n)
		if err := svc.Start(); err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to start mDNS service: %w", err)
		}
		n.mdns = svc
		log.Infof("mDNS discovery enabled (%s)", opts.ServiceTag)
	}
	log.Infof("node %s listening on %v", h.ID(), h.Addrs())
	return n, nil
}

func (n *Node) Host() host.Host { return n.host }

func (n *Node) ID() peer.ID { return n.host.ID() }

// Links counts the open dispatcher links.
func (n *Node) Links() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.links)
}

// HandlePeerFound is called by mDNS and the DHT registry for every peer seen.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() || n.dispatcher == nil {
		return
	}
	if len(pi.Addrs) > 0 {
		pi.Addrs = n.opts.TargetRanges.Filter(pi.Addrs)
		if len(pi.Addrs) == 0 {
			log.Debugf("peer %s outside target ranges", pi.ID)
			return
		}
	}
	go func() {
		if err := n.Dial(n.ctx, pi); err != nil {
			log.Debugf("dial %s: %v", pi.ID, err)
		}
	}()
}

// Bootstrap dials each "/.../p2p/<id>" address.
func (n *Node) Bootstrap(addrs []string) error {
	for _, s := range addrs {
		pi, err := peer.AddrInfoFromString(s)
		if err != nil {
			return fmt.Errorf("bootstrap peer %q: %w", s, err)
		}
		n.HandlePeerFound(*pi)
	}
	return nil
}

// Dial opens a dispatcher link to pi unless one is open or being opened.
func (n *Node) Dial(ctx context.Context, pi peer.AddrInfo) error {
	n.mu.Lock()
	if n.dialing[pi.ID] || n.links[pi.ID] != nil {
		n.mu.Unlock()
		return nil
	}
	n.dialing[pi.ID] = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.dialing, pi.ID)
		n.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, n.opts.DialTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s, err := n.host.NewStream(ctx, pi.ID, LinkProtocol)
	if err != nil {
		return fmt.Errorf("open link stream: %w", err)
	}
	if !n.opts.TargetRanges.AllowsMultiaddr(s.Conn().RemoteMultiaddr()) {
		s.Reset()
		return fmt.Errorf("connected address %s outside target ranges", s.Conn().RemoteMultiaddr())
	}
	l := link.New(linkAddr(s), link.Dispatcher, s, n.dispatcher, n.sender, n.transfers)
	n.mu.Lock()
	n.links[pi.ID] = l
	n.mu.Unlock()
	n.dispatcher.Attach(l)
	go func() {
		err := l.Run(n.ctx)
		log.Debugf("dispatcher link %s ended: %v", l.Addr(), err)
		n.mu.Lock()
		if n.links[pi.ID] == l {
			delete(n.links, pi.ID)
		}
		n.mu.Unlock()
	}()
	log.Infof("dispatcher link to %s", l.Addr())
	return nil
}

// serve runs the executor side of a link a remote dispatcher opened.
// Every dispatcher is served; the executor refuses work from those outside
// its accept ranges.
func (n *Node) serve(s network.Stream) {
	l := link.New(linkAddr(s), link.Executor, s, n.executor, n.sender, n.transfers)
	log.Infof("executor link from %s", l.Addr())
	go func() {
		err := l.Run(n.ctx)
		log.Debugf("executor link %s ended: %v", l.Addr(), err)
	}()
}

func (n *Node) Close() error {
	n.cancel()
	if n.mdns != nil {
		n.mdns.Close()
	}
	return n.host.Close()
}

func linkAddr(s network.Stream) string {
	c := s.Conn()
	comp, err := ma.NewComponent("p2p", c.RemotePeer().String())
	if err != nil {
		return c.RemoteMultiaddr().String()
	}
	return c.RemoteMultiaddr().Encapsulate(comp).String()
}
