// Package registry advertises spare capacity in the Kademlia DHT and finds
// other nodes that do.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
)

var log = logging.Logger("idlemesh/registry")

const maxProviders = 64

// CapacityKey is the provider record every offering node in a namespace publishes.
func CapacityKey(namespace string) (cid.Cid, error) {
	hashed, err := mh.Sum([]byte(fmt.Sprintf("/idlemesh/%s/capacity", namespace)), mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to hash key: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hashed), nil
}

type Config struct {
	Namespace string
	Bootstrap []peer.AddrInfo
	// Interval between re-advertising and looking up providers.
	Interval time.Duration
	Offer    bool
	Seek     bool
}

type Registry struct {
	cfg   Config
	host  host.Host
	dht   *dht.IpfsDHT
	key   cid.Cid
	found func(peer.AddrInfo)
}

// New joins the DHT. found is called for every provider other than this node.
func New(ctx context.Context, h host.Host, cfg Config, found func(peer.AddrInfo)) (*Registry, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	key, err := CapacityKey(cfg.Namespace)
	if err != nil {
		return nil, err
	}
	d, err := dht.New(ctx, h, dht.BootstrapPeers(cfg.Bootstrap...), dht.Mode(dht.ModeAuto))
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}
	if err := d.Bootstrap(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}
	return &Registry{cfg: cfg, host: h, dht: d, key: key, found: found}, nil
}

func (r *Registry) Close() error {
	return r.dht.Close()
}

func (r *Registry) Advertise(ctx context.Context) error {
	if err := r.dht.Provide(ctx, r.key, true); err != nil {
		return fmt.Errorf("failed to provide capacity in namespace %s: %w", r.cfg.Namespace, err)
	}
	log.Debugf("advertised capacity in namespace %s", r.cfg.Namespace)
	return nil
}

// Discover looks up providers and passes each one to found. It returns the
// number of peers reported.
func (r *Registry) Discover(ctx context.Context) int {
	n := 0
	for p := range r.dht.FindProvidersAsync(ctx, r.key, maxProviders) {
		if !dialable(r.host.ID(), p) {
			continue
		}
		n++
		if r.found != nil {
			r.found(p)
		}
	}
	return n
}

// dialable reports whether a provider record names another node and says
// where to reach it.
func dialable(self peer.ID, p peer.AddrInfo) bool {
	return p.ID != "" && p.ID != self && len(p.Addrs) > 0
}

// Run advertises and discovers every Interval until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		r.round(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (r *Registry) round(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Interval)
	defer cancel()
	if r.cfg.Offer {
		if err := r.Advertise(ctx); err != nil {
			log.Warnf("advertise: %v", err)
		}
	}
	if r.cfg.Seek {
		if n := r.Discover(ctx); n > 0 {
			log.Debugf("found %d capacity providers", n)
		}
	}
}
