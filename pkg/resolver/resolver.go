// Package resolver is the content-addressed code and dependency cache that
// task negotiation runs on. Source texts, dependency sets, shortfalls and
// package bundles are all keyed by content hash, and every expensive
// computation is coalesced per (operation, hash).
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"idlemesh/pkg/store"
	"idlemesh/pkg/types"
)

var log = logging.Logger("idlemesh/resolver")

type Options struct {
	// ProjectRoot anchors relative imports of submitted code and holds node_modules.
	ProjectRoot string
	// Lockfile is the project's package-lock.json; empty means no installed packages.
	Lockfile string
	Sources  store.Store
	Bundles  store.Store
	// Manifests persists dependency sets by hash. Optional.
	Manifests store.Store
}

type Resolver struct {
	root      string
	installed *DependencySet
	sources   store.Store
	bundles   store.Store
	manifests store.Store

	group singleflight.Group

	mu         sync.Mutex
	known      map[string]struct{}
	resolved   map[string]string
	deps       map[string]*DependencySet
	sets       map[string]*DependencySet
	shortfalls map[[2]string]*DependencySet
}

type keyLister interface {
	Keys() ([]string, error)
}

func New(opts Options) (*Resolver, error) {
	if opts.Sources == nil || opts.Bundles == nil {
		return nil, errors.New("resolver: sources and bundles stores are required")
	}
	root, err := filepath.Abs(opts.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	r := &Resolver{
		root:       root,
		sources:    opts.Sources,
		bundles:    opts.Bundles,
		manifests:  opts.Manifests,
		known:      map[string]struct{}{},
		resolved:   map[string]string{},
		deps:       map[string]*DependencySet{},
		sets:       map[string]*DependencySet{},
		shortfalls: map[[2]string]*DependencySet{},
	}
	if opts.Lockfile != "" {
		data, err := os.ReadFile(opts.Lockfile)
		switch {
		case err == nil:
			if r.installed, err = ParseLockfile(data); err != nil {
				return nil, err
			}
			log.Infof("loaded %d installed packages from %s", r.installed.Len(), opts.Lockfile)
		case errors.Is(err, os.ErrNotExist):
			log.Warnf("lockfile %s not found; bare imports will not resolve", opts.Lockfile)
		default:
			return nil, fmt.Errorf("read lockfile: %w", err)
		}
	}
	if l, ok := opts.Sources.(keyLister); ok {
		keys, err := l.Keys()
		if err != nil {
			return nil, fmt.Errorf("list cached sources: %w", err)
		}
		for _, k := range keys {
			r.known[k] = struct{}{}
		}
	}
	return r, nil
}

// HashOf returns the content hash of text and caches hash -> text the first
// time the text is seen.
func (r *Resolver) HashOf(text []byte) (string, error) {
	h := store.Hash(text)
	r.mu.Lock()
	_, ok := r.known[h]
	r.mu.Unlock()
	if ok {
		return h, nil
	}
	if err := r.sources.Put(h, text); err != nil {
		return "", fmt.Errorf("cache source %s: %w", h, err)
	}
	r.mu.Lock()
	r.known[h] = struct{}{}
	r.mu.Unlock()
	return h, nil
}

// PutSource stores text received from a peer after checking it against hash.
func (r *Resolver) PutSource(hash string, text []byte) error {
	if err := store.Verify(hash, text); err != nil {
		return err
	}
	_, err := r.HashOf(text)
	return err
}

func (r *Resolver) Source(hash string) ([]byte, bool, error) {
	return r.sources.Get(hash)
}

// KnownCode lists every source hash held locally.
func (r *Resolver) KnownCode() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.known))
	for h := range r.known {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Resolved maps a raw hash to its transferable hash. The second result is
// false while resolution is still pending.
func (r *Resolver) Resolved(rawHash string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.resolved[rawHash]
	return h, ok
}

// Resolve rewrites source for transfer and computes its dependency set.
// Concurrent calls for the same source share one computation.
func (r *Resolver) Resolve(ctx context.Context, source []byte, dir string) (string, string, error) {
	raw, err := r.HashOf(source)
	if err != nil {
		return "", "", err
	}
	if dir == "" {
		dir = r.root
	}
	type result struct{ code, deps string }
	v, err, _ := r.group.Do("resolve\x00"+raw+"\x00"+dir, func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rw, err := r.RewriteForTransfer(source, dir)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.resolved[raw] = rw.Hash
		r.mu.Unlock()
		set, err := r.DependenciesOf(rw.Hash)
		if err != nil {
			return nil, err
		}
		return result{code: rw.Hash, deps: set.Hash()}, nil
	})
	if err != nil {
		return "", "", err
	}
	res := v.(result)
	return res.code, res.deps, nil
}

// DependenciesOf returns the packages, with their transitive requirements,
// that the code behind resolvedHash imports.
func (r *Resolver) DependenciesOf(resolvedHash string) (*DependencySet, error) {
	r.mu.Lock()
	set, ok := r.deps[resolvedHash]
	r.mu.Unlock()
	if ok {
		return set, nil
	}
	v, err, _ := r.group.Do("deps\x00"+resolvedHash, func() (interface{}, error) {
		return r.dependenciesOf(resolvedHash)
	})
	if err != nil {
		return nil, err
	}
	set = v.(*DependencySet)
	r.mu.Lock()
	r.deps[resolvedHash] = set
	r.mu.Unlock()
	r.rememberSet(set)
	return set, nil
}

func (r *Resolver) dependenciesOf(resolvedHash string) (*DependencySet, error) {
	closure, missing, err := r.Closure(resolvedHash)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("source %s not cached", missing[0])
	}
	schema := SchemaNested
	if r.installed != nil {
		schema = r.installed.Schema
	}
	set := NewSet(schema)
	var visit func(from string, name string)
	visit = func(from, name string) {
		d, ok := r.installed.Lookup(from, name)
		if !ok {
			log.Debugf("optional requirement %s of %s is not installed", name, from)
			return
		}
		if _, seen := set.at(d.InstallPath()); seen {
			return
		}
		set.Add(d)
		for req := range d.Requires {
			visit(d.InstallPath(), req)
		}
	}
	for _, f := range closure {
		if filepath.Ext(f.Name) != ".js" {
			continue
		}
		text, ok, err := r.sources.Get(f.Hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("source %s not cached", f.Hash)
		}
		for _, name := range packageImports(text) {
			if _, ok := r.installed.Lookup("", name); !ok {
				return nil, &types.UnresolvableError{Specifier: name, File: f.Name}
			}
			visit("", name)
		}
	}
	return set, nil
}

func (r *Resolver) rememberSet(set *DependencySet) {
	h := set.Hash()
	r.mu.Lock()
	_, ok := r.sets[h]
	r.sets[h] = set
	r.mu.Unlock()
	if ok || r.manifests == nil {
		return
	}
	if data, err := set.Marshal(); err == nil {
		if err := r.manifests.Put(h, data); err != nil {
			log.Warnf("persist manifest %s: %v", h, err)
		}
	}
}

// Manifest returns the dependency set whose hash is hash.
func (r *Resolver) Manifest(hash string) (*DependencySet, bool) {
	r.mu.Lock()
	set, ok := r.sets[hash]
	r.mu.Unlock()
	if ok {
		return set, true
	}
	if r.manifests == nil {
		return nil, false
	}
	data, ok, err := r.manifests.Get(hash)
	if err != nil || !ok {
		return nil, false
	}
	set, err = UnmarshalSet(data)
	if err != nil || set.Hash() != hash {
		return nil, false
	}
	r.mu.Lock()
	r.sets[hash] = set
	r.mu.Unlock()
	return set, true
}

// PutManifest stores a dependency set received from a peer.
func (r *Resolver) PutManifest(hash string, set *DependencySet) error {
	if got := set.Hash(); got != hash {
		return fmt.Errorf("manifest hash mismatch: want %s, got %s", hash, got)
	}
	r.rememberSet(set)
	return nil
}

// Shortfall is the memoized form of the package-level Shortfall, keyed by the
// hashes of both sets. A nil result means known already satisfies required.
func (r *Resolver) Shortfall(known, required *DependencySet) *DependencySet {
	key := [2]string{known.Hash(), required.Hash()}
	r.mu.Lock()
	sf, ok := r.shortfalls[key]
	r.mu.Unlock()
	if ok {
		return sf
	}
	v, _, _ := r.group.Do("shortfall\x00"+key[0]+"\x00"+key[1], func() (interface{}, error) {
		return Shortfall(known, required), nil
	})
	sf = v.(*DependencySet)
	r.mu.Lock()
	if cached, ok := r.shortfalls[key]; ok {
		sf = cached
	} else {
		r.shortfalls[key] = sf
	}
	r.mu.Unlock()
	if sf != nil {
		r.rememberSet(sf)
	}
	return sf
}
