// Package bulk moves payloads larger than one chunk. Transfers are driven by
// the receiver, which claims one chunk at a time and verifies the reassembled
// payload against the advertised content hash.
package bulk

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"idlemesh/pkg/metrics"
	"idlemesh/pkg/protocol"
	"idlemesh/pkg/store"
	"idlemesh/pkg/types"
)

var log = logging.Logger("idlemesh/bulk")

const DefaultChunkSize = 1_000_000

// NeedsChunking is true only when size exceeds one chunk.
func NeedsChunking(size, chunkSize int) bool {
	return size > chunkSize
}

func Split(data []byte, chunkSize int) [][]byte {
	var parts [][]byte
	for len(data) > chunkSize {
		parts = append(parts, data[:chunkSize:chunkSize])
		data = data[chunkSize:]
	}
	if len(data) > 0 {
		parts = append(parts, data)
	}
	return parts
}

// Sender keeps offered payloads in a memory tier until the receiver confirms,
// and in the disk transfer tier until it is swept.
type Sender struct {
	chunkSize int
	mem       *store.Memory
	disk      store.Store
}

func NewSender(chunkSize int, mem *store.Memory, disk store.Store) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Sender{chunkSize: chunkSize, mem: mem, disk: disk}
}

func (s *Sender) ChunkSize() int { return s.chunkSize }

// Offer hashes data once and caches it under that hash.
func (s *Sender) Offer(data []byte) (string, error) {
	h := store.Hash(data)
	if s.disk != nil {
		if err := s.disk.Put(h, data); err != nil {
			return "", fmt.Errorf("cache transfer %s: %w", h, err)
		}
	}
	s.mem.Put(h, data)
	return h, nil
}

func (s *Sender) payload(hash string) ([]byte, bool, error) {
	if data, ok, _ := s.mem.Get(hash); ok {
		return data, true, nil
	}
	if s.disk == nil {
		return nil, false, nil
	}
	return s.disk.Get(hash)
}

// Chunk returns the index-th chunk, or end=true once past the last one.
func (s *Sender) Chunk(hash string, index int) (data []byte, end bool, err error) {
	payload, ok, err := s.payload(hash)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("no transfer payload %s", hash)
	}
	start := index * s.chunkSize
	if index < 0 || start >= len(payload) {
		return nil, true, nil
	}
	stop := min(start+s.chunkSize, len(payload))
	return payload[start:stop], false, nil
}

// Release drops the in-memory copy once the receiver has everything.
func (s *Sender) Release(hash string) {
	s.mem.Remove(hash)
}

type result struct {
	data []byte
	err  error
}

// Watch follows one fetch. Both hooks are optional.
type Watch struct {
	// Retry is asked before every restart after an integrity mismatch; nil
	// restarts until the context ends.
	Retry func() bool
	// Chunk is called after every chunk that arrives.
	Chunk func()
}

type transfer struct {
	parts   [][]byte
	watch   Watch
	waiters []chan result
}

// Receiver reassembles transfers for one link.
type Receiver struct {
	cache store.Store
	send  func(protocol.Message) error

	mu        sync.Mutex
	transfers map[string]*transfer
	closed    error
}

func NewReceiver(cache store.Store, send func(protocol.Message) error) *Receiver {
	return &Receiver{cache: cache, send: send, transfers: map[string]*transfer{}}
}

// Fetch returns the payload behind hash. A locally cached payload skips the
// transfer entirely. Concurrent fetches of one hash share a single transfer,
// watched by the first caller's w.
func (r *Receiver) Fetch(ctx context.Context, hash string, w Watch) ([]byte, error) {
	if data, ok, err := r.cache.Get(hash); err == nil && ok {
		metrics.BulkSkipped.Inc()
		if err := r.send(protocol.AllChunksReceived{Hash: hash}); err != nil {
			return nil, err
		}
		return data, nil
	}
	ch := make(chan result, 1)
	r.mu.Lock()
	if r.closed != nil {
		r.mu.Unlock()
		return nil, r.closed
	}
	t, ok := r.transfers[hash]
	if !ok {
		t = &transfer{watch: w}
		r.transfers[hash] = t
	}
	t.waiters = append(t.waiters, ch)
	r.mu.Unlock()

	if !ok {
		if err := r.send(protocol.ClaimChunk{Hash: hash, Index: 0}); err != nil {
			r.finish(hash, result{err: err})
			return nil, err
		}
	}
	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		r.abandon(hash, ch)
		return nil, ctx.Err()
	}
}

func (r *Receiver) abandon(hash string, ch chan result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[hash]
	if !ok {
		return
	}
	for i, w := range t.waiters {
		if w == ch {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			break
		}
	}
	if len(t.waiters) == 0 {
		delete(r.transfers, hash)
	}
}

func (r *Receiver) finish(hash string, res result) {
	r.mu.Lock()
	t, ok := r.transfers[hash]
	delete(r.transfers, hash)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, w := range t.waiters {
		w <- res
	}
}

func (r *Receiver) HandleChunk(c protocol.Chunk) error {
	r.mu.Lock()
	t, ok := r.transfers[c.Hash]
	if !ok || c.Index != len(t.parts) {
		r.mu.Unlock()
		return nil
	}
	t.parts = append(t.parts, c.Data)
	onChunk := t.watch.Chunk
	r.mu.Unlock()
	metrics.BulkBytes.WithLabelValues("in").Add(float64(len(c.Data)))
	if onChunk != nil {
		onChunk()
	}
	return r.send(protocol.ClaimChunk{Hash: c.Hash, Index: c.Index + 1})
}

func (r *Receiver) HandleEnd(e protocol.ChunkEnd) error {
	r.mu.Lock()
	t, ok := r.transfers[e.Hash]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	data := bytes.Join(t.parts, nil)
	if len(data) == 0 || store.Hash(data) != e.Hash {
		t.parts = nil
		retry := t.watch.Retry
		r.mu.Unlock()
		if retry != nil && !retry() {
			r.finish(e.Hash, result{err: fmt.Errorf("%w: %s", types.ErrTransferIntegrity, e.Hash)})
			return nil
		}
		metrics.BulkRestarts.Inc()
		log.Debugf("transfer %s failed verification (%d bytes), restarting from the first chunk", e.Hash, len(data))
		return r.send(protocol.ClaimChunk{Hash: e.Hash, Index: 0})
	}
	r.mu.Unlock()
	if err := r.cache.Put(e.Hash, data); err != nil {
		log.Warnf("cache transfer %s: %v", e.Hash, err)
	}
	r.finish(e.Hash, result{data: data})
	return r.send(protocol.AllChunksReceived{Hash: e.Hash})
}

// Close fails every pending fetch with err.
func (r *Receiver) Close(err error) {
	r.mu.Lock()
	r.closed = err
	pending := r.transfers
	r.transfers = map[string]*transfer{}
	r.mu.Unlock()
	for _, t := range pending {
		for _, w := range t.waiters {
			w <- result{err: err}
		}
	}
}
